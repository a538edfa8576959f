// Package bedrock adapts AWS Bedrock's InvokeModel API to the providers.Provider contract.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services/providers"
	"go.uber.org/zap"
)

const (
	providerName     = "bedrock"
	anthropicVersion = "bedrock-2023-05-31"
	defaultRegion    = "us-east-1"
	defaultMaxTokens = 1024
)

// model families with distinct request/response bodies
const (
	familyAnthropic = "anthropic"
	familyNova      = "nova"
	familyLlama     = "llama"
)

// InvokeModelAPI is the subset of the Bedrock runtime client the adapter uses
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config holds the adapter settings
type Config struct {
	Region string
	// Profile selects a shared config profile; empty means the default chain
	Profile string
}

// Adapter implements providers.Provider for Bedrock
type Adapter struct {
	client InvokeModelAPI
	region string
	logger *zap.Logger
}

// NewAdapter loads the AWS default credential chain and creates a Bedrock runtime client
func NewAdapter(ctx context.Context, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for bedrock (region: %s): %w", cfg.Region, err)
	}

	logger.Info("bedrock client initialized", zap.String("region", cfg.Region))
	return NewAdapterWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg.Region, logger), nil
}

// NewAdapterWithClient creates an Adapter over an existing client
func NewAdapterWithClient(client InvokeModelAPI, region string, logger *zap.Logger) *Adapter {
	return &Adapter{client: client, region: region, logger: logger}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return providerName
}

// Invoke sends one InvokeModel request and parses text and token usage from the body
func (a *Adapter) Invoke(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	start := time.Now()

	family, err := modelFamily(req.ModelID)
	if err != nil {
		return nil, providers.NewProviderError(providerName, "unsupported_model", err.Error(), false, nil)
	}

	body, err := json.Marshal(buildBody(family, req))
	if err != nil {
		return nil, providers.NewProviderError(providerName, "encode", "failed to encode request", false, err)
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.ModelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		a.logger.Warn("bedrock invoke failed",
			zap.String("model_id", req.ModelID),
			zap.Error(err))
		return nil, classify(err)
	}

	resp, err := parseBody(family, output.Body)
	if err != nil {
		return nil, providers.NewProviderError(providerName, "decode", "failed to parse response", false, err)
	}
	resp.ModelID = req.ModelID
	resp.Provider = providerName
	resp.Latency = time.Since(start)
	return resp, nil
}

// modelFamily detects the body format from the model id, including
// cross-region inference profile prefixes like "us." and "global.".
func modelFamily(modelID string) (string, error) {
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "anthropic.") || strings.Contains(id, "claude"):
		return familyAnthropic, nil
	case strings.Contains(id, "amazon.nova") || strings.Contains(id, "nova-"):
		return familyNova, nil
	case strings.Contains(id, "meta.llama"):
		return familyLlama, nil
	default:
		return "", fmt.Errorf("unsupported model family: %s", modelID)
	}
}

func maxTokens(req *providers.Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

func buildBody(family string, req *providers.Request) map[string]interface{} {
	switch family {
	case familyAnthropic:
		messages := make([]map[string]interface{}, 0, len(req.Conversation()))
		for _, m := range req.Conversation() {
			messages = append(messages, map[string]interface{}{
				"role":    m.Role,
				"content": []map[string]string{{"type": "text", "text": m.Content}},
			})
		}
		body := map[string]interface{}{
			"anthropic_version": anthropicVersion,
			"max_tokens":        maxTokens(req),
			"messages":          messages,
		}
		if req.SystemPrompt != "" {
			body["system"] = req.SystemPrompt
		}
		if req.Temperature > 0 {
			body["temperature"] = req.Temperature
		}
		return body

	case familyNova:
		messages := make([]map[string]interface{}, 0, len(req.Conversation()))
		for _, m := range req.Conversation() {
			messages = append(messages, map[string]interface{}{
				"role":    m.Role,
				"content": []map[string]string{{"text": m.Content}},
			})
		}
		inference := map[string]interface{}{"maxTokens": maxTokens(req)}
		if req.Temperature > 0 {
			inference["temperature"] = req.Temperature
		}
		body := map[string]interface{}{
			"schemaVersion":   "messages-v1",
			"messages":        messages,
			"inferenceConfig": inference,
		}
		if req.SystemPrompt != "" {
			body["system"] = []map[string]string{{"text": req.SystemPrompt}}
		}
		return body

	default:
		body := map[string]interface{}{
			"prompt":      llamaPrompt(req),
			"max_gen_len": maxTokens(req),
		}
		if req.Temperature > 0 {
			body["temperature"] = req.Temperature
		}
		return body
	}
}

// llamaPrompt renders the conversation in the Llama 3 chat template
func llamaPrompt(req *providers.Request) string {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")
	if req.SystemPrompt != "" {
		writeLlamaTurn(&b, "system", req.SystemPrompt)
	}
	for _, m := range req.Conversation() {
		writeLlamaTurn(&b, m.Role, m.Content)
	}
	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	return b.String()
}

func writeLlamaTurn(b *strings.Builder, role, content string) {
	b.WriteString("<|start_header_id|>")
	b.WriteString(role)
	b.WriteString("<|end_header_id|>\n\n")
	b.WriteString(content)
	b.WriteString("<|eot_id|>")
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type novaResponse struct {
	Output struct {
		Message struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	} `json:"output"`
	StopReason string `json:"stopReason"`
	Usage      struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
	} `json:"usage"`
}

type llamaResponse struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}

func parseBody(family string, body []byte) (*providers.Response, error) {
	switch family {
	case familyAnthropic:
		var r anthropicResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		var text strings.Builder
		for _, c := range r.Content {
			if c.Type == "text" {
				text.WriteString(c.Text)
			}
		}
		return &providers.Response{
			Text:       text.String(),
			StopReason: r.StopReason,
			Usage:      models.TokenUsage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens},
		}, nil

	case familyNova:
		var r novaResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		var text strings.Builder
		for _, c := range r.Output.Message.Content {
			text.WriteString(c.Text)
		}
		return &providers.Response{
			Text:       text.String(),
			StopReason: r.StopReason,
			Usage:      models.TokenUsage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens},
		}, nil

	default:
		var r llamaResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		return &providers.Response{
			Text:       r.Generation,
			StopReason: r.StopReason,
			Usage:      models.TokenUsage{InputTokens: r.PromptTokenCount, OutputTokens: r.GenerationTokenCount},
		}, nil
	}
}

// classify maps Bedrock service exceptions onto retryable and permanent provider errors
func classify(err error) error {
	var (
		throttling *types.ThrottlingException
		internal   *types.InternalServerException
		timeout    *types.ModelTimeoutException
		notReady   *types.ModelNotReadyException
		validation *types.ValidationException
		denied     *types.AccessDeniedException
		notFound   *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &throttling):
		return providers.NewProviderError(providerName, "throttled", "bedrock throttled the request", true, err)
	case errors.As(err, &internal), errors.As(err, &timeout), errors.As(err, &notReady):
		return providers.NewProviderError(providerName, "unavailable", "bedrock temporarily unavailable", true, err)
	case errors.As(err, &validation):
		return providers.NewProviderError(providerName, "invalid_request", "bedrock rejected the request", false, err)
	case errors.As(err, &denied):
		return providers.NewProviderError(providerName, "access_denied", "bedrock access denied", false, err)
	case errors.As(err, &notFound):
		return providers.NewProviderError(providerName, "model_not_found", "bedrock model not found", false, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return providers.NewProviderError(providerName, "timeout", "bedrock call timed out", true, err)
	default:
		return providers.NewProviderError(providerName, "unknown", "bedrock call failed", true, err)
	}
}
