package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/upb/agent-guard/internal/prompt"
	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services"
	"github.com/upb/agent-guard/utils"
	"go.uber.org/zap"
)

// Reasons and rules reported by the validator
const (
	ReasonInjection = "prompt injection detected"
	reasonMalformed = "malformed action"

	RuleStructure = "structure"
	RuleModelID   = "model_id"
)

// ModelCatalog is the finite set of model ids the gateway accepts
type ModelCatalog interface {
	Known(modelID string) bool
}

// Service performs structural and heuristic screening of inbound actions
type Service struct {
	signatures atomic.Pointer[prompt.Catalog]
	models     ModelCatalog
	logger     *zap.Logger
}

// NewService creates a new validator Service
func NewService(signatures *prompt.Catalog, catalog ModelCatalog, logger *zap.Logger) *Service {
	if signatures == nil {
		signatures = prompt.DefaultCatalog()
	}
	s := &Service{models: catalog, logger: logger}
	s.signatures.Store(signatures)
	return s
}

// Signatures returns the active signature catalog
func (s *Service) Signatures() *prompt.Catalog {
	return s.signatures.Load()
}

// ReloadSignatures swaps in a catalog read from path. On failure the active catalog is kept.
func (s *Service) ReloadSignatures(path string) error {
	catalog, err := prompt.LoadCatalogFile(path)
	if err != nil {
		s.logger.Error("signature catalog reload failed, keeping active catalog",
			zap.String("path", path),
			zap.Error(err))
		return services.WrapConfigFault("signature catalog unavailable", err)
	}
	s.signatures.Store(catalog)
	s.logger.Info("signature catalog reloaded",
		zap.String("path", path),
		zap.Int("signatures", catalog.Len()))
	return nil
}

// Parse decodes a raw action strictly. Every failure is a malformed-input DomainError.
func (s *Service) Parse(data []byte) (*models.Action, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var action models.Action
	if err := dec.Decode(&action); err != nil {
		return nil, malformed(describeDecodeError(err), err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, malformed("unexpected trailing data", err)
	}
	return &action, nil
}

// Validate screens an action. A zero-value Verdict with Allowed=true means pass.
func (s *Service) Validate(ctx context.Context, action *models.Action) (verdict models.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("validator panic converted to deny", zap.Any("panic", r))
			verdict = models.Deny(models.StageValidation, reasonMalformed, RuleStructure)
		}
	}()

	if action == nil {
		return models.Deny(models.StageValidation, reasonMalformed+": action is required", RuleStructure)
	}

	if err := utils.ValidateStruct(action); err != nil {
		var vErr *utils.ValidationError
		if errors.As(err, &vErr) {
			return models.Deny(models.StageValidation, reasonMalformed+": "+vErr.First(), RuleStructure)
		}
		return models.Deny(models.StageValidation, reasonMalformed, RuleStructure)
	}

	if s.models != nil && !s.models.Known(action.ModelID) {
		return models.Deny(models.StageValidation, reasonMalformed+": unknown model_id", RuleModelID)
	}

	if match, hit := s.signatures.Load().Scan(action.Texts()...); hit {
		s.logger.Warn("injection signature matched",
			zap.String("agent_id", action.AgentID),
			zap.String("request_id", action.RequestID),
			zap.String("signature_id", match.SignatureID),
			zap.String("category", string(match.Category)))
		return models.Deny(models.StageValidation, ReasonInjection, match.SignatureID)
	}

	return models.Verdict{Allowed: true, Reason: "valid", Stage: models.StageValidation}
}

// MalformedVerdict converts a Parse error into the verdict returned to the caller
func MalformedVerdict(err error) models.Verdict {
	var dErr *services.DomainError
	if errors.As(err, &dErr) && dErr.Type == services.ErrorTypeMalformedInput {
		return models.Deny(models.StageValidation, dErr.Message, RuleStructure)
	}
	return models.Deny(models.StageValidation, reasonMalformed, RuleStructure)
}

func malformed(detail string, err error) error {
	return services.NewDomainError(services.ErrorTypeMalformedInput, reasonMalformed+": "+detail, err)
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &typeErr):
		if typeErr.Field != "" {
			return fmt.Sprintf("%s must be %s", typeErr.Field, typeErr.Type.String())
		}
		return "action must be a JSON object"
	case errors.As(err, &syntaxErr):
		return "invalid JSON"
	case errors.Is(err, io.EOF):
		return "empty body"
	default:
		// DisallowUnknownFields reports as a plain error with the field name quoted
		return "invalid JSON: " + trimQuotedField(err.Error())
	}
}

func trimQuotedField(msg string) string {
	const prefix = "json: "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		msg = msg[len(prefix):]
	}
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return msg
}
