// Package pricing estimates inference cost from token counts and doubles as
// the catalog of model ids the gateway recognises.
package pricing

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ModelPrice is the USD price per one million tokens
type ModelPrice struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// DefaultPrice applies to models absent from the table
var DefaultPrice = ModelPrice{Input: 1.0, Output: 5.0}

// Table maps model ids to prices
type Table struct {
	prices   map[string]ModelPrice
	fallback ModelPrice
}

// NewTable creates a price table; the map is copied
func NewTable(prices map[string]ModelPrice, fallback ModelPrice) *Table {
	p := make(map[string]ModelPrice, len(prices))
	for k, v := range prices {
		p[k] = v
	}
	return &Table{prices: p, fallback: fallback}
}

// DefaultTable returns the Bedrock on-demand price list
func DefaultTable() *Table {
	return NewTable(map[string]ModelPrice{
		"global.amazon.nova-2-lite-v1:0":                   {Input: 0.30, Output: 2.50},
		"global.anthropic.claude-sonnet-4-5-20250929-v1:0": {Input: 3.00, Output: 15.00},
		"global.anthropic.claude-haiku-4-5-20251001-v1:0":  {Input: 1.00, Output: 5.00},
		"us.amazon.nova-pro-v1:0":                          {Input: 0.80, Output: 3.20},
		"us.deepseek.r1-v1:0":                              {Input: 0.55, Output: 2.19},
		"us.meta.llama3-3-70b-instruct-v1:0":               {Input: 0.99, Output: 0.99},
	}, DefaultPrice)
}

type tableFile struct {
	Default *ModelPrice           `yaml:"default"`
	Models  map[string]ModelPrice `yaml:"models"`
}

// LoadTableFile reads a price table from YAML or JSON
func LoadTableFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file %s: %w", path, err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("pricing file %s lists no models", path)
	}
	fallback := DefaultPrice
	if f.Default != nil {
		fallback = *f.Default
	}
	return NewTable(f.Models, fallback), nil
}

// Price returns the price of a model, falling back to the default entry
func (t *Table) Price(modelID string) ModelPrice {
	if p, ok := t.prices[modelID]; ok {
		return p
	}
	return t.fallback
}

// Known reports whether the model id is in the catalog
func (t *Table) Known(modelID string) bool {
	_, ok := t.prices[modelID]
	return ok
}

// Models returns the sorted model ids in the catalog
func (t *Table) Models() []string {
	ids := make([]string, 0, len(t.prices))
	for id := range t.prices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Estimate returns the cost in USD rounded to six decimals
func (t *Table) Estimate(modelID string, inputTokens, outputTokens int) float64 {
	p := t.Price(modelID)
	cost := float64(inputTokens)/1_000_000*p.Input + float64(outputTokens)/1_000_000*p.Output
	return math.Round(cost*1e6) / 1e6
}

// EstimateCeiling prices a request before the call, treating every requested token as output
func (t *Table) EstimateCeiling(modelID string, requestedTokens int) float64 {
	return t.Estimate(modelID, 0, requestedTokens)
}
