package prompt

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// InjectionCategory groups signatures by the framing they detect
type InjectionCategory string

const (
	CategoryInstructionOverride InjectionCategory = "instruction_override"
	CategoryRoleReassignment    InjectionCategory = "role_reassignment"
	CategorySystemPromptLeak    InjectionCategory = "system_prompt_leak"
	CategoryJailbreak           InjectionCategory = "jailbreak"
	CategoryDelimiterAttack     InjectionCategory = "delimiter_attack"
)

//go:embed default_signatures.yaml
var defaultSignaturesYAML []byte

// SignatureSpec is the on-disk form of a signature
type SignatureSpec struct {
	ID          string            `yaml:"id" json:"id"`
	Category    InjectionCategory `yaml:"category" json:"category"`
	Pattern     string            `yaml:"pattern" json:"pattern"`
	Description string            `yaml:"description" json:"description"`
}

type catalogFile struct {
	Version    int             `yaml:"version"`
	Signatures []SignatureSpec `yaml:"signatures"`
}

// Signature is a compiled, named injection pattern
type Signature struct {
	SignatureSpec
	re *regexp.Regexp
}

// Match describes the first signature hit in scanned text
type Match struct {
	SignatureID string
	Category    InjectionCategory
	Fragment    string
	StartPos    int
	EndPos      int
}

// Catalog is an immutable ordered list of compiled signatures
type Catalog struct {
	signatures []Signature
	source     string
}

// ParseCatalog compiles a catalog from YAML (or JSON) bytes
func ParseCatalog(data []byte, source string) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse signature catalog %s: %w", source, err)
	}
	if len(file.Signatures) == 0 {
		return nil, fmt.Errorf("signature catalog %s is empty", source)
	}

	seen := make(map[string]struct{}, len(file.Signatures))
	sigs := make([]Signature, 0, len(file.Signatures))
	for i, spec := range file.Signatures {
		if spec.ID == "" {
			return nil, fmt.Errorf("signature %d in %s has no id", i, source)
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate signature id %q in %s", spec.ID, source)
		}
		seen[spec.ID] = struct{}{}

		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %q in %s: %w", spec.ID, source, err)
		}
		sigs = append(sigs, Signature{SignatureSpec: spec, re: re})
	}

	return &Catalog{signatures: sigs, source: source}, nil
}

// LoadCatalogFile reads and compiles a catalog from disk
func LoadCatalogFile(path string) (*Catalog, error) {
	if path == "" {
		return nil, errors.New("signature catalog path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature catalog: %w", err)
	}
	return ParseCatalog(data, path)
}

// DefaultCatalog returns the catalog shipped with the binary
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultSignaturesYAML, "embedded")
	if err != nil {
		panic(fmt.Sprintf("embedded signature catalog is invalid: %v", err))
	}
	return c
}

// Len returns the number of signatures
func (c *Catalog) Len() int {
	return len(c.signatures)
}

// Source returns where the catalog was loaded from
func (c *Catalog) Source() string {
	return c.source
}

// Specs returns the raw signature definitions in evaluation order
func (c *Catalog) Specs() []SignatureSpec {
	specs := make([]SignatureSpec, len(c.signatures))
	for i, s := range c.signatures {
		specs[i] = s.SignatureSpec
	}
	return specs
}

// Scan tests texts against signatures in catalog order and returns the first hit.
// Signature order takes precedence over text order.
func (c *Catalog) Scan(texts ...string) (Match, bool) {
	for _, sig := range c.signatures {
		for _, text := range texts {
			if text == "" {
				continue
			}
			if loc := sig.re.FindStringIndex(text); loc != nil {
				return Match{
					SignatureID: sig.ID,
					Category:    sig.Category,
					Fragment:    text[loc[0]:loc[1]],
					StartPos:    loc[0],
					EndPos:      loc[1],
				}, true
			}
		}
	}
	return Match{}, false
}
