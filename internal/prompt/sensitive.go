package prompt

import (
	"regexp"
	"sort"
	"strings"
)

// SensitiveKind names a class of personal data or credential found in action text
type SensitiveKind string

const (
	SensitiveEmail      SensitiveKind = "email"
	SensitiveSSN        SensitiveKind = "ssn"
	SensitiveCard       SensitiveKind = "credit_card"
	SensitiveAWSKey     SensitiveKind = "aws_access_key"
	SensitiveGCPKey     SensitiveKind = "gcp_api_key"
	SensitivePrivateKey SensitiveKind = "private_key"
	SensitiveJWT        SensitiveKind = "jwt"
	SensitiveGitHub     SensitiveKind = "github_token"
	SensitiveSlack      SensitiveKind = "slack_token"
	SensitivePassword   SensitiveKind = "password"
)

type sensitivePattern struct {
	kind    SensitiveKind
	pattern *regexp.Regexp
	// confirm filters regex hits, nil accepts every hit
	confirm func(match string) bool
}

// Patterns favour precision; a flagged action is annotated, never denied.
var sensitivePatterns = []sensitivePattern{
	{kind: SensitiveEmail, pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{kind: SensitiveSSN, pattern: regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`), confirm: plausibleSSN},
	{kind: SensitiveCard, pattern: regexp.MustCompile(`\b(?:[0-9][ -]?){12,18}[0-9]\b`), confirm: luhnValid},
	{kind: SensitiveAWSKey, pattern: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{kind: SensitiveGCPKey, pattern: regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`)},
	{kind: SensitivePrivateKey, pattern: regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+|DSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`)},
	{kind: SensitiveJWT, pattern: regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)},
	{kind: SensitiveGitHub, pattern: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{kind: SensitiveSlack, pattern: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}`)},
	{kind: SensitivePassword, pattern: regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{8,}`)},
}

// DetectSensitive returns the sorted, de-duplicated kinds of sensitive data
// present in texts, or nil when there is none.
func DetectSensitive(texts ...string) []string {
	found := make(map[SensitiveKind]struct{})
	for _, text := range texts {
		if text == "" {
			continue
		}
		for _, p := range sensitivePatterns {
			if _, ok := found[p.kind]; ok {
				continue
			}
			if p.confirm == nil {
				if p.pattern.MatchString(text) {
					found[p.kind] = struct{}{}
				}
				continue
			}
			for _, m := range p.pattern.FindAllString(text, -1) {
				if p.confirm(m) {
					found[p.kind] = struct{}{}
					break
				}
			}
		}
	}
	if len(found) == 0 {
		return nil
	}

	kinds := make([]string, 0, len(found))
	for k := range found {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// plausibleSSN rejects the area and group numbers that are never issued
func plausibleSSN(s string) bool {
	digits := strings.ReplaceAll(s, "-", "")
	if len(digits) != 9 {
		return false
	}
	area, group, serial := digits[:3], digits[3:5], digits[5:]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

// luhnValid checks a card number candidate with the Luhn checksum
func luhnValid(s string) bool {
	digits := strings.NewReplacer(" ", "", "-", "").Replace(s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
