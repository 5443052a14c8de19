// Package security holds the guards that sit between untrusted input and the
// model: the prompt-injection sanitizer and the SSRF guard for network tools.
package security

import (
	"regexp"
	"sort"
	"strings"
)

// Severity ranks how dangerous an injection pattern is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase severity label.
func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Finding is one matched injection pattern in a scanned text.
type Finding struct {
	Severity Severity
	Category string
	Start    int
	End      int
}

// injectionPattern pairs a compiled regex with its classification.
type injectionPattern struct {
	re       *regexp.Regexp
	severity Severity
	category string
}

// redactedMarker replaces stripped spans in sanitized output.
const redactedMarker = "[content removed]"

var injectionPatterns = []injectionPattern{
	// Critical: direct instruction override attempts.
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`), SeverityCritical, "instruction_override"},
	{regexp.MustCompile(`(?i)forget\s+everything\s+(above|before)`), SeverityCritical, "instruction_override"},
	{regexp.MustCompile(`(?i)system\s*:\s*override`), SeverityCritical, "system_override"},
	{regexp.MustCompile(`(?i)(your\s+)?new\s+instructions\s+are`), SeverityCritical, "instruction_override"},
	{regexp.MustCompile(`(?i)do\s+not\s+follow\s+(the\s+)?previous`), SeverityCritical, "instruction_override"},

	// High: persona hijacks, jailbreak tokens, role delimiters, prompt leaks.
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\b`), SeverityHigh, "persona_hijack"},
	{regexp.MustCompile(`(?i)pretend\s+to\s+be\b`), SeverityHigh, "persona_hijack"},
	{regexp.MustCompile(`(?i)\[/?INST\]`), SeverityHigh, "jailbreak_token"},
	{regexp.MustCompile(`(?i)<<\s*/?sys\s*>>`), SeverityHigh, "jailbreak_token"},
	{regexp.MustCompile(`(?i)<\|im_(start|end)\|>`), SeverityHigh, "jailbreak_token"},
	{regexp.MustCompile(`(?m)^\s*(Human|Assistant)\s*:`), SeverityHigh, "role_delimiter"},
	{regexp.MustCompile(`(?i)(repeat|reveal|print|show)\s+(me\s+)?(your|the)\s+(system\s+)?prompt`), SeverityHigh, "prompt_leak"},

	// Medium: filter bypass and mode-switch chatter. Flagged, not stripped.
	{regexp.MustCompile(`(?i)ignore\s+(your\s+)?(safety|filters?|guardrails?)`), SeverityMedium, "filter_bypass"},
	{regexp.MustCompile(`(?i)(developer|god|sudo)\s+mode`), SeverityMedium, "mode_switch"},
	{regexp.MustCompile(`(?i)decode\s+(this\s+)?base64`), SeverityMedium, "encoding_trick"},

	// Low: runs of invisible characters used to smuggle text.
	{regexp.MustCompile(`[\x{200B}\x{200C}\x{200D}\x{2060}\x{FEFF}]{3,}`), SeverityLow, "invisible_chars"},
}

// SanitizePolicy controls which severities are stripped from the text.
// The default strips critical and high, flags medium, ignores low.
type SanitizePolicy struct {
	StripMedium bool
	MaxLen      int // 0 = no cap
}

// Scan finds all injection patterns in text, ordered by start offset.
func Scan(text string) []Finding {
	var findings []Finding
	for _, p := range injectionPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			findings = append(findings, Finding{
				Severity: p.severity,
				Category: p.category,
				Start:    loc[0],
				End:      loc[1],
			})
		}
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Start != findings[j].Start {
			return findings[i].Start < findings[j].Start
		}
		return findings[i].End > findings[j].End
	})
	return findings
}

// Sanitize scans text and returns a copy with dangerous spans replaced by a
// redaction marker, plus every finding (including non-stripped ones) so the
// caller can log them. Overlapping spans are merged left-to-right.
func Sanitize(text string, policy SanitizePolicy) (string, []Finding) {
	findings := Scan(text)
	if len(findings) == 0 {
		return capLen(text, policy.MaxLen), nil
	}

	var strip []Finding
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical, SeverityHigh:
			strip = append(strip, f)
		case SeverityMedium:
			if policy.StripMedium {
				strip = append(strip, f)
			}
		}
	}
	if len(strip) == 0 {
		return capLen(text, policy.MaxLen), findings
	}

	merged := mergeSpans(strip)
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, span := range merged {
		b.WriteString(text[prev:span.Start])
		b.WriteString(redactedMarker)
		prev = span.End
	}
	b.WriteString(text[prev:])

	return capLen(b.String(), policy.MaxLen), findings
}

// mergeSpans collapses overlapping or adjacent spans. Input must be sorted by
// start offset.
func mergeSpans(spans []Finding) []Finding {
	out := spans[:0:0]
	for _, s := range spans {
		if n := len(out); n > 0 && s.Start <= out[n-1].End {
			if s.End > out[n-1].End {
				out[n-1].End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func capLen(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
