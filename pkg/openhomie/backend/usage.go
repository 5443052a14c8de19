package backend

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
)

var txHashRe = regexp.MustCompile(`0x[0-9a-fA-F]{64}`)

// maxTxScanDepth bounds recursion into base64-nested payloads.
const maxTxScanDepth = 5

// FindTxHash scans raw output for a payment transaction hash (0x + 64 hex).
// Base64-looking substrings are decoded and scanned recursively so hashes
// buried in nested payloads are still found. Best-effort: returns "" when
// nothing matches.
func FindTxHash(raw string) string {
	return findTxHash(raw, 0)
}

var base64Re = regexp.MustCompile(`[A-Za-z0-9+/=_-]{88,}`)

func findTxHash(raw string, depth int) string {
	if raw == "" || depth > maxTxScanDepth {
		return ""
	}
	if m := txHashRe.FindString(raw); m != "" {
		return m
	}
	for _, cand := range base64Re.FindAllString(raw, 8) {
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
			decoded, err := enc.DecodeString(cand)
			if err != nil {
				continue
			}
			if m := findTxHash(string(decoded), depth+1); m != "" {
				return m
			}
			break
		}
	}
	return ""
}

// cliUsage is the usage block emitted by CLI result payloads.
type cliUsage struct {
	InputTokens          int64   `json:"input_tokens"`
	OutputTokens         int64   `json:"output_tokens"`
	CacheReadInputTokens int64   `json:"cache_read_input_tokens"`
	ReasoningTokens      int64   `json:"reasoning_output_tokens"`
	TotalCostUSD         float64 `json:"total_cost_usd"`
}

// normalizeCLIUsage converts a CLI usage payload plus raw output into Usage.
func normalizeCLIUsage(raw json.RawMessage, fullOutput string) Usage {
	var u cliUsage
	_ = json.Unmarshal(raw, &u)
	return Usage{
		InputTokens:     u.InputTokens,
		OutputTokens:    u.OutputTokens,
		CacheReadTokens: u.CacheReadInputTokens,
		ReasoningTokens: u.ReasoningTokens,
		CostUSD:         u.TotalCostUSD,
		TxHash:          FindTxHash(fullOutput),
	}
}
