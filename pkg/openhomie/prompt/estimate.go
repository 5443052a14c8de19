// Package prompt holds the small helpers shared by everything that assembles
// model input or parses model output: token estimation, external-data
// wrapping, and JSON extraction from chatty completions.
package prompt

import "strings"

// charsPerToken is the char/token heuristic used for budgeting. Chat text in
// the languages this bot speaks averages ~3.3 chars per token.
const charsPerToken = 3.3

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	return EstimateTokensLen(len(text))
}

// EstimateTokensLen approximates the token count of a text of n bytes.
func EstimateTokensLen(n int) int {
	if n <= 0 {
		return 0
	}
	return int(float64(n)/charsPerToken) + 1
}

// TruncateToTokens cuts text so its estimated token count fits the budget.
// Cuts on a rune boundary and trims trailing whitespace.
func TruncateToTokens(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	maxChars := int(float64(budget) * charsPerToken)
	if len(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	if len(runes) > maxChars {
		runes = runes[:maxChars]
	}
	return strings.TrimRight(string(runes), " \t\n")
}
