package prompt

import "unicode/utf8"

const TruncationMarker = "... [prompt truncated to fit the token limit]"

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// TruncateToBudget cuts text to roughly maxTokens worth of characters and
// appends TruncationMarker. Text already within budget is returned as is.
func TruncateToBudget(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 || EstimateTokens(text) <= maxTokens {
		return text, false
	}
	limit := maxTokens * 4
	keep := limit
	if limit > 200 {
		keep = limit - 100
	}
	runes := []rune(text)
	if keep > len(runes) {
		keep = len(runes)
	}
	return string(runes[:keep]) + TruncationMarker, true
}
