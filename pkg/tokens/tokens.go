// Package tokens approximates the LLM token cost of evidence payloads and
// enforces a per-call ceiling on it.
//
// The estimate uses the common ~4 characters/token ratio. It is a heuristic
// with roughly ±25% error against real tokenizers and must never be used for
// billing-grade accounting; its only job is backpressure on batch size.
package tokens

import "errors"

// ErrBudgetExceeded signals that a candidate batch cannot be admitted and
// the caller must shrink it. It is not fatal.
var ErrBudgetExceeded = errors.New("token budget exceeded")

const charsPerToken = 4

// Estimate approximates the token cost of a payload. Empty input estimates
// to 0; any non-empty input estimates to at least 1.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / charsPerToken
	if n < 1 {
		return 1
	}
	return n
}

// EstimateAll sums Estimate over the given payloads. Empty input is 0.
func EstimateAll(payloads []string) int {
	total := 0
	for _, p := range payloads {
		total += Estimate(p)
	}
	return total
}

// Budget caps the estimated token cost admitted into one downstream call.
type Budget struct {
	// MaxTokens is the ceiling. Zero or negative disables admission control.
	MaxTokens int
}

// Admit reports whether a batch with the given estimate fits the budget.
// It performs no truncation; on rejection the caller shrinks the candidate
// set and retries.
func (b Budget) Admit(estimate int) bool {
	if b.MaxTokens <= 0 {
		return true
	}
	return estimate <= b.MaxTokens
}
