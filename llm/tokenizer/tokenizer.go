// Package tokenizer provides token counting for prompt budgeting and usage
// reporting, with a heuristic estimator fallback when the real encoding is
// unavailable.
package tokenizer

// Counter counts tokens in text.
type Counter interface {
	// CountTokens returns the number of tokens in text.
	CountTokens(text string) (int, error)

	// Name identifies the counter implementation.
	Name() string
}
