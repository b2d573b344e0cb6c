package tokenizer

import "unicode/utf8"

// Estimator approximates token counts from character counts. It is the
// fallback when the real encoding cannot be loaded.
type Estimator struct {
	charsPerToken float64
}

// NewEstimator creates an estimator with the standard four-characters-per-
// token ratio for mostly-ASCII text.
func NewEstimator() *Estimator {
	return &Estimator{charsPerToken: 4.0}
}

func (e *Estimator) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	n := int(float64(utf8.RuneCountInString(text)) / e.charsPerToken)
	if n == 0 {
		n = 1
	}
	return n, nil
}

func (e *Estimator) Name() string { return "estimator" }
