package history

import "unicode"

// EstimateTokens is the cheap cost heuristic used for budget trimming.
// CJK characters encode far denser than ASCII, so they are weighted at
// roughly one token per 1.5 characters versus one per 4 for everything
// else.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	cjk := 0
	other := 0
	for _, r := range s {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			other++
		}
	}
	return int(float64(cjk)/1.5 + float64(other)/4)
}
