package segment

import (
	"strings"
	"unicode"
)

// DetectLanguage guesses a language tag from the script of text: any Cyrillic
// letter gives "ru", otherwise any Latin letter gives "en", otherwise "auto".
func DetectLanguage(text string) string {
	latin := false
	for _, r := range text {
		if unicode.Is(unicode.Cyrillic, r) {
			return "ru"
		}
		if unicode.Is(unicode.Latin, r) {
			latin = true
		}
	}
	if latin {
		return "en"
	}
	return "auto"
}

// EstimateConfidence scores text by word count: 0 for no words, 0.9 for five
// or more, linear in between.
func EstimateConfidence(text string) float64 {
	n := len(strings.Fields(text))
	switch {
	case n == 0:
		return 0
	case n >= 5:
		return 0.9
	default:
		return float64(n) / 5 * 0.9
	}
}

// Unusable reports whether a whole-file transcript is empty, the "No speech
// detected" marker, or an "Error:" message.
func Unusable(text string) bool {
	text = strings.TrimSpace(text)
	return text == "" ||
		strings.EqualFold(text, "No speech detected") ||
		strings.HasPrefix(text, "Error:")
}
