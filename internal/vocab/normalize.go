package vocab

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var lower = cases.Lower(language.Und)

// strokeLetters have no decomposed form, so NFD cannot strip them.
var strokeLetters = strings.NewReplacer("ł", "l", "ø", "o", "đ", "d", "ß", "ss")

// Lower lowercases s without folding diacritics.
func Lower(s string) string {
	return lower.String(s)
}

// Fold lowercases s and removes diacritics so that "Użyj" and "uzyj" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, lower.String(s))
	if err != nil {
		folded = lower.String(s)
	}
	return strokeLetters.Replace(folded)
}

// Tokens folds s and splits it into words made of letters and digits.
func Tokens(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// RawTokens splits s on non-word runes without folding.
func RawTokens(s string) []string {
	return strings.FieldsFunc(Lower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TokenCount counts words in s.
func TokenCount(s string) int {
	return len(Tokens(s))
}

// containsSeq reports whether needle appears as a contiguous run inside hay.
func containsSeq(hay, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(hay) {
		return false
	}
outer:
	for i := 0; i+len(needle) <= len(hay); i++ {
		for j, w := range needle {
			if hay[i+j] != w {
				continue outer
			}
		}
		return true
	}
	return false
}

// ContainsPhrase reports whether phrase occurs in text as whole folded words.
func ContainsPhrase(text, phrase string) bool {
	return containsSeq(Tokens(text), Tokens(phrase))
}
