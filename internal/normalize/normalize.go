// =============================================================================
// Usage Reconciler - Key Normalizer
// =============================================================================
//
// Every identity lookup in the reconciler goes through one of these functions
// so that a customer name or account number typed slightly differently in the
// master list and in a feed still produces the same lookup key.
//
//   Name("O'Brien, Inc.")  -> "obrieninc"
//   Digits("12-34")        -> "1234"
//   ExternalID(" 881.0 ")  -> "881"
//
// All functions are pure and total: they never fail, and empty input yields
// an empty key.
//
// =============================================================================

package normalize

import (
	"strings"
	"unicode"
)

// nullSpellings are the placeholder strings spreadsheet exports write into
// empty cells. They are treated as blank everywhere.
var nullSpellings = map[string]struct{}{
	"nan":  {},
	"none": {},
	"null": {},
	"<na>": {},
	"nat":  {},
	"#n/a": {},
}

// Name lower-cases text and strips every character that is not a letter or a
// digit.
func Name(text string) string {
	if text == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Digits strips every character that is not an ASCII digit. Used to key
// account numbers ("12-34", "1234" and "12 34" are the same account).
func Digits(text string) string {
	if text == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		if c := text[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Clean trims surrounding whitespace and maps null placeholders to "".
func Clean(text string) string {
	text = strings.TrimSpace(text)
	if IsBlank(text) {
		return ""
	}
	return text
}

// IsBlank reports whether text is empty, whitespace or a null placeholder.
func IsBlank(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}
	_, ok := nullSpellings[strings.ToLower(text)]
	return ok
}

// ExternalID cleans a foreign identifier read from a spreadsheet cell.
// Numeric ids that went through a float column come back as "881.0", so a
// trailing ".0" is dropped.
func ExternalID(text string) string {
	text = Clean(text)
	return strings.TrimSuffix(text, ".0")
}

// LooksNumeric reports whether text is a non-empty run of ASCII digits,
// which is how an unresolved raw account code shows up in a name column.
func LooksNumeric(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return false
		}
	}
	return true
}
