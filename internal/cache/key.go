package cache

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// MaxKeyTextLen caps the normalized text that participates in a key.
const MaxKeyTextLen = 500

// Normalize lower-cases text, trims it, collapses internal whitespace and
// truncates it to MaxKeyTextLen runes.
func Normalize(text string) string {
	s := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if utf8.RuneCountInString(s) <= MaxKeyTextLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxKeyTextLen])
}

// Key derives the cache key for text under kind. Distinct inputs may
// collide; the key is a lookup shortcut and carries no integrity guarantee.
func Key(text, kind string) string {
	d := xxhash.New()
	_, _ = d.WriteString(kind)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(Normalize(text))
	return strconv.FormatUint(d.Sum64(), 10)
}
