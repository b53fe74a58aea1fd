package uniqueness

import (
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

var (
	markupRegex   = regexp.MustCompile(`<[^>]+>`)
	sentenceBreak = regexp.MustCompile(`[.!?]+["')\]]*\s+|\n+`)
)

// Sentence is one sentence of a text with its normalized form
type Sentence struct {
	Text       string
	Normalized string
}

// SplitSentences splits text on sentence punctuation followed by whitespace and
// on line breaks, dropping sentences shorter than minWords
func SplitSentences(text string, minWords int) []Sentence {
	text = markupRegex.ReplaceAllString(text, " ")
	var out []Sentence
	for _, raw := range sentenceBreak.Split(text, -1) {
		raw = strings.TrimRight(strings.TrimSpace(raw), ".!?")
		norm := Normalize(raw)
		if norm == "" || len(strings.Fields(norm)) < minWords {
			continue
		}
		out = append(out, Sentence{Text: raw, Normalized: norm})
	}
	return out
}

// Normalize lowercases s, replaces punctuation with spaces and collapses whitespace
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if r == '\'' || r == '’' {
			// "don't" and "dont" normalize alike
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Fingerprint returns the hex of the first 16 bytes of the BLAKE2b-256 digest
// of a normalized sentence
func Fingerprint(normalized string) string {
	sum := blake2b.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// Shingles returns the set of n-word shingles of text. Texts shorter than n
// words yield a single shingle.
func Shingles(text string, n int) map[string]struct{} {
	words := strings.Fields(Normalize(markupRegex.ReplaceAllString(text, " ")))
	set := make(map[string]struct{})
	if len(words) == 0 {
		return set
	}
	if len(words) < n {
		set[strings.Join(words, " ")] = struct{}{}
		return set
	}
	for i := 0; i+n <= len(words); i++ {
		set[strings.Join(words[i:i+n], " ")] = struct{}{}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b|, zero when both are empty
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
