package blindex

import (
	"strings"
	"sync"
	"unicode"

	"github.com/go-ego/gse"
)

// Tokenization is bigram-first: every consecutive 2-rune window of each
// whitespace-separated segment. Bigrams need no word boundaries, which keeps
// CJK and mixed-script screen text searchable. A dictionary segmenter (gse)
// supplies word tokens as a second family: they are indexed alongside the
// bigrams and serve as the fallback for queries too short to produce useful
// bigrams, and for fuzzy queries.

var (
	segOnce sync.Once
	segErr  error
	seg     gse.Segmenter
)

func segmenter() (*gse.Segmenter, error) {
	segOnce.Do(func() {
		segErr = seg.LoadDict()
	})
	if segErr != nil {
		return nil, segErr
	}
	return &seg, nil
}

// keepSingle reports whether a single-rune token survives the noise filter.
// Single ASCII characters carry no signal; single ideographic (or any
// non-ASCII) characters are full words and are always kept.
func keepSingle(r rune) bool {
	return r > unicode.MaxASCII
}

// Bigrams returns the distinct 2-rune window tokens of s, lowercased.
// Single-rune segments are kept only when keepSingle allows.
func Bigrams(s string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(tok string) {
		if _, dup := seen[tok]; !dup {
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}
	for _, field := range strings.Fields(strings.ToLower(s)) {
		runes := []rune(field)
		if len(runes) == 1 {
			if keepSingle(runes[0]) {
				add(string(runes[0]))
			}
			continue
		}
		for i := 0; i+1 < len(runes); i++ {
			add(string(runes[i : i+2]))
		}
	}
	return out
}

// Words returns distinct dictionary-segmented word tokens of s, lowercased
// and noise-filtered. Returns nil when the segmenter dictionary cannot load.
func Words(s string) []string {
	sg, err := segmenter()
	if err != nil {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, w := range sg.Cut(strings.ToLower(s), true) {
		w = strings.TrimSpace(w)
		runes := []rune(w)
		if len(runes) == 0 {
			continue
		}
		if len(runes) == 1 && !keepSingle(runes[0]) {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// IndexTokens returns the full token set stored for a text: bigrams plus
// segmented words, deduplicated.
func IndexTokens(text string) []string {
	tokens := Bigrams(text)
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		seen[t] = struct{}{}
	}
	for _, w := range Words(text) {
		if _, dup := seen[w]; !dup {
			seen[w] = struct{}{}
			tokens = append(tokens, w)
		}
	}
	return tokens
}

// QueryTokens returns the token set looked up for one query keyword. Bigrams
// by default; word tokens when the keyword is too short to yield bigrams or
// when fuzzy matching is requested.
func QueryTokens(keyword string, fuzzy bool) []string {
	if fuzzy {
		if words := Words(keyword); len(words) > 0 {
			return words
		}
	}
	if tokens := Bigrams(keyword); len(tokens) > 0 {
		return tokens
	}
	return Words(keyword)
}
