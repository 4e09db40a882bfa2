// Package linkrank scores anchor-text/URL pairs by how much search signal
// the anchor carries, using document frequencies from the blind index.
//
// The heuristic favours distinctive natural-language anchors: rare tokens
// raise the IDF sum, a Gaussian entropy penalty suppresses both degenerate
// repetitive text and encoded/random text, and a length normalizer keeps
// long anchors from winning purely on token count.
package linkrank

import (
	"math"
	"net/url"
	"sort"
	"strings"

	"github.com/hazyhaar/lucarne/blindex"
)

// Anchor is one candidate link: the clickable text and its target URL.
type Anchor struct {
	Text string
	URL  string
}

// ScoredLink is an anchor with its computed relevance score.
type ScoredLink struct {
	Text  string
	URL   string
	Score float64
}

// Entropy penalty: Gaussian centered on typical natural-language character
// entropy, in bits per character.
const (
	entropyCenter = 4.0
	entropySigma  = 1.5
)

// Tokens returns the union of bigram tokens across all anchors, for one
// batched document-frequency lookup.
func Tokens(anchors []Anchor) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, a := range anchors {
		for _, tok := range blindex.Bigrams(a.Text) {
			if _, dup := seen[tok]; !dup {
				seen[tok] = struct{}{}
				out = append(out, tok)
			}
		}
	}
	return out
}

// Score computes relevance for each anchor given token document frequencies
// and the corpus size, returning links sorted descending by score. Anchors
// whose text is itself a raw URL score exactly 0.
func Score(anchors []Anchor, freqs map[string]uint64, corpus int64) []ScoredLink {
	out := make([]ScoredLink, 0, len(anchors))
	for _, a := range anchors {
		out = append(out, ScoredLink{Text: a.Text, URL: a.URL, Score: score(a.Text, freqs, corpus)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func score(text string, freqs map[string]uint64, corpus int64) float64 {
	if IsRawURL(text) {
		return 0
	}
	tokens := blindex.Bigrams(text)
	if len(tokens) == 0 {
		return 0
	}
	var idfSum float64
	for _, tok := range tokens {
		idfSum += IDF(freqs[tok], corpus)
	}
	n := float64(len([]rune(strings.TrimSpace(text))))
	lengthFactor := math.Log(1 + n)
	penalty := entropyPenalty(text)
	return idfSum * lengthFactor * penalty / math.Log(math.E+n)
}

// IDF is ln(1 + N/(1+df)).
func IDF(df uint64, corpus int64) float64 {
	if corpus < 0 {
		corpus = 0
	}
	return math.Log(1 + float64(corpus)/(1+float64(df)))
}

// IsRawURL reports whether text is itself a URL rather than prose.
func IsRawURL(text string) bool {
	s := strings.TrimSpace(strings.ToLower(text))
	if strings.HasPrefix(s, "www.") {
		return true
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.Host != ""
}

// entropyPenalty is a Gaussian over the Shannon character entropy of text,
// in bits per character.
func entropyPenalty(text string) float64 {
	h := Entropy(text)
	d := h - entropyCenter
	return math.Exp(-(d * d) / (2 * entropySigma * entropySigma))
}

// Entropy returns the Shannon entropy of text's character distribution in
// bits per character. Empty text has zero entropy.
func Entropy(text string) float64 {
	runes := []rune(text)
	if len(runes) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range runes {
		counts[r]++
	}
	n := float64(len(runes))
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
