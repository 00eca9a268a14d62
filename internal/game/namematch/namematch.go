// Package namematch resolves a model-supplied entity name against the names
// already stored in a world.
//
// Candidates are ranked in tiers and the first tier with a hit wins:
//
//  1. Exact, case-sensitive equality.
//  2. Case-insensitive equality.
//  3. Word-by-word Jaro-Winkler: both names have the same significant
//     words in the same order and every pair scores at or above the
//     threshold (default 0.88). Catches typos like "Oakhavn" without
//     letting "Allison's Garden" pass for "Allison's Bedroom". The highest
//     mean score wins.
//  4. Token containment: every significant word of the shorter name appears
//     in the longer one ("Garden" and "The Garden"). Articles and "of" are
//     not significant. Ties go to the higher Jaro-Winkler score.
//
// Within a tier, earlier candidates win ties so results are deterministic
// for a stable candidate order.
package namematch

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const defaultThreshold = 0.88

var stopwords = map[string]bool{"the": true, "a": true, "an": true, "of": true}

// Option configures a Matcher.
type Option func(*Matcher)

// WithThreshold sets the minimum Jaro-Winkler score for a fuzzy hit.
func WithThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	threshold float64
}

func New(opts ...Option) *Matcher {
	m := &Matcher{threshold: defaultThreshold}
	for _, o := range opts {
		o(m)
	}
	return m
}

var defaultMatcher = New()

// Best ranks candidates with the default matcher.
func Best(query string, candidates []string) (int, bool) {
	return defaultMatcher.Best(query, candidates)
}

// Best returns the index of the best candidate for query, or false when no
// candidate clears any tier.
func (m *Matcher) Best(query string, candidates []string) (int, bool) {
	query = strings.TrimSpace(query)
	if query == "" || len(candidates) == 0 {
		return -1, false
	}

	for i, c := range candidates {
		if c == query {
			return i, true
		}
	}
	for i, c := range candidates {
		if strings.EqualFold(strings.TrimSpace(c), query) {
			return i, true
		}
	}

	qWords := significantWords(query)
	if len(qWords) == 0 {
		return -1, false
	}
	lq := strings.ToLower(query)
	best, bestScore := -1, 0.0
	for i, c := range candidates {
		if score, ok := m.wordScore(qWords, significantWords(c)); ok && score > bestScore {
			best, bestScore = i, score
		}
	}
	if best >= 0 {
		return best, true
	}

	qTokens := toSet(qWords)
	for i, c := range candidates {
		cTokens := toSet(significantWords(c))
		if len(cTokens) == 0 {
			continue
		}
		if !containsAll(qTokens, cTokens) && !containsAll(cTokens, qTokens) {
			continue
		}
		score := Score(lq, c)
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	return best, best >= 0
}

func (m *Matcher) wordScore(a, b []string) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var total float64
	for i := range a {
		s := matchr.JaroWinkler(a[i], b[i], false)
		if s < m.threshold {
			return 0, false
		}
		total += s
	}
	return total / float64(len(a)), true
}

// Score is the whole-name Jaro-Winkler similarity, ignoring case.
func Score(a, b string) float64 {
	return matchr.JaroWinkler(strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b)), false)
}

// significantWords lowercases s and drops articles, keeping word order.
func significantWords(s string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(s), isSeparator) {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

func toSet(words []string) map[string]bool {
	out := make(map[string]bool, len(words))
	for _, w := range words {
		out[w] = true
	}
	return out
}

func isSeparator(r rune) bool {
	switch r {
	case ' ', '\t', '\n', ',', '.', '-', '_', '(', ')', '"':
		return true
	}
	return false
}

// containsAll reports whether every token of sub is in super.
func containsAll(sub, super map[string]bool) bool {
	for t := range sub {
		if !super[t] {
			return false
		}
	}
	return true
}
