package payeematch

import (
	"math"
	"sort"

	"github.com/agnivade/levenshtein"
)

// Scoring constants. Scores are 0-100.
const (
	// HighConfidence is the score at or above which no human disambiguation
	// is required.
	HighConfidence = 85

	// DefaultMinScore is the FindMatches cutoff when the caller passes 0.
	DefaultMinScore = 40

	// MaxDisambiguationCandidates caps the "did you mean" list.
	MaxDisambiguationCandidates = 5

	// aliasBonus is added when the alias dictionary maps both sides to the
	// same canonical merchant.
	aliasBonus = 35
)

// Candidate is one payee entry to score against a query.
type Candidate struct {
	ID   string
	Name string
}

// Match is a scored candidate.
type Match struct {
	Candidate Candidate
	Score     int
}

// FindMatches scores every candidate against the query and returns those with
// Score >= minScore, sorted score-descending with ties broken by candidate
// insertion order. A minScore of 0 applies DefaultMinScore.
func FindMatches(query string, candidates []Candidate, minScore int) []Match {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}

	qNorm := Normalize(query)
	if qNorm == "" {
		return nil
	}
	qCanonical, qMapped := canonicalLookup(query)
	qTokens := tokens(qNorm)

	var out []Match
	for _, c := range candidates {
		cNorm := Normalize(c.Name)
		if cNorm == "" {
			continue
		}

		score := baseScore(qNorm, qTokens, cNorm)

		if qMapped {
			if cCanonical, cMapped := canonicalLookup(c.Name); cMapped && cCanonical == qCanonical {
				score += aliasBonus
			}
		}
		if score > 100 {
			score = 100
		}

		if score >= minScore {
			out = append(out, Match{Candidate: c, Score: score})
		}
	}

	// Stable: equal scores keep candidate insertion order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// FindHighConfidenceMatch returns the top match only when it clears the
// HighConfidence threshold, else nil.
func FindHighConfidenceMatch(query string, candidates []Candidate) *Match {
	matches := FindMatches(query, candidates, DefaultMinScore)
	if len(matches) == 0 || matches[0].Score < HighConfidence {
		return nil
	}
	top := matches[0]
	return &top
}

// CandidatesForDisambiguation returns non-trivial matches below the
// HighConfidence threshold, capped at MaxDisambiguationCandidates, for
// presenting "did you mean" choices. When the top match already clears
// HighConfidence there is no ambiguity to resolve and the result is empty.
func CandidatesForDisambiguation(query string, candidates []Candidate) []Match {
	matches := FindMatches(query, candidates, DefaultMinScore)
	if len(matches) == 0 {
		return nil
	}
	if matches[0].Score >= HighConfidence {
		return nil
	}

	if len(matches) > MaxDisambiguationCandidates {
		matches = matches[:MaxDisambiguationCandidates]
	}
	return matches
}

// baseScore is the fuzzy similarity before any alias bonus: the better of a
// whole-string Levenshtein ratio and a symmetric token-set ratio.
func baseScore(qNorm string, qTokens []string, cNorm string) int {
	whole := levRatio(qNorm, cNorm)
	tokenSet := tokenSetRatio(qTokens, tokens(cNorm))

	best := whole
	if tokenSet > best {
		best = tokenSet
	}
	return int(math.Round(best * 100))
}

func levRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

// tokenSetRatio averages, in both directions, each token's best ratio against
// the other side's tokens. Symmetric so FindMatches(a, b) == FindMatches(b, a)
// at the scoring level.
func tokenSetRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return (directionalTokenRatio(a, b) + directionalTokenRatio(b, a)) / 2
}

func directionalTokenRatio(from, to []string) float64 {
	var sum float64
	for _, f := range from {
		best := 0.0
		for _, t := range to {
			if r := levRatio(f, t); r > best {
				best = r
			}
		}
		sum += best
	}
	return sum / float64(len(from))
}
