package payeematch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercase", "Amazon", "amazon"},
		{"trim", "  amazon  ", "amazon"},
		{"punctuation run", "AMZN*MKTP//US", "amzn mktp us"},
		{"collapse whitespace", "whole   foods", "whole foods"},
		{"digits kept", "7-Eleven #2231", "7 eleven 2231"},
		{"empty", "", ""},
		{"only punctuation", "***", ""},
		{"mixed", "PAYPAL *Spotify USA", "paypal spotify usa"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestCanonicalName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"AMZN MKTP US", "amazon"},
		{"Amazon", "amazon"},
		{"amazon.com", "amazon"},
		{"WM SUPERCENTER #123", "walmart"},
		{"SBUX 00423", "starbucks"},
		// No dictionary hit falls back to the normalized string.
		{"Corner Bakery", "corner bakery"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, CanonicalName(tt.input))
		})
	}
}

func TestFindMatches_ExactNameFirst(t *testing.T) {
	candidates := []Candidate{
		{ID: "p1", Name: "Amazon Fresh"},
		{ID: "p2", Name: "Amazon"},
		{ID: "p3", Name: "Costco"},
	}

	matches := FindMatches("Amazon", candidates, 0)
	require.NotEmpty(t, matches)
	assert.Equal(t, "p2", matches[0].Candidate.ID)
	assert.GreaterOrEqual(t, matches[0].Score, 90)
}

func TestFindMatches_AliasBonus(t *testing.T) {
	matches := FindMatches("AMZN MKTP", []Candidate{{ID: "p1", Name: "amazon"}}, 0)
	require.Len(t, matches, 1)
	assert.Greater(t, matches[0].Score, 50, "alias bonus should lift the score despite dissimilar surfaces")
}

func TestFindMatches_NoAliasBonusForUnrelated(t *testing.T) {
	matches := FindMatches("AMZN MKTP", []Candidate{{ID: "p1", Name: "Zoo Membership"}}, 1)
	if len(matches) > 0 {
		assert.Less(t, matches[0].Score, DefaultMinScore)
	}
}

func TestFindMatches_StableTieOrder(t *testing.T) {
	// Identical names score identically; insertion order must survive the sort.
	candidates := []Candidate{
		{ID: "first", Name: "Shell Station"},
		{ID: "second", Name: "Shell Station"},
	}

	matches := FindMatches("Shell Station", candidates, 0)
	require.Len(t, matches, 2)
	assert.Equal(t, "first", matches[0].Candidate.ID)
	assert.Equal(t, "second", matches[1].Candidate.ID)
}

func TestFindMatches_MinScoreFilter(t *testing.T) {
	candidates := []Candidate{
		{ID: "exact", Name: "Trader Joes"},
		{ID: "far", Name: "Quarterly Insurance Premium"},
	}

	matches := FindMatches("Trader Joes", candidates, 60)
	require.Len(t, matches, 1)
	assert.Equal(t, "exact", matches[0].Candidate.ID)
}

func TestFindMatches_EmptyQuery(t *testing.T) {
	assert.Nil(t, FindMatches("   ", []Candidate{{ID: "p1", Name: "Amazon"}}, 0))
}

func TestFindHighConfidenceMatch(t *testing.T) {
	candidates := []Candidate{
		{ID: "p1", Name: "Starbucks"},
		{ID: "p2", Name: "Safeway"},
	}

	t.Run("clears threshold", func(t *testing.T) {
		m := FindHighConfidenceMatch("STARBUCKS COFFEE #88", candidates)
		require.NotNil(t, m)
		assert.Equal(t, "p1", m.Candidate.ID)
		assert.GreaterOrEqual(t, m.Score, HighConfidence)
	})

	t.Run("below threshold", func(t *testing.T) {
		m := FindHighConfidenceMatch("Neighborhood Hardware", candidates)
		assert.Nil(t, m)
	})
}

func TestCandidatesForDisambiguation(t *testing.T) {
	t.Run("empty when top is high confidence", func(t *testing.T) {
		candidates := []Candidate{{ID: "p1", Name: "Netflix"}}
		assert.Empty(t, CandidatesForDisambiguation("NETFLIX.COM", candidates))
	})

	t.Run("never returns high confidence entries", func(t *testing.T) {
		candidates := []Candidate{
			{ID: "p1", Name: "Shell Gas"},
			{ID: "p2", Name: "Shall We Dance Studio"},
		}
		for _, m := range CandidatesForDisambiguation("Shel Gs", candidates) {
			assert.Less(t, m.Score, HighConfidence)
		}
	})

	t.Run("capped at max candidates", func(t *testing.T) {
		var candidates []Candidate
		for i := 0; i < 12; i++ {
			candidates = append(candidates, Candidate{
				ID:   fmt.Sprintf("p%d", i),
				Name: fmt.Sprintf("Coffee Shop %d", i),
			})
		}
		matches := CandidatesForDisambiguation("Coffee Shoppe", candidates)
		assert.LessOrEqual(t, len(matches), MaxDisambiguationCandidates)
	})
}
