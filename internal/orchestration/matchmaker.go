package orchestration

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"arrowmesh/internal/apperrors"
)

// Matchmaker score weights.
const (
	scorePreferred = 5  // candidate is on the caller's preferred list
	scoreExclusive = 10 // candidate supports exclusive reservation at all
	scoreFullTime  = 15 // candidate covers the full requested exclusivity duration
)

// MatchmakingAlgorithm selects a matchmaker implementation. The set is
// closed and resolved into a table at startup.
type MatchmakingAlgorithm string

const MatchmakingDefault MatchmakingAlgorithm = "default"

// Matchmaker collapses a candidate set to a single winner.
type Matchmaker interface {
	PickOne(form *Form, candidates []*Candidate) (*Candidate, error)
}

// NewMatchmakerTable returns the fixed algorithm-to-implementation table.
func NewMatchmakerTable() map[MatchmakingAlgorithm]Matchmaker {
	return map[MatchmakingAlgorithm]Matchmaker{
		MatchmakingDefault: &scoredMatchmaker{},
	}
}

// scoredMatchmaker scores candidates on preference and exclusivity and
// breaks remaining ties uniformly at random.
type scoredMatchmaker struct{}

func (m *scoredMatchmaker) PickOne(form *Form, candidates []*Candidate) (*Candidate, error) {
	if len(candidates) == 0 {
		return nil, apperrors.Internal("matchmaker.pickOne", fmt.Errorf("empty candidate list"))
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	best := -1
	var tied []*Candidate
	for _, c := range candidates {
		s := m.score(form, c)
		switch {
		case s > best:
			best = s
			tied = tied[:0]
			tied = append(tied, c)
		case s == best:
			tied = append(tied, c)
		}
	}

	// When only partial exclusivity was achievable, prefer the longest
	// available duration among the tied candidates.
	if len(tied) > 1 && form.RequestsExclusivity() && tied[0].ExclusivityDuration < form.ExclusivityDuration {
		tied = maxDurationSubset(tied)
	}

	if len(tied) == 1 {
		return tied[0], nil
	}
	idx, err := randomIndex(len(tied))
	if err != nil {
		return nil, apperrors.Internal("matchmaker.pickOne", err)
	}
	return tied[idx], nil
}

func (m *scoredMatchmaker) score(form *Form, c *Candidate) int {
	score := 0
	if c.Preferred {
		score += scorePreferred
	}
	if form.RequestsExclusivity() && c.CanBeExclusive {
		score += scoreExclusive
		if c.ExclusivityDuration >= form.ExclusivityDuration {
			score += scoreFullTime
		}
	}
	return score
}

func maxDurationSubset(candidates []*Candidate) []*Candidate {
	best := -1
	var out []*Candidate
	for _, c := range candidates {
		switch {
		case c.ExclusivityDuration > best:
			best = c.ExclusivityDuration
			out = out[:0]
			out = append(out, c)
		case c.ExclusivityDuration == best:
			out = append(out, c)
		}
	}
	return out
}

// randomIndex picks a uniform index from a cryptographically strong
// source so repeated ties cannot be gamed.
func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
