// Package dedup filters batches of generated scenes against previously
// accepted output using the similarity engine.
package dedup

import (
	"sort"

	"scene-pipeline/internal/models"
	"scene-pipeline/internal/similarity"
)

// DefaultThreshold is the similarity score at or above which a candidate is
// treated as a duplicate.
const DefaultThreshold = 0.8

// Where a duplicate's matched item lives.
const (
	MatchedInExisting = "existing"
	MatchedInBatch    = "batch"
)

// Match records one candidate being rejected as a duplicate of a prior item.
type Match struct {
	CandidateIndex int     `json:"candidate_index"`
	MatchedIndex   int     `json:"matched_index"`
	MatchedIn      string  `json:"matched_in"`
	Score          float64 `json:"score"`
}

// Result partitions a candidate batch into accepted and rejected scenes.
type Result struct {
	Unique     []models.Scene `json:"unique"`
	Duplicates []models.Scene `json:"duplicates"`
	Report     []Match        `json:"report,omitempty"`
}

type accepted struct {
	scene          models.Scene
	candidateIndex int
}

// Filter compares each candidate first against every existing scene, then
// against candidates already accepted earlier in the same batch, in original
// order. The first prior item scoring >= threshold marks the candidate a
// duplicate; no further comparisons are made for it. A threshold <= 0 falls
// back to DefaultThreshold.
func Filter(existing, candidates []models.Scene, threshold float64) Result {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	res := Result{
		Unique:     make([]models.Scene, 0, len(candidates)),
		Duplicates: make([]models.Scene, 0),
	}
	kept := make([]accepted, 0, len(candidates))

	for ci, cand := range candidates {
		match, found := firstMatch(existing, kept, cand, threshold)
		if found {
			match.CandidateIndex = ci
			res.Duplicates = append(res.Duplicates, cand)
			res.Report = append(res.Report, match)
			continue
		}
		res.Unique = append(res.Unique, cand)
		kept = append(kept, accepted{scene: cand, candidateIndex: ci})
	}
	return res
}

func firstMatch(existing []models.Scene, kept []accepted, cand models.Scene, threshold float64) (Match, bool) {
	for i, prior := range existing {
		if score := similarity.Score(prior, cand); score >= threshold {
			return Match{MatchedIndex: i, MatchedIn: MatchedInExisting, Score: score}, true
		}
	}
	for _, prior := range kept {
		if score := similarity.Score(prior.scene, cand); score >= threshold {
			return Match{MatchedIndex: prior.candidateIndex, MatchedIn: MatchedInBatch, Score: score}, true
		}
	}
	return Match{}, false
}

// Pair is one all-pairs comparison result with I < J.
type Pair struct {
	I     int     `json:"i"`
	J     int     `json:"j"`
	Score float64 `json:"score"`
}

// AllPairs scores every pair in an already-accepted sequence and returns the
// pairs at or above threshold, sorted by descending similarity. Intended for
// offline analysis, not the hot path.
func AllPairs(scenes []models.Scene, threshold float64) []Pair {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	var pairs []Pair
	for i := 0; i < len(scenes); i++ {
		for j := i + 1; j < len(scenes); j++ {
			if score := similarity.Score(scenes[i], scenes[j]); score >= threshold {
				pairs = append(pairs, Pair{I: i, J: j, Score: score})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		return pairs[a].Score > pairs[b].Score
	})
	return pairs
}
