// Package similarity scores how alike two generated scenes are. Scores are
// pure functions of the two records: no I/O, no randomness.
package similarity

import (
	"math"
	"strings"
	"unicode"

	"scene-pipeline/internal/models"
)

// Field weights. Free-text description dominates; the synthesized prompt is
// derived from the other fields and carries the lowest weight.
const (
	weightDescription  = 0.40
	weightCharacterRef = 0.15
	weightObjectRef    = 0.12
	weightEnvironment  = 0.10
	weightLighting     = 0.09
	weightComposition  = 0.09
	weightPrompt       = 0.05
)

// Score returns a similarity score in [0,1] between two scenes, 1.0 meaning
// identical along every compared field.
func Score(a, b models.Scene) float64 {
	s := weightDescription*Cosine(a.Description, b.Description) +
		weightCharacterRef*FieldScore(a.CharacterRef, b.CharacterRef) +
		weightObjectRef*FieldScore(a.ObjectRef, b.ObjectRef) +
		weightEnvironment*FieldScore(a.Environment, b.Environment) +
		weightLighting*FieldScore(a.Lighting, b.Lighting) +
		weightComposition*FieldScore(a.Composition, b.Composition) +
		weightPrompt*Cosine(a.Prompt, b.Prompt)
	if s > 1 {
		s = 1
	}
	return s
}

// Cosine computes token-frequency cosine similarity between two free-text
// fields. Two empty strings are vacuously identical; one empty and one not
// share nothing.
func Cosine(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	fa := frequencies(ta)
	fb := frequencies(tb)

	var dot, na, nb float64
	for tok, ca := range fa {
		na += float64(ca * ca)
		if cb, ok := fb[tok]; ok {
			dot += float64(ca * cb)
		}
	}
	for _, cb := range fb {
		nb += float64(cb * cb)
	}
	if na == 0 || nb == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// FieldScore compares a structured field by exact match or partial overlap:
// normalized equality scores 1.0, containment 0.8, otherwise the Jaccard
// overlap of the token sets.
func FieldScore(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == "" && nb == "" {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0.0
	}
	if na == nb {
		return 1.0
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.8
	}
	return jaccard(tokenize(na), tokenize(nb))
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	union := make(map[string]struct{}, len(a)+len(b))
	for _, t := range a {
		union[t] = struct{}{}
	}
	var inter int
	for _, t := range b {
		if _, ok := set[t]; ok {
			inter++
			delete(set, t) // count shared tokens once
		}
		union[t] = struct{}{}
	}
	return float64(inter) / float64(len(union))
}

func normalize(s string) string {
	return strings.Join(tokenize(s), " ")
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func frequencies(tokens []string) map[string]int {
	freq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}
	return freq
}
