// Package presenter turns session state into display-ready values. Nothing
// here mutates a session.
package presenter

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
)

// Tier selects the visual treatment for a confidence value.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// ConfidenceTier is high above 0.9, medium above 0.7, low otherwise.
// Both bounds are strict.
func ConfidenceTier(confidence float64) Tier {
	switch {
	case confidence > 0.9:
		return TierHigh
	case confidence > 0.7:
		return TierMedium
	default:
		return TierLow
	}
}

// RankedProbabilities orders the mapping by probability, highest first.
// Equal probabilities keep the order the service listed them in. The input
// is not modified.
func RankedProbabilities(probabilities diagnosis.Probabilities) []diagnosis.ClassProbability {
	ranked := make([]diagnosis.ClassProbability, len(probabilities))
	copy(ranked, probabilities)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Probability > ranked[j].Probability
	})
	return ranked
}

// Percent formats a probability with one decimal, e.g. 0.934 → "93.4%".
func Percent(probability float64) string {
	return fmt.Sprintf("%.1f%%", probability*100)
}

// DisplayLabel turns a class label into words: diabetic_retinopathy →
// "Diabetic Retinopathy".
func DisplayLabel(label string) string {
	words := strings.Fields(strings.ReplaceAll(label, "_", " "))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
