// Package match compares packed feature vectors by Hamming distance.
package match

import (
	"fmt"
	"math/bits"

	"github.com/loqalabs/loqa-voiceprint/internal/features"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

// DefaultThreshold is the largest accepted distance (25% of 512 bits).
const DefaultThreshold = 128

// Result describes one comparison.
type Result struct {
	Distance  int  `json:"distance"`
	Threshold int  `json:"threshold"`
	Accepted  bool `json:"accepted"`
}

// HammingDistance counts differing bits between a and b.
func HammingDistance(a, b features.Packed) int {
	total := 0
	for i := range a {
		total += bits.OnesCount64(a[i] ^ b[i])
	}
	return total
}

// Compare reports whether a and b are within threshold. Distances equal to
// the threshold are accepted.
func Compare(a, b features.Packed, threshold int) Result {
	d := HammingDistance(a, b)
	return Result{Distance: d, Threshold: threshold, Accepted: d <= threshold}
}

// EnforceThreshold returns distance unchanged when it is within threshold and
// fails with a proof generation error otherwise.
func EnforceThreshold(distance, threshold int) (int, error) {
	if distance > threshold {
		return distance, voiceerr.New(voiceerr.ErrProofGeneration, "match.threshold",
			fmt.Sprintf("hamming distance %d exceeds threshold %d", distance, threshold))
	}
	return distance, nil
}
