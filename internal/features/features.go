// Package features quantizes embeddings into the fixed 512-bit layout shared
// by enrollment and verification.
//
// Bit i of the binary vector lands in word i/64 at bit position i%64, so the
// first bit of each 64-bit block is the word's least significant bit. Both
// the client and the zero-knowledge circuit depend on this exact layout.
package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-voiceprint/internal/scrub"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

const (
	Bits     = 512
	WordBits = 64
	Words    = Bits / WordBits
)

// Packed is a binary feature vector packed into eight 64-bit words.
type Packed [Words]uint64

// Binarize maps each component to 1 when it is >= threshold, else 0.
func Binarize(values []float64, threshold float64) ([]int, error) {
	if len(values) != Bits {
		return nil, voiceerr.Shape("features.binarize", fmt.Sprintf("embedding length must be %d", Bits))
	}
	bits := make([]int, Bits)
	for i, v := range values {
		if v >= threshold {
			bits[i] = 1
		}
	}
	return bits, nil
}

// Pack validates a 512-entry 0/1 vector and packs it.
func Pack(bits []int) (Packed, error) {
	var p Packed
	if len(bits) != Bits {
		return p, voiceerr.Shape("features.pack", fmt.Sprintf("binary feature length must be %d", Bits))
	}
	for _, b := range bits {
		if b != 0 && b != 1 {
			return p, voiceerr.Shape("features.pack", "binary features must contain only 0 or 1")
		}
	}
	for block := 0; block < Words; block++ {
		var word uint64
		for i := 0; i < WordBits; i++ {
			word |= uint64(bits[block*WordBits+i]) << i
		}
		p[block] = word
	}
	return p, nil
}

// Unpack recovers the 512-entry binary vector.
func (p Packed) Unpack() []int {
	bits := make([]int, Bits)
	for block, word := range p {
		for i := 0; i < WordBits; i++ {
			bits[block*WordBits+i] = int(word >> i & 1)
		}
	}
	return bits
}

// Strings returns the words as decimal strings.
func (p Packed) Strings() []string {
	out := make([]string, Words)
	for i, word := range p {
		out[i] = strconv.FormatUint(word, 10)
	}
	return out
}

// Release zeroes the words.
func (p *Packed) Release() {
	scrub.Uint64s(p[:])
}

// ParsePacked parses exactly eight decimal words, each in [0, 2^64). name
// labels the field in error messages.
func ParsePacked(name string, values []string) (Packed, error) {
	var p Packed
	if len(values) != Words {
		return p, voiceerr.Shape("features.parse", fmt.Sprintf("%s must contain %d packed field elements", name, Words))
	}
	for i, raw := range values {
		word, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) || strings.HasPrefix(strings.TrimSpace(raw), "-") {
				return Packed{}, voiceerr.Shape("features.parse", name+" values must be in [0, 2^64)")
			}
			return Packed{}, voiceerr.Shape("features.parse", name+" must contain integers")
		}
		p[i] = word
	}
	return p, nil
}

// MarshalJSON encodes the words as decimal strings, which survive JSON
// consumers limited to 53-bit integers.
func (p Packed) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Strings())
}

// UnmarshalJSON accepts eight words given as JSON numbers or decimal strings.
func (p *Packed) UnmarshalJSON(data []byte) error {
	var raw []json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return voiceerr.Wrap(voiceerr.ErrProofGeneration, "features.parse", "packed features must be an array of integers", err)
	}
	values := make([]string, len(raw))
	for i, n := range raw {
		values[i] = n.String()
	}
	parsed, err := ParsePacked("features", values)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
