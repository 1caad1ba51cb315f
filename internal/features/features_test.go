package features

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

func TestBinarizeThreshold(t *testing.T) {
	values := make([]float64, Bits)
	values[0] = 0
	values[1] = -0.0001
	values[2] = 0.75
	values[3] = -1

	bits, err := Binarize(values, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bits[0] != 1 || bits[1] != 0 || bits[2] != 1 || bits[3] != 0 {
		t.Fatalf("unexpected bits %v", bits[:4])
	}

	bits, err = Binarize(values, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bits[0] != 0 || bits[2] != 1 {
		t.Fatalf("threshold not applied: %v", bits[:4])
	}

	if _, err := Binarize(values[:10], 0); !errors.Is(err, voiceerr.ErrShape) {
		t.Fatalf("expected shape error, got %v", err)
	}
}

func TestPackLayout(t *testing.T) {
	bits := make([]int, Bits)
	bits[0] = 1        // word 0, bit 0
	bits[63] = 1       // word 0, bit 63
	bits[64] = 1       // word 1, bit 0
	bits[64*7+5] = 1   // word 7, bit 5

	p, err := Pack(bits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p[0] != 1|1<<63 {
		t.Fatalf("word 0 = %x", p[0])
	}
	if p[1] != 1 {
		t.Fatalf("word 1 = %x", p[1])
	}
	if p[7] != 1<<5 {
		t.Fatalf("word 7 = %x", p[7])
	}
	for i := 2; i < 7; i++ {
		if p[i] != 0 {
			t.Fatalf("word %d = %x, want 0", i, p[i])
		}
	}
}

func TestPackRejectsWrongShape(t *testing.T) {
	if _, err := Pack([]int{0, 1, 1}); !errors.Is(err, voiceerr.ErrShape) || !errors.Is(err, voiceerr.ErrProofGeneration) {
		t.Fatalf("expected shape violation for 3 bits, got %v", err)
	}
	bits := make([]int, Bits)
	bits[17] = 2
	if _, err := Pack(bits); !errors.Is(err, voiceerr.ErrShape) {
		t.Fatalf("expected shape violation for non-binary entry, got %v", err)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 50; trial++ {
		bits := make([]int, Bits)
		for i := range bits {
			bits[i] = rng.IntN(2)
		}
		p, err := Pack(bits)
		if err != nil {
			t.Fatalf("pack: %v", err)
		}
		got := p.Unpack()
		for i := range bits {
			if got[i] != bits[i] {
				t.Fatalf("trial %d: bit %d = %d, want %d", trial, i, got[i], bits[i])
			}
		}
	}

	allOnes := make([]int, Bits)
	for i := range allOnes {
		allOnes[i] = 1
	}
	p, err := Pack(allOnes)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	for i, w := range p {
		if w != ^uint64(0) {
			t.Fatalf("word %d = %x", i, w)
		}
	}
}

func TestParsePacked(t *testing.T) {
	p, err := ParsePacked("referenceFeatures", []string{"0", "1", "18446744073709551615", "3", "4", "5", "6", "7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p[2] != ^uint64(0) {
		t.Fatalf("unexpected word %d", p[2])
	}

	cases := []struct {
		name   string
		values []string
		msg    string
	}{
		{"too few", []string{"1", "2"}, "features.parse: referenceFeatures must contain 8 packed field elements"},
		{"overflow", []string{"18446744073709551616", "0", "0", "0", "0", "0", "0", "0"}, "features.parse: referenceFeatures values must be in [0, 2^64)"},
		{"negative", []string{"-1", "0", "0", "0", "0", "0", "0", "0"}, "features.parse: referenceFeatures values must be in [0, 2^64)"},
		{"fraction", []string{"1.5", "0", "0", "0", "0", "0", "0", "0"}, "features.parse: referenceFeatures must contain integers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePacked("referenceFeatures", tc.values)
			if !errors.Is(err, voiceerr.ErrShape) {
				t.Fatalf("expected shape error, got %v", err)
			}
			if err.Error() != tc.msg {
				t.Fatalf("unexpected message %q", err.Error())
			}
		})
	}
}

func TestPackedJSON(t *testing.T) {
	p := Packed{1, 2, 3, 4, 5, 6, 7, ^uint64(0)}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["1","2","3","4","5","6","7","18446744073709551615"]` {
		t.Fatalf("unexpected json %s", data)
	}

	var mixed Packed
	if err := json.Unmarshal([]byte(`[1, "2", 3, 4, 5, 6, 7, "18446744073709551615"]`), &mixed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if mixed != p {
		t.Fatalf("unexpected words %v", mixed)
	}

	var short Packed
	if err := json.Unmarshal([]byte(`[1, 2]`), &short); !errors.Is(err, voiceerr.ErrShape) {
		t.Fatalf("expected shape error, got %v", err)
	}
}

func TestRelease(t *testing.T) {
	p := Packed{1, 2, 3, 4, 5, 6, 7, 8}
	p.Release()
	if p != (Packed{}) {
		t.Fatalf("expected zeroed words, got %v", p)
	}
}
