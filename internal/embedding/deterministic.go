package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/loqalabs/loqa-voiceprint/internal/audio"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

type deterministic struct {
	tag string
}

// NewDeterministic returns a provider that derives the vector from a hash of
// the raw audio bytes. Identical bytes always yield identical vectors.
func NewDeterministic(model string) Provider {
	return &deterministic{tag: ProviderDeterministic + ":" + model}
}

func (d *deterministic) Name() string { return d.tag }

func (d *deterministic) Embed(_ context.Context, sample *audio.Sample) (*Vector, error) {
	if sample == nil || len(sample.Data) == 0 {
		return nil, voiceerr.New(voiceerr.ErrDecode, "embedding.deterministic", "empty audio payload")
	}
	return &Vector{Values: DeterministicEmbedding(sample.Data, Dims), Model: d.tag}, nil
}

// DeterministicEmbedding expands SHA-256(data || counter) into dims floats in
// [-1, 1]. The counter is a 4-byte big-endian block index starting at zero and
// each digest contributes eight 4-byte big-endian chunks.
func DeterministicEmbedding(data []byte, dims int) []float64 {
	values := make([]float64, 0, dims)
	buf := make([]byte, len(data)+4)
	copy(buf, data)
	defer clear(buf)

	for counter := uint32(0); len(values) < dims; counter++ {
		binary.BigEndian.PutUint32(buf[len(data):], counter)
		digest := sha256.Sum256(buf)
		for i := 0; i+4 <= len(digest) && len(values) < dims; i += 4 {
			chunk := binary.BigEndian.Uint32(digest[i:])
			values = append(values, float64(chunk)/0xFFFFFFFF*2-1)
		}
		clear(digest[:])
	}
	return values
}
