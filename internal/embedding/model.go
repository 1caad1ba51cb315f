package embedding

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-voiceprint/internal/audio"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

// Model is a loaded embedding model.
type Model interface {
	// Embed runs inference on mono float PCM at rate Hz.
	Embed(ctx context.Context, samples []float32, rate int) ([]float32, error)
	Close() error
}

// Loader loads a model by name.
type Loader interface {
	Load(ctx context.Context, name string) (Model, error)
}

// ModelSource hands out models by name. Callers Close the returned model
// once they are done with it.
type ModelSource interface {
	Get(ctx context.Context, name string) (Model, error)
}

type modelBacked struct {
	model      string
	source     ModelSource
	transcoder audio.Transcoder
}

// NewModelBacked returns a provider that decodes the sample to 16 kHz mono PCM
// and runs it through the named model. transcoder handles WebM input and may
// be nil when only WAV is expected.
func NewModelBacked(model string, source ModelSource, transcoder audio.Transcoder) Provider {
	return &modelBacked{model: model, source: source, transcoder: transcoder}
}

func (m *modelBacked) Name() string { return ProviderModel + ":" + m.model }

func (m *modelBacked) Embed(ctx context.Context, sample *audio.Sample) (*Vector, error) {
	if sample == nil {
		return nil, voiceerr.New(voiceerr.ErrDecode, "embedding.model", "empty audio payload")
	}
	pcm, err := m.decode(ctx, sample)
	if err != nil {
		return nil, err
	}
	defer pcm.Release()
	if len(pcm.Samples) == 0 {
		return nil, voiceerr.New(voiceerr.ErrDecode, "embedding.model", "empty audio samples")
	}

	samples, err := Resample(pcm.Samples, pcm.SampleRate, audio.TargetSampleRate)
	if err != nil {
		return nil, err
	}
	if pcm.SampleRate != audio.TargetSampleRate {
		defer clear(samples)
	}

	model, err := m.source.Get(ctx, m.model)
	if err != nil {
		return nil, err
	}
	defer model.Close()

	raw, err := model.Embed(ctx, samples, audio.TargetSampleRate)
	if err != nil {
		return nil, voiceerr.Wrap(voiceerr.ErrModelUnavailable, "embedding.model", "embedding inference failed", err)
	}
	defer clear(raw)
	return &Vector{Values: Normalize(raw, Dims), Model: m.Name()}, nil
}

func (m *modelBacked) decode(ctx context.Context, sample *audio.Sample) (*audio.PCM, error) {
	switch sample.Format {
	case audio.FormatWAV:
		return audio.DecodePCM(sample.Data)
	case audio.FormatWebM:
		if m.transcoder == nil {
			return nil, voiceerr.New(voiceerr.ErrModelUnavailable, "embedding.model", "no transcoder configured for webm audio")
		}
		return m.transcoder.Transcode(ctx, sample.Data)
	default:
		return nil, voiceerr.New(voiceerr.ErrFormat, "embedding.model", fmt.Sprintf("unsupported audio format %q", sample.Format))
	}
}

// Resample converts samples from one rate to another by linear interpolation
// over a normalized index space. Source sample i sits at i/n and target sample
// j at j/m, where m = max(floor(n*to/from), 1); positions past the last source
// sample take its value. Matching rates return samples unchanged.
func Resample(samples []float32, from, to int) ([]float32, error) {
	if from == to {
		return samples, nil
	}
	if len(samples) == 0 {
		return nil, voiceerr.New(voiceerr.ErrDecode, "embedding.resample", "empty audio samples")
	}
	if from <= 0 || to <= 0 {
		return nil, voiceerr.New(voiceerr.ErrDecode, "embedding.resample", "invalid sample rate")
	}
	n := len(samples)
	m := max(int(float64(n)*float64(to)/float64(from)), 1)
	srcStep := 1.0 / float64(n)
	dstStep := 1.0 / float64(m)

	out := make([]float32, m)
	for j := range out {
		pos := float64(j) * dstStep / srcStep
		k := int(pos)
		if k >= n-1 {
			out[j] = samples[n-1]
			continue
		}
		frac := pos - float64(k)
		a, b := float64(samples[k]), float64(samples[k+1])
		out[j] = float32(a + frac*(b-a))
	}
	return out, nil
}

// Normalize truncates or zero-pads values to exactly dims components.
func Normalize(values []float32, dims int) []float64 {
	out := make([]float64, dims)
	for i := 0; i < dims && i < len(values); i++ {
		out[i] = float64(values[i])
	}
	return out
}
