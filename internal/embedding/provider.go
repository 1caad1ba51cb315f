// Package embedding turns validated audio into fixed-length feature vectors.
//
// Two strategies implement Provider: a dependency-free deterministic hash and
// a model-backed extractor that decodes audio to 16 kHz PCM and delegates to
// an external embedding model. New picks one from configuration; callers only
// see the interface.
package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voiceprint/internal/audio"
	"github.com/loqalabs/loqa-voiceprint/internal/config"
	"github.com/loqalabs/loqa-voiceprint/internal/features"
	"github.com/loqalabs/loqa-voiceprint/internal/scrub"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

// Dims is the number of components every provider returns.
const Dims = features.Bits

const (
	ProviderDeterministic = "deterministic"
	ProviderModel         = "model"
)

// Vector is an embedding tagged with the provider and model that produced it.
type Vector struct {
	Values []float64
	Model  string
}

// Release wipes the components.
func (v *Vector) Release() {
	if v == nil {
		return
	}
	scrub.Float64s(v.Values)
	v.Values = nil
}

// Provider extracts an embedding from a validated sample.
type Provider interface {
	Embed(ctx context.Context, sample *audio.Sample) (*Vector, error)
	// Name returns the provider:model tag attached to every vector.
	Name() string
}

// New selects the provider named by cfg. source and transcoder are only used
// by the model-backed strategy.
func New(cfg config.EmbeddingConfig, source ModelSource, transcoder audio.Transcoder) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderDeterministic:
		return NewDeterministic(cfg.Model), nil
	case ProviderModel:
		if source == nil {
			return nil, voiceerr.New(voiceerr.ErrModelUnavailable, "embedding.new", "no embedding model source configured")
		}
		return NewModelBacked(cfg.Model, source, transcoder), nil
	default:
		return nil, voiceerr.New(voiceerr.ErrModelUnavailable, "embedding.new",
			fmt.Sprintf("unsupported embedding provider: %s", cfg.Provider))
	}
}

// NewLoader builds the model loader named by cfg.Loader.
func NewLoader(cfg config.EmbeddingConfig) (Loader, error) {
	switch strings.ToLower(cfg.Loader) {
	case "exec":
		return NewExecLoader(cfg.Command)
	case "http":
		client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
		return NewHTTPLoader(cfg.Endpoint, client), nil
	default:
		return nil, fmt.Errorf("unsupported embedding loader %q", cfg.Loader)
	}
}
