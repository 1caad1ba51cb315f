package runtime

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-voiceprint/internal/audio"
	"github.com/loqalabs/loqa-voiceprint/internal/commitment"
	"github.com/loqalabs/loqa-voiceprint/internal/config"
	"github.com/loqalabs/loqa-voiceprint/internal/embedding"
	"github.com/loqalabs/loqa-voiceprint/internal/prover"
	"github.com/loqalabs/loqa-voiceprint/internal/voice"
)

// Pipeline is a voice pipeline together with the resources it holds.
type Pipeline struct {
	Voice *voice.Pipeline
	cache *embedding.ModelCache
}

// Close releases the cached embedding model, if any.
func (p *Pipeline) Close() error {
	if p == nil || p.cache == nil {
		return nil
	}
	return p.cache.Close()
}

// BuildPipeline wires the embedding provider, prover and commitment service
// selected by cfg. The daemon and the CLI share it.
func BuildPipeline(cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	out := &Pipeline{}

	var (
		source     embedding.ModelSource
		transcoder audio.Transcoder
	)
	if strings.EqualFold(strings.TrimSpace(cfg.Embedding.Provider), embedding.ProviderModel) {
		loader, err := embedding.NewLoader(cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("embedding loader: %w", err)
		}
		out.cache = embedding.NewModelCache(loader, logger)
		source = out.cache
		if transcoder, err = audio.NewExecTranscoder(cfg.Audio.TranscodeCommand); err != nil {
			return nil, fmt.Errorf("audio transcoder: %w", err)
		}
	}

	provider, err := embedding.New(cfg.Embedding, source, transcoder)
	if err != nil {
		return nil, err
	}

	exec, err := prover.NewExec(cfg.Prover.Command, prover.DefaultLayout(cfg.Prover.CircuitRoot))
	if err != nil {
		return nil, fmt.Errorf("prover: %w", err)
	}
	threshold := cfg.Match.HammingThreshold
	commitments := commitment.New(exec, commitment.Options{
		CommitmentCircuit: cfg.Prover.CommitmentCircuit,
		OwnershipCircuit:  cfg.Prover.OwnershipCircuit,
		Threshold:         &threshold,
	})

	out.Voice = voice.NewPipeline(provider, commitments, voice.Options{
		MinSeconds:        cfg.Audio.MinSeconds,
		BinarizeThreshold: cfg.Embedding.BinarizeThreshold,
	})
	logger.Info("voice pipeline ready",
		slog.String("provider", cfg.Embedding.Provider),
		slog.String("model", provider.Name()),
		slog.String("circuit_root", cfg.Prover.CircuitRoot))
	return out, nil
}
