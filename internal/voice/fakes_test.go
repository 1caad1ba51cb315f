package voice

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/loqalabs/loqa-voiceprint/internal/commitment"
	"github.com/loqalabs/loqa-voiceprint/internal/embedding"
	"github.com/loqalabs/loqa-voiceprint/internal/prover"
)

const fakeCommitment = "4242"

type fakeProver struct {
	mu       sync.Mutex
	circuits []string
	err      error

	// When block is set, Prove signals started and waits for block to close.
	started chan struct{}
	block   chan struct{}
}

func (f *fakeProver) Prove(ctx context.Context, circuit string, _ any) (*prover.Artifact, error) {
	f.mu.Lock()
	f.circuits = append(f.circuits, circuit)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if circuit == commitment.DefaultCommitmentCircuit {
		return &prover.Artifact{Proof: json.RawMessage(`{}`), PublicSignals: []string{fakeCommitment}}, nil
	}
	return &prover.Artifact{
		Proof:         json.RawMessage(`{"pi_a":["1","2"]}`),
		PublicSignals: []string{fakeCommitment, "1"},
	}, nil
}

func (f *fakeProver) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.circuits...)
}

func newTestPipeline(p prover.Prover) *Pipeline {
	return NewPipeline(
		embedding.NewDeterministic("pyannote/embedding"),
		commitment.New(p, commitment.Options{}),
		Options{MinSeconds: 1.0},
	)
}

func repeatWord(word string) []string {
	out := make([]string, 8)
	for i := range out {
		out[i] = word
	}
	return out
}
