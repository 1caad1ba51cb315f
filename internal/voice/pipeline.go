// Package voice runs the extract, commit and prove operations and serves
// them over the bus.
package voice

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voiceprint/internal/audio"
	"github.com/loqalabs/loqa-voiceprint/internal/commitment"
	"github.com/loqalabs/loqa-voiceprint/internal/embedding"
	"github.com/loqalabs/loqa-voiceprint/internal/features"
	"github.com/loqalabs/loqa-voiceprint/internal/match"
	"github.com/loqalabs/loqa-voiceprint/internal/scrub"
)

// Options tunes the pipeline.
type Options struct {
	MinSeconds        float64
	BinarizeThreshold float64
}

// Pipeline composes ingest, embedding, binarization, matching and the
// commitment service. It holds no per-request state.
type Pipeline struct {
	provider    embedding.Provider
	commitments *commitment.Service
	opts        Options
}

func NewPipeline(provider embedding.Provider, commitments *commitment.Service, opts Options) *Pipeline {
	return &Pipeline{provider: provider, commitments: commitments, opts: opts}
}

// Extraction is the result of Extract. The caller owns it and must Release
// it once the reply is written.
type Extraction struct {
	Features []float64
	Bits     []int
	Packed   features.Packed
	Format   audio.Format
	Model    string
	Duration time.Duration
}

// Release wipes the features, bits and words.
func (e *Extraction) Release() {
	if e == nil {
		return
	}
	scrub.Float64s(e.Features)
	scrub.Ints(e.Bits)
	e.Packed.Release()
	e.Features, e.Bits = nil, nil
}

// Extract validates base64 audio, embeds it, binarizes and packs the result.
func (p *Pipeline) Extract(ctx context.Context, audioText, mimeHint string) (_ *Extraction, err error) {
	var t tracker
	var scope scrub.Scope
	defer scope.Release()

	sample, err := audio.Ingest(audioText, mimeHint, p.opts.MinSeconds)
	if err != nil {
		return nil, t.fail(err)
	}
	scope.Defer(sample.Release)
	t.note("format", string(sample.Format))
	t.advance(StageAudioValidated)

	vec, err := p.provider.Embed(ctx, sample)
	if err != nil {
		return nil, t.fail(err)
	}
	t.note("modelUsed", vec.Model)
	t.advance(StageEmbeddingExtracted)

	res := &Extraction{
		Features: vec.Values,
		Format:   sample.Format,
		Model:    vec.Model,
		Duration: sample.Duration,
	}
	scope.Defer(func() {
		if err != nil {
			res.Release()
		}
	})

	if res.Bits, err = features.Binarize(res.Features, p.opts.BinarizeThreshold); err != nil {
		return nil, t.fail(err)
	}
	if res.Packed, err = features.Pack(res.Bits); err != nil {
		return nil, t.fail(err)
	}
	t.advance(StagePacked)
	t.advance(StageResponded)
	return res, nil
}

// CommitResult is the reply to Commit.
type CommitResult struct {
	Commitment     string
	PackedFeatures []string
}

// CommitInput is a commit request whose words passed the shape checks. It
// needs no prover to build.
type CommitInput struct {
	t      tracker
	packed features.Packed
}

// Release wipes the parsed words.
func (in *CommitInput) Release() {
	if in != nil {
		in.packed.Release()
	}
}

// CheckCommit parses and shape-checks previously packed words.
func (p *Pipeline) CheckCommit(words []string) (*CommitInput, error) {
	in := &CommitInput{}
	packed, err := features.ParsePacked("features", words)
	if err != nil {
		return nil, in.t.fail(err)
	}
	in.packed = packed
	in.t.advance(StagePacked)
	return in, nil
}

// CommitChecked derives a commitment for words accepted by CheckCommit.
func (p *Pipeline) CommitChecked(ctx context.Context, in *CommitInput, salt string) (*CommitResult, error) {
	c, err := p.commitments.ComputeCommitment(ctx, in.packed, salt)
	if err != nil {
		return nil, in.t.fail(err)
	}
	in.t.advance(StageCommitted)
	in.t.advance(StageResponded)
	return &CommitResult{Commitment: c, PackedFeatures: in.packed.Strings()}, nil
}

// Commit derives a commitment from previously packed words and a salt.
func (p *Pipeline) Commit(ctx context.Context, words []string, salt string) (*CommitResult, error) {
	in, err := p.CheckCommit(words)
	if err != nil {
		return nil, err
	}
	defer in.Release()
	return p.CommitChecked(ctx, in, salt)
}

// ProofInput is a prove request whose features passed the shape and Hamming
// threshold checks.
type ProofInput struct {
	t        tracker
	ref, cur features.Packed
	// Distance is the Hamming distance between the two feature sets.
	Distance int
}

// Release wipes both feature sets.
func (in *ProofInput) Release() {
	if in == nil {
		return
	}
	in.ref.Release()
	in.cur.Release()
}

// CheckProof parses both feature sets and enforces the Hamming threshold.
// A failure here never reaches the prover.
func (p *Pipeline) CheckProof(reference, current []string) (_ *ProofInput, err error) {
	in := &ProofInput{}
	defer func() {
		if err != nil {
			in.Release()
		}
	}()
	if in.ref, err = features.ParsePacked("referenceFeatures", reference); err != nil {
		return nil, in.t.fail(err)
	}
	if in.cur, err = features.ParsePacked("currentFeatures", current); err != nil {
		return nil, in.t.fail(err)
	}
	in.t.advance(StagePacked)

	in.Distance = match.HammingDistance(in.ref, in.cur)
	in.t.note("hammingDistance", in.Distance)
	if _, err = match.EnforceThreshold(in.Distance, p.commitments.Threshold()); err != nil {
		return nil, in.t.fail(err)
	}
	in.t.advance(StageThresholdChecked)
	return in, nil
}

// ProveChecked asks the commitment service for an ownership proof over
// features accepted by CheckProof.
func (p *Pipeline) ProveChecked(ctx context.Context, in *ProofInput, salt string) (*commitment.ProofResult, error) {
	res, err := p.commitments.GenerateProof(ctx, commitment.ProofRequest{
		Reference: in.ref,
		Current:   in.cur,
		Salt:      salt,
	})
	if err != nil {
		return nil, in.t.fail(err)
	}
	in.t.advance(StageProved)
	in.t.advance(StageResponded)
	return res, nil
}

// Prove checks the Hamming threshold locally, then asks the commitment
// service for an ownership proof.
func (p *Pipeline) Prove(ctx context.Context, reference, current []string, salt string) (*commitment.ProofResult, error) {
	in, err := p.CheckProof(reference, current)
	if err != nil {
		return nil, err
	}
	defer in.Release()
	return p.ProveChecked(ctx, in, salt)
}

// ModelName reports the provider:model tag of the configured provider.
func (p *Pipeline) ModelName() string { return p.provider.Name() }

// Threshold reports the Hamming threshold enforced by Prove.
func (p *Pipeline) Threshold() int { return p.commitments.Threshold() }
