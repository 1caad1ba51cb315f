// Package commitment derives biometric commitments and ownership proofs from
// packed feature words. It never sees audio or floating-point embeddings.
package commitment

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/loqalabs/loqa-voiceprint/internal/features"
	"github.com/loqalabs/loqa-voiceprint/internal/match"
	"github.com/loqalabs/loqa-voiceprint/internal/prover"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

const (
	DefaultCommitmentCircuit = "VoiceCommitment"
	DefaultOwnershipCircuit  = "VoiceOwnership"
)

// Options configures a Service. Zero values select the defaults.
type Options struct {
	CommitmentCircuit string
	OwnershipCircuit  string
	// Threshold is the largest accepted Hamming distance. Nil selects
	// match.DefaultThreshold; 0 accepts exact matches only.
	Threshold *int
}

// Service computes commitments and proofs through a Prover.
type Service struct {
	prover            prover.Prover
	commitmentCircuit string
	ownershipCircuit  string
	threshold         int
}

func New(p prover.Prover, opts Options) *Service {
	s := &Service{
		prover:            p,
		commitmentCircuit: opts.CommitmentCircuit,
		ownershipCircuit:  opts.OwnershipCircuit,
		threshold:         match.DefaultThreshold,
	}
	if s.commitmentCircuit == "" {
		s.commitmentCircuit = DefaultCommitmentCircuit
	}
	if s.ownershipCircuit == "" {
		s.ownershipCircuit = DefaultOwnershipCircuit
	}
	if opts.Threshold != nil {
		s.threshold = *opts.Threshold
	}
	return s
}

// Threshold returns the default Hamming threshold.
func (s *Service) Threshold() int { return s.threshold }

// ProofRequest asks for an ownership proof. Circuit and Threshold fall back
// to the service defaults when unset.
type ProofRequest struct {
	Reference features.Packed
	Current   features.Packed
	Salt      string
	Circuit   string
	Threshold *int
}

// ProofResult is the prover output plus the locally computed distance.
type ProofResult struct {
	Proof           json.RawMessage `json:"proof"`
	PublicSignals   []string        `json:"publicSignals"`
	Commitment      string          `json:"commitment"`
	HammingDistance int             `json:"hammingDistance"`
}

type commitmentInput struct {
	VoiceFeatures []string `json:"voiceFeatures"`
	Salt          string   `json:"salt"`
}

type ownershipInput struct {
	ReferenceFeatures []string `json:"referenceFeatures"`
	CurrentFeatures   []string `json:"currentFeatures"`
	Salt              string   `json:"salt"`
	PublicCommitment  string   `json:"publicCommitment"`
}

// ParseSalt accepts a non-negative decimal integer or a 0x-prefixed hex
// integer and returns its decimal form.
func ParseSalt(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", voiceerr.New(voiceerr.ErrProofGeneration, "commitment.salt", "salt must be an integer string")
	}
	n := new(big.Int)
	var ok bool
	if hex, found := strings.CutPrefix(strings.ToLower(s), "0x"); found {
		_, ok = n.SetString(hex, 16)
	} else {
		_, ok = n.SetString(s, 10)
	}
	if !ok {
		return "", voiceerr.New(voiceerr.ErrProofGeneration, "commitment.salt", "salt must be an integer string")
	}
	if n.Sign() < 0 {
		return "", voiceerr.New(voiceerr.ErrProofGeneration, "commitment.salt", "salt must be non-negative")
	}
	return n.String(), nil
}

// ComputeCommitment returns the first public signal of the commitment
// circuit evaluated over packed and salt.
func (s *Service) ComputeCommitment(ctx context.Context, packed features.Packed, salt string) (string, error) {
	salt, err := ParseSalt(salt)
	if err != nil {
		return "", err
	}
	art, err := s.prover.Prove(ctx, s.commitmentCircuit, commitmentInput{
		VoiceFeatures: packed.Strings(),
		Salt:          salt,
	})
	if err != nil {
		return "", err
	}
	if len(art.PublicSignals) == 0 {
		return "", voiceerr.New(voiceerr.ErrProofGeneration, "commitment.compute",
			"failed to derive commitment from "+s.commitmentCircuit+" circuit")
	}
	return art.PublicSignals[0], nil
}

// GenerateProof checks the Hamming threshold before any prover call, derives
// a provisional commitment over the reference, then proves ownership. The
// prover's first public signal, when present, replaces the provisional
// commitment.
func (s *Service) GenerateProof(ctx context.Context, req ProofRequest) (*ProofResult, error) {
	threshold := s.threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	circuit := req.Circuit
	if circuit == "" {
		circuit = s.ownershipCircuit
	}

	distance, err := match.EnforceThreshold(match.HammingDistance(req.Reference, req.Current), threshold)
	if err != nil {
		return nil, err
	}
	salt, err := ParseSalt(req.Salt)
	if err != nil {
		return nil, err
	}
	commitment, err := s.ComputeCommitment(ctx, req.Reference, salt)
	if err != nil {
		return nil, err
	}

	art, err := s.prover.Prove(ctx, circuit, ownershipInput{
		ReferenceFeatures: req.Reference.Strings(),
		CurrentFeatures:   req.Current.Strings(),
		Salt:              salt,
		PublicCommitment:  commitment,
	})
	if err != nil {
		return nil, err
	}
	if len(art.PublicSignals) > 0 {
		commitment = art.PublicSignals[0]
	}
	return &ProofResult{
		Proof:           art.Proof,
		PublicSignals:   art.PublicSignals,
		Commitment:      commitment,
		HammingDistance: distance,
	}, nil
}
