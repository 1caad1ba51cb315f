package commitment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-voiceprint/internal/features"
	"github.com/loqalabs/loqa-voiceprint/internal/prover"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

type call struct {
	circuit string
	input   map[string]any
}

type fakeProver struct {
	calls   []call
	signals map[string][]string
	err     error
}

func (f *fakeProver) Prove(_ context.Context, circuit string, input any) (*prover.Artifact, error) {
	data, _ := json.Marshal(input)
	var decoded map[string]any
	_ = json.Unmarshal(data, &decoded)
	f.calls = append(f.calls, call{circuit: circuit, input: decoded})
	if f.err != nil {
		return nil, f.err
	}
	return &prover.Artifact{Proof: json.RawMessage(`{"protocol":"groth16"}`), PublicSignals: f.signals[circuit]}, nil
}

func flip(p features.Packed, n int) features.Packed {
	for i := 0; i < n; i++ {
		p[i/64] ^= 1 << (i % 64)
	}
	return p
}

func TestParseSalt(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"42", "42", true},
		{" 0 ", "0", true},
		{"0x2a", "42", true},
		{"0XFF", "255", true},
		{"123456789012345678901234567890", "123456789012345678901234567890", true},
		{"-1", "", false},
		{"", "", false},
		{"salt", "", false},
		{"0x", "", false},
		{"1.5", "", false},
	}
	for _, tc := range cases {
		got, err := ParseSalt(tc.in)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Fatalf("ParseSalt(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
			}
			continue
		}
		if !errors.Is(err, voiceerr.ErrProofGeneration) {
			t.Fatalf("ParseSalt(%q) expected proof generation error, got %v", tc.in, err)
		}
	}
	if _, err := ParseSalt("-7"); err == nil || err.Error() != "commitment.salt: salt must be non-negative" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestComputeCommitment(t *testing.T) {
	fp := &fakeProver{signals: map[string][]string{"VoiceCommitment": {"999", "1"}}}
	svc := New(fp, Options{})

	packed := features.Packed{1, 2, 3, 4, 5, 6, 7, 8}
	got, err := svc.ComputeCommitment(context.Background(), packed, "0x10")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got != "999" {
		t.Fatalf("expected first public signal, got %q", got)
	}
	if len(fp.calls) != 1 || fp.calls[0].circuit != "VoiceCommitment" {
		t.Fatalf("unexpected calls %+v", fp.calls)
	}
	in := fp.calls[0].input
	if in["salt"] != "16" {
		t.Fatalf("expected normalized salt, got %v", in["salt"])
	}
	words, _ := in["voiceFeatures"].([]any)
	if len(words) != 8 || words[0] != "1" || words[7] != "8" {
		t.Fatalf("unexpected voiceFeatures %v", in["voiceFeatures"])
	}
}

func TestComputeCommitmentNoSignals(t *testing.T) {
	svc := New(&fakeProver{}, Options{})
	_, err := svc.ComputeCommitment(context.Background(), features.Packed{}, "1")
	if !errors.Is(err, voiceerr.ErrProofGeneration) {
		t.Fatalf("expected proof generation error, got %v", err)
	}
	if err.Error() != "commitment.compute: failed to derive commitment from VoiceCommitment circuit" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestGenerateProofFailsFastOverThreshold(t *testing.T) {
	fp := &fakeProver{}
	svc := New(fp, Options{})
	var ref features.Packed

	_, err := svc.GenerateProof(context.Background(), ProofRequest{
		Reference: ref,
		Current:   flip(ref, 129),
		Salt:      "1",
	})
	if !errors.Is(err, voiceerr.ErrProofGeneration) {
		t.Fatalf("expected proof generation error, got %v", err)
	}
	if len(fp.calls) != 0 {
		t.Fatalf("expected zero prover calls, got %d", len(fp.calls))
	}
}

func TestGenerateProofProverIsAuthoritative(t *testing.T) {
	fp := &fakeProver{signals: map[string][]string{
		"VoiceCommitment": {"111"},
		"VoiceOwnership":  {"222", "1"},
	}}
	svc := New(fp, Options{})
	var ref features.Packed
	cur := flip(ref, 128)

	res, err := svc.GenerateProof(context.Background(), ProofRequest{Reference: ref, Current: cur, Salt: "7"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Commitment != "222" {
		t.Fatalf("expected prover commitment, got %q", res.Commitment)
	}
	if res.HammingDistance != 128 {
		t.Fatalf("unexpected distance %d", res.HammingDistance)
	}
	if len(fp.calls) != 2 || fp.calls[0].circuit != "VoiceCommitment" || fp.calls[1].circuit != "VoiceOwnership" {
		t.Fatalf("unexpected calls %+v", fp.calls)
	}
	in := fp.calls[1].input
	if in["publicCommitment"] != "111" || in["salt"] != "7" {
		t.Fatalf("unexpected ownership input %v", in)
	}
	cur0, _ := in["currentFeatures"].([]any)
	if len(cur0) != 8 || cur0[0] != "18446744073709551615" {
		t.Fatalf("unexpected currentFeatures %v", in["currentFeatures"])
	}
}

func TestGenerateProofKeepsProvisionalCommitment(t *testing.T) {
	fp := &fakeProver{signals: map[string][]string{"VoiceCommitment": {"111"}}}
	svc := New(fp, Options{OwnershipCircuit: "CustomOwnership"})
	var ref features.Packed

	res, err := svc.GenerateProof(context.Background(), ProofRequest{Reference: ref, Current: ref, Salt: "7"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Commitment != "111" {
		t.Fatalf("expected provisional commitment, got %q", res.Commitment)
	}
	if fp.calls[1].circuit != "CustomOwnership" {
		t.Fatalf("expected configured circuit, got %q", fp.calls[1].circuit)
	}
}

func TestGenerateProofOverrides(t *testing.T) {
	fp := &fakeProver{signals: map[string][]string{"VoiceCommitment": {"1"}, "Alt": {"2"}}}
	loose := 200
	svc := New(fp, Options{Threshold: &loose})
	var ref features.Packed
	tight := 10

	if _, err := svc.GenerateProof(context.Background(), ProofRequest{
		Reference: ref, Current: flip(ref, 11), Salt: "1", Threshold: &tight,
	}); !errors.Is(err, voiceerr.ErrProofGeneration) {
		t.Fatalf("expected per-request threshold to apply, got %v", err)
	}

	res, err := svc.GenerateProof(context.Background(), ProofRequest{
		Reference: ref, Current: flip(ref, 150), Salt: "1", Circuit: "Alt",
	})
	if err != nil {
		t.Fatalf("expected service threshold 200 to accept 150: %v", err)
	}
	if res.Commitment != "2" || fp.calls[len(fp.calls)-1].circuit != "Alt" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGenerateProofProverFailure(t *testing.T) {
	fp := &fakeProver{err: voiceerr.New(voiceerr.ErrProofGeneration, "prover.exec", "snarkjs groth16 fullprove failed: boom")}
	svc := New(fp, Options{})
	_, err := svc.GenerateProof(context.Background(), ProofRequest{Salt: "1"})
	if !errors.Is(err, voiceerr.ErrProofGeneration) {
		t.Fatalf("expected proof generation error, got %v", err)
	}
	if len(fp.calls) != 1 {
		t.Fatalf("expected stop after failed commitment, got %d calls", len(fp.calls))
	}
}

func TestServiceThresholdDefaults(t *testing.T) {
	if got := New(&fakeProver{}, Options{}).Threshold(); got != 128 {
		t.Fatalf("expected default threshold 128, got %d", got)
	}

	exact := 0
	fp := &fakeProver{signals: map[string][]string{"VoiceCommitment": {"1"}}}
	svc := New(fp, Options{Threshold: &exact})
	if svc.Threshold() != 0 {
		t.Fatalf("expected exact-match threshold, got %d", svc.Threshold())
	}
	var ref features.Packed
	if _, err := svc.GenerateProof(context.Background(), ProofRequest{
		Reference: ref, Current: flip(ref, 1), Salt: "1",
	}); !errors.Is(err, voiceerr.ErrProofGeneration) {
		t.Fatalf("expected one differing bit to be rejected, got %v", err)
	}
	if _, err := svc.GenerateProof(context.Background(), ProofRequest{
		Reference: ref, Current: ref, Salt: "1",
	}); err != nil {
		t.Fatalf("expected identical features to be accepted: %v", err)
	}
}
