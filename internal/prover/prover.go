// Package prover drives an external zero-knowledge prover.
//
// Each call writes the circuit input to a private temporary directory, runs
// the prover with five positional arguments (input, compiled circuit,
// proving key, proof output, public signals output) and reads both outputs
// back. The directory is removed on every exit path.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
	"github.com/mattn/go-shellwords"
)

// DefaultCommand is the snarkjs invocation that computes witness and proof in
// one step.
const DefaultCommand = "snarkjs groth16 fullprove"

// Artifact is what the prover wrote for one invocation.
type Artifact struct {
	Proof         json.RawMessage `json:"proof"`
	PublicSignals []string        `json:"publicSignals"`
}

// Prover produces a proof for the named circuit. input is marshalled to JSON.
type Prover interface {
	Prove(ctx context.Context, circuit string, input any) (*Artifact, error)
}

// Layout locates compiled circuits and proving keys under Root.
type Layout struct {
	Root             string
	ProgramDirSuffix string
	ProgramExt       string
	KeyDir           string
	KeySuffix        string
}

// DefaultLayout follows the circom/snarkjs convention:
// <root>/<name>_js/<name>.wasm and <root>/zkey/<name>_final.zkey.
func DefaultLayout(root string) Layout {
	return Layout{
		Root:             root,
		ProgramDirSuffix: "_js",
		ProgramExt:       ".wasm",
		KeyDir:           "zkey",
		KeySuffix:        "_final.zkey",
	}
}

// Program returns the compiled circuit path.
func (l Layout) Program(circuit string) string {
	return filepath.Join(l.Root, circuit+l.ProgramDirSuffix, circuit+l.ProgramExt)
}

// Key returns the proving key path.
func (l Layout) Key(circuit string) string {
	return filepath.Join(l.Root, l.KeyDir, circuit+l.KeySuffix)
}

// Exec runs an external prover binary.
type Exec struct {
	layout Layout
	cmd    []string
	tmpDir string
}

// NewExec parses command (DefaultCommand when empty). Circuit artifacts are
// resolved through layout.
func NewExec(command string, layout Layout) (*Exec, error) {
	if command == "" {
		command = DefaultCommand
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse prover command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("prover command is empty")
	}
	return &Exec{layout: layout, cmd: args}, nil
}

func (e *Exec) Prove(ctx context.Context, circuit string, input any) (*Artifact, error) {
	program, key := e.layout.Program(circuit), e.layout.Key(circuit)
	if !exists(program) || !exists(key) {
		return nil, voiceerr.New(voiceerr.ErrProofGeneration, "prover.exec",
			fmt.Sprintf("missing zk artifacts: %s or %s", program, key))
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, voiceerr.Wrap(voiceerr.ErrProofGeneration, "prover.exec", "encode prover input", err)
	}
	defer clear(payload)

	dir, err := os.MkdirTemp(e.tmpDir, "voiceprint-prove-*")
	if err != nil {
		return nil, voiceerr.Wrap(voiceerr.ErrProofGeneration, "prover.exec", "create work directory", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, "input.json")
	proofPath := filepath.Join(dir, "proof.json")
	publicPath := filepath.Join(dir, "public.json")
	if err := os.WriteFile(inputPath, payload, 0o600); err != nil {
		return nil, voiceerr.Wrap(voiceerr.ErrProofGeneration, "prover.exec", "write prover input", err)
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, inputPath, program, key, proofPath, publicPath)
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			diag = strings.TrimSpace(stdout.String())
		}
		if diag == "" {
			diag = err.Error()
		}
		return nil, voiceerr.Wrap(voiceerr.ErrProofGeneration, "prover.exec",
			fmt.Sprintf("%s failed: %s", strings.Join(e.cmd, " "), diag), err)
	}

	proof, err := os.ReadFile(proofPath)
	if err != nil {
		return nil, voiceerr.Wrap(voiceerr.ErrProofGeneration, "prover.exec", "prover did not write proof.json", err)
	}
	if !json.Valid(proof) {
		return nil, voiceerr.New(voiceerr.ErrProofGeneration, "prover.exec", "proof.json is not valid JSON")
	}
	rawSignals, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, voiceerr.Wrap(voiceerr.ErrProofGeneration, "prover.exec", "prover did not write public.json", err)
	}
	signals, err := decodeSignals(rawSignals)
	if err != nil {
		return nil, voiceerr.Wrap(voiceerr.ErrProofGeneration, "prover.exec", "public.json is malformed", err)
	}
	return &Artifact{Proof: json.RawMessage(proof), PublicSignals: signals}, nil
}

// decodeSignals accepts an array whose entries are strings or numbers.
func decodeSignals(data []byte) ([]string, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err != nil {
			return nil, errors.New("public signals must be strings or numbers")
		}
		out = append(out, n.String())
	}
	return out, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
