package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execLoader struct {
	cmd []string
}

type execRequest struct {
	Model      string    `json:"model"`
	SampleRate int       `json:"sample_rate"`
	Samples    []float32 `json:"samples"`
}

type execResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// NewExecLoader returns a loader whose models run command once per inference,
// passing "--model <name>" and exchanging JSON over stdin and stdout.
func NewExecLoader(command string) (Loader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse embedding command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("embedding command is empty")
	}
	return &execLoader{cmd: args}, nil
}

func (l *execLoader) Load(_ context.Context, name string) (Model, error) {
	path, err := exec.LookPath(l.cmd[0])
	if err != nil {
		return nil, fmt.Errorf("embedding command %s: %w", l.cmd[0], err)
	}
	args := append([]string{}, l.cmd[1:]...)
	args = append(args, "--model", name)
	return &execModel{name: name, path: path, args: args}, nil
}

type execModel struct {
	name string
	path string
	args []string
}

func (m *execModel) Embed(ctx context.Context, samples []float32, rate int) ([]float32, error) {
	input, err := json.Marshal(execRequest{Model: m.name, SampleRate: rate, Samples: samples})
	if err != nil {
		return nil, err
	}
	defer clear(input)

	cmd := exec.CommandContext(ctx, m.path, m.args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("embedding command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	defer clear(stdout.Bytes())

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("embedding command returned no values")
	}
	return resp.Embedding, nil
}

func (m *execModel) Close() error { return nil }
