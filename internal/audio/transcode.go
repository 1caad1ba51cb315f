package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"

	"github.com/loqalabs/loqa-voiceprint/internal/scrub"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
	"github.com/mattn/go-shellwords"
)

// TargetSampleRate is the rate embedding models consume.
const TargetSampleRate = 16000

// DefaultTranscodeCommand converts stdin WebM to raw 16 kHz mono s16le on stdout.
const DefaultTranscodeCommand = "ffmpeg -hide_banner -loglevel error -i pipe:0 -f s16le -ac 1 -ar 16000 pipe:1"

// Transcoder turns a compressed container into 16 kHz mono PCM.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte) (*PCM, error)
}

type execTranscoder struct {
	cmd []string
}

// NewExecTranscoder runs command once per call, writing the payload to its
// stdin and reading raw s16le PCM from its stdout.
func NewExecTranscoder(command string) (Transcoder, error) {
	if command == "" {
		command = DefaultTranscodeCommand
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcode command is empty")
	}
	return &execTranscoder{cmd: args}, nil
}

// Transcode starts a fresh process per call, so concurrent calls do not
// share state.
func (t *execTranscoder) Transcode(ctx context.Context, data []byte) (*PCM, error) {
	command := exec.CommandContext(ctx, t.cmd[0], t.cmd[1:]...)
	var stdout, stderr bytes.Buffer
	command.Stdin = bytes.NewReader(data)
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	raw := stdout.Bytes()
	defer scrub.Bytes(raw)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, voiceerr.Wrap(voiceerr.ErrModelUnavailable, "audio.transcode", t.cmd[0]+" is not installed", err)
		}
		return nil, voiceerr.Wrap(voiceerr.ErrDecode, "audio.transcode", "failed to decode WebM audio", err)
	}
	if len(raw) == 0 {
		return nil, voiceerr.New(voiceerr.ErrDecode, "audio.transcode", "webm decode produced empty output")
	}
	return PCMFromS16LE(raw, TargetSampleRate)
}
