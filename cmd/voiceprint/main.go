// Command voiceprint runs voice feature extraction, commitments and
// ownership proofs from the shell, either in-process or against a running
// voiceprintd over NATS.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voiceprint/internal/bus"
	"github.com/loqalabs/loqa-voiceprint/internal/config"
	"github.com/loqalabs/loqa-voiceprint/internal/protocol"
	"github.com/loqalabs/loqa-voiceprint/internal/runtime"
	"github.com/loqalabs/loqa-voiceprint/internal/scrub"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// common holds the flags every operation accepts.
type common struct {
	configPath string
	natsURL    string
	timeout    time.Duration
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteC()
	if err != nil {
		fmt.Fprintln(stderr, describe(cmd.Name(), err))
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var c common
	root := &cobra.Command{
		Use:           "voiceprint",
		Short:         "Voice feature extraction, commitments and ownership proofs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to configuration file (defaults plus VOICEPRINT_* env when empty)")
	root.PersistentFlags().StringVar(&c.natsURL, "nats", "", "Send the request to a running voiceprintd at this NATS URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 2*time.Minute, "Request timeout")

	root.AddCommand(
		newExtractCmd(&c),
		newCommitCmd(&c),
		newProveCmd(&c),
		newValidateConfigCmd(&c),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func newExtractCmd(c *common) *cobra.Command {
	var file, mime string
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract 512 binary voice features from a WAV or WebM recording",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTimeout(cmd, c, func(ctx context.Context) (any, error) {
				return runExtract(ctx, *c, file, mime)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to a WAV or WebM recording")
	cmd.Flags().StringVar(&mime, "mime", "", "MIME type hint")
	return cmd
}

func newCommitCmd(c *common) *cobra.Command {
	var feats, salt string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Derive a commitment over packed features and a salt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTimeout(cmd, c, func(ctx context.Context) (any, error) {
				return runCommit(ctx, *c, splitWords(feats), salt)
			})
		},
	}
	cmd.Flags().StringVar(&feats, "features", "", "Comma-separated packed feature words")
	cmd.Flags().StringVar(&salt, "salt", "", "Commitment salt (decimal or 0x hex)")
	return cmd
}

func newProveCmd(c *common) *cobra.Command {
	var ref, cur, salt string
	cmd := &cobra.Command{
		Use:   "prove",
		Short: "Prove two packed feature sets match within the Hamming threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTimeout(cmd, c, func(ctx context.Context) (any, error) {
				return runProve(ctx, *c, splitWords(ref), splitWords(cur), salt)
			})
		},
	}
	cmd.Flags().StringVar(&ref, "reference", "", "Comma-separated reference packed feature words")
	cmd.Flags().StringVar(&cur, "current", "", "Comma-separated current packed feature words")
	cmd.Flags().StringVar(&salt, "salt", "", "Commitment salt (decimal or 0x hex)")
	return cmd
}

func newValidateConfigCmd(c *common) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := c.configPath
			if path == "" {
				path = "voiceprint.yaml"
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config valid")
			return nil
		},
	}
}

// withTimeout runs fn under the configured timeout and prints its result as
// indented JSON.
func withTimeout(cmd *cobra.Command, c *common, fn func(context.Context) (any, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()
	out, err := fn(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runExtract(ctx context.Context, c common, file, mime string) (any, error) {
	if file == "" {
		return nil, voiceerr.New(voiceerr.ErrBadRequest, "", "audio field is required")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	text := base64.StdEncoding.EncodeToString(data)
	scrub.Bytes(data)
	req := protocol.ExtractRequest{Audio: text, MimeType: mime}

	if c.natsURL != "" {
		var resp protocol.ExtractResponse
		return &resp, remote(ctx, c, protocol.SubjectExtract, req, &resp)
	}
	p, cleanup, err := localPipeline(c)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	res, err := p.Voice.Extract(ctx, req.Audio, req.MimeType)
	if err != nil {
		return nil, err
	}
	return &protocol.ExtractResponse{
		Features:       res.Features,
		BinaryFeatures: res.Bits,
		PackedFeatures: res.Packed.Strings(),
		Format:         string(res.Format),
		ModelUsed:      res.Model,
	}, nil
}

func runCommit(ctx context.Context, c common, words []string, salt string) (any, error) {
	if len(words) == 0 || salt == "" {
		return nil, voiceerr.New(voiceerr.ErrBadRequest, "", "features and salt are required")
	}
	if c.natsURL != "" {
		var resp protocol.CommitResponse
		req := protocol.CommitRequest{Features: words, Salt: protocol.Salt(salt)}
		return &resp, remote(ctx, c, protocol.SubjectCommit, req, &resp)
	}
	p, cleanup, err := localPipeline(c)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	res, err := p.Voice.Commit(ctx, words, salt)
	if err != nil {
		return nil, err
	}
	return &protocol.CommitResponse{Commitment: res.Commitment, PackedFeatures: res.PackedFeatures}, nil
}

func runProve(ctx context.Context, c common, reference, current []string, salt string) (any, error) {
	if len(reference) == 0 || len(current) == 0 || salt == "" {
		return nil, voiceerr.New(voiceerr.ErrBadRequest, "", "referenceFeatures, currentFeatures, salt are required")
	}
	if c.natsURL != "" {
		var resp protocol.ProveResponse
		req := protocol.ProveRequest{ReferenceFeatures: reference, CurrentFeatures: current, Salt: protocol.Salt(salt)}
		return &resp, remote(ctx, c, protocol.SubjectProve, req, &resp)
	}
	p, cleanup, err := localPipeline(c)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	res, err := p.Voice.Prove(ctx, reference, current, salt)
	if err != nil {
		return nil, err
	}
	return &protocol.ProveResponse{
		Proof:           res.Proof,
		PublicSignals:   res.PublicSignals,
		Commitment:      res.Commitment,
		HammingDistance: res.HammingDistance,
	}, nil
}

func localPipeline(c common) (*runtime.Pipeline, func(), error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	p, err := runtime.BuildPipeline(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return p, func() { _ = p.Close() }, nil
}

func remote(ctx context.Context, c common, subject string, req, resp any) error {
	cfg := config.Default().Bus
	if c.configPath != "" {
		full, err := config.Load(c.configPath)
		if err != nil {
			return err
		}
		cfg = full.Bus
	}
	cfg.Servers = []string{c.natsURL}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := bus.Connect(ctx, cfg, "voiceprint-cli", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	defer scrub.Bytes(payload)
	reply, err := client.Request(ctx, subject, payload)
	if err != nil {
		return err
	}
	return protocol.DecodeReply(reply, resp)
}

func splitWords(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// describe renders err the way the daemon would report it.
func describe(op string, err error) string {
	var remoteErr *protocol.RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Error()
	}
	if voiceerr.KindOf(err) == nil && !errors.Is(err, voiceerr.ErrBadRequest) {
		return err.Error()
	}
	code := voiceerr.Code(err)
	if op == "commit" && code == voiceerr.CodeProofGeneration {
		code = voiceerr.CodeCommitmentGeneration
	}
	return fmt.Sprintf("%s: %s", code, voiceerr.PublicMessage(err))
}
