package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voiceprint/internal/audio/audiotest"
	"github.com/loqalabs/loqa-voiceprint/internal/capability"
	"github.com/loqalabs/loqa-voiceprint/internal/config"
	"github.com/loqalabs/loqa-voiceprint/internal/embedding"
	"github.com/loqalabs/loqa-voiceprint/internal/protocol"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.db")
	cfg.Node.HeartbeatInterval = 50
	cfg.Prover.CircuitRoot = t.TempDir()
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRuntimeComponents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(testConfig(t), discardLogger())
	if err := r.startComponents(ctx); err != nil {
		t.Fatalf("startComponents: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		r.wg.Wait()
		r.stopComponents()
	})
	r.ready.Store(true)

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.handleNodes(rec, httptest.NewRequest(http.MethodGet, "/v1/nodes?capability="+capability.CapabilityProof, nil))
	var nodes []capability.NodeInfo
	if err := json.NewDecoder(rec.Body).Decode(&nodes); err != nil {
		t.Fatalf("decode nodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "voiceprint-node-1" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}

	payload, _ := json.Marshal(protocol.ExtractRequest{Audio: audiotest.ToneBase64(t, 1.2)})
	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	reply, err := r.bus.Request(reqCtx, protocol.SubjectExtract, payload)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp protocol.ExtractResponse
	if err := protocol.DecodeReply(reply, &resp); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(resp.PackedFeatures) != 8 {
		t.Fatalf("unexpected packed features %v", resp.PackedFeatures)
	}

	// Commit fails because no circuits exist under the temp root.
	payload, _ = json.Marshal(map[string]any{"features": resp.PackedFeatures, "salt": "1"})
	reply, err = r.bus.Request(reqCtx, protocol.SubjectCommit, payload)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var remote *protocol.RemoteError
	if err := protocol.DecodeReply(reply, &struct{}{}); !errors.As(err, &remote) || remote.Code != voiceerr.CodeCommitmentGeneration {
		t.Fatalf("expected commitment error, got %v", err)
	}
}

func TestRuntimeNotReadyBeforeStart(t *testing.T) {
	r := New(config.Default(), discardLogger())
	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	r.handleNodes(rec, httptest.NewRequest(http.MethodGet, "/v1/nodes", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestBuildPipeline(t *testing.T) {
	cfg := config.Default()
	p, err := BuildPipeline(cfg, discardLogger())
	if err != nil {
		t.Fatalf("BuildPipeline: %v", err)
	}
	if p.Voice.ModelName() != "deterministic:pyannote/embedding" {
		t.Fatalf("unexpected model %q", p.Voice.ModelName())
	}
	if p.Voice.Threshold() != 128 {
		t.Fatalf("unexpected threshold %d", p.Voice.Threshold())
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cfg.Embedding.Provider = "model"
	cfg.Embedding.Command = "embed-server --stdio"
	p, err = BuildPipeline(cfg, discardLogger())
	if err != nil {
		t.Fatalf("BuildPipeline model: %v", err)
	}
	if p.cache == nil || p.Voice.ModelName() != "model:pyannote/embedding" {
		t.Fatalf("model pipeline not wired: %q", p.Voice.ModelName())
	}
	_ = p.Close()

	cfg.Embedding.Provider = "whisper"
	if _, err := BuildPipeline(cfg, discardLogger()); !errors.Is(err, voiceerr.ErrModelUnavailable) {
		t.Fatalf("expected model unavailable, got %v", err)
	}
	cfg.Embedding.Provider = embedding.ProviderModel
	cfg.Embedding.Loader = "grpc"
	if _, err := BuildPipeline(cfg, discardLogger()); err == nil {
		t.Fatalf("expected loader error")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
