package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voiceprint/internal/bus"
	"github.com/loqalabs/loqa-voiceprint/internal/config"
	"github.com/loqalabs/loqa-voiceprint/internal/natsserver"
)

func TestVoiceCapabilities(t *testing.T) {
	caps := VoiceCapabilities(config.EmbeddingConfig{Provider: "model", Model: "pyannote/embedding"}, 100)
	if len(caps) != 3 {
		t.Fatalf("expected 3 capabilities, got %d", len(caps))
	}
	names := map[string]Capability{}
	for _, c := range caps {
		names[c.Name] = c
	}
	proof, ok := names[CapabilityProof]
	if !ok {
		t.Fatalf("missing %s", CapabilityProof)
	}
	if proof.Attributes["threshold"] != "100" || proof.Attributes["model"] != "pyannote/embedding" {
		t.Fatalf("unexpected proof attributes %v", proof.Attributes)
	}
	if names[CapabilityExtract].Attributes["provider"] != "model" {
		t.Fatalf("unexpected extract attributes %v", names[CapabilityExtract].Attributes)
	}
}

func TestRegistryTracksNodes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	busCfg := config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}
	clientA, err := bus.Connect(context.Background(), busCfg, "node-a", logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer clientA.Close()
	clientB, err := bus.Connect(context.Background(), busCfg, "node-b", logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer clientB.Close()

	nodeCfg := func(id string) config.NodeConfig {
		return config.NodeConfig{ID: id, Role: "voiceprint", HeartbeatInterval: 50, HeartbeatTimeout: 1000}
	}
	caps := VoiceCapabilities(config.EmbeddingConfig{Provider: "deterministic", Model: "m"}, 128)

	regA, err := NewRegistry(context.Background(), nodeCfg("a"), caps, func() int { return 3 }, clientA, logger)
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer regA.Close()
	regB, err := NewRegistry(context.Background(), nodeCfg("b"), caps[:1], nil, clientB, logger)
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	defer regB.Close()

	if !regA.Healthy() {
		t.Fatalf("local node should be healthy after announce")
	}
	if got := len(regA.LocalCapabilities()); got != 3 {
		t.Fatalf("expected 3 local capabilities, got %d", got)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		provers := regB.Query(WithCapabilityFilter(CapabilityProof))
		if len(provers) == 1 && provers[0].ID == "a" && provers[0].InFlight == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node b never learned about node a: %+v", provers)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if nodes := regA.Query(WithTierFilter("gpu")); len(nodes) != 0 {
		t.Fatalf("unexpected gpu nodes %+v", nodes)
	}
	nodes, capsTotal := regB.snapshotCounts()
	if nodes < 2 || capsTotal < 4 {
		t.Fatalf("unexpected counts nodes=%d caps=%d", nodes, capsTotal)
	}
}
