package natsserver

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voiceprint/internal/bus"
	"github.com/loqalabs/loqa-voiceprint/internal/config"
	"github.com/nats-io/nats.go"
)

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if srv != nil {
		t.Fatalf("expected nil server when disabled")
	}
	if srv.ClientURL() != "" {
		t.Fatalf("nil server should report empty url")
	}
	srv.Shutdown()
}

func TestStartAndRequest(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Shutdown()

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "natsserver-test", logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatalf("expected healthy client")
	}

	sub, err := client.Conn().Subscribe("echo", func(msg *nats.Msg) {
		_ = msg.Respond(append([]byte("re:"), msg.Data...))
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, "echo", []byte("ping"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply) != "re:ping" {
		t.Fatalf("unexpected reply %q", reply)
	}
}
