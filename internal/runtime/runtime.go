package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voiceprint/internal/audit"
	"github.com/loqalabs/loqa-voiceprint/internal/bus"
	"github.com/loqalabs/loqa-voiceprint/internal/capability"
	"github.com/loqalabs/loqa-voiceprint/internal/config"
	"github.com/loqalabs/loqa-voiceprint/internal/natsserver"
	"github.com/loqalabs/loqa-voiceprint/internal/voice"
)

// auditPruneInterval is how often retention limits are re-applied.
const auditPruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	telemetry   *telemetry
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *audit.Store
	pipeline *Pipeline
	voice    *voice.Service
	registry *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up telemetry, the bus, the audit store and the voice service,
// then blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	metricsHandler := tel.metrics

	if err := r.startComponents(ctx); err != nil {
		cancel()
		r.wg.Wait()
		r.stopComponents()
		r.shutdownTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/nodes", r.handleNodes)
	if metricsHandler != nil {
		if r.cfg.Telemetry.PrometheusBind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsSrv = &http.Server{
				Addr:              r.cfg.Telemetry.PrometheusBind,
				Handler:           metricsMux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			r.serve(r.metricsSrv, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("node_id", r.cfg.Node.ID),
		slog.String("model", r.pipeline.Voice.ModelName()),
		slog.Int("hamming_threshold", r.pipeline.Voice.Threshold()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()
	r.stopComponents()
	r.shutdownTelemetry()

	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	busCfg := r.cfg.Bus
	if r.nats, err = natsserver.Start(busCfg, r.logger); err != nil {
		return err
	}
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	if r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName+"-"+r.cfg.Node.ID, r.logger); err != nil {
		return err
	}

	if r.cfg.Audit.Enabled {
		if r.store, err = audit.Open(ctx, r.cfg.Audit, r.logger); err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		r.wg.Add(1)
		go r.pruneAudit(ctx)
	}

	if r.pipeline, err = BuildPipeline(r.cfg, r.logger); err != nil {
		return err
	}

	var sink voice.AuditSink
	if r.store != nil {
		sink = r.store
	}
	r.voice, err = voice.NewService(ctx, r.bus, r.pipeline.Voice, sink, voice.ServiceOptions{
		MaxConcurrency: r.cfg.Prover.MaxConcurrency,
		ProverTimeout:  time.Duration(r.cfg.Prover.TimeoutMS) * time.Millisecond,
		ExtractTimeout: time.Duration(r.cfg.Embedding.TimeoutMS) * time.Millisecond,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("start voice service: %w", err)
	}

	caps := capability.VoiceCapabilities(r.cfg.Embedding, r.pipeline.Voice.Threshold())
	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, caps, r.voice.InFlight, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	return nil
}

// stopComponents tears down in reverse start order. Safe on partial starts.
func (r *Runtime) stopComponents() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.voice != nil {
		r.voice.Close()
	}
	if r.pipeline != nil {
		if err := r.pipeline.Close(); err != nil {
			r.logger.Warn("pipeline close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("audit store close error", slogError(err))
		}
	}
}

func (r *Runtime) shutdownTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slogError(err))
		}
	}()
}

func (r *Runtime) pruneAudit(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(auditPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("audit prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.voice.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleNodes lists known voiceprint nodes, optionally filtered by
// ?capability= and ?tier=.
func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	if r.registry == nil {
		http.Error(w, "registry not running", http.StatusServiceUnavailable)
		return
	}
	capName := req.URL.Query().Get("capability")
	tier := req.URL.Query().Get("tier")
	nodes := r.registry.Query(func(node capability.NodeInfo) bool {
		if capName != "" && !capability.WithCapabilityFilter(capName)(node) {
			return false
		}
		if tier != "" && !capability.WithTierFilter(tier)(node) {
			return false
		}
		return true
	})
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(nodes)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
