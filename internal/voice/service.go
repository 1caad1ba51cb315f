package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voiceprint/internal/audit"
	"github.com/loqalabs/loqa-voiceprint/internal/bus"
	"github.com/loqalabs/loqa-voiceprint/internal/protocol"
	"github.com/loqalabs/loqa-voiceprint/internal/scrub"
	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-voiceprint/voice"

// Operation names used in logs, metrics and the audit trail.
const (
	OpExtract = "extract"
	OpCommit  = "commit"
	OpProve   = "prove"
)

// AuditSink records request outcomes. *audit.Store satisfies it.
type AuditSink interface {
	AppendRequest(ctx context.Context, requestID, operation string) error
	AppendEvent(ctx context.Context, evt audit.Event) error
}

// ServiceOptions bounds the work a node accepts.
type ServiceOptions struct {
	// MaxConcurrency caps simultaneous commit and prove requests, each of
	// which runs the external prover.
	MaxConcurrency int
	ProverTimeout  time.Duration
	ExtractTimeout time.Duration
}

// Service answers voice requests on the bus.
type Service struct {
	log      *slog.Logger
	bus      *bus.Client
	pipeline *Pipeline
	sink     AuditSink
	opts     ServiceOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sema   chan struct{}

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool

	healthy  atomic.Bool
	inFlight atomic.Int64

	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
	hamming  metric.Int64Histogram
	proving  metric.Float64Histogram
}

// NewService subscribes the three voice subjects in the shared queue group.
func NewService(ctx context.Context, busClient *bus.Client, pipeline *Pipeline, sink AuditSink, opts ServiceOptions, logger *slog.Logger) (*Service, error) {
	if busClient == nil {
		return nil, errors.New("voice service requires bus client")
	}
	if pipeline == nil {
		return nil, errors.New("voice service requires pipeline")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	cctx, cancel := context.WithCancel(ctx)
	svc := &Service{
		log:      logger.With(slog.String("component", "voice.service")),
		bus:      busClient,
		pipeline: pipeline,
		sink:     sink,
		opts:     opts,
		ctx:      cctx,
		cancel:   cancel,
		sema:     make(chan struct{}, opts.MaxConcurrency),
		tracer:   otel.Tracer(instrumentationName),
	}
	if err := svc.initMetrics(); err != nil {
		svc.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := svc.registerSubscriptions(); err != nil {
		svc.Close()
		return nil, err
	}
	svc.healthy.Store(true)
	return svc, nil
}

// Close drains subscriptions and waits for in-flight requests.
func (s *Service) Close() {
	s.healthy.Store(false)
	s.mu.Lock()
	s.closed = true
	for _, sub := range s.subs {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.subs = nil
	s.mu.Unlock()
	s.wg.Wait()
	s.cancel()
}

// Healthy reports whether the service is running with active subscriptions.
func (s *Service) Healthy() bool {
	return s != nil && s.healthy.Load()
}

// InFlight reports the number of requests being processed.
func (s *Service) InFlight() int {
	if s == nil {
		return 0
	}
	return int(s.inFlight.Load())
}

func (s *Service) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if s.requests, err = meter.Int64Counter("voiceprint.requests",
		metric.WithDescription("Voice requests by operation and outcome")); err != nil {
		return err
	}
	if s.duration, err = meter.Float64Histogram("voiceprint.request.duration",
		metric.WithDescription("Voice request latency"), metric.WithUnit("s")); err != nil {
		return err
	}
	if s.hamming, err = meter.Int64Histogram("voiceprint.hamming.distance",
		metric.WithDescription("Hamming distance between reference and current features")); err != nil {
		return err
	}
	if s.proving, err = meter.Float64Histogram("voiceprint.prover.duration",
		metric.WithDescription("Time spent waiting for and running the prover"), metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

func (s *Service) registerSubscriptions() error {
	routes := []struct {
		subject string
		op      string
	}{
		{protocol.SubjectExtract, OpExtract},
		{protocol.SubjectCommit, OpCommit},
		{protocol.SubjectProve, OpProve},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, route := range routes {
		sub, err := s.bus.Conn().QueueSubscribe(route.subject, protocol.QueueGroup, s.makeHandler(route.op))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", route.subject, err)
		}
		s.subs = append(s.subs, sub)
		s.log.Info("voice subject subscribed", slog.String("subject", route.subject), slog.String("queue", protocol.QueueGroup))
	}
	return nil
}

func (s *Service) makeHandler(op string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if msg.Reply == "" {
			s.log.Warn("dropping voice request without reply subject", slog.String("subject", msg.Subject))
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.inFlight.Add(1)
			defer s.inFlight.Add(-1)
			s.handle(op, msg)
		}()
	}
}

func (s *Service) handle(op string, msg *nats.Msg) {
	requestID := uuid.NewString()
	ctx, span := s.tracer.Start(s.ctx, "voice."+op,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("voice.operation", op),
			attribute.String("voice.request_id", requestID),
		))
	defer span.End()

	start := time.Now()
	traceID := ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	logger := s.log.With(slog.String("operation", op), slog.String("request_id", requestID))

	s.record(requestID, op, audit.Event{TraceID: traceID, Type: "request.start", Stage: StageIdle.String()}, nil)

	payload, detail, err := s.dispatch(ctx, op, msg.Data)
	scrub.Bytes(msg.Data)

	outcome := "success"
	code := ""
	stage := StageResponded.String()
	if err != nil {
		outcome = "failure"
		code = wireCode(op, err)
		stage = StageIdle.String()
		var se *StageError
		if errors.As(err, &se) {
			stage = se.Stage.String()
			detail = se.Detail
		}
		payload = errorReply(code, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		logger.Warn("voice request failed",
			slog.String("code", code),
			slog.String("stage", stage),
			slog.String("error", err.Error()))
	} else {
		logger.Debug("voice request complete", slog.Duration("duration", time.Since(start)))
	}
	span.SetAttributes(attribute.String("voice.stage", stage), attribute.String("voice.outcome", outcome))

	if respondErr := msg.Respond(payload); respondErr != nil {
		logger.Error("failed to send reply", slog.String("error", respondErr.Error()))
	}
	scrub.Bytes(payload)

	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
		attribute.String("code", code),
	)
	if s.requests != nil {
		s.requests.Add(ctx, 1, attrs)
	}
	if s.duration != nil {
		s.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}

	if detail == nil {
		detail = map[string]any{}
	}
	detail["duration_ms"] = time.Since(start).Milliseconds()
	evtType := "request.complete"
	if err != nil {
		evtType = "request.failed"
	}
	s.record(requestID, op, audit.Event{
		TraceID: traceID,
		Type:    evtType,
		Stage:   stage,
		Outcome: outcome,
		Code:    code,
	}, detail)
}

// dispatch runs op and returns the marshaled reply together with audit-safe
// metadata.
func (s *Service) dispatch(ctx context.Context, op string, data []byte) ([]byte, map[string]any, error) {
	switch op {
	case OpExtract:
		return s.extract(ctx, data)
	case OpCommit:
		return s.commit(ctx, data)
	case OpProve:
		return s.prove(ctx, data)
	default:
		return nil, nil, fmt.Errorf("unknown operation %q", op)
	}
}

func (s *Service) extract(ctx context.Context, data []byte) ([]byte, map[string]any, error) {
	var req protocol.ExtractRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, nil, invalidPayload(err)
	}
	if req.Audio == "" {
		return nil, nil, badRequest("audio field is required")
	}
	if s.opts.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ExtractTimeout)
		defer cancel()
	}

	res, err := s.pipeline.Extract(ctx, req.Audio, req.MimeType)
	req.Audio = ""
	if err != nil {
		return nil, nil, err
	}
	defer res.Release()

	packed := res.Packed.Strings()
	defer clear(packed)
	payload, err := json.Marshal(protocol.ExtractResponse{
		Features:       res.Features,
		BinaryFeatures: res.Bits,
		PackedFeatures: packed,
		Format:         string(res.Format),
		ModelUsed:      res.Model,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal extract reply: %w", err)
	}
	return payload, map[string]any{
		"format":     string(res.Format),
		"modelUsed":  res.Model,
		"durationMs": res.Duration.Milliseconds(),
	}, nil
}

func (s *Service) commit(ctx context.Context, data []byte) ([]byte, map[string]any, error) {
	var req protocol.CommitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, nil, invalidPayload(err)
	}
	defer clear(req.Features)
	if req.Features == nil || req.Salt == "" {
		return nil, nil, badRequest("features and salt are required")
	}

	in, err := s.pipeline.CheckCommit(req.Features)
	if err != nil {
		return nil, nil, err
	}
	defer in.Release()

	release, err := s.acquireProver(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()
	ctx, cancel := s.proverContext(ctx)
	defer cancel()

	res, err := s.pipeline.CommitChecked(ctx, in, string(req.Salt))
	if err != nil {
		return nil, nil, err
	}
	defer clear(res.PackedFeatures)
	payload, err := json.Marshal(protocol.CommitResponse{
		Commitment:     res.Commitment,
		PackedFeatures: res.PackedFeatures,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal commit reply: %w", err)
	}
	return payload, map[string]any{"commitment": res.Commitment}, nil
}

func (s *Service) prove(ctx context.Context, data []byte) ([]byte, map[string]any, error) {
	var req protocol.ProveRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, nil, invalidPayload(err)
	}
	defer clear(req.ReferenceFeatures)
	defer clear(req.CurrentFeatures)
	if req.ReferenceFeatures == nil || req.CurrentFeatures == nil || req.Salt == "" {
		return nil, nil, badRequest("referenceFeatures, currentFeatures, salt are required")
	}

	in, err := s.pipeline.CheckProof(req.ReferenceFeatures, req.CurrentFeatures)
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			if d, ok := se.Detail["hammingDistance"].(int); ok {
				s.recordDistance(ctx, d, false)
			}
		}
		return nil, nil, err
	}
	defer in.Release()

	release, err := s.acquireProver(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()
	ctx, cancel := s.proverContext(ctx)
	defer cancel()

	res, err := s.pipeline.ProveChecked(ctx, in, string(req.Salt))
	if err != nil {
		return nil, nil, err
	}
	s.recordDistance(ctx, res.HammingDistance, true)
	payload, err := json.Marshal(protocol.ProveResponse{
		Proof:           res.Proof,
		PublicSignals:   res.PublicSignals,
		Commitment:      res.Commitment,
		HammingDistance: res.HammingDistance,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal prove reply: %w", err)
	}
	return payload, map[string]any{
		"commitment":      res.Commitment,
		"hammingDistance": res.HammingDistance,
	}, nil
}

func (s *Service) recordDistance(ctx context.Context, distance int, accepted bool) {
	if s.hamming != nil {
		s.hamming.Record(ctx, int64(distance), metric.WithAttributes(attribute.Bool("accepted", accepted)))
	}
}

// acquireProver takes a prover slot, waiting at most ProverTimeout for one.
// The returned func records how long the slot was held.
func (s *Service) acquireProver(ctx context.Context) (func(), error) {
	start := time.Now()
	wait := ctx
	if s.opts.ProverTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, s.opts.ProverTimeout)
		defer cancel()
	}
	select {
	case s.sema <- struct{}{}:
	case <-wait.Done():
		return nil, voiceerr.Wrap(voiceerr.ErrProofGeneration, "voice.prover", "prover unavailable", wait.Err())
	}
	return func() {
		<-s.sema
		if s.proving != nil {
			s.proving.Record(ctx, time.Since(start).Seconds())
		}
	}, nil
}

func (s *Service) proverContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.ProverTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.ProverTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) record(requestID, op string, evt audit.Event, detail map[string]any) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.sink.AppendRequest(ctx, requestID, op); err != nil {
		s.log.Warn("failed to append audit request", slog.String("error", err.Error()))
		return
	}
	if len(detail) > 0 {
		data, err := json.Marshal(detail)
		if err != nil {
			s.log.Warn("failed to marshal audit event", slog.String("error", err.Error()))
			return
		}
		evt.Payload = data
	}
	evt.RequestID = requestID
	evt.Operation = op
	if err := s.sink.AppendEvent(ctx, evt); err != nil {
		s.log.Warn("failed to append audit event", slog.String("error", err.Error()))
	}
}

func badRequest(msg string) error {
	return voiceerr.New(voiceerr.ErrBadRequest, "", msg)
}

func invalidPayload(err error) error {
	return voiceerr.Wrap(voiceerr.ErrBadRequest, "", "invalid JSON payload", err)
}

// wireCode maps err to the reply code for op. Commit failures in the prover
// are reported as commitment errors.
func wireCode(op string, err error) string {
	code := voiceerr.Code(err)
	if op == OpCommit && code == voiceerr.CodeProofGeneration {
		return voiceerr.CodeCommitmentGeneration
	}
	return code
}

func errorReply(code string, err error) []byte {
	payload, mErr := json.Marshal(protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      code,
		Message:   voiceerr.PublicMessage(err),
		Retryable: voiceerr.Retryable(err),
	}})
	if mErr != nil {
		return []byte(`{"error":{"code":"INTERNAL_ERROR","message":"unexpected server error","retryable":false}}`)
	}
	return payload
}
