// Package retention periodically removes artifacts older than the retention window.
package retention

import (
	"context"
	"errors"
	"io"
	"iter"
	"log"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/magickflow/internal/domain"
)

const (
	DefaultWindow   = time.Hour
	DefaultInterval = time.Hour
)

// ErrScanInProgress is returned when a sweep is requested while one is running.
var ErrScanInProgress = errors.New("retention scan already in progress")

type State int32

const (
	StateIdle State = iota
	StateScanning
)

func (s State) String() string {
	if s == StateScanning {
		return "scanning"
	}
	return "idle"
}

type ArtifactStore interface {
	ListOlderThan(cutoff time.Time, roles ...domain.Role) iter.Seq2[domain.Artifact, error]
	Delete(a domain.Artifact) error
}

// Remover drops mirrored copies of expired output artifacts.
type Remover interface {
	Remove(ctx context.Context, a domain.Artifact) error
}

type Config struct {
	Window   time.Duration
	Interval time.Duration
}

type Report struct {
	Cutoff  time.Time
	Removed int
	Failed  int
}

type Sweeper struct {
	logger   *log.Logger
	store    ArtifactStore
	remover  Remover
	window   time.Duration
	interval time.Duration
	state    atomic.Int32
	metrics  *metrics
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Sweeper)

func WithRemover(r Remover) Option {
	return func(s *Sweeper) {
		s.remover = r
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Sweeper) {
		s.metrics = newMetrics(reg)
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Sweeper) {
		s.tracer = tp.Tracer("magickflow/retention")
	}
}

func NewSweeper(logger *log.Logger, store ArtifactStore, cfg Config, opts ...Option) *Sweeper {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	s := &Sweeper{
		logger:   logger,
		store:    store,
		window:   window,
		interval: interval,
		tracer:   otel.Tracer("magickflow/retention"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	return s
}

func (s *Sweeper) State() State {
	return State(s.state.Load())
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Printf("retention sweeper started window=%s interval=%s", s.window, s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("retention sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Printf("retention sweep failed err=%v", err)
			}
		}
	}
}

// SweepOnce removes everything created before now minus the retention window.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	return s.SweepOlderThan(ctx, s.now().Add(-s.window))
}

// SweepOlderThan deletes input then output artifacts created before cutoff.
// Per-artifact failures are logged and counted; they never stop the scan.
func (s *Sweeper) SweepOlderThan(ctx context.Context, cutoff time.Time) (report Report, err error) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateScanning)) {
		s.metrics.skipped.Inc()
		return Report{}, ErrScanInProgress
	}
	defer s.state.Store(int32(StateIdle))

	ctx, span := s.tracer.Start(ctx, "retention.sweep", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("retention.cutoff", cutoff.UTC().Format(time.RFC3339)))
	defer span.End()

	startedAt := time.Now()
	report = Report{Cutoff: cutoff}
	defer func() {
		s.metrics.scanDuration.Observe(time.Since(startedAt).Seconds())
		span.SetAttributes(
			attribute.Int("retention.removed", report.Removed),
			attribute.Int("retention.failed", report.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sweep interrupted")
		}
	}()

	for _, role := range []domain.Role{domain.RoleInput, domain.RoleOutput} {
		for a, listErr := range s.store.ListOlderThan(cutoff, role) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			if listErr != nil {
				report.Failed++
				s.metrics.failures.WithLabelValues(string(role)).Inc()
				s.logger.Printf("retention list failed role=%s err=%v", role, listErr)
				continue
			}
			s.remove(ctx, a, &report)
		}
	}

	if report.Removed > 0 || report.Failed > 0 {
		s.logger.Printf(
			"retention sweep finished cutoff=%s removed=%d failed=%d",
			cutoff.UTC().Format(time.RFC3339),
			report.Removed,
			report.Failed,
		)
	}
	return report, nil
}

func (s *Sweeper) remove(ctx context.Context, a domain.Artifact, report *Report) {
	if err := s.store.Delete(a); err != nil {
		report.Failed++
		s.metrics.failures.WithLabelValues(string(a.Role)).Inc()
		s.logger.Printf("retention delete failed role=%s id=%s err=%v", a.Role, a.ID, err)
		return
	}
	report.Removed++
	s.metrics.removed.WithLabelValues(string(a.Role)).Inc()
	s.logger.Printf("Cleaned up role=%s id=%s created_at=%s", a.Role, a.ID, a.CreatedAt.Format(time.RFC3339))

	if a.Role == domain.RoleOutput && s.remover != nil {
		if err := s.remover.Remove(ctx, a); err != nil {
			s.logger.Printf("retention mirror removal failed id=%s err=%v", a.ID, err)
		}
	}
}
