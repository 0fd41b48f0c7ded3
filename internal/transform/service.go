// Package transform orchestrates a single image transformation: parameter
// validation, output naming, tool execution and artifact cleanup.
package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/magickflow/internal/command"
	"github.com/dunamismax/magickflow/internal/domain"
)

type Runner interface {
	Run(ctx context.Context, spec command.Spec) (string, error)
}

type ArtifactStore interface {
	ReserveOutputName(purpose, ext string) (domain.Artifact, error)
	Exists(a domain.Artifact) (bool, error)
	Delete(a domain.Artifact) error
	DeleteStrays(a domain.Artifact) error
}

// ErrNoOutput marks a tool run that exited zero without writing the reserved output path.
var ErrNoOutput = errors.New("image tool exited without writing the output file")

// Publisher copies a finished output artifact somewhere else, e.g. object storage.
type Publisher interface {
	Publish(ctx context.Context, a domain.Artifact) error
}

type Service struct {
	logger    *log.Logger
	store     ArtifactStore
	runner    Runner
	publisher Publisher
	metrics   *metrics
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithRegisterer registers the service metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) {
		s.metrics = newMetrics(reg)
	}
}

func NewService(logger *log.Logger, store ArtifactStore, runner Runner, opts ...Option) *Service {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Service{
		logger: logger,
		store:  store,
		runner: runner,
		tracer: otel.Tracer("magickflow/transform"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	return s
}

func (s *Service) Transform(ctx context.Context, req domain.TransformRequest) (result domain.TransformResult, err error) {
	startedAt := s.now()

	ctx, span := s.tracer.Start(ctx, "transform."+string(req.Operation), trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("transform.operation", string(req.Operation)))
	defer span.End()
	defer func() {
		kind := domain.KindOf(err)
		if kind == "" {
			kind = "ok"
			span.SetStatus(codes.Ok, "transformed")
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
		}
		s.metrics.transformsTotal.WithLabelValues(string(req.Operation), kind).Inc()
		s.metrics.transformDuration.WithLabelValues(string(req.Operation), kind).Observe(time.Since(startedAt).Seconds())
	}()

	input, err := s.checkInput(req.Input)
	if err != nil {
		return domain.TransformResult{}, err
	}
	span.SetAttributes(attribute.String("artifact.input", input.ID))

	spec, err := command.Build(req.Operation, command.Params(req.Params))
	if err != nil {
		return domain.TransformResult{}, err
	}

	output, err := s.store.ReserveOutputName(spec.Purpose, spec.Extension)
	if err != nil {
		return domain.TransformResult{}, fmt.Errorf("reserve output: %w", err)
	}
	span.SetAttributes(attribute.String("artifact.output", output.ID))

	if _, err := s.runner.Run(ctx, spec.WithPaths(input.Path, output.Path)); err != nil {
		// The input stays for diagnosis; a half-written output must not survive.
		if delErr := s.store.Delete(output); delErr != nil {
			s.logger.Printf("partial output cleanup failed output_id=%s err=%v", output.ID, delErr)
		}
		s.logger.Printf("transform failed operation=%s input_id=%s err=%v", req.Operation, input.ID, err)
		return domain.TransformResult{}, err
	}

	if err := s.verifyOutput(output); err != nil {
		s.logger.Printf("transform failed operation=%s input_id=%s output_id=%s err=%v", req.Operation, input.ID, output.ID, err)
		return domain.TransformResult{}, err
	}

	result = domain.TransformResult{
		Operation: req.Operation,
		Output:    output,
		Filter:    spec.Filter,
		Format:    spec.Extension,
	}
	if dims, ok := probeDimensions(output.Path); ok {
		result.Width, result.Height = dims.X, dims.Y
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, output); err != nil {
			s.metrics.publishFailures.Inc()
			s.logger.Printf("publish output failed output_id=%s err=%v", output.ID, err)
		}
	}

	if err := s.store.Delete(*input); err != nil {
		s.metrics.cleanupFailures.Inc()
		s.logger.Printf("input cleanup failed input_id=%s err=%v", input.ID, err)
	}

	s.logger.Printf(
		"transformed operation=%s input_id=%s output_id=%s width=%d height=%d",
		req.Operation,
		input.ID,
		output.ID,
		result.Width,
		result.Height,
	)
	return result, nil
}

func (s *Service) checkInput(input *domain.Artifact) (*domain.Artifact, error) {
	if input == nil || input.Path == "" {
		return nil, domain.ErrMissingInput
	}
	exists, err := s.store.Exists(*input)
	if err != nil {
		return nil, fmt.Errorf("check input %s: %w", input.ID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingInput, input.ID)
	}
	return input, nil
}

// verifyOutput fails a zero-exit run whose output file is missing and drops
// whatever the tool wrote beside it. The input is left in place.
func (s *Service) verifyOutput(output domain.Artifact) error {
	exists, err := s.store.Exists(output)
	if err == nil && exists {
		return nil
	}

	if strayErr := s.store.DeleteStrays(output); strayErr != nil {
		s.logger.Printf("stray output cleanup failed output_id=%s err=%v", output.ID, strayErr)
	}
	if err != nil {
		return fmt.Errorf("check output %s: %w", output.ID, err)
	}
	return &domain.ProcessError{ExitCode: 0, Err: ErrNoOutput}
}
