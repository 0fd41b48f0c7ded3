// Package process invokes the external image tool for a built command spec.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/magickflow/internal/command"
	"github.com/dunamismax/magickflow/internal/domain"
)

const (
	DefaultTool    = "convert"
	DefaultTimeout = 60 * time.Second

	maxStderrBytes = 8 << 10
	killWaitDelay  = 2 * time.Second
)

type Config struct {
	Tool    string
	Timeout time.Duration
}

// Runner executes the image tool once per call. It keeps no state between calls.
type Runner struct {
	logger  *log.Logger
	tool    string
	timeout time.Duration
	tracer  trace.Tracer
}

func NewRunner(logger *log.Logger, cfg Config) *Runner {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	tool := strings.TrimSpace(cfg.Tool)
	if tool == "" {
		tool = DefaultTool
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Runner{
		logger:  logger,
		tool:    tool,
		timeout: timeout,
		tracer:  otel.Tracer("magickflow/process"),
	}
}

// Run executes the tool with spec's argv and returns the output path on success.
// The argv is passed to the process directly and is never interpreted by a shell.
func (r *Runner) Run(ctx context.Context, spec command.Spec) (string, error) {
	if spec.InputPath == "" || spec.OutputPath == "" {
		return "", errors.New("command spec has no resolved input/output paths")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "process.run", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("process.tool", r.tool),
		attribute.String("transform.operation", string(spec.Operation)),
		attribute.Int("process.args", len(spec.Args)),
	)
	defer span.End()

	cmd := exec.CommandContext(ctx, r.tool, spec.Argv()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole process group so delegates spawned by the tool die with it.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: maxStderrBytes}

	startedAt := time.Now()
	err := cmd.Run()
	elapsed := time.Since(startedAt)

	if err != nil {
		perr := classify(ctx, err, stderr.String())
		span.RecordError(perr)
		span.SetStatus(codes.Error, "image tool failed")
		r.logger.Printf(
			"image tool failed tool=%s operation=%s exit_code=%d elapsed=%s err=%v",
			r.tool,
			spec.Operation,
			perr.ExitCode,
			elapsed.Round(time.Millisecond),
			perr,
		)
		return "", perr
	}

	if warning := strings.TrimSpace(stderr.String()); warning != "" {
		r.logger.Printf("image tool warning operation=%s output=%s stderr=%q", spec.Operation, spec.OutputPath, warning)
	}
	span.SetStatus(codes.Ok, "completed")
	return spec.OutputPath, nil
}

func classify(ctx context.Context, err error, stderr string) *domain.ProcessError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &domain.ProcessError{ExitCode: -1, Stderr: stderr, Err: ctxErr}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &domain.ProcessError{ExitCode: exitErr.ExitCode(), Stderr: stderr}
	}

	return &domain.ProcessError{ExitCode: -1, Stderr: stderr, Err: fmt.Errorf("start image tool: %w", err)}
}

type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if l.remaining <= 0 {
		return n, nil
	}
	if len(p) > l.remaining {
		p = p[:l.remaining]
	}
	written, err := l.w.Write(p)
	l.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
