package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrMissingInput     = errors.New("missing input artifact")
	ErrProcess          = errors.New("image tool failed")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrStoreIO          = errors.New("artifact store i/o failed")
)

const (
	KindValidation       = "validation"
	KindMissingInput     = "missing_input"
	KindProcess          = "process"
	KindArtifactNotFound = "not_found"
	KindStoreIO          = "store_io"
	KindInternal         = "internal"
)

// ValidationError reports a rejected request parameter. It never reaches the image tool.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ProcessError reports a failed or unstartable tool invocation.
// ExitCode is -1 when the process never produced an exit status.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	var b strings.Builder
	b.WriteString("image tool failed")
	if e.ExitCode >= 0 {
		b.WriteString(" exit_code=")
		b.WriteString(strconv.Itoa(e.ExitCode))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		b.WriteString(": ")
		b.WriteString(stderr)
	}
	return b.String()
}

func (e *ProcessError) Is(target error) bool {
	return target == ErrProcess
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

type StoreIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("artifact store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreIOError) Is(target error) bool {
	return target == ErrStoreIO
}

func (e *StoreIOError) Unwrap() error {
	return e.Err
}

func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
}

// KindOf maps an error to the stable kind string exposed to API clients.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrMissingInput):
		return KindMissingInput
	case errors.Is(err, ErrArtifactNotFound):
		return KindArtifactNotFound
	case errors.Is(err, ErrProcess):
		return KindProcess
	case errors.Is(err, ErrStoreIO):
		return KindStoreIO
	default:
		return KindInternal
	}
}

func quote(s string) string {
	return strconv.Quote(s)
}
