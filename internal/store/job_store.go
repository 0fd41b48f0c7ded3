// Package store keeps the history of transform jobs handled by the API.
package store

import (
	"context"
	"errors"

	"github.com/dunamismax/magickflow/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	// Update replaces a stored job; it fails with ErrJobNotFound for unknown ids.
	Update(ctx context.Context, job domain.Job) error
}
