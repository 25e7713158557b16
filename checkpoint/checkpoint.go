// Package checkpoint persists the agent's episode progress across control
// handoffs. At most one record is current; saving replaces it.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"simbridge/domain"
)

var ErrNotFound = errors.New("checkpoint not found")

type Record struct {
	Metrics   domain.Metrics `json:"metrics"`
	StepCount int            `json:"step_count"`
	SavedAt   time.Time      `json:"saved_at"`
}

type Store interface {
	Save(ctx context.Context, rec Record) error
	// Load returns the current record, or ErrNotFound.
	Load(ctx context.Context) (Record, error)
	Close() error
}

// Open returns the store for backend ("file" or "sqlite") rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch backend {
	case "file":
		return NewFileStore(dir), nil
	case "sqlite":
		return OpenSQLite(dir)
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
}
