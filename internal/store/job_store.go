package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/jbigflow/internal/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}

// Store is a job store that also records usage and owns its connection.
type Store interface {
	JobStore
	UsageStore
	Close() error
}

// Open returns the store named by driver: "memory" or "postgres".
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryJobStore(), nil
	case "postgres":
		pg, err := NewPostgresJobStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unsupported job store driver: %s", driver)
	}
}
