package factory

import (
	"context"
	"errors"
	"strings"

	"github.com/loykin/consolr/internal/store"
	pg "github.com/loykin/consolr/internal/store/postgres"
	sq "github.com/loykin/consolr/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN and ensures its schema.
// Supported:
//   - sqlite:  "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(ctx context.Context, dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	var (
		s   store.Store
		err error
	)
	switch {
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		s, err = pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		s, err = sq.New(d[len("sqlite://"):])
	case strings.Contains(ld, "://"):
		return nil, errors.New("unsupported DSN format: " + d)
	default:
		s, err = sq.New(d)
	}
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
