package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/consolr/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a pooled :memory: database would give every connection its own schema
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS server_history(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		event TEXT NOT NULL,
		server_id TEXT NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		started_at TIMESTAMP NULL,
		exited_at TIMESTAMP NULL,
		exit_code INTEGER NULL,
		reason TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var started any
	if !rec.StartedAt.IsZero() {
		started = rec.StartedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_history(occurred_at, event, server_id, name, pid, started_at, exited_at, exit_code, reason)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.ServerID, rec.Name, rec.PID,
		started, history.NullTime(rec.ExitedAt), history.NullInt(rec.ExitCode), history.NullString(rec.Reason))
	return err
}

// Count returns the number of stored events of the given type for a server.
func (s *Sink) Count(ctx context.Context, serverID string, typ history.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM server_history WHERE server_id = ? AND event = ?`,
		serverID, string(typ)).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
