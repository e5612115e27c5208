package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/consolr/internal/history"
)

// Options configure the ClickHouse connection.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "server_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			event String,
			occurred_at DateTime64(6),
			server_id String,
			name String,
			pid UInt32,
			started_at Nullable(DateTime64(6)),
			exited_at Nullable(DateTime64(6)),
			exit_code Nullable(Int32),
			reason Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, server_id)`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	query := fmt.Sprintf(`INSERT INTO %s (event, occurred_at, server_id, name, pid, started_at, exited_at, exit_code, reason) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var started *time.Time
	if !rec.StartedAt.IsZero() {
		t := rec.StartedAt.UTC()
		started = &t
	}
	var code *int32
	if rec.ExitCode != nil {
		c := int32(*rec.ExitCode)
		code = &c
	}
	var reason *string
	if rec.Reason != "" {
		reason = &rec.Reason
	}

	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt.UTC(),
		rec.ServerID,
		rec.Name,
		uint32(rec.PID),
		started,
		rec.ExitedAt,
		code,
		reason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
