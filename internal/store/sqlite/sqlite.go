package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/consolr/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS server_registration(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			work_dir TEXT NOT NULL,
			executable TEXT NOT NULL DEFAULT '',
			args TEXT NOT NULL DEFAULT '[]',
			env TEXT NOT NULL DEFAULT '[]',
			stop_command TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		);`)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Upsert(ctx context.Context, reg store.Registration) error {
	args, err := store.EncodeList(reg.Args)
	if err != nil {
		return err
	}
	env, err := store.EncodeList(reg.Env)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO server_registration(id, name, work_dir, executable, args, env, stop_command, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			work_dir=excluded.work_dir,
			executable=excluded.executable,
			args=excluded.args,
			env=excluded.env,
			stop_command=excluded.stop_command,
			updated_at=excluded.updated_at;`,
		reg.ID, reg.Name, reg.WorkDir, reg.Executable, args, env, reg.StopCommand, time.Now().UTC())
	return err
}

func (s *DB) Get(ctx context.Context, id string) (store.Registration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, work_dir, executable, args, env, stop_command, updated_at
		FROM server_registration WHERE id = ?;`, id)
	reg, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Registration{}, store.ErrNotFound
	}
	return reg, err
}

func (s *DB) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM server_registration WHERE id = ?;`, id)
	return err
}

func (s *DB) List(ctx context.Context) ([]store.Registration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, work_dir, executable, args, env, stop_command, updated_at
		FROM server_registration ORDER BY name, id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.Registration
	for rows.Next() {
		reg, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (store.Registration, error) {
	var (
		reg       store.Registration
		args, env string
	)
	if err := r.Scan(&reg.ID, &reg.Name, &reg.WorkDir, &reg.Executable, &args, &env, &reg.StopCommand, &reg.UpdatedAt); err != nil {
		return store.Registration{}, err
	}
	var err error
	if reg.Args, err = store.DecodeList(args); err != nil {
		return store.Registration{}, err
	}
	if reg.Env, err = store.DecodeList(env); err != nil {
		return store.Registration{}, err
	}
	return reg, nil
}
