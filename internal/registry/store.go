package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists agent records to SQLite. Creating a store against a path
// with no existing database succeeds with an empty record set.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the database at dbPath and runs migrations.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		name         TEXT PRIMARY KEY,
		callback_url TEXT NOT NULL,
		description  TEXT,
		secret       TEXT,
		allowed_ips  TEXT,
		active       INTEGER NOT NULL DEFAULT 1,
		created_at   DATETIME NOT NULL,
		last_seen    DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save writes the full record, replacing any previous row for the name.
func (s *Store) Save(ctx context.Context, a *Agent) error {
	ips, err := json.Marshal(a.AllowedIPs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (name, callback_url, description, secret, allowed_ips, active, created_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.CallbackURL, a.Description, a.Secret, string(ips), boolToInt(a.Active), a.CreatedAt, a.LastSeen,
	)
	return err
}

// Delete removes the row for name.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	return err
}

// LoadAll reads every persisted record.
func (s *Store) LoadAll(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, callback_url, description, secret, allowed_ips, active, created_at, last_seen FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var (
			a           Agent
			description sql.NullString
			secret      sql.NullString
			ips         sql.NullString
			active      int
			createdAt   time.Time
			lastSeen    time.Time
		)
		if err := rows.Scan(&a.Name, &a.CallbackURL, &description, &secret, &ips, &active, &createdAt, &lastSeen); err != nil {
			return nil, err
		}
		a.Description = description.String
		a.Secret = secret.String
		a.Active = active != 0
		a.CreatedAt = createdAt
		a.LastSeen = lastSeen
		if ips.Valid && ips.String != "" {
			if err := json.Unmarshal([]byte(ips.String), &a.AllowedIPs); err != nil {
				s.logger.Warn("corrupt allowed_ips, ignoring", "agent", a.Name, "err", err)
			}
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
