// Package journal persists forwarded notifications in SQLite so that
// `launchpad journal` can show what the bus carried recently.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"launchpad/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get when no entry has the requested id.
var ErrNotFound = errors.New("journal: entry not found")

// Entry is one recorded notification.
type Entry struct {
	ID        int64
	Event     string
	Channel   string
	Args      json.RawMessage
	CreatedAt time.Time
}

// Store is a SQLite-backed notification journal.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the journal database at dbPath and applies
// pending migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Record stores n. Args that cannot be encoded as JSON are stored as their
// fmt representation.
func (s *Store) Record(ctx context.Context, n domain.Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	args := n.Args
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		s.logger.Debug("journal args not JSON encodable", "event", n.Event, "err", err)
		data, _ = json.Marshal(fmt.Sprint(args...))
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (event, channel, args, created_at) VALUES (?, ?, ?, ?)`,
		n.Event, n.Channel, string(data), n.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", n.Event, err)
	}
	return nil
}

// List returns up to limit entries, newest first. An empty event lists every
// event.
func (s *Store) List(ctx context.Context, event string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, event, channel, args, created_at FROM notifications`
	params := []any{}
	if event != "" {
		query += ` WHERE event = ?`
		params = append(params, event)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns the entry with the given id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event, channel, args, created_at FROM notifications WHERE id = ?`, id,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Prune deletes entries recorded before cutoff and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE created_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("journal pruned", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// RunRetention prunes entries older than keep, once immediately and then
// every interval, until ctx is done.
func (s *Store) RunRetention(ctx context.Context, keep, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Prune(ctx, time.Now().Add(-keep)); err != nil && ctx.Err() == nil {
			s.logger.Warn("journal prune failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Counts returns the number of entries per event.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event, COUNT(*) FROM notifications GROUP BY event`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var event string
		var n int
		if err := rows.Scan(&event, &n); err != nil {
			return nil, err
		}
		counts[event] = n
	}
	return counts, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var e Entry
	var channel sql.NullString
	var args string
	if err := sc.Scan(&e.ID, &e.Event, &channel, &args, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.Channel = channel.String
	e.Args = json.RawMessage(args)
	return e, nil
}
