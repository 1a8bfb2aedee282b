// Package index keeps a queryable SQLite cache of run summaries. The run
// directories stay authoritative; everything here can be rebuilt from them.
package index

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aki/wesd/internal/core/logger"
	"github.com/aki/wesd/internal/core/run"
	"github.com/aki/wesd/internal/core/run/state"
)

// ErrNotFound is returned when no summary exists for a run id
var ErrNotFound = errors.New("not found")

const (
	defaultPageSize = 10
	maxPageSize     = 1000
	busyTimeoutMS   = 5000
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	username   TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	start_time TEXT NOT NULL DEFAULT '',
	end_time   TEXT NOT NULL DEFAULT '',
	tags       TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_start_time ON runs (start_time, run_id);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs (state);
CREATE INDEX IF NOT EXISTS idx_runs_username ON runs (username);
CREATE TABLE IF NOT EXISTS run_tags (
	run_id TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);
CREATE INDEX IF NOT EXISTS idx_run_tags_key_value ON run_tags (key, value);
`

// Store is the SQLite-backed run index
type Store struct {
	db              *sql.DB
	signer          *tokenSigner
	defaultPageSize int
	maxPageSize     int
	logger          logger.Logger
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithSigningKey sets the key used to sign page tokens. Without one a
// random key is generated, so tokens do not survive a restart.
func WithSigningKey(key []byte) Option {
	return func(s *Store) {
		if len(key) > 0 {
			s.signer = newTokenSigner(key)
		}
	}
}

// WithPageSizes sets the default and maximum page sizes
func WithPageSizes(def, max int) Option {
	return func(s *Store) {
		if def > 0 {
			s.defaultPageSize = def
		}
		if max > 0 {
			s.maxPageSize = max
		}
	}
}

// Open opens or creates the index database at path
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path, busyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	s := &Store{
		db:              db,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
		logger:          logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.signer == nil {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		s.signer = newTokenSigner(key)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or updates a summary. A summary older than the stored
// row, by UpdatedAt, is ignored, so concurrent writers converge on the
// most recent observation.
func (s *Store) Upsert(ctx context.Context, summary run.Summary) (err error) {
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = time.Now()
	}
	tags, err := marshalTags(summary.Tags)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Error("failed to roll back upsert", "run_id", summary.RunID, "error", rbErr)
			}
		}
	}()

	// The write comes first so the transaction takes the write lock up front
	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, username, state, start_time, end_time, tags, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			username = excluded.username,
			state = excluded.state,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			tags = excluded.tags,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= runs.updated_at`,
		summary.RunID, summary.Username, summary.State.String(),
		formatTime(summary.StartTime), formatTime(summary.EndTime),
		tags, summary.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", summary.RunID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", summary.RunID, err)
	}
	if n > 0 {
		if err = replaceTags(ctx, tx, summary.RunID, summary.Tags); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

func replaceTags(ctx context.Context, tx *sql.Tx, runID string, tags map[string]string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_tags WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear tags of %s: %w", runID, err)
	}
	for k, v := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_tags (run_id, key, value) VALUES (?, ?, ?)`, runID, k, v); err != nil {
			return fmt.Errorf("failed to insert tag of %s: %w", runID, err)
		}
	}
	return nil
}

// Get returns the summary of one run
func (s *Store) Get(ctx context.Context, runID string) (run.Summary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM runs WHERE run_id = ?`, runID)
	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return run.Summary{}, ErrNotFound
	}
	return summary, err
}

// CountByState returns the number of runs per state
func (s *Store) CountByState(ctx context.Context) (map[state.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM runs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[state.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		parsed, _ := state.Parse(st)
		counts[parsed] += n
	}
	return counts, rows.Err()
}

const summaryColumns = `run_id, username, state, start_time, end_time, tags, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (run.Summary, error) {
	var (
		summary        run.Summary
		st, start, end string
		tags           string
		updatedAtNanos int64
	)
	if err := row.Scan(&summary.RunID, &summary.Username, &st, &start, &end, &tags, &updatedAtNanos); err != nil {
		return run.Summary{}, err
	}

	summary.State, _ = state.Parse(st)
	summary.StartTime = parseTime(start)
	summary.EndTime = parseTime(end)
	summary.UpdatedAt = time.Unix(0, updatedAtNanos)
	if err := json.Unmarshal([]byte(tags), &summary.Tags); err != nil {
		return run.Summary{}, fmt.Errorf("failed to decode tags of %s: %w", summary.RunID, err)
	}
	if len(summary.Tags) == 0 {
		summary.Tags = nil
	}
	return summary, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return run.FormatTime(*t)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := run.ParseTime(s)
	if err != nil {
		return nil
	}
	return &t
}

func marshalTags(tags map[string]string) (string, error) {
	if tags == nil {
		tags = map[string]string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}
	return string(data), nil
}
