package stamps

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour and database/sql driver of a SQLStore.
type Dialect string

const (
	// DialectSQLite uses modernc.org/sqlite (driver name "sqlite").
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres uses github.com/lib/pq (driver name "postgres").
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts "sqlite" or "postgres" (also "postgresql").
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unknown sql dialect %q", s)
	}
}

func (d Dialect) driverName() string {
	return string(d)
}

// placeholder returns the n-th (1-based) bind parameter marker.
func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d Dialect) schema() []string {
	seqCol := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		seqCol = "seq BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS stamps (
			` + seqCol + `,
			id         TEXT NOT NULL UNIQUE,
			video_id   TEXT NOT NULL,
			seconds    DOUBLE PRECISION NOT NULL,
			text       TEXT NOT NULL,
			author     TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS stamps_video_time ON stamps (video_id, seconds, seq)`,
	}
}

// SQLStore implements Store on database/sql. created_at is stored as unix
// microseconds so both dialects scan it the same way.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	now   func() time.Time
	newID func() string
}

// OpenSQLStore opens dsn with the dialect's driver, verifies the connection,
// and creates the schema if needed. The caller should call Close when the
// store is no longer needed.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == DialectSQLite {
		// One connection: SQLite serializes writers anyway, and each
		// connection to ":memory:" would otherwise be a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an already-open database and creates the schema.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, stmt := range dialect.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ListByVideo implements Store.ListByVideo.
func (s *SQLStore) ListByVideo(ctx context.Context, videoID string) ([]Stamp, error) {
	query := `
		SELECT id, video_id, seconds, text, author, created_at
		FROM stamps
		WHERE video_id = ` + s.dialect.placeholder(1) + `
		ORDER BY seconds ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, videoID)
	if err != nil {
		return nil, &PersistenceError{Op: "query stamps", Err: err}
	}
	defer rows.Close()

	out := make([]Stamp, 0)
	for rows.Next() {
		var (
			st      Stamp
			created int64
		)
		if err := rows.Scan(&st.ID, &st.VideoID, &st.Time, &st.Text, &st.Author, &created); err != nil {
			return nil, &PersistenceError{Op: "scan stamp", Err: err}
		}
		st.CreatedAt = time.UnixMicro(created).UTC()
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate stamps", Err: err}
	}
	return out, nil
}

// Insert implements Store.Insert.
func (s *SQLStore) Insert(ctx context.Context, ns NewStamp) (Stamp, error) {
	text := strings.TrimSpace(ns.Text)
	if text == "" {
		return Stamp{}, &ValidationError{Field: "text", Err: ErrTextRequired}
	}

	st := Stamp{
		ID:        s.newID(),
		VideoID:   ns.VideoID,
		Time:      ns.Time,
		Text:      text,
		Author:    ns.Author,
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}

	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO stamps (id, video_id, seconds, text, author, created_at)
		VALUES (%s, %s, %s, %s, %s, %s)`,
		p(1), p(2), p(3), p(4), p(5), p(6))

	_, err := s.db.ExecContext(ctx, query,
		st.ID,
		st.VideoID,
		st.Time,
		st.Text,
		st.Author,
		st.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return Stamp{}, &PersistenceError{Op: "insert stamp", Err: err}
	}
	return st, nil
}

// Count implements Store.Count.
func (s *SQLStore) Count(ctx context.Context, videoID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stamps WHERE video_id = `+s.dialect.placeholder(1), videoID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, &PersistenceError{Op: "count stamps", Err: err}
	}
	return n, nil
}
