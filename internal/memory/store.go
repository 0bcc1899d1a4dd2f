// Package memory is the assistant's long-term knowledge: short facts written
// by the remember action and read back by recall, stored in SQLite with
// FTS5 search when the SQLite build supports it.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	latchotel "github.com/dativo-io/latch/internal/otel"
)

var tracer = latchotel.Tracer("github.com/dativo-io/latch/internal/memory")

// ErrEntryNotFound is returned when a memory entry does not exist.
var ErrEntryNotFound = errors.New("memory entry not found")

// ErrEmptyContent is returned by Add for blank content.
var ErrEmptyContent = errors.New("memory content is empty")

const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
    id TEXT PRIMARY KEY,
    topic TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT 'agent',
    correlation_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_created ON memory_entries(created_at);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
    topic, content,
    content=memory_entries,
    content_rowid=rowid
);

CREATE TRIGGER IF NOT EXISTS memory_ai AFTER INSERT ON memory_entries BEGIN
    INSERT INTO memory_fts(rowid, topic, content) VALUES (new.rowid, new.topic, new.content);
END;

CREATE TRIGGER IF NOT EXISTS memory_ad AFTER DELETE ON memory_entries BEGIN
    INSERT INTO memory_fts(memory_fts, rowid, topic, content) VALUES ('delete', old.rowid, old.topic, old.content);
END;
`

// Entry is one remembered fact.
type Entry struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic,omitempty"`
	Content       string    `json:"content"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists memory entries.
type Store struct {
	db      *sql.DB
	hasFTS5 bool
}

// NewStore opens the database and creates the schema. Search falls back to
// LIKE queries when FTS5 is not compiled in.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating memory schema: %w", err)
	}
	hasFTS5 := true
	if _, err := db.ExecContext(context.Background(), ftsSchema); err != nil {
		hasFTS5 = false
	}
	return &Store{db: db, hasFTS5: hasFTS5}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add persists entry, filling ID, CreatedAt and Source when unset.
func (s *Store) Add(ctx context.Context, entry *Entry) error {
	ctx, span := tracer.Start(ctx, "memory.add")
	defer span.End()

	entry.Content = strings.TrimSpace(entry.Content)
	if entry.Content == "" {
		return ErrEmptyContent
	}
	if entry.ID == "" {
		entry.ID = "mem_" + uuid.New().String()[:12]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Source == "" {
		entry.Source = "agent"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (id, topic, content, source, correlation_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Topic, entry.Content, entry.Source, entry.CorrelationID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("writing memory entry: %w", err)
	}
	writesTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("memory.id", entry.ID))
	s.recordEntriesGauge(ctx)
	return nil
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, topic, content, source, correlation_id, created_at FROM memory_entries WHERE id = ?`, id)
	var e Entry
	err := row.Scan(&e.ID, &e.Topic, &e.Content, &e.Source, &e.CorrelationID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading memory entry: %w", err)
	}
	return &e, nil
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting memory entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrEntryNotFound)
	}
	s.recordEntriesGauge(ctx)
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting memory entries: %w", err)
	}
	return n, nil
}

// List returns the newest entries first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, topic, content, source, correlation_id, created_at FROM memory_entries ORDER BY created_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEntries(ctx, query, args...)
}

// Search finds entries whose topic or content matches query.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "memory.search", trace.WithAttributes(attribute.Int("query.length", len(query))))
	defer span.End()
	readsTotal.Add(ctx, 1)

	query = strings.TrimSpace(query)
	if query == "" {
		return s.List(ctx, limit)
	}

	var sqlQuery string
	var args []interface{}
	if s.hasFTS5 {
		sqlQuery = `SELECT m.id, m.topic, m.content, m.source, m.correlation_id, m.created_at
		            FROM memory_entries m
		            JOIN memory_fts f ON m.rowid = f.rowid
		            WHERE f.memory_fts MATCH ?
		            ORDER BY rank`
		args = []interface{}{ftsQuery(query)}
	} else {
		sqlQuery = `SELECT id, topic, content, source, correlation_id, created_at
		            FROM memory_entries
		            WHERE topic LIKE ? OR content LIKE ?
		            ORDER BY created_at DESC`
		like := "%" + query + "%"
		args = []interface{}{like, like}
	}
	if limit > 0 {
		sqlQuery += ` LIMIT ?`
		args = append(args, limit)
	}
	entries, err := s.queryEntries(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("searching memory: %w", err)
	}
	span.SetAttributes(attribute.Int("memory.results", len(entries)))
	return entries, nil
}

// ftsQuery turns free text into an OR of quoted terms so FTS5 operators in
// user input are never interpreted.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " OR ")
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memory: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Content, &e.Source, &e.CorrelationID, &e.CreatedAt); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) recordEntriesGauge(ctx context.Context) {
	n, err := s.Count(ctx)
	if err != nil {
		return
	}
	entriesGauge.Record(ctx, int64(n))
}
