// Package evidence keeps one HMAC-signed record per conversational turn in
// SQLite: which actions the model asked for, what the gate decided, whether
// fetched content entered the turn and how it ended.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/latch/internal/cryptoutil"
	latchotel "github.com/dativo-io/latch/internal/otel"
)

var tracer = latchotel.Tracer("github.com/dativo-io/latch/internal/evidence")

// ErrNotFound is returned by Get and Verify for unknown IDs.
var ErrNotFound = errors.New("evidence not found")

// Outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Store persists signed evidence records.
type Store struct {
	db     *sql.DB
	signer *cryptoutil.Signer
}

// Evidence is the record of one turn.
type Evidence struct {
	ID               string         `json:"id"`
	CorrelationID    string         `json:"correlation_id"`
	Timestamp        time.Time      `json:"timestamp"`
	Channel          string         `json:"channel"`
	Posture          string         `json:"posture"`
	Model            string         `json:"model,omitempty"`
	Actions          []ActionRecord `json:"actions,omitempty"`
	InjectionSignals int            `json:"injection_signals"`
	Tainted          bool           `json:"tainted"`
	Outcome          string         `json:"outcome"`
	Error            string         `json:"error,omitempty"`
	Tokens           TokenUsage     `json:"tokens"`
	DurationMS       int64          `json:"duration_ms"`
	AuditTrail       AuditTrail     `json:"audit_trail"`
	Signature        string         `json:"signature"`
}

// ActionRecord is one action requested by the model during the turn.
type ActionRecord struct {
	Name     string `json:"name"`
	Level    string `json:"level"`
	RuleID   string `json:"rule_id,omitempty"`
	Executed bool   `json:"executed"`
	Error    string `json:"error,omitempty"`
}

// TokenUsage captures input/output token counts.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// AuditTrail holds content hashes; the texts themselves are never stored.
type AuditTrail struct {
	InputHash  string `json:"input_hash"`
	OutputHash string `json:"output_hash"`
}

// NewStore opens (or creates) the evidence database.
func NewStore(dbPath string, signer *cryptoutil.Signer) (*Store, error) {
	if signer == nil {
		return nil, errors.New("evidence: signer is required")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening evidence database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS evidence (
		id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		channel TEXT NOT NULL,
		outcome TEXT NOT NULL,
		evidence_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_evidence_timestamp ON evidence(timestamp);
	CREATE INDEX IF NOT EXISTS idx_evidence_correlation ON evidence(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_evidence_channel ON evidence(channel);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating evidence schema: %w", err)
	}
	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store signs ev and saves it. ev.Signature is set on success.
func (s *Store) Store(ctx context.Context, ev *Evidence) error {
	ctx, span := tracer.Start(ctx, "evidence.store",
		trace.WithAttributes(
			attribute.String("evidence.id", ev.ID),
			attribute.String("evidence.outcome", ev.Outcome),
		))
	defer span.End()

	ev.Signature = ""
	unsigned, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling evidence: %w", err)
	}
	ev.Signature = s.signer.Sign(unsigned)
	signed, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling evidence: %w", err)
	}

	query := `INSERT INTO evidence (id, correlation_id, timestamp, channel, outcome, evidence_json, signature)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		ev.ID, ev.CorrelationID, ev.Timestamp, ev.Channel, ev.Outcome, string(signed), ev.Signature)
	if err != nil {
		return fmt.Errorf("storing evidence: %w", err)
	}
	return nil
}

// Get retrieves evidence by ID.
func (s *Store) Get(ctx context.Context, id string) (*Evidence, error) {
	ctx, span := tracer.Start(ctx, "evidence.get", trace.WithAttributes(attribute.String("evidence.id", id)))
	defer span.End()

	var evidenceJSON string
	err := s.db.QueryRowContext(ctx, `SELECT evidence_json FROM evidence WHERE id = ?`, id).Scan(&evidenceJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying evidence: %w", err)
	}

	var ev Evidence
	if err := json.Unmarshal([]byte(evidenceJSON), &ev); err != nil {
		return nil, fmt.Errorf("unmarshaling evidence: %w", err)
	}
	return &ev, nil
}

// Filter narrows List. Zero values mean no constraint.
type Filter struct {
	Channel string
	Outcome string
	From    time.Time
	To      time.Time
	Limit   int
}

// List returns records matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Evidence, error) {
	ctx, span := tracer.Start(ctx, "evidence.list",
		trace.WithAttributes(attribute.String("channel", f.Channel)))
	defer span.End()

	query := `SELECT evidence_json FROM evidence WHERE 1=1`
	args := []interface{}{}
	if f.Channel != "" {
		query += ` AND channel = ?`
		args = append(args, f.Channel)
	}
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, f.Outcome)
	}
	if !f.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying evidence: %w", err)
	}
	defer rows.Close()

	var results []Evidence
	for rows.Next() {
		var evidenceJSON string
		if err := rows.Scan(&evidenceJSON); err != nil {
			continue
		}
		var ev Evidence
		if err := json.Unmarshal([]byte(evidenceJSON), &ev); err != nil {
			continue
		}
		results = append(results, ev)
	}
	span.SetAttributes(attribute.Int("evidence.count", len(results)))
	return results, rows.Err()
}

// Verify checks the HMAC signature of a stored record.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "evidence.verify", trace.WithAttributes(attribute.String("evidence.id", id)))
	defer span.End()

	ev, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	signature := ev.Signature
	ev.Signature = ""
	unsigned, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return s.signer.Verify(unsigned, signature), nil
}
