// Package audit is the append-only trust log. Every gate decision, secret
// access denial, security violation and turn outcome lands here as one
// HMAC-signed JSON line in a per-day file (audit-YYYY-MM-DD.jsonl).
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dativo-io/latch/internal/cryptoutil"
)

// Event names written by the core.
const (
	EventActionGate         = "action_gate"
	EventActionUngated      = "action_ungated"
	EventSecretAccessDenied = "secret_access_denied"
	EventSecretStored       = "secret_stored"
	EventSecretDeleted      = "secret_deleted"
	EventSecurityViolation  = "security_violation"
	EventInjectionSignal    = "injection_signal"
	EventMemoryRefused      = "memory_write_refused"
	EventTurnCompleted      = "turn_completed"
	EventTurnFailed         = "turn_failed"
	EventRuleApproved       = "rule_approved"
	EventRuleRevoked        = "rule_revoked"
)

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, event string, detail map[string]any) error
}

// Entry is one audit line.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	Signature string         `json:"signature"`
}

// storedEntry keeps Detail as raw bytes so verification signs exactly what was written.
type storedEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Event     string          `json:"event"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Signature string          `json:"signature"`
}

const filePrefix, fileSuffix = "audit-", ".jsonl"

// Log writes signed entries into daily files under dir.
type Log struct {
	mu     sync.Mutex
	dir    string
	signer *cryptoutil.Signer
	now    func() time.Time
}

// Open prepares dir for audit files.
func Open(dir string, signer *cryptoutil.Signer) (*Log, error) {
	if signer == nil {
		return nil, errors.New("audit: signer is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	return &Log{dir: dir, signer: signer, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Dir returns the audit directory.
func (l *Log) Dir() string {
	return l.dir
}

// Record appends one signed entry to today's file and syncs it.
func (l *Log) Record(_ context.Context, event string, detail map[string]any) error {
	raw, err := marshalDetail(detail)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := storedEntry{
		ID:        uuid.New().String(),
		Timestamp: l.now(),
		Event:     event,
		Detail:    raw,
	}
	unsigned, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	e.Signature = l.signer.Sign(unsigned)
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	f, err := os.OpenFile(l.pathFor(e.Timestamp), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

func marshalDetail(detail map[string]any) (json.RawMessage, error) {
	if len(detail) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal detail: %w", err)
	}
	return raw, nil
}

func (l *Log) pathFor(t time.Time) string {
	return filepath.Join(l.dir, filePrefix+t.UTC().Format(time.DateOnly)+fileSuffix)
}

// Days lists the days that have an audit file, oldest first.
func (l *Log) Days() ([]time.Time, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("audit: list directory: %w", err)
	}
	var days []time.Time
	for _, e := range entries {
		if day, ok := parseFileDay(e.Name()); ok && !e.IsDir() {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func parseFileDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	day, err := time.Parse(time.DateOnly, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// Read returns the entries recorded on day. Unparseable lines are skipped.
func (l *Log) Read(day time.Time) ([]Entry, error) {
	var out []Entry
	err := l.scan(day, func(_ int, line []byte, se *storedEntry) {
		if se == nil {
			return
		}
		e := Entry{ID: se.ID, Timestamp: se.Timestamp, Event: se.Event, Signature: se.Signature}
		if len(se.Detail) > 0 {
			_ = json.Unmarshal(se.Detail, &e.Detail)
		}
		out = append(out, e)
	})
	return out, err
}

// VerifyReport summarizes one day's signature check.
type VerifyReport struct {
	Day     time.Time
	Total   int
	Invalid []int // 1-based line numbers with a bad signature
	Corrupt []int // 1-based line numbers that did not parse
}

// OK reports whether every line parsed and verified.
func (r VerifyReport) OK() bool {
	return len(r.Invalid) == 0 && len(r.Corrupt) == 0
}

// Verify re-checks every signature in day's file.
func (l *Log) Verify(day time.Time) (VerifyReport, error) {
	rep := VerifyReport{Day: day}
	err := l.scan(day, func(lineNo int, _ []byte, se *storedEntry) {
		rep.Total++
		if se == nil {
			rep.Corrupt = append(rep.Corrupt, lineNo)
			return
		}
		sig := se.Signature
		se.Signature = ""
		unsigned, err := json.Marshal(se)
		if err != nil || !l.signer.Verify(unsigned, sig) {
			rep.Invalid = append(rep.Invalid, lineNo)
		}
	})
	return rep, err
}

func (l *Log) scan(day time.Time, fn func(lineNo int, line []byte, se *storedEntry)) error {
	f, err := os.Open(l.pathFor(day))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: open file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var se storedEntry
		if err := json.Unmarshal(line, &se); err != nil {
			fn(lineNo, line, nil)
			continue
		}
		fn(lineNo, line, &se)
	}
	return scanner.Err()
}

// Prune deletes day files strictly older than cutoff's day and returns how many were removed.
func (l *Log) Prune(cutoff time.Time) (int, error) {
	days, err := l.Days()
	if err != nil {
		return 0, err
	}
	limit := cutoff.UTC().Truncate(24 * time.Hour)
	removed := 0
	var errs []error
	for _, day := range days {
		if !day.Before(limit) {
			continue
		}
		if err := os.Remove(l.pathFor(day)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
