// Package approval persists user-granted scoped approvals. Each approval is a
// policy.Rule plus a soft-delete flag; active records feed the policy as the
// "persisted" layer and accumulate approval counts for ratchet suggestions.
//
// Records are newline-delimited JSON. In plaintext mode Add appends a single
// line; with a passphrase the whole file is one cryptoutil envelope and every
// write re-seals it. Writers in different processes are not coordinated: the
// last atomic rename wins.
package approval

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/latch/internal/cryptoutil"
	"github.com/dativo-io/latch/internal/policy"
)

// DefaultMaxRules bounds the number of active rules.
const DefaultMaxRules = 500

var (
	// ErrCapacityExceeded is returned by Add when the active rule limit is reached.
	// Revoke unused rules to free capacity.
	ErrCapacityExceeded = errors.New("rule store capacity exceeded")
	// ErrRuleNotFound is returned when no active rule matches.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrNotEncrypted is returned when a passphrase is configured but the file on disk is plaintext.
	ErrNotEncrypted = errors.New("rule store file is not encrypted")
)

// Record is one persisted rule.
type Record struct {
	policy.Rule
	Active    bool       `json:"active"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Provenance says how a rule came to exist.
type Provenance struct {
	Via string
	At  time.Time
}

// Options configures Open.
type Options struct {
	// Sealer enables whole-file encryption. Nil means plaintext JSONL.
	Sealer *cryptoutil.Sealer
	// MaxRules caps active rules; <= 0 selects DefaultMaxRules.
	MaxRules int
}

// Store is the on-disk rule ledger. It is safe for concurrent use within one process.
type Store struct {
	mu       sync.Mutex
	path     string
	sealer   *cryptoutil.Sealer
	maxRules int
	records  []Record
	now      func() time.Time
}

// Open loads the ledger at path, creating parent directories as needed.
// A missing file is an empty ledger. Lines that fail to parse are skipped.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating rule store directory: %w", err)
	}
	maxRules := opts.MaxRules
	if maxRules <= 0 {
		maxRules = DefaultMaxRules
	}
	s := &Store{path: path, sealer: opts.Sealer, maxRules: maxRules, now: func() time.Time { return time.Now().UTC() }}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the ledger file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading rule store: %w", err)
	}
	if s.sealer != nil && len(data) > 0 {
		if !cryptoutil.IsEnvelope(data) {
			return fmt.Errorf("%s: %w", s.path, ErrNotEncrypted)
		}
		data, err = s.sealer.Open(data)
		if err != nil {
			return fmt.Errorf("decrypting rule store: %w", err)
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" || !rec.Level.Valid() {
			log.Warn().Str("path", s.path).Int("line", lineNo).Err(err).Msg("rule_store_corrupt_line_skipped")
			continue
		}
		s.records = append(s.records, rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning rule store: %w", err)
	}
	return nil
}

// Add persists a new active rule with approval count 1.
func (s *Store) Add(action string, scope map[string]string, level policy.Level, reason string, prov Provenance) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(action, scope, level, reason, prov, 1)
}

func (s *Store) addLocked(action string, scope map[string]string, level policy.Level, reason string, prov Provenance, count int) (Record, error) {
	if action == "" {
		return Record{}, fmt.Errorf("rule action is required")
	}
	if !level.Valid() {
		return Record{}, fmt.Errorf("invalid level %s", level)
	}
	if n := s.activeCountLocked(); n >= s.maxRules {
		return Record{}, fmt.Errorf("%d active rules (max %d), revoke some first: %w", n, s.maxRules, ErrCapacityExceeded)
	}

	at := prov.At
	if at.IsZero() {
		at = s.now()
	}
	rec := Record{
		Rule: policy.Rule{
			ID:            uuid.New().String(),
			Action:        action,
			Scope:         copyScope(scope),
			Level:         level,
			Reason:        reason,
			GrantedAt:     &at,
			GrantedVia:    prov.Via,
			ApprovalCount: count,
		},
		Active: true,
	}

	if s.sealer != nil {
		s.records = append(s.records, rec)
		if err := s.rewriteLocked(); err != nil {
			s.records = s.records[:len(s.records)-1]
			return Record{}, err
		}
		return cloneRecord(rec), nil
	}
	if err := s.appendLocked(rec); err != nil {
		return Record{}, err
	}
	s.records = append(s.records, rec)
	return cloneRecord(rec), nil
}

// Revoke soft-deletes the rule with id. The record stays on disk.
func (s *Store) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].ID != id || !s.records[i].Active {
			continue
		}
		prev := s.records[i]
		now := s.now()
		s.records[i].Active = false
		s.records[i].RevokedAt = &now
		if err := s.rewriteLocked(); err != nil {
			s.records[i] = prev
			return err
		}
		return nil
	}
	return fmt.Errorf("rule %q: %w", id, ErrRuleNotFound)
}

// IncrementApproval bumps the count of the active rule with exactly this
// action and scope.
func (s *Store) IncrementApproval(action string, scope map[string]string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrementLocked(action, scope)
}

func (s *Store) incrementLocked(action string, scope map[string]string) (Record, error) {
	i := s.findLocked(action, scope)
	if i < 0 {
		return Record{}, fmt.Errorf("%s %v: %w", action, scope, ErrRuleNotFound)
	}
	r := &s.records[i]
	r.ApprovalCount++
	if err := s.rewriteLocked(); err != nil {
		r.ApprovalCount--
		return Record{}, err
	}
	return cloneRecord(*r), nil
}

// findLocked returns the index of the newest active rule with exactly this
// action and scope, or -1.
func (s *Store) findLocked(action string, scope map[string]string) int {
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.Active && r.Action == action && policy.SameScope(r.Scope, scope) {
			return i
		}
	}
	return -1
}

// Approve records one more user approval of action at scope. An existing
// exact-scope rule at the same level has its count incremented; one at a
// different level is revoked and replaced by a rule at the new level that
// carries the accumulated count forward. Otherwise a new rule is added.
// created reports whether a new record was written.
func (s *Store) Approve(action string, scope map[string]string, level policy.Level, reason string, prov Provenance) (rec Record, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findLocked(action, scope)
	if i < 0 {
		rec, err = s.addLocked(action, scope, level, reason, prov, 1)
		return rec, err == nil, err
	}
	if s.records[i].Level == level {
		rec, err = s.incrementLocked(action, scope)
		return rec, false, err
	}

	prev := s.records[i]
	now := s.now()
	s.records[i].Active = false
	s.records[i].RevokedAt = &now
	// The replacement must not trip the capacity check on the slot it frees.
	rec, err = s.addLocked(action, scope, level, reason, prov, prev.ApprovalCount+1)
	if err != nil {
		s.records[i] = prev
		return Record{}, false, err
	}
	if s.sealer == nil {
		// addLocked appended only the new line; persist the revocation too.
		if err := s.rewriteLocked(); err != nil {
			return Record{}, false, err
		}
	}
	return rec, true, nil
}

// Get returns the record with id, active or not.
func (s *Store) Get(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return cloneRecord(r), nil
		}
	}
	return Record{}, fmt.Errorf("rule %q: %w", id, ErrRuleNotFound)
}

// ActiveRules returns active rules in ledger order, ready for policy.New.
func (s *Store) ActiveRules() []policy.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]policy.Rule, 0, len(s.records))
	for _, r := range s.records {
		if r.Active {
			out = append(out, r.Rule.Clone())
		}
	}
	return out
}

// All returns every record including revoked ones.
func (s *Store) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[i] = cloneRecord(r)
	}
	return out
}

// RatchetCandidates returns active non-free rules approved at least
// threshold times, most-approved first.
func (s *Store) RatchetCandidates(threshold int) []policy.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []policy.Rule
	for _, r := range s.records {
		if r.Active && r.Level != policy.LevelFree && r.ApprovalCount >= threshold {
			out = append(out, r.Rule.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ApprovalCount > out[j].ApprovalCount })
	return out
}

// ApprovalsFor sums the approval counts of active non-free rules for action
// whose scope accepts ctx, i.e. rules at an equal or looser scope than the
// request.
func (s *Store) ApprovalsFor(action string, ctx map[string]string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, r := range s.records {
		if r.Active && r.Action == action && r.Level != policy.LevelFree && r.Matches(action, ctx) {
			total += r.ApprovalCount
		}
	}
	return total
}

func (s *Store) activeCountLocked() int {
	n := 0
	for _, r := range s.records {
		if r.Active {
			n++
		}
	}
	return n
}

func (s *Store) appendLocked(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding rule: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening rule store: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending rule: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing rule store: %w", err)
	}
	return f.Close()
}

func (s *Store) rewriteLocked() error {
	var buf bytes.Buffer
	for _, r := range s.records {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding rule: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	data := buf.Bytes()
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(data)
		if err != nil {
			return fmt.Errorf("encrypting rule store: %w", err)
		}
		data = sealed
	}
	return writeAtomic(s.path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func copyScope(scope map[string]string) map[string]string {
	if len(scope) == 0 {
		return nil
	}
	out := make(map[string]string, len(scope))
	for k, v := range scope {
		out[k] = v
	}
	return out
}

func cloneRecord(r Record) Record {
	out := r
	out.Rule = r.Rule.Clone()
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		out.RevokedAt = &t
	}
	return out
}
