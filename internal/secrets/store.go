// Package secrets holds credential values. Store keeps them in one encrypted
// blob; Broker is the only component allowed to read from Store and enforces
// a static table of (secret, requestor) grants.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dativo-io/latch/internal/cryptoutil"
)

// DefaultMaxSecrets bounds the number of stored secrets.
const DefaultMaxSecrets = 64

var (
	// ErrCapacityExceeded is returned when storing a new name into a full store.
	ErrCapacityExceeded = errors.New("secret store capacity exceeded")
	// ErrSecretNotFound is returned by Delete for an unknown name.
	ErrSecretNotFound = errors.New("secret not found")
)

// Record is one stored secret.
type Record struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Source    string    `json:"source"`
	Validated bool      `json:"validated"`
	StoredAt  time.Time `json:"stored_at"`
}

// Metadata is a Record without its value.
type Metadata struct {
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	Validated bool      `json:"validated"`
	StoredAt  time.Time `json:"stored_at"`
}

// Store is a whole-file encrypted secret blob. Every write re-seals and
// atomically replaces the file. It is safe for concurrent use within one process.
type Store struct {
	mu      sync.RWMutex
	path    string
	sealer  *cryptoutil.Sealer
	max     int
	records map[string]Record
	now     func() time.Time
}

// OpenStore loads (or initialises) the blob at path. A wrong passphrase or
// a tampered file fails with cryptoutil.ErrDecrypt.
func OpenStore(path string, sealer *cryptoutil.Sealer, maxSecrets int) (*Store, error) {
	if sealer == nil {
		return nil, errors.New("secret store requires a sealer")
	}
	if maxSecrets <= 0 {
		maxSecrets = DefaultMaxSecrets
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating secret store directory: %w", err)
	}
	s := &Store{
		path:    path,
		sealer:  sealer,
		max:     maxSecrets,
		records: make(map[string]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}

	blob, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret store: %w", err)
	}
	plain, err := sealer.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("opening secret store %s: %w", path, err)
	}
	var recs []Record
	if err := json.Unmarshal(plain, &recs); err != nil {
		return nil, fmt.Errorf("decoding secret store: %w", err)
	}
	for _, r := range recs {
		s.records[r.Name] = r
	}
	return s, nil
}

// Put stores or replaces a secret.
func (s *Store) Put(name, value, source string, validated bool) error {
	if name == "" {
		return errors.New("secret name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.records[name]
	if !existed && len(s.records) >= s.max {
		return fmt.Errorf("%d secrets stored (max %d): %w", len(s.records), s.max, ErrCapacityExceeded)
	}
	s.records[name] = Record{Name: name, Value: value, Source: source, Validated: validated, StoredAt: s.now()}
	if err := s.persistLocked(); err != nil {
		if existed {
			s.records[name] = prev
		} else {
			delete(s.records, name)
		}
		return err
	}
	return nil
}

// Delete removes a secret.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrSecretNotFound)
	}
	delete(s.records, name)
	if err := s.persistLocked(); err != nil {
		s.records[name] = prev
		return err
	}
	return nil
}

// get is unexported so that only the broker reads values.
func (s *Store) get(name string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[name]
	return r, ok
}

func (s *Store) values() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.records))
	for name, r := range s.records {
		out[name] = r.Value
	}
	return out
}

// List returns metadata for every stored secret, sorted by name.
func (s *Store) List() []Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metadata, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, Metadata{Name: r.Name, Source: r.Source, Validated: r.Validated, StoredAt: r.StoredAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of stored secrets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) persistLocked() error {
	recs := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	plain, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encoding secret store: %w", err)
	}
	blob, err := s.sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("encrypting secret store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("writing secret store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing secret store: %w", err)
	}
	return nil
}
