package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Generator creates and persists evidence records.
type Generator struct {
	store *Store
	now   func() time.Time
}

// NewGenerator creates an evidence generator backed by the given store.
func NewGenerator(store *Store) *Generator {
	return &Generator{store: store, now: time.Now}
}

// GenerateParams holds everything the turn runner knows at the end of a turn.
// Input and output are hashed, never stored.
type GenerateParams struct {
	CorrelationID    string
	Channel          string
	Posture          string
	Model            string
	Actions          []ActionRecord
	InjectionSignals int
	Tainted          bool
	Err              string
	Tokens           TokenUsage
	Duration         time.Duration
	Input            string
	Output           string
}

// Generate builds, signs and stores one record.
func (g *Generator) Generate(ctx context.Context, p GenerateParams) (*Evidence, error) {
	outcome := OutcomeCompleted
	if p.Err != "" {
		outcome = OutcomeFailed
	}
	ev := &Evidence{
		ID:               "turn_" + uuid.New().String()[:8],
		CorrelationID:    p.CorrelationID,
		Timestamp:        g.now().UTC(),
		Channel:          p.Channel,
		Posture:          p.Posture,
		Model:            p.Model,
		Actions:          p.Actions,
		InjectionSignals: p.InjectionSignals,
		Tainted:          p.Tainted,
		Outcome:          outcome,
		Error:            p.Err,
		Tokens:           p.Tokens,
		DurationMS:       p.Duration.Milliseconds(),
		AuditTrail: AuditTrail{
			InputHash:  hashString(p.Input),
			OutputHash: hashString(p.Output),
		},
	}
	if err := g.store.Store(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(h[:])
}
