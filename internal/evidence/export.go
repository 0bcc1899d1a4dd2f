package evidence

import (
	"strconv"
	"strings"
	"time"
)

// ExportRecord is the flat form used by `latch evidence export --format csv|json`.
type ExportRecord struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Channel          string    `json:"channel"`
	Posture          string    `json:"posture"`
	Outcome          string    `json:"outcome"`
	Model            string    `json:"model"`
	DurationMS       int64     `json:"duration_ms"`
	Tainted          bool      `json:"tainted"`
	InjectionSignals int       `json:"injection_signals"`
	ActionsRun       []string  `json:"actions_run,omitempty"`
	ActionsRefused   []string  `json:"actions_refused,omitempty"`
	InputHash        string    `json:"input_hash,omitempty"`
	OutputHash       string    `json:"output_hash,omitempty"`
}

// ToExportRecord flattens e. Action names are suffixed with their level.
func ToExportRecord(e *Evidence) ExportRecord {
	rec := ExportRecord{
		ID:               e.ID,
		Timestamp:        e.Timestamp,
		Channel:          e.Channel,
		Posture:          e.Posture,
		Outcome:          e.Outcome,
		Model:            e.Model,
		DurationMS:       e.DurationMS,
		Tainted:          e.Tainted,
		InjectionSignals: e.InjectionSignals,
		InputHash:        e.AuditTrail.InputHash,
		OutputHash:       e.AuditTrail.OutputHash,
	}
	for _, a := range e.Actions {
		label := a.Name + ":" + a.Level
		if a.Executed {
			rec.ActionsRun = append(rec.ActionsRun, label)
		} else {
			rec.ActionsRefused = append(rec.ActionsRefused, label)
		}
	}
	return rec
}

// CSVHeader is the column order of CSVRow.
var CSVHeader = []string{"id", "timestamp", "channel", "posture", "outcome", "model", "duration_ms",
	"tainted", "injection_signals", "actions_run", "actions_refused", "input_hash", "output_hash"}

// CSVRow renders r in CSVHeader order.
func (r *ExportRecord) CSVRow() []string {
	return []string{
		r.ID,
		r.Timestamp.Format(time.RFC3339),
		r.Channel,
		r.Posture,
		r.Outcome,
		r.Model,
		strconv.FormatInt(r.DurationMS, 10),
		strconv.FormatBool(r.Tainted),
		strconv.Itoa(r.InjectionSignals),
		strings.Join(r.ActionsRun, ","),
		strings.Join(r.ActionsRefused, ","),
		r.InputHash,
		r.OutputHash,
	}
}
