// Package audit appends structured records to the platform audit trail.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Categories and severities used by audit records.
const (
	CategoryAuth     = "AUTH"
	CategoryUser     = "USER"
	CategorySecurity = "SECURITY"

	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// Entry represents a record stored in audit_logs.
type Entry struct {
	ActorID  int64          `json:"actor_id"`
	Category string         `json:"category"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Severity string         `json:"severity"`
	Detail   map[string]any `json:"detail,omitempty"`
	At       time.Time      `json:"at"`
}

func (e *Entry) normalize() error {
	if e.Action == "" || e.Entity == "" || e.EntityID == "" {
		return errors.New("audit: entry requires action/entity/entity_id")
	}
	if e.Category == "" {
		e.Category = CategoryUser
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return nil
}

// Writer persists entries into audit_logs.
type Writer struct {
	pool *pgxpool.Pool
}

// NewWriter returns a new Writer.
func NewWriter(pool *pgxpool.Pool) *Writer {
	return &Writer{pool: pool}
}

// Write persists one entry.
func (w *Writer) Write(ctx context.Context, entry Entry) error {
	if w == nil {
		return errors.New("audit: writer not initialised")
	}
	if err := entry.normalize(); err != nil {
		return err
	}
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	_, err = w.pool.Exec(ctx,
		`INSERT INTO audit_logs (actor_id, category, action, entity, entity_id, severity, detail, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ActorID, entry.Category, entry.Action, entry.Entity, entry.EntityID, entry.Severity, detailJSON, entry.At)
	return err
}

// Purge deletes entries older than the retention window and reports how many
// rows were removed.
func (w *Writer) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if w == nil {
		return 0, errors.New("audit: writer not initialised")
	}
	if retention <= 0 {
		return 0, errors.New("audit: retention must be positive")
	}
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM audit_logs WHERE occurred_at < $1`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
