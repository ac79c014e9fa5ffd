package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Queue task types handled by the worker.
const (
	// TaskTypeRecord appends one audit record.
	TaskTypeRecord = "audit:record"
	// TaskTypePurge trims records past the retention window.
	TaskTypePurge = "audit:purge"
)

// NewRecordTask builds the queue task for an entry.
func NewRecordTask(entry Entry) (*asynq.Task, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRecord, data), nil
}

// NewTaskHandler returns the worker-side handler draining audit tasks into
// the writer.
func NewTaskHandler(writer *Writer) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var entry Entry
		if err := json.Unmarshal(t.Payload(), &entry); err != nil {
			return asynq.SkipRetry
		}
		return writer.Write(ctx, entry)
	}
}

type purgePayload struct {
	RetentionDays int `json:"retention_days"`
}

// NewPurgeTask builds the periodic task trimming records older than the
// given number of days.
func NewPurgeTask(retentionDays int) (*asynq.Task, error) {
	if retentionDays <= 0 {
		return nil, errors.New("audit: retention days must be positive")
	}
	data, err := json.Marshal(purgePayload{RetentionDays: retentionDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePurge, data), nil
}

// NewPurgeHandler returns the worker-side handler for retention purges.
func NewPurgeHandler(writer *Writer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload purgePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.RetentionDays <= 0 {
			return asynq.SkipRetry
		}
		removed, err := writer.Purge(ctx, time.Duration(payload.RetentionDays)*24*time.Hour)
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("audit retention purge", slog.Int64("removed", removed), slog.Int("retention_days", payload.RetentionDays))
		}
		return nil
	}
}

// Enqueuer submits tasks to the queue. Satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Recorder appends audit records asynchronously. Appends are fire-and-forget:
// a queue failure is logged and never propagated to the mutation being
// audited.
type Recorder struct {
	enqueuer Enqueuer
	writer   *Writer
	logger   *slog.Logger
}

// NewRecorder returns a Recorder enqueueing entries for the worker. When no
// enqueuer is configured, entries are written synchronously through writer.
func NewRecorder(enqueuer Enqueuer, writer *Writer, logger *slog.Logger) *Recorder {
	return &Recorder{enqueuer: enqueuer, writer: writer, logger: logger}
}

// Record appends one entry.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil {
		return
	}
	if r.enqueuer == nil {
		r.writeDirect(ctx, entry)
		return
	}
	task, err := NewRecordTask(entry)
	if err != nil {
		r.warn("encode audit task", err)
		return
	}
	if _, err := r.enqueuer.EnqueueContext(ctx, task); err != nil {
		r.warn("enqueue audit task", err)
		// Queue unavailable: fall back to a direct write so the trail
		// stays complete.
		r.writeDirect(ctx, entry)
	}
}

func (r *Recorder) writeDirect(ctx context.Context, entry Entry) {
	if r.writer == nil {
		return
	}
	if err := r.writer.Write(ctx, entry); err != nil {
		r.warn("write audit record", err)
	}
}

func (r *Recorder) warn(msg string, err error) {
	if r.logger != nil {
		r.logger.Warn(msg, slog.Any("error", err))
	}
}
