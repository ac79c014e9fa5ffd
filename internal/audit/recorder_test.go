package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	_ "github.com/lumenhr/lumenhr/testing"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func TestRecorderEnqueues(t *testing.T) {
	enq := &fakeEnqueuer{}
	recorder := NewRecorder(enq, nil, nil)

	recorder.Record(context.Background(), Entry{
		ActorID:  7,
		Category: CategoryAuth,
		Action:   "UPDATE",
		Entity:   "user_roles",
		EntityID: "1",
		Detail:   map[string]any{"assigned": "Member"},
	})

	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskTypeRecord, enq.tasks[0].Type())

	var entry Entry
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &entry))
	require.Equal(t, int64(7), entry.ActorID)
	require.Equal(t, "user_roles", entry.Entity)
	require.Equal(t, "Member", entry.Detail["assigned"])
}

func TestRecorderNilSafe(t *testing.T) {
	var recorder *Recorder
	recorder.Record(context.Background(), Entry{Action: "UPDATE", Entity: "roles", EntityID: "1"})

	// No enqueuer and no writer: Record is a no-op rather than a panic.
	NewRecorder(nil, nil, nil).Record(context.Background(), Entry{Action: "UPDATE", Entity: "roles", EntityID: "1"})
}

func TestRecorderQueueFailure(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("redis down")}
	recorder := NewRecorder(enq, nil, nil)

	// The mutation path never sees the failure.
	recorder.Record(context.Background(), Entry{Action: "UPDATE", Entity: "roles", EntityID: "1"})
	require.Empty(t, enq.tasks)
}

func TestTaskHandlerBadPayload(t *testing.T) {
	handler := NewTaskHandler(nil)
	err := handler(context.Background(), asynq.NewTask(TaskTypeRecord, []byte("{broken")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPurgeTask(t *testing.T) {
	task, err := NewPurgeTask(90)
	require.NoError(t, err)
	require.Equal(t, TaskTypePurge, task.Type())

	var payload purgePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, 90, payload.RetentionDays)

	_, err = NewPurgeTask(0)
	require.Error(t, err)
}

func TestPurgeHandlerBadPayload(t *testing.T) {
	handler := NewPurgeHandler(nil, nil)

	err := handler(context.Background(), asynq.NewTask(TaskTypePurge, []byte("{broken")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	// A non-positive window would delete the whole trail; drop the task.
	err = handler(context.Background(), asynq.NewTask(TaskTypePurge, []byte(`{"retention_days":0}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestWriterPurgeGuards(t *testing.T) {
	var writer *Writer
	_, err := writer.Purge(context.Background(), time.Hour)
	require.Error(t, err)

	_, err = NewWriter(nil).Purge(context.Background(), 0)
	require.Error(t, err)
}

func TestEntryNormalize(t *testing.T) {
	entry := Entry{Action: "UPDATE", Entity: "roles", EntityID: "1"}
	require.NoError(t, entry.normalize())
	require.Equal(t, CategoryUser, entry.Category)
	require.Equal(t, SeverityInfo, entry.Severity)
	require.False(t, entry.At.IsZero())

	missing := Entry{Category: CategoryAuth}
	require.Error(t, missing.normalize())
}
