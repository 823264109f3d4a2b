package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/timecapsule/internal/model"
)

const (
	// UnlockCapsuleTask downloads a capsule once its unlock time has passed.
	UnlockCapsuleTask = "capsule:unlock"

	// RetryFloor is the minimum delay before asking the server again when it says
	// a capsule is still locked although its reported unlock time has passed.
	RetryFloor = 5 * time.Minute
)

// UnlockPayload is serialized into the task payload so the worker can fetch the
// capsule on the owner's behalf.
type UnlockPayload struct {
	CapsuleID string          `json:"capsule_id"`
	OwnerKey  string          `json:"owner_key"`
	FileName  string          `json:"file_name"`
	UnlockAt  model.Timestamp `json:"unlock_at"`
}

// Enqueuer is the part of *asynq.Client used here.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JobID is the receipt id for a capsule; one capsule has one receipt.
func JobID(capsuleID string) string {
	return "unlock:" + capsuleID
}

// TaskID names one attempt. It includes the processing time so a reschedule does
// not collide with the task that is running it.
func TaskID(capsuleID string, at time.Time) string {
	return fmt.Sprintf("%s@%d", JobID(capsuleID), at.Unix())
}

// ProcessTime turns a wall-clock unlock time into the instant the task should
// run. Unlock times already in the past run after RetryFloor.
func ProcessTime(ts model.Timestamp, loc *time.Location, now time.Time) time.Time {
	at := ts.In(loc)
	if !at.After(now) {
		return now.Add(RetryFloor)
	}
	return at
}

// EnqueueUnlock schedules an unlock task at the given instant. Scheduling the
// same capsule for the same instant twice is a no-op.
func EnqueueUnlock(ctx context.Context, client Enqueuer, payload UnlockPayload, at time.Time) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id := TaskID(payload.CapsuleID, at)
	task := asynq.NewTask(UnlockCapsuleTask, data)
	_, err = client.EnqueueContext(ctx, task,
		asynq.ProcessAt(at),
		asynq.TaskID(id),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return "", fmt.Errorf("enqueue unlock task: %w", err)
	}
	return id, nil
}

// DecodeUnlock reads a task payload written by EnqueueUnlock.
func DecodeUnlock(task *asynq.Task) (UnlockPayload, error) {
	var payload UnlockPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.CapsuleID == "" || payload.OwnerKey == "" {
		return payload, errors.New("decode payload: capsule id and owner key are required")
	}
	return payload, nil
}
