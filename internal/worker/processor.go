package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/timecapsule/internal/client"
	"github.com/dharsanguruparan/timecapsule/internal/model"
	"github.com/dharsanguruparan/timecapsule/internal/queue"
)

// JobStore is the receipts repository as seen by the worker.
type JobStore interface {
	MarkProcessing(ctx context.Context, id string) error
	MarkRescheduled(ctx context.Context, id, unlockAt string) error
	MarkCompleted(ctx context.Context, id, location, summary string) error
	MarkFailed(ctx context.Context, id, msg string) error
}

// Downloader fetches a capsule; *client.Client satisfies it.
type Downloader interface {
	Download(ctx context.Context, id, ownerKey string) (*model.Blob, error)
}

// Saver stores an unlocked capsule and reports where it went.
type Saver interface {
	Save(ctx context.Context, blob *model.Blob) (string, error)
}

// Options wires a Processor.
type Options struct {
	Jobs       JobStore
	Downloader Downloader
	Saver      Saver
	Enqueuer   queue.Enqueuer
	// Describe summarises the saved blob for the receipt. Optional.
	Describe func(*model.Blob) string
	Logger   *slog.Logger
	// Location interprets wall-clock unlock times; nil means time.Local.
	Location *time.Location
	Now      func() time.Time
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	opts Options
}

// NewProcessor constructs a worker processor.
func NewProcessor(opts Options) *Processor {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{opts: opts}
}

// Handler registers the unlock job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.UnlockCapsuleTask, p.HandleUnlock)
	return mux
}

// HandleUnlock downloads a capsule whose unlock time has come. A capsule that is
// still locked is scheduled again for the time the server reports; every other
// failure is final.
func (p *Processor) HandleUnlock(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeUnlock(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	jobID := queue.JobID(payload.CapsuleID)
	log := p.opts.Logger.With("job", jobID, "capsule", payload.CapsuleID)

	failure := func(err error) error {
		log.Error("unlock failed", "error", err)
		if markErr := p.opts.Jobs.MarkFailed(ctx, jobID, client.Message(err)); markErr != nil {
			log.Error("record failure", "error", markErr)
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := p.opts.Jobs.MarkProcessing(ctx, jobID); err != nil {
		return failure(err)
	}
	blob, err := p.opts.Downloader.Download(ctx, payload.CapsuleID, payload.OwnerKey)
	if locked, ok := client.IsNotYetUnlocked(err); ok {
		return p.reschedule(ctx, log, payload, locked, failure)
	}
	if err != nil {
		return failure(err)
	}
	if blob.Filename == "" || blob.Filename == "download" {
		blob.Filename = payload.FileName
	}
	location, err := p.opts.Saver.Save(ctx, blob)
	if err != nil {
		return failure(err)
	}
	summary := ""
	if p.opts.Describe != nil {
		summary = p.opts.Describe(blob)
	}
	if err := p.opts.Jobs.MarkCompleted(ctx, jobID, location, summary); err != nil {
		return failure(err)
	}
	log.Info("capsule unlocked", "location", location, "bytes", blob.Size())
	return nil
}

func (p *Processor) reschedule(ctx context.Context, log *slog.Logger, payload queue.UnlockPayload, locked *client.NotYetUnlockedError, failure func(error) error) error {
	unlock := locked.UnlockDate
	if unlock.IsZero() {
		unlock = payload.UnlockAt
	}
	at := queue.ProcessTime(unlock, p.opts.Location, p.opts.Now())
	payload.UnlockAt = unlock
	if _, err := queue.EnqueueUnlock(ctx, p.opts.Enqueuer, payload, at); err != nil {
		return failure(err)
	}
	if err := p.opts.Jobs.MarkRescheduled(ctx, queue.JobID(payload.CapsuleID), unlock.String()); err != nil {
		log.Error("record reschedule", "error", err)
	}
	log.Info("capsule still locked, rescheduled", "unlock", unlock.String(), "next_attempt", at)
	return nil
}

// IsPermanent reports whether err came out of HandleUnlock as a final failure.
func IsPermanent(err error) bool {
	return errors.Is(err, asynq.SkipRetry)
}
