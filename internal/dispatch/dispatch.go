// Package dispatch hands admitted inbound events to the pipeline, either
// synchronously or through the SQL job queue.
package dispatch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/meirobo/internal/config"
	"github.com/kalambet/meirobo/internal/storage"
)

// JobTypeInbound is the queue type of inbound event jobs.
const JobTypeInbound = "inbound_event"

// Shared secret headers accepted by the worker endpoint.
const (
	SecretHeader       = "X-MR-Tasks-Secret"
	LegacySecretHeader = "X-CloudTasks-Secret"
)

// Job is one inbound event to process. It is also the worker endpoint's
// request body.
type Job struct {
	EventKey   string          `json:"eventKey"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Processor runs a job. A non-nil error means the job should be retried.
type Processor interface {
	Handle(ctx context.Context, job Job) error
}

// Queue is the job store queued dispatch uses. Implemented by
// storage.Store.
type Queue interface {
	EnqueueJob(ctx context.Context, job storage.Job) (bool, error)
	ClaimNextJob(ctx context.Context, types []string, lease time.Duration) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) (bool, error)
}

// Dispatcher hands jobs to a processor.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
	Mode() string
}

// New resolves the dispatch strategy from cfg once.
func New(cfg config.DispatchConfig, q Queue, p Processor, logger *slog.Logger) (Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Mode {
	case config.DispatchInline, "":
		if p == nil {
			return nil, fmt.Errorf("inline dispatch needs a processor")
		}
		return &Inline{processor: p}, nil
	case config.DispatchQueued:
		if q == nil {
			return nil, fmt.Errorf("queued dispatch needs a job queue")
		}
		return &Queued{queue: q, maxAttempts: cfg.MaxAttempts, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Mode)
	}
}

// TaskID is the deterministic queue id of an event key.
func TaskID(eventKey string) string {
	sum := sha1.Sum([]byte(eventKey))
	return hex.EncodeToString(sum[:])[:32]
}

// Inline processes jobs on the caller's goroutine.
type Inline struct {
	processor Processor
}

func (d *Inline) Mode() string { return config.DispatchInline }

func (d *Inline) Dispatch(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return d.processor.Handle(ctx, job)
}

// Queued enqueues jobs for a Worker. Re-enqueueing an event key that is
// still pending or running is a no-op; a finished one is queued again.
type Queued struct {
	queue       Queue
	maxAttempts int
	logger      *slog.Logger
}

func (d *Queued) Mode() string { return config.DispatchQueued }

func (d *Queued) Dispatch(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshalling job: %w", err)
	}
	created, err := d.queue.EnqueueJob(ctx, storage.Job{
		ID:          TaskID(job.EventKey),
		Type:        JobTypeInbound,
		PayloadJSON: string(body),
		MaxAttempts: d.maxAttempts,
	})
	if err != nil {
		return err
	}
	if !created {
		d.logger.Debug("task already in flight", "event_key", job.EventKey)
	}
	return nil
}
