package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/meirobo/internal/storage"
)

// ExhaustedFunc is called once a job has used all its attempts.
type ExhaustedFunc func(ctx context.Context, job Job, lastErr string)

// WorkerOptions configures a Worker. Target is the worker endpoint URL.
type WorkerOptions struct {
	Target       string
	Secret       string
	Lease        time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client
	OnExhausted  ExhaustedFunc
	Logger       *slog.Logger
}

// Worker drains the job queue by POSTing each job to the worker endpoint,
// the way an HTTP-target cloud queue would.
type Worker struct {
	queue       Queue
	target      string
	secret      string
	lease       time.Duration
	poll        time.Duration
	client      *http.Client
	onExhausted ExhaustedFunc
	logger      *slog.Logger
}

// NewWorker creates a Worker. Zero durations default to a 2 minute lease
// and a 500ms poll interval.
func NewWorker(q Queue, opts WorkerOptions) *Worker {
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Lease}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		queue:       q,
		target:      opts.Target,
		secret:      opts.Secret,
		lease:       opts.Lease,
		poll:        opts.PollInterval,
		client:      opts.HTTPClient,
		onExhausted: opts.OnExhausted,
		logger:      opts.Logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and delivers a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	sj, err := w.queue.ClaimNextJob(ctx, []string{JobTypeInbound}, w.lease)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if sj == nil {
		return false, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(sj.PayloadJSON), &job); err != nil {
		w.fail(ctx, sj, job, fmt.Sprintf("parsing payload: %v", err))
		return true, nil
	}

	if err := w.deliver(ctx, sj.PayloadJSON); err != nil {
		w.logger.Warn("task delivery failed", "job_id", sj.ID, "event_key", job.EventKey, "attempt", sj.Attempts+1, "error", err)
		w.fail(ctx, sj, job, err.Error())
		return true, nil
	}

	if err := w.queue.CompleteJob(ctx, sj.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", sj.ID, err)
	}
	return true, nil
}

func (w *Worker) fail(ctx context.Context, sj *storage.Job, job Job, msg string) {
	exhausted, err := w.queue.FailJob(ctx, sj.ID, msg)
	if err != nil {
		w.logger.Error("failed to mark job as failed", "job_id", sj.ID, "error", err)
		return
	}
	if exhausted {
		w.logger.Warn("task attempts exhausted", "job_id", sj.ID, "event_key", job.EventKey)
		if w.onExhausted != nil {
			w.onExhausted(ctx, job, msg)
		}
	}
}

func (w *Worker) deliver(ctx context.Context, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.target, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, w.secret)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting task: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("worker endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
