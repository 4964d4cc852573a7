// Package pipeline runs one inbound event through routing, retrieval,
// drafting, shaping and delivery, tracking progress on the attempt.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/meirobo/internal/channel"
	"github.com/kalambet/meirobo/internal/config"
	"github.com/kalambet/meirobo/internal/dedup"
	"github.com/kalambet/meirobo/internal/delivery"
	"github.com/kalambet/meirobo/internal/dispatch"
	"github.com/kalambet/meirobo/internal/engine"
	"github.com/kalambet/meirobo/internal/persona"
	"github.com/kalambet/meirobo/internal/profile"
	"github.com/kalambet/meirobo/internal/responder"
	"github.com/kalambet/meirobo/internal/retrieval"
	"github.com/kalambet/meirobo/internal/router"
	"github.com/kalambet/meirobo/internal/session"
	"github.com/kalambet/meirobo/internal/storage"
)

// Outcomes recorded on finished attempts.
const (
	OutcomeReplied     = "replied"
	OutcomeAudioRetry  = "audio_unclear"
	OutcomeEmpty       = "empty_message"
	OutcomeRouteFailed = "route_failed"
	OutcomeDraftFailed = "draft_failed"
	OutcomeSendFailed  = "send_failed"
	OutcomeExhausted   = "retries_exhausted"
)

// sourceAudio marks decisions made for audio that could not be understood.
const sourceAudio = "audio"

// Profiles loads tenant profiles.
type Profiles interface {
	Get(ctx context.Context, tenantID string) (profile.TenantProfile, error)
}

// Retriever answers questions from the tenant's acervo.
type Retriever interface {
	Query(ctx context.Context, tenantID, question string, maxTokens int) (retrieval.Result, error)
}

// MediaFetcher downloads inbound media.
type MediaFetcher interface {
	DownloadMedia(ctx context.Context, url string) (channel.Media, error)
}

// Deliverer sends replies and escalations.
type Deliverer interface {
	Deliver(ctx context.Context, a storage.Attempt, content delivery.Content) (storage.DeliveryRecord, error)
	Escalate(ctx context.Context, a storage.Attempt, from, to, fallback, reason string)
}

// AttemptLookup finds the latest attempt of an event key.
type AttemptLookup interface {
	LatestAttempt(ctx context.Context, eventKey string) (storage.Attempt, error)
}

// Components are the collaborators of an Orchestrator. Retriever, Media
// and Speech are optional.
type Components struct {
	Gate      *dedup.Gate
	Attempts  AttemptLookup
	Profiles  Profiles
	Sessions  *session.Summaries
	Router    *router.Router
	Retriever Retriever
	Responder *responder.Responder
	Shaper    *persona.Shaper
	Delivery  Deliverer
	Media     MediaFetcher
	Speech    engine.Speech
}

// Options tunes an Orchestrator.
type Options struct {
	Pipeline config.PipelineConfig
	// From is the business number used when neither the event nor the
	// profile names one.
	From            string
	RetrievalTokens int
	Backoff         time.Duration
	Logger          *slog.Logger
}

// Outcome is the result of processing one job.
type Outcome struct {
	Decision dedup.Decision
	Attempt  storage.Attempt
	Intent   string
	Channels string
}

// Orchestrator drives attempts through the processing states:
// Started, Routed, Retrieved (when documents are needed), Drafted, Shaped,
// Delivered and Completed, or Failed.
type Orchestrator struct {
	c       Components
	cfg     config.PipelineConfig
	from    string
	tokens  int
	backoff time.Duration
	logger  *slog.Logger
}

// New creates an Orchestrator.
func New(c Components, opts Options) *Orchestrator {
	if opts.Pipeline.StepRetries < 0 {
		opts.Pipeline.StepRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		c:       c,
		cfg:     opts.Pipeline,
		from:    opts.From,
		tokens:  opts.RetrievalTokens,
		backoff: opts.Backoff,
		logger:  opts.Logger,
	}
}

// Handle implements dispatch.Processor. Attempt failures are handled here
// (the attempt is failed and escalated) and do not surface; only admission
// and infrastructure errors are returned.
func (o *Orchestrator) Handle(ctx context.Context, job dispatch.Job) error {
	_, err := o.Process(ctx, job)
	return err
}

// Process admits job through the dedup gate and, when accepted, runs it to
// a terminal state. Duplicates return immediately with the existing attempt.
func (o *Orchestrator) Process(ctx context.Context, job dispatch.Job) (Outcome, error) {
	ev, err := DecodeEvent(job.Payload)
	if err != nil {
		return Outcome{}, err
	}

	adm, err := o.c.Gate.Admit(ctx, job.EventKey, ev.TenantID, ev.ContactID)
	if err != nil {
		return Outcome{}, fmt.Errorf("admitting %s: %w", job.EventKey, err)
	}
	out := Outcome{Decision: adm.Decision, Attempt: adm.Attempt}
	if adm.Decision == dedup.Duplicate {
		o.logger.Debug("duplicate event acked", "event_key", job.EventKey, "attempt", adm.Attempt.ID, "state", adm.Attempt.State)
		return out, nil
	}

	a := adm.Attempt
	run := &run{o: o, ev: ev, a: &a}
	run.execute(ctx)
	out.Attempt = a
	out.Intent = run.decision.Intent
	out.Channels = run.channels
	return out, nil
}

// Exhausted is the queue's give-up hook: the attempt for job is failed and
// escalated unless it already finished.
func (o *Orchestrator) Exhausted(ctx context.Context, job dispatch.Job, lastErr string) {
	ev, err := DecodeEvent(job.Payload)
	if err != nil {
		o.logger.Error("exhausted job has an invalid payload", "event_key", job.EventKey, "error", err)
		return
	}

	a, err := o.c.Attempts.LatestAttempt(ctx, job.EventKey)
	if errors.Is(err, storage.ErrNotFound) {
		adm, aerr := o.c.Gate.Admit(ctx, job.EventKey, ev.TenantID, ev.ContactID)
		if aerr != nil {
			o.logger.Error("cannot record exhausted event", "event_key", job.EventKey, "error", aerr)
			return
		}
		a, err = adm.Attempt, nil
	}
	if err != nil {
		o.logger.Error("loading attempt of exhausted job", "event_key", job.EventKey, "error", err)
		return
	}
	if storage.Terminal(a.State) {
		return
	}

	r := &run{o: o, ev: ev, a: &a}
	r.profile, _ = o.c.Profiles.Get(ctx, ev.TenantID)
	r.fail(ctx, OutcomeExhausted, errors.New(lastErr))
}

// run is the state of one accepted attempt.
type run struct {
	o        *Orchestrator
	ev       InboundEvent
	a        *storage.Attempt
	profile  profile.TenantProfile
	summary  storage.SessionSummary
	message  string
	decision router.Decision
	channels string
}

func (r *run) log() *slog.Logger {
	return r.o.logger.With("tenant", r.a.TenantID, "attempt", r.a.ID, "event_key", r.a.EventKey)
}

func (r *run) execute(ctx context.Context) {
	o := r.o
	start := time.Now()

	p, err := o.c.Profiles.Get(ctx, r.ev.TenantID)
	if err != nil {
		r.log().Warn("profile unavailable, continuing without it", "error", err)
		p = profile.TenantProfile{TenantID: r.ev.TenantID}
	}
	r.profile = p

	if sum, err := o.c.Sessions.Load(ctx, r.ev.TenantID, r.ev.ContactID); err != nil {
		r.log().Warn("session summary unavailable", "error", err)
		r.summary = storage.SessionSummary{TenantID: r.ev.TenantID, ContactID: r.ev.ContactID}
	} else {
		r.summary = sum
	}

	var draft responder.Draft
	outcome := OutcomeReplied

	message, ok := r.inboundText(ctx)
	switch {
	case !ok:
		outcome = OutcomeAudioRetry
		r.decision = router.Decision{Intent: router.IntentFreeform, Source: sourceAudio}
		draft = responder.Draft{Text: responder.AudioErrorText, Source: responder.SourceFixed}
	case strings.TrimSpace(message) == "":
		outcome = OutcomeEmpty
		r.decision = router.Decision{Intent: router.IntentFreeform, Source: router.SourceHeuristic}
		draft = responder.Draft{Text: responder.HelpText, Source: responder.SourceFixed}
	}
	r.message = message

	if err := r.advance(ctx, storage.StateRouted, func(ctx context.Context) error {
		if draft.Text != "" {
			return nil
		}
		d, err := o.c.Router.Route(ctx, session.Text(r.summary), message, p)
		r.decision = d
		return err
	}); err != nil {
		r.fail(ctx, OutcomeRouteFailed, err)
		return
	}

	var res *retrieval.Result
	if draft.Text == "" && r.decision.NeedAcervo && o.c.Retriever != nil {
		res = r.retrieve(ctx)
		if err := r.transition(ctx, storage.StateRetrieved); err != nil {
			return
		}
	}

	if err := r.advance(ctx, storage.StateDrafted, func(ctx context.Context) error {
		if draft.Text != "" {
			return nil
		}
		return o.retry(ctx, "draft", func(ctx context.Context) error {
			d, err := o.c.Responder.Draft(ctx, responder.Request{
				Decision:  r.decision,
				Message:   message,
				Summary:   session.Text(r.summary),
				Profile:   p,
				Retrieval: res,
			})
			draft = d
			return err
		})
	}); err != nil {
		r.fail(ctx, OutcomeDraftFailed, err)
		return
	}

	var reply string
	if err := r.advance(ctx, storage.StateShaped, func(ctx context.Context) error {
		shaped, err := o.c.Shaper.Shape(ctx, draft.Text, p, r.decision.ToneHint)
		if err != nil {
			r.log().Warn("shaping failed, sending the draft", "error", err)
			shaped = persona.Finish(draft.Text, p)
		}
		reply = shaped
		return nil
	}); err != nil {
		return
	}

	content := delivery.Content{
		From:    r.from(),
		To:      r.ev.ContactID,
		Text:    reply,
		Intent:  r.decision.Intent,
		Voice:   p.Voice,
		Closing: r.closing(),
	}
	if err := r.advance(ctx, storage.StateDelivered, func(ctx context.Context) error {
		return o.retry(ctx, "deliver", func(ctx context.Context) error {
			rec, err := o.c.Delivery.Deliver(ctx, *r.a, content)
			r.channels = rec.Channels
			return err
		})
	}); err != nil {
		r.fail(ctx, OutcomeSendFailed, err)
		return
	}

	if _, err := o.c.Sessions.Record(ctx, r.summary, session.Turn{Intent: r.decision.Intent, Message: message, Reply: reply}); err != nil {
		r.log().Warn("session summary not updated", "error", err)
	}
	if err := o.c.Gate.Finish(ctx, r.a, storage.StateCompleted, outcome, ""); err != nil {
		r.log().Warn("completing attempt", "error", err)
		return
	}
	r.log().Info("attempt completed",
		"intent", r.decision.Intent,
		"route_source", r.decision.Source,
		"draft_source", draft.Source,
		"grounded", draft.Grounded,
		"channels", r.channels,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// inboundText returns the message text. For audio it downloads and
// transcribes the media; ok is false when that fails.
func (r *run) inboundText(ctx context.Context) (string, bool) {
	if r.ev.Kind != KindAudio {
		return r.ev.Text, true
	}
	o := r.o
	if o.c.Media == nil || o.c.Speech == nil {
		r.log().Warn("audio received but speech is not configured")
		return "", false
	}

	var media channel.Media
	if err := o.retry(ctx, "media", func(ctx context.Context) error {
		m, err := o.c.Media.DownloadMedia(ctx, r.ev.MediaURL)
		media = m
		return err
	}); err != nil {
		r.log().Warn("audio download failed", "error", err)
		return "", false
	}
	if media.MIMEType == "" {
		media.MIMEType = r.ev.MediaMIME
	}

	var text string
	if err := o.retry(ctx, "transcribe", func(ctx context.Context) error {
		t, err := o.c.Speech.Transcribe(ctx, engine.Audio{Data: media.Data, MIMEType: media.MIMEType})
		text = t
		return err
	}); err != nil {
		r.log().Warn("transcription failed", "error", err)
		return "", false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	return text, true
}

// retrieve queries the acervo. Failures degrade to an ungrounded draft.
func (r *run) retrieve(ctx context.Context) *retrieval.Result {
	o := r.o
	var res retrieval.Result
	if err := o.retry(ctx, "retrieve", func(ctx context.Context) error {
		out, err := o.c.Retriever.Query(ctx, r.ev.TenantID, r.message, o.tokens)
		res = out
		return err
	}); err != nil {
		r.log().Warn("retrieval failed, drafting without documents", "error", err)
		return nil
	}
	r.log().Debug("retrieval done", "reason", res.Reason, "docs", len(res.UsedDocs))
	return &res
}

// advance runs step and moves the attempt to state when it succeeds.
func (r *run) advance(ctx context.Context, state string, step func(context.Context) error) error {
	if err := step(ctx); err != nil {
		return err
	}
	return r.transition(ctx, state)
}

// transition moves the attempt forward. A conflict means someone else
// finished or expired the attempt; this run stops without escalating.
func (r *run) transition(ctx context.Context, state string) error {
	if err := r.o.c.Gate.Transition(ctx, r.a, state); err != nil {
		r.log().Warn("attempt transition rejected, abandoning run", "to", state, "error", err)
		return err
	}
	return nil
}

// fail records the terminal failure, sends the fallback acknowledgment and
// audits an escalation.
func (r *run) fail(ctx context.Context, outcome string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if errors.Is(cause, dedup.ErrConflict) {
		return
	}
	if err := r.o.c.Gate.Finish(ctx, r.a, storage.StateFailed, outcome, msg); err != nil {
		r.log().Warn("failing attempt", "error", err)
		return
	}
	r.log().Error("attempt failed", "outcome", outcome, "error", cause)
	r.o.c.Delivery.Escalate(ctx, *r.a, r.from(), r.ev.ContactID, r.o.cfg.FallbackText, outcome)
}

func (r *run) from() string {
	switch {
	case r.ev.To != "":
		return r.ev.To
	case r.profile.WhatsApp != "":
		return r.profile.WhatsApp
	default:
		return r.o.from
	}
}

// closing reports whether the reply ends the exchange and gets an audio
// acknowledgment.
func (r *run) closing() bool {
	if r.decision.Source == sourceAudio {
		return false
	}
	switch r.decision.NextStep {
	case router.NextSendLink, router.NextCTA, router.NextExit:
		return true
	}
	return r.profile.IsClosing(r.decision.Intent)
}

// retry runs fn up to StepRetries extra times with exponential backoff.
// Drafts that cannot be produced at all are not retried.
func (o *Orchestrator) retry(ctx context.Context, step string, fn func(context.Context) error) error {
	delay := o.backoff
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || attempt >= o.cfg.StepRetries || errors.Is(err, responder.ErrNoDraft) || ctx.Err() != nil {
			return err
		}
		o.logger.Debug("step failed, retrying", "step", step, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
