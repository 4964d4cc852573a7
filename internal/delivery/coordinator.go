// Package delivery sends assembled replies to contacts. It keeps the
// at-most-once audio guarantee per attempt and audits every send.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/meirobo/internal/blob"
	"github.com/kalambet/meirobo/internal/channel"
	"github.com/kalambet/meirobo/internal/engine"
	"github.com/kalambet/meirobo/internal/storage"
)

// Channel sets recorded on a delivery.
const (
	ChannelText  = "text"
	ChannelAudio = "audio"
	ChannelBoth  = "both"
)

// Audit events.
const (
	EventDelivery      = "delivery"
	EventEscalation    = "escalation"
	EventAttemptFailed = "attempt_failed"
)

const (
	maxSpokenRunes = 280
	defaultAck     = "Perfeito! Te mandei os detalhes por mensagem."
	linkNotice     = "Te mandei o link por mensagem."
)

// ErrNoSpeech is recorded when a closing reply needs audio but no speech
// backend is configured.
var ErrNoSpeech = errors.New("no speech backend configured")

// Store is the persistence the coordinator needs. Implemented by
// storage.Store.
type Store interface {
	EnsureDeliveryRecord(ctx context.Context, attemptID, tenantID string) error
	AcquireAudio(ctx context.Context, attemptID string) (bool, error)
	SetAudioStatus(ctx context.Context, attemptID, status string) error
	RecordTextSend(ctx context.Context, attemptID, status string) error
	SetChannels(ctx context.Context, attemptID, channels string) error
	GetDeliveryRecord(ctx context.Context, attemptID string) (storage.DeliveryRecord, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Content is a reply ready to send.
type Content struct {
	From    string // tenant's business number
	To      string // contact
	Text    string
	Intent  string
	Voice   string
	Closing bool
}

// Options configures a Coordinator.
type Options struct {
	Speech engine.Speech // nil disables audio
	Blobs  blob.Store
	URLTTL time.Duration
	Logger *slog.Logger
}

// Coordinator delivers replies.
type Coordinator struct {
	store  Store
	sender channel.Sender
	speech engine.Speech
	blobs  blob.Store
	urlTTL time.Duration
	logger *slog.Logger
}

func New(store Store, sender channel.Sender, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:  store,
		sender: sender,
		speech: opts.Speech,
		blobs:  opts.Blobs,
		urlTTL: blob.ClampTTL(opts.URLTTL),
		logger: opts.Logger,
	}
}

// Deliver sends content for attempt. Closing replies get one short audio
// acknowledgment, sent at most once per attempt, plus the full text. A
// repeated Deliver for the same attempt resends text only. The error is
// non-nil only when the text could not be sent.
func (c *Coordinator) Deliver(ctx context.Context, a storage.Attempt, content Content) (storage.DeliveryRecord, error) {
	if err := c.store.EnsureDeliveryRecord(ctx, a.ID, a.TenantID); err != nil {
		return storage.DeliveryRecord{}, err
	}
	channels := ChannelText
	if content.Closing {
		channels = ChannelBoth
	}
	if err := c.store.SetChannels(ctx, a.ID, channels); err != nil {
		return storage.DeliveryRecord{}, fmt.Errorf("recording channels: %w", err)
	}

	audioStatus := storage.SendSkipped
	if content.Closing {
		audioStatus = c.deliverAudio(ctx, a, content)
	}

	textStatus := storage.SendSent
	_, sendErr := c.sender.SendText(ctx, content.From, content.To, content.Text)
	if sendErr != nil {
		textStatus = storage.SendFailed
		c.logger.Warn("text send failed", "tenant", a.TenantID, "attempt", a.ID, "error", sendErr)
	}
	if err := c.store.RecordTextSend(ctx, a.ID, textStatus); err != nil {
		return storage.DeliveryRecord{}, fmt.Errorf("recording text send: %w", err)
	}

	c.audit(ctx, storage.AuditEntry{
		TenantID:  a.TenantID,
		AttemptID: a.ID,
		Event:     EventDelivery,
		Channel:   channels,
		Status:    overallStatus(textStatus, audioStatus),
		Summary:   fmt.Sprintf("intent=%s text_len=%d links=%d audio=%s", content.Intent, len([]rune(content.Text)), len(linkPattern.FindAllString(content.Text, -1)), audioStatus),
	})

	rec, err := c.store.GetDeliveryRecord(ctx, a.ID)
	if err != nil {
		return storage.DeliveryRecord{}, err
	}
	if sendErr != nil {
		return rec, fmt.Errorf("sending text: %w", sendErr)
	}
	return rec, nil
}

// deliverAudio takes the audio semaphore and sends the spoken ack. It
// returns the audio status of this call; a semaphore already taken means
// an earlier delivery owned the audio.
func (c *Coordinator) deliverAudio(ctx context.Context, a storage.Attempt, content Content) string {
	acquired, err := c.store.AcquireAudio(ctx, a.ID)
	if err != nil {
		c.logger.Warn("audio semaphore unavailable", "tenant", a.TenantID, "attempt", a.ID, "error", err)
		return storage.SendSkipped
	}
	if !acquired {
		return storage.SendSkipped
	}

	status := storage.SendSent
	if err := c.sendAudio(ctx, a, content); err != nil {
		status = storage.SendFailed
		c.logger.Warn("audio ack failed", "tenant", a.TenantID, "attempt", a.ID, "error", err)
	}
	if err := c.store.SetAudioStatus(ctx, a.ID, status); err != nil {
		c.logger.Warn("recording audio status failed", "attempt", a.ID, "error", err)
	}
	return status
}

func (c *Coordinator) sendAudio(ctx context.Context, a storage.Attempt, content Content) error {
	if c.speech == nil || c.blobs == nil {
		return ErrNoSpeech
	}
	audio, err := c.speech.Synthesize(ctx, SpokenAck(content.Text), content.Voice)
	if err != nil {
		return fmt.Errorf("synthesizing: %w", err)
	}
	key := blob.AudioKey(a.TenantID, a.ID, audioExt(audio.MIMEType))
	if err := c.blobs.Put(ctx, key, bytes.NewReader(audio.Data), int64(len(audio.Data)), audio.MIMEType); err != nil {
		return fmt.Errorf("storing audio: %w", err)
	}
	link, err := c.blobs.PresignGet(ctx, key, c.urlTTL)
	if err != nil {
		return fmt.Errorf("signing audio url: %w", err)
	}
	if _, err := c.sender.SendAudio(ctx, content.From, content.To, link); err != nil {
		return fmt.Errorf("sending audio: %w", err)
	}
	return nil
}

// Escalate sends the fallback acknowledgment to the contact and audits a
// human escalation for a failed attempt. Send failures are logged only.
func (c *Coordinator) Escalate(ctx context.Context, a storage.Attempt, from, to, fallback, reason string) {
	status := storage.SendSkipped
	if fallback != "" && to != "" {
		status = storage.SendSent
		if _, err := c.sender.SendText(ctx, from, to, fallback); err != nil {
			status = storage.SendFailed
			c.logger.Warn("fallback send failed", "tenant", a.TenantID, "attempt", a.ID, "error", err)
		}
	}
	c.logger.Warn("attempt escalated to a human", "tenant", a.TenantID, "attempt", a.ID, "event_key", a.EventKey, "reason", reason)
	c.audit(ctx, storage.AuditEntry{
		TenantID:  a.TenantID,
		AttemptID: a.ID,
		Event:     EventAttemptFailed,
		Status:    storage.StateFailed,
		Summary:   "reason=" + reason,
	})
	c.audit(ctx, storage.AuditEntry{
		TenantID:  a.TenantID,
		AttemptID: a.ID,
		Event:     EventEscalation,
		Channel:   ChannelText,
		Status:    status,
		Summary:   "reason=" + reason,
	})
}

func (c *Coordinator) audit(ctx context.Context, e storage.AuditEntry) {
	e.ID = uuid.New().String()
	if err := c.store.AppendAudit(ctx, e); err != nil {
		c.logger.Error("audit write failed", "tenant", e.TenantID, "attempt", e.AttemptID, "event", e.Event, "error", err)
	}
}

func overallStatus(text, audio string) string {
	switch {
	case text == storage.SendFailed:
		return storage.SendFailed
	case audio == storage.SendFailed:
		return "partial"
	default:
		return storage.SendSent
	}
}

var (
	linkPattern  = regexp.MustCompile(`https?://\S+|www\.\S+`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// SpokenAck turns reply text into a short acknowledgment fit for speech.
// Links are removed and replaced by a pointer to the text message.
func SpokenAck(text string) string {
	stripped := linkPattern.ReplaceAllString(text, "")
	hadLinks := stripped != text
	stripped = strings.TrimSpace(spacePattern.ReplaceAllString(stripped, " "))
	stripped = strings.TrimRight(stripped, " :–—-")

	if r := []rune(stripped); len(r) > maxSpokenRunes {
		cut := string(r[:maxSpokenRunes])
		if i := strings.LastIndexAny(cut, ".!?"); i > 0 {
			cut = cut[:i+1]
		}
		stripped = cut
	}
	if stripped == "" {
		return defaultAck
	}
	if hadLinks {
		if !strings.HasSuffix(stripped, ".") && !strings.HasSuffix(stripped, "!") && !strings.HasSuffix(stripped, "?") {
			stripped += "."
		}
		stripped += " " + linkNotice
	}
	return stripped
}

func audioExt(mime string) string {
	switch {
	case strings.Contains(mime, "wav"):
		return ".wav"
	case strings.Contains(mime, "ogg"), strings.Contains(mime, "opus"):
		return ".ogg"
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return ".mp3"
	default:
		return ".bin"
	}
}
