package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Inbound message kinds.
const (
	KindText  = "text"
	KindAudio = "audio"
)

// ErrInvalidEvent is returned for payloads that can never be processed.
var ErrInvalidEvent = errors.New("invalid inbound event")

// InboundEvent is the payload of a dispatch job.
type InboundEvent struct {
	TenantID   string    `json:"tenantId"`
	ContactID  string    `json:"contactId"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text,omitempty"`
	MediaURL   string    `json:"mediaUrl,omitempty"`
	MediaMIME  string    `json:"mediaMime,omitempty"`
	To         string    `json:"to,omitempty"` // business number the contact wrote to
	ReceivedAt time.Time `json:"receivedAt,omitempty"`
}

// DecodeEvent parses and checks a job payload.
func DecodeEvent(raw json.RawMessage) (InboundEvent, error) {
	var ev InboundEvent
	if len(raw) == 0 {
		return ev, fmt.Errorf("%w: empty payload", ErrInvalidEvent)
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if strings.TrimSpace(ev.TenantID) == "" || strings.TrimSpace(ev.ContactID) == "" {
		return ev, fmt.Errorf("%w: tenantId and contactId are required", ErrInvalidEvent)
	}
	if ev.Kind == "" {
		ev.Kind = KindText
	}
	switch ev.Kind {
	case KindText:
	case KindAudio:
		if ev.MediaURL == "" {
			return ev, fmt.Errorf("%w: audio event without mediaUrl", ErrInvalidEvent)
		}
	default:
		return ev, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	return ev, nil
}
