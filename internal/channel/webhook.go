package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureTolerance is how far a signature timestamp may drift from now.
const SignatureTolerance = 300 * time.Second

// SignatureHeader carries "t=<unix>,s=<hex>" on signed webhook deliveries.
const SignatureHeader = "X-Webhook-Signature"

const inboundEventType = "whatsapp.inbound_message.received"

var (
	// ErrBadSignature is returned for missing, malformed, expired or
	// mismatching webhook signatures.
	ErrBadSignature = errors.New("invalid webhook signature")
	// ErrIgnored is returned for provider events that carry no inbound
	// text or voice message.
	ErrIgnored = errors.New("event ignored")
)

// Message kinds.
const (
	KindText  = "text"
	KindAudio = "audio"
)

// Inbound is a provider inbound message normalized to what the pipeline
// needs.
type Inbound struct {
	EventKey  string
	From      string
	To        string
	Kind      string
	Text      string
	MediaURL  string
	MediaMIME string
	CreatedAt time.Time
}

type envelope struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	CreateTime string `json:"createTime"`
	Message    *struct {
		ID    string `json:"id"`
		WAMID string `json:"wamid"`
		From  string `json:"from"`
		To    string `json:"to"`
		Type  string `json:"type"`
		Text  *struct {
			Body string `json:"body"`
		} `json:"text"`
		Audio *struct {
			URL      string `json:"url"`
			MIMEType string `json:"mimeType"`
		} `json:"audio"`
	} `json:"whatsappInboundMessage"`
}

// IsProviderEnvelope reports whether raw looks like a provider webhook
// rather than a pre-normalized event.
func IsProviderEnvelope(raw []byte) bool {
	var probe struct {
		Type    string          `json:"type"`
		Message json.RawMessage `json:"whatsappInboundMessage"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Type != "" || len(probe.Message) > 0
}

// ParseInbound normalizes a provider webhook body. The WhatsApp message id
// is the event key, falling back to the provider event id.
func ParseInbound(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type != inboundEventType || env.Message == nil {
		return Inbound{}, ErrIgnored
	}
	m := env.Message
	in := Inbound{
		EventKey: firstNonEmpty(m.WAMID, m.ID, env.ID),
		From:     m.From,
		To:       m.To,
	}
	if t, err := time.Parse(time.RFC3339, env.CreateTime); err == nil {
		in.CreatedAt = t
	}

	switch m.Type {
	case "text":
		if m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
			return Inbound{}, ErrIgnored
		}
		in.Kind = KindText
		in.Text = m.Text.Body
	case "audio", "voice":
		if m.Audio == nil || m.Audio.URL == "" {
			return Inbound{}, ErrIgnored
		}
		in.Kind = KindAudio
		in.MediaURL = m.Audio.URL
		in.MediaMIME = m.Audio.MIMEType
	default:
		return Inbound{}, ErrIgnored
	}
	return in, nil
}

// VerifySignature checks a "t=<unix>,s=<hex>" header against an
// HMAC-SHA256 of "<t>." followed by the raw body.
func VerifySignature(secret, header string, body []byte, now time.Time) error {
	ts, sig, ok := parseSignature(header)
	if !ok {
		return ErrBadSignature
	}
	if d := now.Sub(time.Unix(ts, 0)); d > SignatureTolerance || d < -SignatureTolerance {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + "."))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces a signature header for body, as the provider would.
func Sign(secret string, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return "t=" + ts + ",s=" + hex.EncodeToString(mac.Sum(nil))
}

func parseSignature(header string) (int64, string, bool) {
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", false
			}
			ts = n
		case "s":
			sig = v
		}
	}
	return ts, sig, ts > 0 && sig != ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
