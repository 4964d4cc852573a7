package channel

import (
	"errors"
	"testing"
	"time"
)

func TestParseInbound_Text(t *testing.T) {
	raw := []byte(`{
		"id": "evt-1",
		"type": "whatsapp.inbound_message.received",
		"createTime": "2026-10-16T12:00:00Z",
		"whatsappInboundMessage": {
			"id": "m-1", "wamid": "wamid.ABC", "from": "+5511999", "to": "+5511000",
			"type": "text", "text": {"body": "quanto custa o corte?"}
		}
	}`)
	if !IsProviderEnvelope(raw) {
		t.Fatal("IsProviderEnvelope = false")
	}
	in, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("ParseInbound error: %v", err)
	}
	if in.EventKey != "wamid.ABC" || in.Kind != KindText || in.Text != "quanto custa o corte?" || in.From != "+5511999" || in.To != "+5511000" {
		t.Errorf("inbound = %+v", in)
	}
	if !in.CreatedAt.Equal(time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", in.CreatedAt)
	}
}

func TestParseInbound_Voice(t *testing.T) {
	raw := []byte(`{"id":"evt-2","type":"whatsapp.inbound_message.received",
		"whatsappInboundMessage":{"id":"m-2","from":"a","to":"b","type":"voice","audio":{"url":"https://media/2","mimeType":"audio/ogg"}}}`)
	in, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("ParseInbound error: %v", err)
	}
	if in.EventKey != "m-2" || in.Kind != KindAudio || in.MediaURL != "https://media/2" || in.MediaMIME != "audio/ogg" {
		t.Errorf("inbound = %+v", in)
	}
}

func TestParseInbound_Ignored(t *testing.T) {
	tests := []string{
		`{"id":"e","type":"whatsapp.message.updated","whatsappMessage":{"status":"read"}}`,
		`{"id":"e","type":"whatsapp.inbound_message.received","whatsappInboundMessage":{"type":"image"}}`,
		`{"id":"e","type":"whatsapp.inbound_message.received","whatsappInboundMessage":{"type":"text","text":{"body":"  "}}}`,
	}
	for _, raw := range tests {
		if _, err := ParseInbound([]byte(raw)); !errors.Is(err, ErrIgnored) {
			t.Errorf("ParseInbound(%s) error = %v, want ErrIgnored", raw, err)
		}
	}
	if IsProviderEnvelope([]byte(`{"eventKey":"k","payload":{}}`)) {
		t.Error("normalized event detected as provider envelope")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt-1"}`)
	now := time.Unix(1_800_000_000, 0)
	header := Sign("s3cret", body, now)

	if err := VerifySignature("s3cret", header, body, now.Add(time.Minute)); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	tests := []struct {
		name   string
		secret string
		header string
		body   []byte
		at     time.Time
	}{
		{"wrong secret", "other", header, body, now},
		{"tampered body", "s3cret", header, []byte(`{"id":"evt-2"}`), now},
		{"expired", "s3cret", header, body, now.Add(SignatureTolerance + time.Second)},
		{"missing", "s3cret", "", body, now},
		{"malformed", "s3cret", "t=abc,s=00", body, now},
	}
	for _, tt := range tests {
		if err := VerifySignature(tt.secret, tt.header, tt.body, tt.at); !errors.Is(err, ErrBadSignature) {
			t.Errorf("%s: error = %v, want ErrBadSignature", tt.name, err)
		}
	}
}
