package persona

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/meirobo/internal/engine"
	"github.com/kalambet/meirobo/internal/profile"
)

type mockChatter struct {
	response string
	err      error
	messages []engine.Message
}

func (m *mockChatter) Chat(_ context.Context, _ string, messages []engine.Message, _ *engine.Schema) (string, error) {
	m.messages = messages
	return m.response, m.err
}

func ana() profile.TenantProfile {
	return profile.TenantProfile{
		TenantID: "t1",
		Persona:  profile.Persona{Register: "informal", Tone: "carinhoso", DisplayName: "Salão da Ana", Signature: "Beijos, Ana"},
	}
}

func TestShape_Rewrites(t *testing.T) {
	mock := &mockChatter{response: `"Oi, querida! O corte sai por R$ 80. Reserva aqui: https://agenda.example/ana"`}
	s := New(mock, "m", 0, nil)

	got, err := s.Shape(context.Background(), "Corte: R$ 80. Link: https://agenda.example/ana", ana(), "informal")
	if err != nil {
		t.Fatalf("Shape error: %v", err)
	}
	want := "Oi, querida! O corte sai por R$ 80. Reserva aqui: https://agenda.example/ana\nBeijos, Ana"
	if got != want {
		t.Errorf("Shape() = %q, want %q", got, want)
	}
	if sys := mock.messages[0].Content; !strings.Contains(sys, "Salão da Ana") || !strings.Contains(sys, "carinhoso") {
		t.Errorf("system prompt missing persona: %s", sys)
	}
}

func TestShape_RejectsDroppedFacts(t *testing.T) {
	tests := []struct {
		name, draft, rewrite string
	}{
		{"link", "Reserve em https://agenda.example/ana.", "Reserve pelo nosso site!"},
		{"amount", "O corte sai por R$ 80.", "O corte sai por R$ 70."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&mockChatter{response: tt.rewrite}, "m", 0, nil)
			if _, err := s.Shape(context.Background(), tt.draft, ana(), ""); !errors.Is(err, ErrFactsChanged) {
				t.Errorf("Shape error = %v, want ErrFactsChanged", err)
			}
		})
	}
}

func TestShape_ErrorsSurface(t *testing.T) {
	s := New(&mockChatter{err: errors.New("timeout")}, "m", 0, nil)
	if _, err := s.Shape(context.Background(), "Olá!", ana(), ""); err == nil {
		t.Error("expected error from failed rewrite")
	}
	s = New(&mockChatter{response: "   "}, "m", 0, nil)
	if _, err := s.Shape(context.Background(), "Olá!", ana(), ""); err == nil {
		t.Error("expected error from empty rewrite")
	}
}

func TestShape_WithoutClientFinishes(t *testing.T) {
	got, err := New(nil, "", 0, nil).Shape(context.Background(), "Aceitamos pix (wamid.HBgLNTUxMTk5OTk5OTk5)", ana(), "")
	if err != nil {
		t.Fatalf("Shape error: %v", err)
	}
	if got != "Aceitamos pix\nBeijos, Ana" {
		t.Errorf("Shape() = %q", got)
	}
}

func TestFinish_SignsOnce(t *testing.T) {
	if got := Finish("Até logo!\nBeijos, Ana", ana()); got != "Até logo!\nBeijos, Ana" {
		t.Errorf("Finish() = %q", got)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Pedido recebido (id 123abc) ok", "Pedido recebido ok"},
		{"hash deadbeef0123456789 aqui", "hash aqui"},
		{"token ABCDEFGHijklmnop1234 fim", "token fim"},
		{"Reserve: https://agenda.example/a1b2c3d4e5f6a7b8c9d0e1", "Reserve: https://agenda.example/a1b2c3d4e5f6a7b8c9d0e1"},
		{"Valor: R$ 80 -", "Valor: R$ 80"},
		{"• Corte — 60min — R$ 80\n• Escova — — — R$ 45", "• Corte — 60min — R$ 80\n• Escova — — — R$ 45"},
		{"dia 12/05   às 10h", "dia 12/05 às 10h"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
