package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genai"
)

// genaiModels is the subset of *genai.Models the engine calls.
type genaiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// GenAIEngine implements Engine and Speech on the Gemini API.
type GenAIEngine struct {
	models      genaiModels
	speechModel string
	sttModel    string
}

// NewGenAIEngine creates a Gemini-backed engine. speechModel is used for
// synthesis and sttModel for transcription.
func NewGenAIEngine(ctx context.Context, apiKey, speechModel, sttModel string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GenAIEngine{models: client.Models, speechModel: speechModel, sttModel: sttModel}, nil
}

func (e *GenAIEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	var contents []*genai.Content
	var system []string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if jsonSchema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toGenAISchema(jsonSchema)
	}

	resp, err := e.models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("genai chat: %w", err)
	}
	return resp.Text(), nil
}

func (e *GenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	resp, err := e.models.EmbedContent(ctx, model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"},
	)
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("genai embed: no embeddings returned")
	}
	return resp.Embeddings[0].Values, nil
}

// Synthesize returns a WAV clip of text spoken in voice.
func (e *GenAIEngine) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	resp, err := e.models.GenerateContent(ctx, e.speechModel, genai.Text(text), cfg)
	if err != nil {
		return Audio{}, fmt.Errorf("genai tts: %w", err)
	}
	blob := firstInlineData(resp)
	if blob == nil || len(blob.Data) == 0 {
		return Audio{}, fmt.Errorf("genai tts: no audio returned")
	}
	if strings.HasPrefix(blob.MIMEType, "audio/L16") || strings.Contains(blob.MIMEType, "pcm") {
		return Audio{Data: pcmToWAV(blob.Data, sampleRate(blob.MIMEType)), MIMEType: "audio/wav"}, nil
	}
	return Audio{Data: blob.Data, MIMEType: blob.MIMEType}, nil
}

const transcribePrompt = "Transcreva exatamente o áudio a seguir. Responda somente com a transcrição, sem comentários."

func (e *GenAIEngine) Transcribe(ctx context.Context, audio Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", fmt.Errorf("genai stt: empty audio")
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(transcribePrompt),
			genai.NewPartFromBytes(audio.Data, audio.MIMEType),
		}, genai.RoleUser),
	}
	resp, err := e.models.GenerateContent(ctx, e.sttModel, contents, nil)
	if err != nil {
		return "", fmt.Errorf("genai stt: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func firstInlineData(resp *genai.GenerateContentResponse) *genai.Blob {
	if resp == nil {
		return nil
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p != nil && p.InlineData != nil {
				return p.InlineData
			}
		}
	}
	return nil
}

func toGenAISchema(s *Schema) *genai.Schema {
	out := &genai.Schema{
		Type:       genaiType(s.Type),
		Required:   s.Required,
		Properties: make(map[string]*genai.Schema, len(s.Properties)),
	}
	for name, p := range s.Properties {
		prop := &genai.Schema{Type: genaiType(p.Type), Description: p.Description, Enum: p.Enum}
		if p.Items != nil {
			prop.Items = &genai.Schema{Type: genaiType(p.Items.Type)}
		}
		out.Properties[name] = prop
	}
	return out
}

func genaiType(t string) genai.Type {
	switch t {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

// sampleRate parses "rate=24000" out of a PCM MIME type.
func sampleRate(mime string) int {
	for _, part := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == "rate" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return 24000
}

// pcmToWAV wraps mono 16-bit little-endian PCM in a RIFF header.
func pcmToWAV(pcm []byte, rate int) []byte {
	const channels, bits = 1, 16
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }

	buf.WriteString("RIFF")
	w(uint32(36 + len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	w(uint32(16))
	w(uint16(1))
	w(uint16(channels))
	w(uint32(rate))
	w(uint32(rate * channels * bits / 8))
	w(uint16(channels * bits / 8))
	w(uint16(bits))
	buf.WriteString("data")
	w(uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
