package engine

import "context"

// Engine abstracts a text-generation backend (Ollama or Gemini). Routing,
// drafting, shaping and retrieval depend on this interface instead of a
// concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Speech converts between text and audio. Only remote backends implement it.
type Speech interface {
	// Synthesize renders text as audio in the given voice.
	Synthesize(ctx context.Context, text, voice string) (Audio, error)

	// Transcribe returns the text spoken in audio.
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// ModelManager is implemented by backends that host models locally and can
// download missing ones.
type ModelManager interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
