package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openRouterBaseURL  = "https://openrouter.ai/api/v1"
	openRouterTimeout  = 60 * time.Second
	openRouterRetries  = 3
	openRouterBackoff  = 500 * time.Millisecond
	openRouterReferer  = "https://github.com/kalambet/meirobo"
	openRouterAppTitle = "meirobo"
)

// OpenRouterEngine talks to any OpenAI-compatible chat completions API,
// OpenRouter by default.
type OpenRouterEngine struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewOpenRouterEngine(apiKey, baseURL string) *OpenRouterEngine {
	if baseURL == "" {
		baseURL = openRouterBaseURL
	}
	return &OpenRouterEngine{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: openRouterTimeout},
	}
}

type orResponseFormat struct {
	Type       string        `json:"type"`
	JSONSchema *orJSONSchema `json:"json_schema,omitempty"`
}

type orJSONSchema struct {
	Name   string  `json:"name"`
	Strict bool    `json:"strict"`
	Schema *Schema `json:"schema"`
}

type orChatRequest struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	ResponseFormat *orResponseFormat `json:"response_format,omitempty"`
}

type orChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type orEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// statusError is a non-2xx reply. 429 and 5xx are retried.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func retryable(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	return se.status == http.StatusTooManyRequests || se.status >= 500
}

func (e *OpenRouterEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	req := orChatRequest{Model: model, Messages: messages}
	if jsonSchema != nil {
		req.ResponseFormat = &orResponseFormat{
			Type:       "json_schema",
			JSONSchema: &orJSONSchema{Name: "response", Strict: true, Schema: jsonSchema},
		}
	}

	var resp orChatResponse
	if err := e.post(ctx, "/chat/completions", req, &resp); err != nil {
		return "", fmt.Errorf("openrouter chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openrouter chat: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *OpenRouterEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	req := map[string]any{"model": model, "input": text}

	var resp orEmbedResponse
	if err := e.post(ctx, "/embeddings", req, &resp); err != nil {
		return nil, fmt.Errorf("openrouter embed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openrouter embed: empty embedding")
	}
	return resp.Data[0].Embedding, nil
}

// post sends body to path, retrying rate limits and server errors with
// exponential backoff.
func (e *OpenRouterEngine) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	backoff := openRouterBackoff
	var lastErr error
	for attempt := range openRouterRetries {
		lastErr = e.doPost(ctx, path, data, out)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
		if attempt < openRouterRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", openRouterRetries, lastErr)
}

func (e *OpenRouterEngine) doPost(ctx context.Context, path string, data []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("HTTP-Referer", openRouterReferer)
	req.Header.Set("X-Title", openRouterAppTitle)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
