// Package channel is the WhatsApp business solution provider client.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.ycloud.com/v2"
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxMediaBytes  = 16 << 20
	maxTextRunes   = 4096
)

// ErrMediaTooLarge is returned when downloaded media exceeds 16 MiB.
var ErrMediaTooLarge = errors.New("media too large")

// Sender sends messages to a contact.
type Sender interface {
	SendText(ctx context.Context, from, to, body string) (string, error)
	SendAudio(ctx context.Context, from, to, link string) (string, error)
}

// Media is downloaded inbound media.
type Media struct {
	Data     []byte
	MIMEType string
}

// Client talks to the provider's HTTP API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
}

// NewClient creates a client. An empty baseURL uses the provider default.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		backoff:    initialBackoff,
	}
}

type textBody struct {
	Body string `json:"body"`
}

type audioBody struct {
	Link string `json:"link"`
}

type sendRequest struct {
	From  string     `json:"from"`
	To    string     `json:"to"`
	Type  string     `json:"type"`
	Text  *textBody  `json:"text,omitempty"`
	Audio *audioBody `json:"audio,omitempty"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SendText sends a text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, from, to, body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", errors.New("empty text")
	}
	if r := []rune(body); len(r) > maxTextRunes {
		body = string(r[:maxTextRunes])
	}
	return c.send(ctx, sendRequest{From: from, To: to, Type: "text", Text: &textBody{Body: body}})
}

// SendAudio sends an audio message that the provider fetches from link.
func (c *Client) SendAudio(ctx context.Context, from, to, link string) (string, error) {
	if link == "" {
		return "", errors.New("empty audio link")
	}
	return c.send(ctx, sendRequest{From: from, To: to, Type: "audio", Audio: &audioBody{Link: link}})
}

func (c *Client) send(ctx context.Context, req sendRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	var out sendResponse
	err = c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, c.baseURL+"/whatsapp/messages/sendDirectly", payload, func(r io.Reader) error {
			if err := json.NewDecoder(r).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("decoding response: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("sending %s message: %w", req.Type, err)
	}
	return out.ID, nil
}

// DownloadMedia fetches inbound media by URL.
func (c *Client) DownloadMedia(ctx context.Context, url string) (Media, error) {
	var m Media
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, url, nil, func(r io.Reader) error {
			data, err := io.ReadAll(io.LimitReader(r, maxMediaBytes+1))
			if err != nil {
				return err
			}
			if len(data) > maxMediaBytes {
				return ErrMediaTooLarge
			}
			m.Data = data
			return nil
		}, func(resp *http.Response) {
			m.MIMEType = resp.Header.Get("Content-Type")
		})
	})
	if err != nil {
		return Media{}, fmt.Errorf("downloading media: %w", err)
	}
	return m, nil
}

// retryableError is returned on HTTP 429 and 5xx.
type retryableError struct {
	status int
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("provider unavailable (HTTP %d)", e.status)
}

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := range maxRetries {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", maxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, decode func(io.Reader) error, inspect ...func(*http.Response)) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return &retryableError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	for _, fn := range inspect {
		fn(resp)
	}
	return decode(resp.Body)
}
