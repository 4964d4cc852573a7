package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/meirobo/internal/engine"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	embedFn func(ctx context.Context, model string, text string) ([]float32, error)
	chatFn  func(ctx context.Context, messages []engine.Message) (string, error)
}

func (m *mockEngine) Chat(ctx context.Context, _ string, messages []engine.Message, _ *engine.Schema) (string, error) {
	if m.chatFn == nil {
		return "", errors.New("chat not configured")
	}
	return m.chatFn(ctx, messages)
}

func (m *mockEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	mock := &mockEngine{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		return []float32{float32(len(text)), 1}, nil
	}}
	e := NewEmbedder(mock, "nomic-embed-text", 2)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bbb", "cc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, want := range []float32{1, 3, 2} {
		assert.Equal(t, want, vecs[i][0], "vecs[%d]", i)
	}
}

func TestEmbedBatch_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	mock := &mockEngine{embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer inFlight.Add(-1)
		return []float32{1}, nil
	}}
	e := NewEmbedder(mock, "m", 2)

	_, err := e.EmbedBatch(context.Background(), make([]string, 9))
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2), "peak concurrency")
}

func TestEmbedBatch_Error(t *testing.T) {
	mock := &mockEngine{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		if text == "b" {
			return nil, errors.New("embedding failed")
		}
		return []float32{1}, nil
	}}
	_, err := NewEmbedder(mock, "m", 0).EmbedBatch(context.Background(), []string{"a", "b", "c"})
	assert.ErrorContains(t, err, "embedding failed")
}

func TestEmbedBatch_DimensionMismatch(t *testing.T) {
	mock := &mockEngine{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		if text == "b" {
			return []float32{1, 2, 3}, nil
		}
		return []float32{1, 2}, nil
	}}
	_, err := NewEmbedder(mock, "m", 0).EmbedBatch(context.Background(), []string{"a", "b"})
	assert.Error(t, err, "dimension mismatch")
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	mock := &mockEngine{embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
		t.Fatal("should not be called for empty input")
		return nil, nil
	}}
	vecs, err := NewEmbedder(mock, "m", 0).EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
