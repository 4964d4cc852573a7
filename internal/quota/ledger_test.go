package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/meirobo/internal/storage"
)

func newTestLedger(t *testing.T, defaultQuota int64) (*Ledger, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewLedger(s, defaultQuota, nil), s
}

// T1 has a 1000 byte quota with 900 used: 100 more fits exactly, 1 more does not.
func TestReserveAtBoundary(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, 1000)

	d, err := l.Reserve(ctx, "T1", 900, CategoryUploads)
	require.NoError(t, err)
	require.True(t, d.Granted)

	d, err = l.Reserve(ctx, "T1", 100, CategoryUploads)
	require.NoError(t, err)
	assert.True(t, d.Granted)

	u, err := l.Usage(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), u.UsedBytes)

	d, err = l.Reserve(ctx, "T1", 1, CategoryUploads)
	require.NoError(t, err)
	assert.False(t, d.Granted)
	require.NotNil(t, d.Reason)
	assert.Equal(t, int64(1000), d.Reason.Used)
	assert.Equal(t, int64(1000), d.Reason.Max)
	assert.Equal(t, int64(1), d.Reason.Delta)
	assert.Equal(t, CategoryUploads, d.Reason.Category)
}

func TestReleaseReturnsBytes(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, 100)

	d, err := l.Reserve(ctx, "t", 80, CategoryFreeform)
	require.NoError(t, err)
	require.True(t, d.Granted)

	require.NoError(t, l.Release(ctx, "t", 80, CategoryFreeform))

	d, err = l.Reserve(ctx, "t", 100, CategoryFreeform)
	require.NoError(t, err)
	assert.True(t, d.Granted)

	u, err := l.Usage(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.ByCategory[CategoryFreeform])
}

func TestReserveNegative(t *testing.T) {
	l, _ := newTestLedger(t, 100)
	_, err := l.Reserve(context.Background(), "t", -1, CategoryUploads)
	assert.True(t, errors.Is(err, ErrInvalidSize))
}

func TestTenantsAreIsolated(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, 100)

	d, err := l.Reserve(ctx, "a", 100, CategoryUploads)
	require.NoError(t, err)
	require.True(t, d.Granted)

	d, err = l.Reserve(ctx, "b", 100, CategoryUploads)
	require.NoError(t, err)
	assert.True(t, d.Granted, "tenant b must not see tenant a's usage")
}

func TestConcurrentReservationsNeverExceedQuota(t *testing.T) {
	ctx := context.Background()
	l, s := newTestLedger(t, 1000)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(size int64) {
			defer wg.Done()
			d, err := l.Reserve(ctx, "t", size, CategoryUploads)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if d.Granted {
				granted.Add(size)
			}
		}(int64(10 + i%7*13))
	}
	wg.Wait()

	tenant, err := s.GetTenant(ctx, "t")
	require.NoError(t, err)
	assert.LessOrEqual(t, tenant.UsedBytes, int64(1000))
	assert.Equal(t, granted.Load(), tenant.UsedBytes)
}

func TestExceededErrorMessage(t *testing.T) {
	e := &ExceededError{TenantID: "t", Used: 10, Max: 10, Delta: 5, Category: CategoryUploads}
	assert.Contains(t, e.Error(), "quota exceeded for tenant t")
}
