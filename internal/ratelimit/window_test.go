package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWindow_AdmitsUpToLimit(t *testing.T) {
	w := NewWindow(3, time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Wait(context.Background()))
	}
	require.Equal(t, 3, w.InFlight())

	_, ok := w.reserve()
	require.False(t, ok)
}

func TestWindow_WaitsForOldestToExpire(t *testing.T) {
	w := NewWindow(2, 60*time.Millisecond)
	require.NoError(t, w.Wait(context.Background()))
	require.NoError(t, w.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, w.Wait(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWindow_ReservesWithFakeClock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindow(1, time.Minute)
	w.now = func() time.Time { return now }

	_, ok := w.reserve()
	require.True(t, ok)

	delay, ok := w.reserve()
	require.False(t, ok)
	require.Equal(t, time.Minute, delay)

	now = now.Add(30 * time.Second)
	delay, ok = w.reserve()
	require.False(t, ok)
	require.Equal(t, 30*time.Second, delay)

	now = now.Add(30 * time.Second)
	_, ok = w.reserve()
	require.True(t, ok)
}

func TestWindow_ContextCancelled(t *testing.T) {
	w := NewWindow(1, time.Hour)
	require.NoError(t, w.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWindow_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	w := NewWindow(5, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Wait(ctx) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 5, admitted)
}

func TestWindow_DisabledWhenLimitZero(t *testing.T) {
	w := NewWindow(0, time.Minute)
	for i := 0; i < 100; i++ {
		require.NoError(t, w.Wait(context.Background()))
	}
}
