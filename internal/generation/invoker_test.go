package generation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whatsapp-agent/internal/domain"
	"whatsapp-agent/internal/ratelimit"
	"whatsapp-agent/internal/retry"
)

type statusErr int

func (s statusErr) Error() string       { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatusCode() int { return int(s) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type scriptedGenerator struct {
	mu       sync.Mutex
	results  []error
	answer   string
	calls    int
	prompts  []string
	inputs   []string
	contexts []domain.TrimmedContext
}

func (g *scriptedGenerator) Generate(_ context.Context, systemPrompt string, history domain.TrimmedContext, input string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.calls
	g.calls++
	g.prompts = append(g.prompts, systemPrompt)
	g.inputs = append(g.inputs, input)
	g.contexts = append(g.contexts, history)
	if idx < len(g.results) && g.results[idx] != nil {
		return "", g.results[idx]
	}
	return g.answer, nil
}

type countingLimiter struct {
	waits atomic.Int32
	err   error
}

func (l *countingLimiter) Wait(context.Context) error {
	l.waits.Add(1)
	return l.err
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestInvoker(t *testing.T, gen Generator, lim Limiter, sleeper *sleepRecorder) *Invoker {
	t.Helper()
	policy := retry.New(3, 4*time.Second, 10*time.Second)
	if sleeper != nil {
		policy.Sleep = sleeper.sleep
	}
	inv, err := NewInvoker(gen, lim, policy, WithCallTimeout(time.Second))
	require.NoError(t, err)
	return inv
}

func TestNewInvoker_ValidatesDependencies(t *testing.T) {
	_, err := NewInvoker(nil, &countingLimiter{}, retry.Policy{})
	require.Error(t, err)
	_, err = NewInvoker(&scriptedGenerator{}, nil, retry.Policy{})
	require.Error(t, err)
}

func TestInvoke_HappyPath(t *testing.T) {
	gen := &scriptedGenerator{answer: "hola!"}
	lim := &countingLimiter{}
	inv := newTestInvoker(t, gen, lim, &sleepRecorder{})

	history := domain.TrimmedContext{{Speaker: domain.SpeakerUser, Content: "prev", Timestamp: time.Now()}}
	out, err := inv.Invoke(context.Background(), "be nice", history, "hi")
	require.NoError(t, err)
	require.Equal(t, "hola!", out)
	require.Equal(t, 1, gen.calls)
	require.Equal(t, int32(1), lim.waits.Load())
	require.Equal(t, []string{"be nice"}, gen.prompts)
	require.Equal(t, history, gen.contexts[0])
}

func TestInvoke_RetriesTransientThenSucceeds(t *testing.T) {
	gen := &scriptedGenerator{
		answer:  "ok",
		results: []error{statusErr(429), &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}},
	}
	lim := &countingLimiter{}
	sleeper := &sleepRecorder{}
	inv := newTestInvoker(t, gen, lim, sleeper)

	out, err := inv.Invoke(context.Background(), "sys", nil, "hi")
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 3, gen.calls)
	require.Equal(t, int32(3), lim.waits.Load(), "every attempt goes through the limiter")
	require.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second}, sleeper.delays)
}

func TestInvoke_PermanentFailsImmediately(t *testing.T) {
	gen := &scriptedGenerator{results: []error{statusErr(400)}}
	sleeper := &sleepRecorder{}
	inv := newTestInvoker(t, gen, &countingLimiter{}, sleeper)

	_, err := inv.Invoke(context.Background(), "sys", nil, "hi")
	var genErr *Error
	require.ErrorAs(t, err, &genErr)
	require.Equal(t, KindPermanent, genErr.Kind)
	require.Equal(t, 1, gen.calls)
	require.Empty(t, sleeper.delays)
}

func TestInvoke_TimeoutOnAllAttempts(t *testing.T) {
	gen := &scriptedGenerator{results: []error{timeoutErr{}, timeoutErr{}, timeoutErr{}}}
	policy := retry.New(3, 20*time.Millisecond, 25*time.Millisecond)
	inv, err := NewInvoker(gen, &countingLimiter{}, policy)
	require.NoError(t, err)

	start := time.Now()
	_, err = inv.Invoke(context.Background(), "sys", nil, "hi")
	elapsed := time.Since(start)

	var genErr *Error
	require.ErrorAs(t, err, &genErr)
	require.Equal(t, KindTimeout, genErr.Kind)
	require.Equal(t, 3, gen.calls)
	require.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
}

func TestInvoke_EmptyAnswerIsPermanent(t *testing.T) {
	gen := &scriptedGenerator{answer: "   "}
	inv := newTestInvoker(t, gen, &countingLimiter{}, &sleepRecorder{})

	_, err := inv.Invoke(context.Background(), "sys", nil, "hi")
	require.ErrorIs(t, err, ErrEmptyResponse)
	require.Equal(t, 1, gen.calls)
}

func TestInvoke_LimiterErrorIsClassified(t *testing.T) {
	gen := &scriptedGenerator{answer: "ok"}
	lim := &countingLimiter{err: context.Canceled}
	inv := newTestInvoker(t, gen, lim, &sleepRecorder{})

	_, err := inv.Invoke(context.Background(), "sys", nil, "hi")
	var genErr *Error
	require.ErrorAs(t, err, &genErr)
	require.Equal(t, KindPermanent, genErr.Kind)
	require.Zero(t, gen.calls)
}

func TestInvoke_SharedLimiterAcrossConcurrentCalls(t *testing.T) {
	gen := &scriptedGenerator{answer: "ok"}
	lim := ratelimit.NewWindow(4, time.Hour)
	inv := newTestInvoker(t, gen, lim, &sleepRecorder{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := inv.Invoke(ctx, "sys", nil, "hi"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(4), ok.Load())
	require.Equal(t, 4, gen.calls)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"429", fmt.Errorf("openai: %w", statusErr(429)), KindRateLimited},
		{"503", statusErr(503), KindConnection},
		{"504", statusErr(504), KindTimeout},
		{"500", statusErr(500), KindPermanent},
		{"401", statusErr(401), KindPermanent},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindConnection},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("no route")}, KindConnection},
		{"other", errors.New("schema mismatch"), KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err).Kind)
		})
	}
	require.Nil(t, Classify(nil))
	already := &Error{Kind: KindTimeout}
	require.Same(t, already, Classify(fmt.Errorf("wrap: %w", already)))
}
