package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whatsapp-agent/internal/domain"
	"whatsapp-agent/internal/retry"
)

type fakeSender struct {
	errs  []error
	sent  []domain.OutboundMessage
	calls int
}

func (f *fakeSender) Send(_ context.Context, msg domain.OutboundMessage) error {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return f.errs[idx]
	}
	f.sent = append(f.sent, msg)
	return nil
}

func noSleepPolicy(attempts int) retry.Policy {
	p := retry.New(attempts, time.Millisecond, time.Millisecond)
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestDeliver_HappyPath(t *testing.T) {
	s := &fakeSender{}
	d := NewDeliverer(s, noSleepPolicy(3), time.Second, nil)

	require.True(t, d.Deliver(context.Background(), " 5491100000000 ", " hola "))
	require.Equal(t, []domain.OutboundMessage{{Recipient: "5491100000000", Body: "hola"}}, s.sent)
}

func TestDeliver_RetriesTransientFailures(t *testing.T) {
	s := &fakeSender{errs: []error{context.DeadlineExceeded, retry.MarkTransient(errors.New("503"))}}
	d := NewDeliverer(s, noSleepPolicy(3), time.Second, nil)

	require.True(t, d.Deliver(context.Background(), "1", "hi"))
	require.Equal(t, 3, s.calls)
}

func TestDeliver_ReturnsFalseAfterRetries(t *testing.T) {
	s := &fakeSender{errs: []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded}}
	d := NewDeliverer(s, noSleepPolicy(3), time.Second, nil)

	require.False(t, d.Deliver(context.Background(), "1", "hi"))
	require.Equal(t, 3, s.calls)
}

func TestDeliver_PermanentErrorNotRetried(t *testing.T) {
	s := &fakeSender{errs: []error{errors.New("invalid recipient")}}
	d := NewDeliverer(s, noSleepPolicy(3), time.Second, nil)

	require.False(t, d.Deliver(context.Background(), "1", "hi"))
	require.Equal(t, 1, s.calls)
}

func TestDeliver_RejectsIncompleteMessage(t *testing.T) {
	s := &fakeSender{}
	d := NewDeliverer(s, noSleepPolicy(3), time.Second, nil)

	require.False(t, d.Deliver(context.Background(), "", "hi"))
	require.False(t, d.Deliver(context.Background(), "1", "  "))
	require.Zero(t, s.calls)
}

func TestDeliver_NilSender(t *testing.T) {
	d := NewDeliverer(nil, noSleepPolicy(1), 0, nil)
	require.False(t, d.Deliver(context.Background(), "1", "hi"))
	require.Equal(t, defaultCallTimeout, d.callTimeout)
}
