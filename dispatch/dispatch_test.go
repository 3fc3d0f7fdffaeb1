package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/errors"
)

func setup(t *testing.T) (*bus.Bus, *Dispatcher, context.Context) {
	t.Helper()
	b := bus.New(bus.DefaultConfig())
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Register("client", 0))
	require.NoError(t, b.Register("worker", 0))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return b, New(b, "worker", WithBatch(4)), ctx
}

func request(t *testing.T, b *bus.Bus, payload map[string]any) (*bus.Message, error) {
	t.Helper()
	req, err := bus.NewMessage("client", bus.KindTaskRequest, bus.To("worker"), bus.WithPayload(payload))
	require.NoError(t, err)
	return b.Request(context.Background(), req, time.Second)
}

func TestDispatcher_RespondsToRequests(t *testing.T) {
	b, d, ctx := setup(t)
	d.Handle(bus.KindTaskRequest, func(ctx context.Context, msg *bus.Message) (map[string]any, error) {
		n, _ := msg.Get("n")
		return map[string]any{"double": n.(int) * 2}, nil
	})
	go d.Run(ctx)

	resp, err := request(t, b, map[string]any{"n": 21})
	require.NoError(t, err)
	assert.Equal(t, 42, resp.Payload()["double"])
}

func TestDispatcher_HandlerErrorBecomesTaskFailed(t *testing.T) {
	b, d, ctx := setup(t)
	d.Handle(bus.KindTaskRequest, func(ctx context.Context, msg *bus.Message) (map[string]any, error) {
		return nil, errors.InvalidInput("no n")
	})
	go d.Run(ctx)

	_, err := request(t, b, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeTaskFailed))
}

func TestDispatcher_PanicIsRecovered(t *testing.T) {
	b, d, ctx := setup(t)
	var calls atomic.Int32
	d.Handle(bus.KindTaskRequest, func(ctx context.Context, msg *bus.Message) (map[string]any, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return map[string]any{"ok": true}, nil
	})
	go d.Run(ctx)

	_, err := request(t, b, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeTaskFailed))

	// The loop survives the panic.
	resp, err := request(t, b, nil)
	require.NoError(t, err)
	assert.Equal(t, true, resp.Payload()["ok"])
}

func TestDispatcher_MissingHandlerAnswersRequests(t *testing.T) {
	b, d, ctx := setup(t)
	go d.Run(ctx)

	_, err := request(t, b, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeTaskFailed))
}

func TestDispatcher_DefaultHandler(t *testing.T) {
	b, d, ctx := setup(t)
	seen := make(chan bus.Kind, 4)
	d.HandleDefault(func(ctx context.Context, msg *bus.Message) (map[string]any, error) {
		seen <- msg.Kind()
		return nil, nil
	})
	go d.Run(ctx)

	msg, err := bus.NewMessage("client", bus.KindStatus, bus.To("worker"))
	require.NoError(t, err)
	require.NoError(t, b.Send(msg))

	select {
	case k := <-seen:
		assert.Equal(t, bus.KindStatus, k)
	case <-time.After(time.Second):
		t.Fatal("default handler not called")
	}

	// Fire-and-forget messages get no reply.
	got, err := b.Receive(context.Background(), "client", 10, false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	_, d, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDispatcher_RunReturnsSenderGone(t *testing.T) {
	b, d, ctx := setup(t)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Unregister("worker"))

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, errors.ErrCodeSenderGone) || errors.Is(err, errors.ErrCodeNotFound))
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDispatcher_RunReturnsClosed(t *testing.T) {
	b, d, ctx := setup(t)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, errors.ErrCodeClosed))
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
