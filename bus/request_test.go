package bus

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/swarmbus/errors"
)

// serve answers every request for agentID with fn until ctx ends.
func serve(ctx context.Context, t *testing.T, b *Bus, agentID string, fn func(*Message) map[string]any) {
	t.Helper()
	go func() {
		for {
			msgs, err := b.Receive(ctx, agentID, 10, true)
			if err != nil {
				return
			}
			for _, m := range msgs {
				if m.RequiresResponse() {
					_ = b.Respond(m, agentID, fn(m))
				}
			}
		}
	}()
}

func TestRequest_Success(t *testing.T) {
	b := newTestBus(t, "A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serve(ctx, t, b, "B", func(m *Message) map[string]any {
		q, _ := m.Get("q")
		return map[string]any{"a": fmt.Sprintf("%v!", q)}
	})

	req, err := NewMessage("A", KindTaskRequest, To("B"), WithPayload(map[string]any{"q": "ping"}))
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindTaskResponse, resp.Kind())
	assert.Equal(t, req.ID(), resp.CorrelationID())
	assert.Equal(t, "B", resp.From())
	assert.Equal(t, "ping!", resp.Payload()["a"])
	assert.False(t, req.RequiresResponse(), "caller's message is not mutated")
	assert.Zero(t, b.Pending())

	// The response was handed to the waiter and never queued.
	got, err := b.Receive(context.Background(), "A", 10, false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRequest_TimeoutThenLateResponseDiscarded(t *testing.T) {
	b := newTestBus(t, "A", "B")

	req, err := NewMessage("A", KindTaskRequest, To("B"))
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Request(context.Background(), req, 30*time.Millisecond)
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, b.Pending())

	// B answers too late.
	msgs, err := b.Receive(context.Background(), "B", 1, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].RequiresResponse())
	require.NoError(t, b.Respond(msgs[0], "B", map[string]any{"late": true}))

	got, err := b.Receive(context.Background(), "A", 10, false)
	require.NoError(t, err)
	assert.Empty(t, got, "late response must not land in the requester's mailbox")
}

func TestRequest_CancelIsDistinctFromTimeout(t *testing.T) {
	b := newTestBus(t, "A", "B")
	req, err := NewMessage("A", KindTaskRequest, To("B"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = b.Request(ctx, req, 5*time.Second)
	assert.True(t, errors.Is(err, errors.ErrCodeCanceled))
	assert.False(t, errors.Is(err, errors.ErrCodeTimeout))
	assert.Zero(t, b.Pending())
}

func TestRequest_PeerError(t *testing.T) {
	b := newTestBus(t, "A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		msgs, err := b.Receive(ctx, "B", 1, true)
		if err != nil || len(msgs) == 0 {
			return
		}
		_ = b.RespondError(msgs[0], "B", errors.InvalidInput("bad question"))
	}()

	req, err := NewMessage("A", KindTaskRequest, To("B"))
	require.NoError(t, err)
	resp, err := b.Request(context.Background(), req, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeTaskFailed))
	require.NotNil(t, resp)
	assert.Equal(t, KindError, resp.Kind())
}

func TestRequest_PeerUnregisters(t *testing.T) {
	b := newTestBus(t, "A", "B")
	req, err := NewMessage("A", KindTaskRequest, To("B"))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Unregister("B")
	}()
	_, err = b.Request(context.Background(), req, 5*time.Second)
	assert.True(t, errors.Is(err, errors.ErrCodeSenderGone))
}

func TestRequest_RequesterUnregisters(t *testing.T) {
	b := newTestBus(t, "A", "B")
	req, err := NewMessage("A", KindTaskRequest, To("B"))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Unregister("A")
	}()
	_, err = b.Request(context.Background(), req, 5*time.Second)
	assert.True(t, errors.Is(err, errors.ErrCodeSenderGone))
	assert.Zero(t, b.Pending())
}

func TestRequest_UnknownPeer(t *testing.T) {
	b := newTestBus(t, "A")
	req, err := NewMessage("A", KindTaskRequest, To("ghost"))
	require.NoError(t, err)

	_, err = b.Request(context.Background(), req, time.Second)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	assert.Zero(t, b.Pending())
}

func TestRequest_InvalidTimeout(t *testing.T) {
	b := newTestBus(t, "A", "B")
	req, err := NewMessage("A", KindTaskRequest, To("B"))
	require.NoError(t, err)

	_, err = b.Request(context.Background(), req, 0)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestRequest_ExpiredBeforeDelivery(t *testing.T) {
	b := newTestBus(t, "A", "B")
	req, err := NewMessage("A", KindTaskRequest, To("B"), WithTTL(5*time.Millisecond))
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = b.Receive(context.Background(), "B", 1, false)
	}()

	start := time.Now()
	_, err = b.Request(context.Background(), req, 5*time.Second)
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout))
	assert.Less(t, time.Since(start), 2*time.Second, "expiry resolves the request before its timeout")
}

func TestRequest_EvictedFailsWithCapacity(t *testing.T) {
	b := newTestBus(t, "A", "S")
	require.NoError(t, b.Register("B", 1))

	req, err := NewMessage("A", KindTaskRequest, To("B"), WithPriority(PriorityLow))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m, _ := NewMessage("S", KindTaskRequest, To("B"), WithPriority(PriorityUrgent))
		_ = b.Send(m)
	}()

	_, err = b.Request(context.Background(), req, 5*time.Second)
	assert.True(t, errors.Is(err, errors.ErrCodeCapacity))
}

func TestRequest_ResolvesOnce(t *testing.T) {
	b := newTestBus(t, "A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// B answers twice; the second answer is discarded as late.
	go func() {
		msgs, err := b.Receive(ctx, "B", 1, true)
		if err != nil || len(msgs) == 0 {
			return
		}
		_ = b.Respond(msgs[0], "B", map[string]any{"n": 1})
		_ = b.Respond(msgs[0], "B", map[string]any{"n": 2})
	}()

	req, err := NewMessage("A", KindTaskRequest, To("B"))
	require.NoError(t, err)
	resp, err := b.Request(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Payload()["n"])

	require.Eventually(t, func() bool { return b.Pending() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	got, err := b.Receive(context.Background(), "A", 10, false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRequest_Concurrent(t *testing.T) {
	b := newTestBus(t, "server")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serve(ctx, t, b, "server", func(m *Message) map[string]any {
		n, _ := m.Get("n")
		return map[string]any{"n": n}
	})

	const clients = 20
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		id := fmt.Sprintf("client-%d", i)
		require.NoError(t, b.Register(id, 0))
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			req, err := NewMessage(id, KindTaskRequest, To("server"), WithPayload(map[string]any{"n": i}))
			if !assert.NoError(t, err) {
				return
			}
			resp, err := b.Request(context.Background(), req, 2*time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, i, resp.Payload()["n"])
			}
		}(i, id)
	}
	wg.Wait()
	assert.Zero(t, b.Pending())
}

func TestRequest_BusClosed(t *testing.T) {
	b := New(DefaultConfig())
	require.NoError(t, b.Register("A", 0))
	require.NoError(t, b.Register("B", 0))
	req, err := NewMessage("A", KindTaskRequest, To("B"))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Close()
	}()
	_, err = b.Request(context.Background(), req, 5*time.Second)
	assert.True(t, errors.Is(err, errors.ErrCodeClosed))
}

func TestRequest_TTLLapsesWhilePeerNeverReceives(t *testing.T) {
	b := newTestBus(t, "A", "B")
	req, err := NewMessage("A", KindTaskRequest, To("B"), WithTTL(20*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Request(context.Background(), req, 1500*time.Millisecond)
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout))
	assert.Less(t, time.Since(start), time.Second, "TTL fails the request before its timeout")
	assert.Zero(t, b.Pending())

	st, err := b.Stats("B")
	require.NoError(t, err)
	assert.Zero(t, st.Len, "expired request is removed from the mailbox")
}

func TestRequest_TTLDoesNotFailDequeuedRequest(t *testing.T) {
	b := newTestBus(t, "A", "B")
	req, err := NewMessage("A", KindTaskRequest, To("B"), WithTTL(30*time.Millisecond))
	require.NoError(t, err)

	go func() {
		msgs, err := b.Receive(context.Background(), "B", 1, true)
		if err != nil || len(msgs) == 0 {
			return
		}
		// Answer after the TTL; the request was taken in time.
		time.Sleep(80 * time.Millisecond)
		_ = b.Respond(msgs[0], "B", map[string]any{"ok": true})
	}()

	resp, err := b.Request(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, resp.Payload()["ok"])
}

func TestExpect_SendThenWait(t *testing.T) {
	b := newTestBus(t, "A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serve(ctx, t, b, "B", func(m *Message) map[string]any {
		return map[string]any{"echo": m.ID()}
	})

	req, err := NewMessage("A", KindTaskRequest, To("B"), RequiringResponse())
	require.NoError(t, err)
	require.NoError(t, b.Expect(req, time.Second))
	assert.Equal(t, 1, b.Pending())
	require.NoError(t, b.Send(req))

	resp, err := b.WaitForResponse(context.Background(), req.ID())
	require.NoError(t, err)
	assert.Equal(t, req.ID(), resp.CorrelationID())
	assert.Equal(t, req.ID(), resp.Payload()["echo"])
	assert.Zero(t, b.Pending())

	// The outcome is handed out once.
	_, err = b.WaitForResponse(context.Background(), req.ID())
	assert.Error(t, err)
}

func TestExpect_ResponseHeldUntilCollected(t *testing.T) {
	b := newTestBus(t, "A", "B")
	req, err := NewMessage("A", KindTaskRequest, To("B"), RequiringResponse())
	require.NoError(t, err)
	require.NoError(t, b.Expect(req, time.Second))
	require.NoError(t, b.Send(req))

	msgs, err := b.Receive(context.Background(), "B", 1, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, b.Respond(msgs[0], "B", map[string]any{"n": 7}))

	resp, err := b.WaitForResponse(context.Background(), req.ID())
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Payload()["n"])
}

func TestExpect_Rejects(t *testing.T) {
	b := newTestBus(t, "A", "B")

	plain, err := NewMessage("A", KindTaskRequest, To("B"))
	require.NoError(t, err)
	assert.True(t, errors.Is(b.Expect(plain, time.Second), errors.ErrCodeInvalidInput))

	req, err := NewMessage("A", KindTaskRequest, To("B"), RequiringResponse())
	require.NoError(t, err)
	assert.True(t, errors.Is(b.Expect(req, 0), errors.ErrCodeInvalidInput))

	require.NoError(t, b.Expect(req, time.Second))
	assert.True(t, errors.Is(b.Expect(req, time.Second), errors.ErrCodeInvalidInput), "already pending")
}

func TestWaitForResponse_UnknownID(t *testing.T) {
	b := newTestBus(t, "A")
	_, err := b.WaitForResponse(context.Background(), "nope")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestWaitForResponse_UncollectedOutcomeIsDropped(t *testing.T) {
	b := newTestBus(t, "A", "B")
	req, err := NewMessage("A", KindTaskRequest, To("B"), RequiringResponse())
	require.NoError(t, err)
	require.NoError(t, b.Expect(req, 20*time.Millisecond))

	require.Eventually(t, func() bool { return b.Pending() == 0 }, time.Second, 5*time.Millisecond)
	_, err = b.WaitForResponse(context.Background(), req.ID())
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout))
}

func TestRequest_PeerErrorDecodedFromJSON(t *testing.T) {
	b := newTestBus(t, "A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// B relays a failure it received as JSON, so the payload holds the
	// decoded map rather than an error value.
	data, err := json.Marshal(errors.NotFound("tool", "grep", errors.WithAgentID("B")))
	require.NoError(t, err)
	var relayed map[string]any
	require.NoError(t, json.Unmarshal(data, &relayed))

	go func() {
		msgs, err := b.Receive(ctx, "B", 1, true)
		if err != nil || len(msgs) == 0 {
			return
		}
		m, err := NewMessage("B", KindError, To("A"), WithCorrelationID(msgs[0].ID()),
			WithPayload(map[string]any{"error": relayed}))
		if err == nil {
			_ = b.Send(m)
		}
	}()

	req, err := NewMessage("A", KindTaskRequest, To("B"))
	require.NoError(t, err)
	_, err = b.Request(context.Background(), req, time.Second)
	require.True(t, errors.Is(err, errors.ErrCodeTaskFailed))

	var cause *errors.Error
	require.True(t, stderrors.As(stderrors.Unwrap(err), &cause))
	assert.Equal(t, errors.ErrCodeNotFound, cause.Code())
	assert.Equal(t, "B", cause.AgentID())
}

func TestResponseError_Malformed(t *testing.T) {
	m, err := NewMessage("B", KindError, To("A"),
		WithPayload(map[string]any{"error": json.RawMessage(`{"message":"no code"}`)}))
	require.NoError(t, err)
	assert.True(t, errors.Is(responseError(m), errors.ErrCodeTaskFailed))
}
