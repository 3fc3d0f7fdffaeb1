package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/swarmbus/errors"
)

func TestNewMessage_Validation(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		kind    Kind
		opts    []MessageOption
		wantErr bool
	}{
		{"direct", "a", KindTaskRequest, []MessageOption{To("b")}, false},
		{"topic", "a", KindBroadcast, []MessageOption{OnTopic("news")}, false},
		{"no sender", "", KindStatus, []MessageOption{To("b")}, true},
		{"both addresses", "a", KindStatus, []MessageOption{To("b"), OnTopic("news")}, true},
		{"no address", "a", KindStatus, nil, true},
		{"bad kind", "a", Kind(99), []MessageOption{To("b")}, true},
		{"bad priority", "a", KindStatus, []MessageOption{To("b"), WithPriority(Priority(0))}, true},
		{"negative ttl", "a", KindStatus, []MessageOption{To("b"), WithTTL(-time.Second)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.from, tt.kind, tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
				assert.Nil(t, msg)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, msg.ID())
			assert.False(t, msg.CreatedAt().IsZero())
			assert.Equal(t, PriorityNormal, msg.Priority())
		})
	}
}

func TestMessage_PayloadIsCopied(t *testing.T) {
	payload := map[string]any{"x": 1}
	msg, err := NewMessage("a", KindTaskRequest, To("b"), WithPayload(payload))
	require.NoError(t, err)

	payload["x"] = 2
	assert.Equal(t, 1, msg.Payload()["x"])

	got := msg.Payload()
	got["x"] = 3
	v, ok := msg.Get("x")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestMessage_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		msg, err := NewMessage("a", KindStatus, To("b"))
		require.NoError(t, err)
		assert.False(t, seen[msg.ID()])
		seen[msg.ID()] = true
	}
}

func TestMessage_Expired(t *testing.T) {
	msg, err := NewMessage("a", KindStatus, To("b"), WithTTL(time.Minute))
	require.NoError(t, err)
	assert.False(t, msg.Expired(msg.CreatedAt().Add(30*time.Second)))
	assert.True(t, msg.Expired(msg.CreatedAt().Add(2*time.Minute)))

	forever, err := NewMessage("a", KindStatus, To("b"))
	require.NoError(t, err)
	assert.False(t, forever.Expired(forever.CreatedAt().Add(24*time.Hour)))
}

func TestParseKindAndPriority(t *testing.T) {
	k, err := ParseKind("task_response")
	require.NoError(t, err)
	assert.Equal(t, KindTaskResponse, k)

	_, err = ParseKind("nope")
	assert.Error(t, err)

	p, err := ParsePriority("Urgent")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	assert.True(t, PriorityUrgent > PriorityHigh)
	assert.True(t, PriorityHigh > PriorityNormal)
	assert.True(t, PriorityNormal > PriorityLow)
}

func TestMessage_JSON(t *testing.T) {
	msg, err := NewMessage("a", KindHeartbeat, To("orchestrator"),
		WithPriority(PriorityHigh), WithTTL(time.Second),
		WithPayload(map[string]any{"state": "IDLE"}))
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "HEARTBEAT", decoded["kind"])
	assert.Equal(t, "HIGH", decoded["priority"])
	assert.Equal(t, "orchestrator", decoded["to"])
	assert.Equal(t, "1s", decoded["ttl"])
	assert.NotContains(t, decoded, "topic")

	var k Kind
	require.NoError(t, json.Unmarshal([]byte(`"STATUS"`), &k))
	assert.Equal(t, KindStatus, k)
}
