package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durango-dev/durango/pkg/relay"
)

type terminatorPayload struct {
	Method string `json:"method"`
	Params struct {
		Status string `json:"status"`
	} `json:"params"`
}

func decodeTerminator(t *testing.T, item *relay.Item) terminatorPayload {
	t.Helper()
	require.Equal(t, relay.ItemPlan, item.Type)
	var payload terminatorPayload
	require.NoError(t, json.Unmarshal([]byte(item.Text), &payload))
	return payload
}

func TestHydrateNestedTurnsPage(t *testing.T) {
	sender := &fakeSender{}
	h := NewHydrator("m-1", sender, testLogger())

	raw := []byte(`{"thread":{"turnsPage":{"data":[{"id":"turn-1","items":[{"type":"plan","text":"ok"}]}]}}}`)
	count, err := h.Hydrate("req-1", "thread-dl", raw)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ups := sender.upserts()
	require.Len(t, ups, 2)
	assert.Equal(t, "req-1", ups[0].RequestID)
	assert.Equal(t, "thread-dl", ups[0].ThreadID)
	assert.Equal(t, relay.ItemPlan, ups[0].Item.Type)
	assert.Equal(t, "ok", ups[0].Item.Text)
	assert.Equal(t, "turn-1", ups[0].Item.TurnID)

	terminator := decodeTerminator(t, ups[1].Item)
	assert.Equal(t, "turn/completed", terminator.Method)
	assert.Equal(t, relay.StatusCompleted, terminator.Params.Status)
	assert.Equal(t, "turn-1", ups[1].Item.TurnID)
}

func TestHydrateItemsOnlyThread(t *testing.T) {
	sender := &fakeSender{}
	h := NewHydrator("m-1", sender, testLogger())

	raw := []byte(`{"thread":{"id":"thread-1","items":[{"type":"agentMessage","text":"hello"}]}}`)
	count, err := h.Hydrate("req-1", "thread-dl", raw)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ups := sender.upserts()
	require.Len(t, ups, 2)
	assert.Equal(t, relay.ItemAgentMessage, ups[0].Item.Type)
	assert.Equal(t, "hello", ups[0].Item.Text)
	assert.Equal(t, "thread-1", ups[0].Item.TurnID)

	terminator := decodeTerminator(t, ups[1].Item)
	assert.Equal(t, relay.StatusCompleted, terminator.Params.Status)
}

func TestHydrateRunningCommandInhibitsTerminator(t *testing.T) {
	sender := &fakeSender{}
	h := NewHydrator("m-1", sender, testLogger())

	raw := []byte(`{"turns":[{"id":"turn-1","items":[{"type":"commandExecution","command":"sleep 60","status":"running"}]}]}`)
	count, err := h.Hydrate("req-1", "thread-dl", raw)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ups := sender.upserts()
	require.Len(t, ups, 1)
	assert.Equal(t, relay.ItemCommandExecution, ups[0].Item.Type)
	assert.Equal(t, relay.StatusRunning, ups[0].Item.Status)
}

func TestHydrateTurnStatusMapping(t *testing.T) {
	tests := []struct {
		name           string
		status         string
		wantTerminator string
	}{
		{"cancelled maps to interrupted", "cancelled", relay.StatusInterrupted},
		{"failed stays failed", "failed", relay.StatusFailed},
		{"running emits no terminator", "running", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			h := NewHydrator("m-1", sender, testLogger())

			raw, err := json.Marshal(map[string]any{
				"turns": []any{map[string]any{
					"id":     "turn-1",
					"status": tt.status,
					"items":  []any{map[string]any{"type": "plan", "text": "work"}},
				}},
			})
			require.NoError(t, err)

			_, err = h.Hydrate("req-1", "thread-dl", raw)
			require.NoError(t, err)

			ups := sender.upserts()
			if tt.wantTerminator == "" {
				require.Len(t, ups, 1)
				return
			}
			require.Len(t, ups, 2)
			terminator := decodeTerminator(t, ups[1].Item)
			assert.Equal(t, tt.wantTerminator, terminator.Params.Status)
		})
	}
}

func TestHydrateNestedStatusCandidates(t *testing.T) {
	sender := &fakeSender{}
	h := NewHydrator("m-1", sender, testLogger())

	// Unrecognized top-level status falls through to result.status.
	raw := []byte(`{"turns":[{"id":"turn-1","status":"weird","result":{"status":"aborted"},"items":[{"type":"plan","text":"x"}]}]}`)
	_, err := h.Hydrate("req-1", "thread-dl", raw)
	require.NoError(t, err)

	ups := sender.upserts()
	require.Len(t, ups, 2)
	assert.Equal(t, relay.StatusInterrupted, decodeTerminator(t, ups[1].Item).Params.Status)
}

func TestHydrateTimestampsStrictlyIncrease(t *testing.T) {
	sender := &fakeSender{}
	h := NewHydrator("m-1", sender, testLogger())

	raw := []byte(`{"turns":[
		{"id":"turn-1","items":[{"type":"plan","text":"a"},{"type":"plan","text":"b"}]},
		{"id":"turn-2","items":[{"type":"agentMessage","text":"c"}]}
	]}`)
	count, err := h.Hydrate("req-1", "thread-dl", raw)
	require.NoError(t, err)

	ups := sender.upserts()
	require.Len(t, ups, count)
	for i := 1; i < len(ups); i++ {
		assert.Greater(t, ups[i].Item.Timestamp, ups[i-1].Item.Timestamp)
	}
}

func TestHydrateFallbackPreservesUntranslatableEntries(t *testing.T) {
	sender := &fakeSender{}
	h := NewHydrator("m-1", sender, testLogger())

	// A dropped-by-translator entry and a bare string entry both survive as
	// plan items.
	raw := []byte(`{"turns":[{"id":"turn-1","items":[{"type":"userMessage","text":"  "},"loose note"]}]}`)
	count, err := h.Hydrate("req-1", "thread-dl", raw)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	ups := sender.upserts()
	require.Len(t, ups, 3)
	assert.Equal(t, relay.ItemPlan, ups[0].Item.Type)
	assert.Contains(t, ups[0].Item.Text, "userMessage")
	assert.Equal(t, "loose note", ups[1].Item.Text)
}

func TestDiscoverTurnsWrapsNonObjectEntries(t *testing.T) {
	turns := discoverTurns(map[string]any{"turns": []any{"just text"}})
	require.Len(t, turns, 1)
	items := turnItems(turns[0])
	require.Len(t, items, 1)
	assert.Equal(t, "just text", items[0])
}

func TestDiscoverTurnsDescendsWrappers(t *testing.T) {
	root := map[string]any{
		"result": map[string]any{
			"payload": map[string]any{
				"turns_page": map[string]any{
					"data": []any{map[string]any{"id": "t1", "items": []any{}}},
				},
			},
		},
	}
	turns := discoverTurns(root)
	require.Len(t, turns, 1)
	assert.Equal(t, "t1", turns[0]["id"])
}

func TestTurnItemsDiscoveryOrder(t *testing.T) {
	// events is used when items is absent.
	items := turnItems(map[string]any{"events": []any{"e"}})
	assert.Equal(t, []any{"e"}, items)

	// Single item is wrapped.
	items = turnItems(map[string]any{"item": map[string]any{"type": "plan", "text": "x"}})
	require.Len(t, items, 1)

	assert.Nil(t, turnItems(map[string]any{}))
}
