package bridge

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/durango-dev/durango/internal/common/logger"
	"github.com/durango-dev/durango/pkg/relay"
)

// Hydrator replays a thread's history to the relay. Thread-read responses
// vary widely across agent versions, so the engine discovers the turn list
// structurally instead of decoding a fixed schema.
type Hydrator struct {
	machineID string
	sender    relaySender
	logger    *logger.Logger
}

// NewHydrator creates a hydrator.
func NewHydrator(machineID string, sender relaySender, log *logger.Logger) *Hydrator {
	return &Hydrator{
		machineID: machineID,
		sender:    sender,
		logger:    log.WithFields(zap.String("component", "hydrator")),
	}
}

// Hydrate translates and emits every item found in a thread/read response,
// stamping strictly increasing timestamps so playback order survives
// upsert-based storage. Returns the number of items emitted, synthetic
// turn terminators included.
func (h *Hydrator) Hydrate(requestID, threadID string, raw json.RawMessage) (int, error) {
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return 0, err
	}

	turns := discoverTurns(root)
	h.logger.Info("hydrating thread",
		zap.String("thread_id", threadID), zap.Int("turns", len(turns)))

	// Backdate so replayed history sorts before anything emitted live.
	ts := time.Now().UnixMilli() - int64(maxInt(1, len(turns)*100))
	imported := 0

	emit := func(turnID string, item relay.Item) {
		item.ID = uuid.New().String()
		item.TurnID = turnID
		item.Timestamp = ts
		ts++
		msg := relay.NewEventUpsert(requestID, h.machineID, threadID, &item)
		msg.RunID = turnID
		if err := h.sender.Send(msg); err != nil {
			h.logger.Warn("relay send failed during hydration", zap.Error(err))
		}
		imported++
	}

	for _, turn := range turns {
		turnID := getString(turn, "id")
		if turnID == "" {
			turnID = uuid.New().String()
		}

		hasRunningActivity := false
		turnItemCount := 0
		for _, entry := range turnItems(turn) {
			for _, item := range hydrateEntry(entry) {
				if item.Type == relay.ItemCommandExecution && item.Status == relay.StatusRunning {
					hasRunningActivity = true
				}
				emit(turnID, item)
				turnItemCount++
			}
		}

		if status := inferTurnStatus(turn, hasRunningActivity, turnItemCount > 0); status != "" {
			emit(turnID, relay.Item{
				Type: relay.ItemPlan,
				Text: compactJSON(map[string]any{
					"method": "turn/completed",
					"params": map[string]any{"status": status},
				}),
			})
		}
	}

	return imported, nil
}

// hydrateEntry translates one raw history entry, falling back to a plan item
// carrying the raw content so nothing is silently lost.
func hydrateEntry(entry any) []relay.Item {
	if em, ok := entry.(map[string]any); ok {
		if items := TranslateItem(em); len(items) > 0 {
			return items
		}
		if text := compactJSON(em); text != "" {
			return []relay.Item{{Type: relay.ItemPlan, Text: text}}
		}
		return nil
	}
	text := ExtractText(entry)
	if text == "" {
		text = compactJSON(entry)
	}
	if text == "" {
		return nil
	}
	return []relay.Item{{Type: relay.ItemPlan, Text: text}}
}

// discoverTurns walks the response breadth-first until it finds a turn list:
// a turns array, a turnsPage.data array, or a leaf node carrying items
// (synthesized as a single turn). Descent continues through the wrapper keys
// the agent has used across versions.
func discoverTurns(root any) []map[string]any {
	node, ok := root.(map[string]any)
	if !ok {
		return nil
	}

	visited := map[uintptr]bool{}
	queue := []map[string]any{node}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		id := reflect.ValueOf(current).Pointer()
		if visited[id] {
			continue
		}
		visited[id] = true

		if turns, ok := current["turns"].([]any); ok {
			return normalizeTurns(turns)
		}
		for _, key := range []string{"turnsPage", "turns_page"} {
			if page := getMap(current, key); page != nil {
				if data, ok := page["data"].([]any); ok {
					return normalizeTurns(data)
				}
			}
		}
		if items, ok := current["items"].([]any); ok && len(items) > 0 {
			return []map[string]any{{"id": current["id"], "items": current["items"]}}
		}

		for _, key := range []string{"thread", "result", "payload", "response"} {
			if child := getMap(current, key); child != nil {
				queue = append(queue, child)
			}
		}
		if data := getMap(current, "data"); data != nil {
			queue = append(queue, data)
		}
	}
	return nil
}

// normalizeTurns wraps non-object entries so replay only deals with maps.
func normalizeTurns(entries []any) []map[string]any {
	turns := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		if turn, ok := entry.(map[string]any); ok {
			turns = append(turns, turn)
			continue
		}
		turns = append(turns, map[string]any{
			"id":    uuid.New().String(),
			"items": []any{entry},
		})
	}
	return turns
}

// turnItems finds the item list of a turn across the key spellings the
// agent has used.
func turnItems(turn map[string]any) []any {
	for _, key := range []string{"items", "events", "messages", "output", "content"} {
		if items, ok := turn[key].([]any); ok && len(items) > 0 {
			return items
		}
	}
	for _, key := range []string{"item", "message"} {
		if single, ok := turn[key]; ok && single != nil {
			return []any{single}
		}
	}
	return nil
}

// inferTurnStatus picks the terminal status to synthesize for a replayed
// turn, or "" when no terminator should be emitted.
func inferTurnStatus(turn map[string]any, hasRunningActivity, importedAny bool) string {
	candidates := []string{getString(turn, "status")}
	for _, key := range []string{"result", "turn", "metadata"} {
		if nested := getMap(turn, key); nested != nil {
			candidates = append(candidates, getString(nested, "status"))
		}
	}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if status, ok := NormalizeTurnStatus(candidate); ok {
			if status == relay.StatusRunning {
				return ""
			}
			return status
		}
	}

	if hasRunningActivity {
		return ""
	}
	if importedAny {
		return relay.StatusCompleted
	}
	return ""
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
