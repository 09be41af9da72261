package bridge

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/durango-dev/durango/internal/common/logger"
	"github.com/durango-dev/durango/pkg/codex"
	"github.com/durango-dev/durango/pkg/relay"
)

// relaySender sends one client message to the relay.
type relaySender interface {
	Send(msg any) error
}

// Forwarder streams agent notifications to the relay as event.upsert
// messages, applying the translation and suppression rules.
type Forwarder struct {
	machineID string
	bindings  *Bindings
	sender    relaySender
	logger    *logger.Logger
}

// NewForwarder creates a forwarder.
func NewForwarder(machineID string, bindings *Bindings, sender relaySender, log *logger.Logger) *Forwarder {
	return &Forwarder{
		machineID: machineID,
		bindings:  bindings,
		sender:    sender,
		logger:    log.WithFields(zap.String("component", "forwarder")),
	}
}

// HandleNotification processes one agent notification. Events for agent
// threads with no installed binding are silently dropped.
func (f *Forwarder) HandleNotification(n codex.Notification) {
	params := decodeParams(n.Params)
	method := strings.ToLower(strings.TrimSpace(n.Method))

	agentThreadID := extractThreadID(params)
	threadID, bound := f.bindings.Lookup(agentThreadID)
	if !bound {
		f.logger.Debug("dropping event for unbound thread",
			zap.String("method", n.Method), zap.String("agent_thread_id", agentThreadID))
		return
	}

	switch {
	case strings.Contains(method, "thread/") && containsAny(method, "updated", "renamed", "title"):
		if title := extractTitle(params); title != "" {
			f.send(&relay.ThreadUpdate{
				Type:      relay.TypeThreadUpdate,
				MachineID: f.machineID,
				ThreadID:  threadID,
				Title:     title,
			})
		}

	case method == "item/started":
		// Only command executions surface at start; other item content
		// emerges on completion.
		item := getMap(params, "item")
		if normalizeItemType(getString(item, "type")) != "commandexecution" {
			return
		}
		f.emitItems(threadID, params, TranslateItem(item))

	case method == "item/completed":
		f.emitItems(threadID, params, TranslateItem(getMap(params, "item")))

	case method == "turn/completed":
		f.handleTurnCompleted(threadID, params)

	case method == "thread/started", method == "turn/started",
		strings.Contains(method, "delta"), strings.Contains(method, "updated"):
		// Progress noise; the relay only needs settled state.

	default:
		// Catch-all so nothing is silently lost.
		f.emitItems(threadID, params, []relay.Item{{
			Type: relay.ItemPlan,
			Text: compactJSON(map[string]any{"method": n.Method, "params": params}),
		}})
	}
}

func (f *Forwarder) handleTurnCompleted(threadID string, params map[string]any) {
	rawStatus := extractTurnStatus(params)
	if normalized, ok := NormalizeTurnStatus(rawStatus); ok && normalized == relay.StatusCompleted {
		return
	}

	// An absent status is surfaced as "unknown" rather than an empty
	// string; unrecognized statuses pass through raw.
	status := rawStatus
	if normalized, ok := NormalizeTurnStatus(rawStatus); ok {
		status = normalized
	} else if strings.TrimSpace(status) == "" {
		status = "unknown"
	}
	payload := map[string]any{"status": status}
	if msg := extractTurnError(params); msg != "" {
		payload["error"] = msg
	}
	f.emitItems(threadID, params, []relay.Item{{
		Type: relay.ItemPlan,
		Text: compactJSON(map[string]any{"method": "turn/completed", "params": payload}),
	}})
}

// emitItems stamps and sends items as event.upsert messages. requestId is
// the turn id when the notification carries one, else a fresh id.
func (f *Forwarder) emitItems(threadID string, params map[string]any, items []relay.Item) {
	if len(items) == 0 {
		return
	}
	turnID := extractTurnID(params)
	requestID := turnID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	now := time.Now().UnixMilli()
	for i := range items {
		items[i].ID = uuid.New().String()
		items[i].TurnID = turnID
		items[i].Timestamp = now
		f.send(relay.NewEventUpsert(requestID, f.machineID, threadID, &items[i]))
	}
}

func (f *Forwarder) send(msg any) {
	if err := f.sender.Send(msg); err != nil {
		f.logger.Warn("relay send failed", zap.Error(err))
	}
}

func decodeParams(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return map[string]any{}
	}
	return params
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// extractThreadID finds the agent thread id across the spellings the agent
// uses in notification params.
func extractThreadID(params map[string]any) string {
	for _, key := range []string{"codexThreadId", "threadId"} {
		if id := strings.TrimSpace(getString(params, key)); id != "" {
			return id
		}
	}
	if thread := getMap(params, "thread"); thread != nil {
		if id := strings.TrimSpace(getString(thread, "id")); id != "" {
			return id
		}
	}
	return ""
}

func extractTurnID(params map[string]any) string {
	if id := strings.TrimSpace(getString(params, "turnId")); id != "" {
		return id
	}
	if turn := getMap(params, "turn"); turn != nil {
		if id := strings.TrimSpace(getString(turn, "id")); id != "" {
			return id
		}
	}
	return ""
}

func extractTitle(params map[string]any) string {
	if title := strings.TrimSpace(getString(params, "title")); title != "" {
		return title
	}
	if thread := getMap(params, "thread"); thread != nil {
		if title := strings.TrimSpace(getString(thread, "title")); title != "" {
			return title
		}
	}
	return ""
}

func extractTurnStatus(params map[string]any) string {
	if status := getString(params, "status"); status != "" {
		return status
	}
	if turn := getMap(params, "turn"); turn != nil {
		return getString(turn, "status")
	}
	return ""
}

func extractTurnError(params map[string]any) string {
	switch v := params["error"].(type) {
	case string:
		return v
	case map[string]any:
		return getString(v, "message")
	}
	if turn := getMap(params, "turn"); turn != nil {
		if msg, ok := turn["error"].(string); ok {
			return msg
		}
	}
	return ""
}
