package bridge

import (
	"encoding/json"
	"strings"

	"github.com/durango-dev/durango/pkg/relay"
)

// TranslateItem maps one agent item object to zero or more downstream items.
// The upstream schema is loosely typed and drifts across agent versions, so
// extraction tolerates alternate key spellings and nested content shapes.
// Returned items carry only the type-specific fields; the caller stamps id,
// turnId, and timestamp.
func TranslateItem(raw map[string]any) []relay.Item {
	switch normalizeItemType(getString(raw, "type")) {
	case "usermessage":
		text := strings.TrimSpace(firstText(raw, "content", "text"))
		if text == "" {
			return nil
		}
		return []relay.Item{{Type: relay.ItemUserMessage, Text: text}}

	case "agentmessage", "assistantmessage":
		text := strings.TrimSpace(firstText(raw, "text", "content"))
		if text == "" {
			return nil
		}
		return []relay.Item{{Type: relay.ItemAgentMessage, Text: text}}

	case "reasoning":
		summary := reasoningSummary(raw)
		if len(summary) == 0 {
			return nil
		}
		return []relay.Item{{Type: relay.ItemReasoning, Summary: summary}}

	case "commandexecution":
		command := strings.TrimSpace(getString(raw, "command"))
		if command == "" {
			return nil
		}
		item := relay.Item{
			Type:    relay.ItemCommandExecution,
			Command: command,
			Cwd:     getString(raw, "cwd"),
			Status:  NormalizeCommandStatus(getString(raw, "status")),
			Output:  ExtractText(raw["output"]),
		}
		if code, ok := getInt(raw, "exitCode"); ok {
			item.ExitCode = &code
		}
		return []relay.Item{item}

	case "filechange":
		return fileChangeItems(raw)

	case "plan":
		text := strings.TrimSpace(firstText(raw, "text", "content"))
		if text == "" {
			return nil
		}
		return []relay.Item{{Type: relay.ItemPlan, Text: text}}

	default:
		// Unknown item types are preserved losslessly as plan text.
		return []relay.Item{{Type: relay.ItemPlan, Text: compactJSON(raw)}}
	}
}

// normalizeItemType folds case and snake_case so userMessage and
// user_message match the same variant.
func normalizeItemType(t string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), "_", "")
}

func reasoningSummary(raw map[string]any) []string {
	source := raw["summary"]
	if source == nil {
		source = raw["content"]
	}
	text := ExtractText(source)
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

func fileChangeItems(raw map[string]any) []relay.Item {
	changes, _ := raw["changes"].([]any)
	var items []relay.Item
	for _, change := range changes {
		cm, ok := change.(map[string]any)
		if !ok {
			continue
		}
		path := strings.TrimSpace(getString(cm, "path"))
		if path == "" {
			continue
		}
		patch := getString(cm, "patch")
		if patch == "" {
			patch = getString(cm, "diff")
		}
		if patch == "" {
			patch = "(no patch text)"
		}
		items = append(items, relay.Item{Type: relay.ItemFileChange, Path: path, Patch: patch})
	}
	return items
}

// ExtractText pulls human-readable text from an arbitrarily shaped value:
// strings pass through, arrays newline-join their non-empty extractions, and
// objects yield the first of text/value/delta/summaryText before recursing
// into content, summary, and output.
func ExtractText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		var parts []string
		for _, elem := range val {
			if text := ExtractText(elem); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		for _, key := range []string{"text", "value", "delta", "summaryText"} {
			if s, ok := val[key].(string); ok && s != "" {
				return s
			}
		}
		for _, key := range []string{"content", "summary", "output"} {
			if nested, ok := val[key]; ok {
				if text := ExtractText(nested); text != "" {
					return text
				}
			}
		}
	}
	return ""
}

// firstText extracts from the first key that yields non-empty text.
func firstText(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if text := ExtractText(raw[key]); text != "" {
			return text
		}
	}
	return ""
}

// NormalizeCommandStatus maps the agent's free-form command statuses onto
// the four downstream states. Anything unrecognized is treated as failed.
func NormalizeCommandStatus(status string) string {
	if s, ok := normalizeStatus(status); ok {
		return s
	}
	return relay.StatusFailed
}

// NormalizeTurnStatus maps a turn status, returning ok=false for
// unrecognized values. The mapping is deliberately not guessed for unknown
// statuses: the caller surfaces them raw instead.
func NormalizeTurnStatus(status string) (string, bool) {
	return normalizeStatus(status)
}

func normalizeStatus(status string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "in_progress", "inprogress", "running", "queued":
		return relay.StatusRunning, true
	case "completed", "complete", "success", "succeeded":
		return relay.StatusCompleted, true
	case "cancelled", "canceled", "aborted", "interrupted":
		return relay.StatusInterrupted, true
	case "failed", "error", "errored":
		return relay.StatusFailed, true
	default:
		return "", false
	}
}

func getString(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

func getMap(raw map[string]any, key string) map[string]any {
	m, _ := raw[key].(map[string]any)
	return m
}

func getInt(raw map[string]any, key string) (int, bool) {
	switch v := raw[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
