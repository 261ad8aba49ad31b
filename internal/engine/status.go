package engine

import (
	"strings"

	"github.com/mainthread-dev/mainthread/internal/store"
)

const signalStatusTool = "SignalStatus"

// classifyStatus determines a turn's final status from any SignalStatus
// tool call (priority) or literal [BLOCKED]/[DONE] markers in the
// concatenated text, defaulting to active. The second return value
// reports whether a SignalStatus tool call drove the decision, so
// callers don't publish a redundant subthread_status notification.
func classifyStatus(blocks []ContentBlock, text string) (string, bool) {
	for _, b := range blocks {
		if b.Type != BlockToolUse || b.Name != signalStatusTool {
			continue
		}
		if s := signalValue(b.Input); s != "" {
			switch s {
			case "done":
				return store.StatusDone, true
			case "blocked":
				return store.StatusNeedsAttention, true
			}
		}
	}
	switch {
	case strings.Contains(text, "[BLOCKED]"):
		return store.StatusNeedsAttention, false
	case strings.Contains(text, "[DONE]"):
		return store.StatusDone, false
	default:
		return store.StatusActive, false
	}
}

// signalValue extracts the "status" field from a tool_use input decoded
// as a map[string]any. Any other input shape yields "".
func signalValue(input any) string {
	m, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m["status"].(string)
	return s
}
