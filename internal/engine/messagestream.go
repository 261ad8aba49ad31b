package engine

import (
	"regexp"
	"strings"
)

// taskSubagentTool is the tool name that triggers ephemeral subagent
// thread creation when invoked.
const taskSubagentTool = "Task"

var spawnMarkerRE = regexp.MustCompile(`<!--SPAWN_DATA:([a-zA-Z0-9_-]+)-->\s*$`)

// extractSpawnMarker pulls a trailing spawn-data id out of tool_result
// text, per the SpawnThread tool-result convention.
func extractSpawnMarker(text string) string {
	m := spawnMarkerRE.FindStringSubmatch(strings.TrimRight(text, "\n"))
	if m == nil {
		return ""
	}
	return m[1]
}

// MessageStream aggregates one turn's driver events into an assistant
// message's content and structured blocks, tracking which tool-use
// blocks are still awaiting a result.
type MessageStream struct {
	Blocks       []ContentBlock
	pendingTools []string // FIFO of tool_use ids awaiting tool_result

	FinalStatus  string // "" | "done" | "blocked", from a status event
	SessionToken string
}

// Text returns the concatenation of all text blocks' content, which
// backs the assistant message's plain-text Content column.
func (m *MessageStream) Text() string {
	var b strings.Builder
	for _, blk := range m.Blocks {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ApplyText appends or extends a trailing text block.
func (m *MessageStream) ApplyText(content string) {
	if n := len(m.Blocks); n > 0 && m.Blocks[n-1].Type == BlockText {
		m.Blocks[n-1].Text += content
		return
	}
	m.Blocks = append(m.Blocks, ContentBlock{Type: BlockText, Text: content})
}

// ApplyThinking coalesces into the trailing thinking block, or starts one.
func (m *MessageStream) ApplyThinking(content, signature string) {
	if n := len(m.Blocks); n > 0 && m.Blocks[n-1].Type == BlockThinking {
		m.Blocks[n-1].Thinking += content
		if signature != "" {
			m.Blocks[n-1].Signature = signature
		}
		return
	}
	m.Blocks = append(m.Blocks, ContentBlock{Type: BlockThinking, Thinking: content, Signature: signature})
}

// ApplyToolUse records a new pending tool invocation and reports whether
// it names the Task subagent tool (triggering ephemeral thread creation).
func (m *MessageStream) ApplyToolUse(id, name string, input any) (isSubagent bool) {
	m.pendingTools = append(m.pendingTools, id)
	m.Blocks = append(m.Blocks, ContentBlock{
		Type: BlockToolUse,
		ID:   id,
		Name: name,
		Input: input,
	})
	return name == taskSubagentTool
}

// ApplyToolInput overwrites the input of an existing tool-use block.
func (m *MessageStream) ApplyToolInput(id string, input any) {
	for i := range m.Blocks {
		if m.Blocks[i].Type == BlockToolUse && m.Blocks[i].ID == id {
			m.Blocks[i].Input = input
			return
		}
	}
}

// ApplyToolResult closes the pending tool identified by id, falling back
// to the FIFO head when id is empty or unrecognised. Returns the id of
// the tool it actually closed, and any spawn-marker thread id embedded
// in resultText.
func (m *MessageStream) ApplyToolResult(id string, isError bool, resultText string) (closedID, spawnedThreadID string) {
	closedID = m.popPending(id)
	for i := range m.Blocks {
		if m.Blocks[i].Type == BlockToolUse && m.Blocks[i].ID == closedID {
			m.Blocks[i].IsComplete = true
			m.Blocks[i].IsError = isError
			m.Blocks[i].ResultText = resultText
			break
		}
	}
	spawnedThreadID = extractSpawnMarker(resultText)
	if spawnedThreadID != "" {
		for i := range m.Blocks {
			if m.Blocks[i].Type == BlockToolUse && m.Blocks[i].ID == closedID {
				m.Blocks[i].ThreadID = spawnedThreadID
				break
			}
		}
	}
	return closedID, spawnedThreadID
}

// popPending removes id from the pending queue if present, else pops the
// FIFO head. Returns id unchanged if the queue is empty.
func (m *MessageStream) popPending(id string) string {
	if id != "" {
		for i, pid := range m.pendingTools {
			if pid == id {
				m.pendingTools = append(m.pendingTools[:i], m.pendingTools[i+1:]...)
				return pid
			}
		}
	}
	if len(m.pendingTools) == 0 {
		return id
	}
	head := m.pendingTools[0]
	m.pendingTools = m.pendingTools[1:]
	return head
}

// PendingCount reports how many tool-use blocks are still awaiting a result.
func (m *MessageStream) PendingCount() int {
	return len(m.pendingTools)
}

// Finalize closes every still-pending tool-use block with an empty
// result, in FIFO order, returning the ids closed.
func (m *MessageStream) Finalize() []string {
	var closed []string
	for len(m.pendingTools) > 0 {
		id, _ := m.ApplyToolResult("", false, "")
		closed = append(closed, id)
	}
	return closed
}
