package engine

// BlockType discriminates the variants of a ContentBlock.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolUse BlockType = "tool_use"
)

// ContentBlock is one unit of an assistant message's structured content.
// Only the fields relevant to Type are populated; the whole slice is
// serialised as the message's Blocks JSON payload.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID         string `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	Input      any    `json:"input,omitempty"`
	IsComplete bool   `json:"is_complete,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	ResultText string `json:"result_text,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"` // tool_result spawn marker
}
