// Package agentdriver defines the boundary between the control plane and
// the external agent process: a typed event stream consumed one turn at a
// time. The concrete driver (spawning a real agent subprocess) lives
// outside this module; this package only fixes the contract and ships a
// scripted fake for tests.
package agentdriver

import "context"

// EventKind is the closed set of event tags an agent driver can yield.
type EventKind string

const (
	KindText       EventKind = "text"
	KindThinking   EventKind = "thinking"
	KindToolUse    EventKind = "tool_use"
	KindToolInput  EventKind = "tool_input"
	KindToolResult EventKind = "tool_result"
	KindError      EventKind = "error"
	KindUsage      EventKind = "usage"
	KindStatus     EventKind = "status"
)

// Event is one item in the stream yielded by a driver invocation. Only
// the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// text / thinking
	Content   string
	Signature string // thinking only

	// tool_use / tool_input / tool_result
	ToolUseID   string
	ToolName    string
	ToolInput   any
	IsError     bool
	ResultText  string

	// error
	ErrorMessage string

	// usage
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64

	// status
	Status       string // "done" | "blocked" | ""
	SessionToken string
}

// Input is everything a driver needs to run one turn.
type Input struct {
	ThreadID         string
	Prompt           string
	Images           []Image
	SessionToken     string // "" starts a fresh session
	WorkDir          string
	Model            string
	PermissionMode   string
	ExtendedThinking bool
}

// Image is a base64-encoded inline image attachment.
type Image struct {
	MIMEType string
	Data     string
}

// Stream is the live handle to one running turn's events.
type Stream interface {
	// Next blocks until the next event is available, the stream ends
	// (ok=false, err=nil), or ctx is cancelled.
	Next(ctx context.Context) (ev Event, ok bool, err error)
	// Close releases any resources backing the stream. Safe to call
	// after the stream has ended naturally.
	Close() error
}

// Driver starts a turn and returns a Stream of its events.
type Driver interface {
	Run(ctx context.Context, in Input) (Stream, error)
}
