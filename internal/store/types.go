// Package store is the durable persistence layer for threads, messages,
// and events. It provides the monotonic per-thread event sequence the rest
// of the control plane relies on for replay and ordering.
package store

import "time"

// Thread statuses, a closed set.
const (
	StatusActive         = "active"
	StatusPending        = "pending"
	StatusRunning        = "running"
	StatusNeedsAttention = "needs-attention"
	StatusDone           = "done"
	StatusNewMessage     = "new-message"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// GitMeta holds a thread's git working-directory metadata.
type GitMeta struct {
	Branch          string `json:"branch,omitempty"`
	Repo            string `json:"repo,omitempty"`
	IsWorktree      bool   `json:"is_worktree,omitempty"`
	WorktreeBranch  string `json:"worktree_branch,omitempty"`
}

// Thread is the durable record for one conversation.
type Thread struct {
	ID                    string
	Title                 string
	ParentID              string // "" if root
	WorkDir               string // "" if unset
	SessionToken          string // "" if unset
	Model                 string
	PermissionMode        string
	ExtendedThinking      bool
	AutoReact             bool
	Git                   GitMeta
	Ephemeral             bool
	AllowNestedSubthreads bool
	MaxDepth              int
	UsageInputTokens      int64
	UsageOutputTokens     int64
	UsageCostUSD          float64
	Status                string
	ArchivedAt            *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Message is a persisted chat turn.
type Message struct {
	ID        string
	ThreadID  string
	Role      string
	Content   string
	Blocks    []byte // opaque JSON, ContentBlock list
	CreatedAt time.Time
}

// Event is one append-only, monotonically-sequenced thread event.
type Event struct {
	Seq       int64
	ThreadID  string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// CreateThreadParams collects the fields accepted by CreateThread.
type CreateThreadParams struct {
	// ID, if set, is used verbatim instead of generating a fresh one.
	// Used for ephemeral subagent threads, whose id must equal the
	// originating tool_use id.
	ID                    string
	Title                 string
	ParentID              string
	WorkDir               string
	Model                 string
	PermissionMode        string
	ExtendedThinking      bool
	AutoReact             bool
	Git                   GitMeta
	Ephemeral             bool
	AllowNestedSubthreads bool
	MaxDepth              int
}

// ConfigPatch is a partial update to a thread's mutable configuration
// fields. Nil pointers leave the field untouched.
type ConfigPatch struct {
	Model            *string
	PermissionMode   *string
	ExtendedThinking *bool
	AutoReact        *bool
	WorkDir          *string
}

// AddMessageParams collects the fields accepted by AddMessage.
type AddMessageParams struct {
	ThreadID string
	Role     string
	Content  string
	Blocks   []byte
}
