package httpapi

import (
	"time"

	"github.com/mainthread-dev/mainthread/internal/store"
)

// threadDTO is the wire shape of a Thread.
type threadDTO struct {
	ID                    string     `json:"id"`
	Title                 string     `json:"title"`
	ParentID              string     `json:"parent_id,omitempty"`
	WorkDir               string     `json:"work_dir,omitempty"`
	Model                 string     `json:"model"`
	PermissionMode        string     `json:"permission_mode"`
	ExtendedThinking      bool       `json:"extended_thinking"`
	AutoReact             bool       `json:"auto_react"`
	Git                   store.GitMeta `json:"git"`
	Ephemeral             bool       `json:"ephemeral"`
	AllowNestedSubthreads bool       `json:"allow_nested_subthreads"`
	MaxDepth              int        `json:"max_depth"`
	UsageInputTokens      int64      `json:"usage_input_tokens"`
	UsageOutputTokens     int64      `json:"usage_output_tokens"`
	UsageCostUSD          float64    `json:"usage_cost_usd"`
	Status                string     `json:"status"`
	ArchivedAt            *time.Time `json:"archived_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func threadToDTO(t *store.Thread) threadDTO {
	return threadDTO{
		ID: t.ID, Title: t.Title, ParentID: t.ParentID, WorkDir: t.WorkDir,
		Model: t.Model, PermissionMode: t.PermissionMode, ExtendedThinking: t.ExtendedThinking,
		AutoReact: t.AutoReact, Git: t.Git, Ephemeral: t.Ephemeral,
		AllowNestedSubthreads: t.AllowNestedSubthreads, MaxDepth: t.MaxDepth,
		UsageInputTokens: t.UsageInputTokens, UsageOutputTokens: t.UsageOutputTokens,
		UsageCostUSD: t.UsageCostUSD, Status: t.Status, ArchivedAt: t.ArchivedAt,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func threadsToDTO(ts []*store.Thread) []threadDTO {
	out := make([]threadDTO, len(ts))
	for i, t := range ts {
		out[i] = threadToDTO(t)
	}
	return out
}

// messageDTO is the wire shape of a Message.
type messageDTO struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func messageToDTO(m *store.Message) messageDTO {
	return messageDTO{ID: m.ID, ThreadID: m.ThreadID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
}

func messagesToDTO(ms []*store.Message) []messageDTO {
	out := make([]messageDTO, len(ms))
	for i, m := range ms {
		out[i] = messageToDTO(m)
	}
	return out
}

type imageDTO struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}
