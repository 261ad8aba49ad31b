package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mainthread-dev/mainthread/internal/agenttools"
	"github.com/mainthread-dev/mainthread/internal/apperr"
)

// toolRequest is the callback payload an agent driver posts on behalf of
// a running turn when the agent invokes one of the thread-management
// tools (SpawnThread, ListThreads, ArchiveThread, ReadThread,
// SendToThread, SignalStatus). This is the concrete realization of the
// "callback-registration interface" the agents layer needs: a small
// HTTP contract instead of smuggling closures across modules.
type toolRequest struct {
	Title            string `json:"title"`
	WorkDir          string `json:"work_dir"`
	InitialMessage   string `json:"initial_message"`
	Model            string `json:"model"`
	PermissionMode   string `json:"permission_mode"`
	ExtendedThinking *bool  `json:"extended_thinking"`
	ThreadID         string `json:"thread_id"`
	Message          string `json:"message"`
	Limit            int    `json:"limit"`
	Status           string `json:"status"`
	Reason           string `json:"reason"`
}

// callTool dispatches POST /threads/{id}/tools/{name} to the matching
// agenttools.Tools method, where {id} is the calling thread.
func (h *handlers) callTool(w http.ResponseWriter, r *http.Request) {
	callerID := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	var req toolRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperr.Validation("invalid request body"))
			return
		}
	}

	var (
		result string
		err    error
	)
	switch name {
	case "SpawnThread":
		result, err = h.app.Tools.SpawnThread(r.Context(), callerID, agenttools.SpawnThreadParams{
			Title: req.Title, WorkDir: req.WorkDir, InitialMessage: req.InitialMessage,
			Model: req.Model, PermissionMode: req.PermissionMode, ExtendedThinking: req.ExtendedThinking,
		})
	case "ListThreads":
		result, err = h.app.Tools.ListThreads(r.Context(), callerID)
	case "ArchiveThread":
		result, err = h.app.Tools.ArchiveThread(r.Context(), callerID, req.ThreadID)
	case "ReadThread":
		result, err = h.app.Tools.ReadThread(r.Context(), callerID, req.ThreadID, req.Limit)
	case "SendToThread":
		result, err = h.app.Tools.SendToThread(r.Context(), callerID, req.ThreadID, req.Message)
	case "SignalStatus":
		result, err = h.app.Tools.SignalStatus(r.Context(), callerID, req.Status, req.Reason)
	default:
		writeError(w, apperr.Validation("unknown tool %q", name))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}
