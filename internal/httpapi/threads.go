package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mainthread-dev/mainthread/internal/apperr"
	"github.com/mainthread-dev/mainthread/internal/orchestrator"
	"github.com/mainthread-dev/mainthread/internal/rendezvous"
	"github.com/mainthread-dev/mainthread/internal/store"
	"github.com/mainthread-dev/mainthread/internal/validate"
)

func (h *handlers) listThreads(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	threads, err := h.app.Store.ListThreads(r.Context(), includeArchived)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threadsToDTO(threads))
}

func (h *handlers) getThread(w http.ResponseWriter, r *http.Request) {
	th, err := h.app.Store.GetThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threadToDTO(th))
}

type createThreadRequest struct {
	Title                 string `json:"title"`
	ParentID              string `json:"parentId"`
	WorkDir               string `json:"workDir"`
	Model                 string `json:"model"`
	ExtendedThinking      bool   `json:"extendedThinking"`
	PermissionMode        string `json:"permissionMode"`
	UseWorktree           bool   `json:"useWorktree"`
	AllowNestedSubthreads bool   `json:"allowNestedSubthreads"`
	MaxThreadDepth        int    `json:"maxThreadDepth"`
}

func (h *handlers) createThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if req.MaxThreadDepth == 0 {
		req.MaxThreadDepth = 5
	}
	req.Title = validate.SanitizeTitle(req.Title, validate.MaxTitleLen)
	if err := validate.Title(req.Title); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.PermissionMode(req.PermissionMode); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.ChildMaxDepth(req.MaxThreadDepth); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkDir != "" {
		cleaned := validate.WorkDir(req.WorkDir, os.Getenv("HOME"))
		if cleaned == "" {
			writeError(w, apperr.Validation("workDir must be an absolute path"))
			return
		}
		req.WorkDir = cleaned
	}

	if req.ParentID != "" {
		child, err := h.app.Orchestrator.SpawnChild(r.Context(), orchestrator.SpawnChildParams{
			ParentID:         req.ParentID,
			Title:            req.Title,
			WorkDir:          req.WorkDir,
			Model:            req.Model,
			PermissionMode:   req.PermissionMode,
			ExtendedThinking: &req.ExtendedThinking,
			UseWorktree:      req.UseWorktree,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, threadToDTO(child))
		return
	}

	th, err := h.app.Store.CreateThread(r.Context(), store.CreateThreadParams{
		Title: req.Title, WorkDir: req.WorkDir, Model: req.Model,
		PermissionMode: req.PermissionMode, ExtendedThinking: req.ExtendedThinking,
		AutoReact: true, AllowNestedSubthreads: req.AllowNestedSubthreads,
		MaxDepth: req.MaxThreadDepth,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, threadToDTO(th))
}

func (h *handlers) patchStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.app.Store.UpdateThreadStatus(r.Context(), id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	h.publishChange(r, id, "status_change", map[string]string{"status": req.Status})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) patchConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model            *string `json:"model"`
		PermissionMode   *string `json:"permissionMode"`
		ExtendedThinking *bool   `json:"extendedThinking"`
		AutoReact        *bool   `json:"autoReact"`
		WorkDir          *string `json:"workDir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if req.PermissionMode != nil {
		if err := validate.PermissionMode(*req.PermissionMode); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.WorkDir != nil && *req.WorkDir != "" {
		cleaned := validate.WorkDir(*req.WorkDir, os.Getenv("HOME"))
		if cleaned == "" {
			writeError(w, apperr.Validation("workDir must be an absolute path"))
			return
		}
		req.WorkDir = &cleaned
	}
	id := chi.URLParam(r, "id")
	patch := store.ConfigPatch{
		Model: req.Model, PermissionMode: req.PermissionMode,
		ExtendedThinking: req.ExtendedThinking, AutoReact: req.AutoReact, WorkDir: req.WorkDir,
	}
	if err := h.app.Store.UpdateThreadConfig(r.Context(), id, patch); err != nil {
		writeError(w, err)
		return
	}
	h.publishChange(r, id, "config_change", req)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) patchTitle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	req.Title = validate.SanitizeTitle(req.Title, validate.MaxTitleLen)
	if err := validate.Title(req.Title); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.app.Store.UpdateThreadTitle(r.Context(), id, req.Title); err != nil {
		writeError(w, err)
		return
	}
	h.publishChange(r, id, "title_change", map[string]string{"title": req.Title})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) resetAll(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeError(w, apperr.Validation("must pass confirm=true"))
		return
	}
	if err := h.app.Store.ResetAllThreads(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) archive(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Orchestrator.Archive(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) unarchive(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Orchestrator.Unarchive(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Orchestrator.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) answer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answers map[string]string `json:"answers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.app.Rendezvous.Resolve(id, rendezvous.Response{Kind: rendezvous.KindQuestion, Payload: req.Answers}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) planAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action         string `json:"action"`
		PermissionMode string `json:"permissionMode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if req.Action != "proceed" && req.Action != "modify" && req.Action != "compact" {
		writeError(w, apperr.Validation("action must be proceed, modify, or compact"))
		return
	}
	id := chi.URLParam(r, "id")

	if req.Action == "compact" {
		if err := h.app.Store.ClearThreadMessages(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		if _, err := h.app.Store.AddMessage(r.Context(), store.AddMessageParams{
			ThreadID: id, Role: store.RoleSystem, Content: "Conversation compacted.",
		}); err != nil {
			writeError(w, err)
			return
		}
	}

	payload := map[string]string{"action": req.Action, "permissionMode": req.PermissionMode}
	if err := h.app.Rendezvous.Resolve(id, rendezvous.Response{Kind: rendezvous.KindPlanApproval, Payload: payload}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) tokens(w http.ResponseWriter, r *http.Request) {
	th, err := h.app.Store.GetThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := h.app.Store.GetMessagesPaginated(r.Context(), th.ID, 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
	}
	writeJSON(w, http.StatusOK, map[string]int64{"estimated_tokens": int64(chars / 4)})
}

func (h *handlers) usage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	th, err := h.app.Store.GetThread(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	all, err := h.app.Store.ListThreads(r.Context(), true)
	if err != nil {
		writeError(w, err)
		return
	}
	inputTok, outputTok, cost := th.UsageInputTokens, th.UsageOutputTokens, th.UsageCostUSD
	for _, c := range all {
		if c.ParentID == id {
			inputTok += c.UsageInputTokens
			outputTok += c.UsageOutputTokens
			cost += c.UsageCostUSD
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"input_tokens":  inputTok,
		"output_tokens": outputTok,
		"cost_usd":      cost,
	})
}

// publishChange best-effort publishes a thread-configuration change event;
// failures are logged, not surfaced, since the mutation already committed.
func (h *handlers) publishChange(r *http.Request, threadID, typ string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := h.app.Bus.Publish(r.Context(), threadID, typ, b); err != nil {
		h.app.Log.Warn("publish change event failed", "thread_id", threadID, "type", typ, "err", err)
	}
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
