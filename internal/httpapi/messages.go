package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mainthread-dev/mainthread/internal/agentdriver"
	"github.com/mainthread-dev/mainthread/internal/apperr"
	"github.com/mainthread-dev/mainthread/internal/eventbus"
	"github.com/mainthread-dev/mainthread/internal/orchestrator"
	"github.com/mainthread-dev/mainthread/internal/validate"
)

func (h *handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := atoiOr(r.URL.Query().Get("limit"), 100)
	if limit > 100 {
		limit = 100
	}
	offset := atoiOr(r.URL.Query().Get("offset"), 0)
	msgs, err := h.app.Store.GetMessagesPaginated(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesToDTO(msgs))
}

func (h *handlers) clearMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.app.Store.ClearThreadMessages(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type postMessageRequest struct {
	Content        string     `json:"content"`
	Images         []imageDTO `json:"images"`
	FileReferences []string   `json:"file_references"`
}

// postMessage runs one turn to completion, relaying its events over SSE
// as they're published. Pre-flight validation failures return a normal
// HTTP error status; once streaming has started the connection is already
// committed to 200, so the turn's outcome (ok, timeout, cancel, other) is
// instead encoded as the final SSE event's payload, mirroring the
// 504/499/500 distinctions the synchronous contract names.
func (h *handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}

	images := make([]agentdriver.Image, 0, len(req.Images))
	for _, img := range req.Images {
		if !validate.ImageMIME[img.MIMEType] {
			writeError(w, apperr.Validation("unsupported image mime type %q", img.MIMEType))
			return
		}
		images = append(images, agentdriver.Image{MIMEType: img.MIMEType, Data: img.Data})
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.KindInfrastructure, "streaming not supported"))
		return
	}

	sub, err := h.app.Bus.Subscribe(r.Context(), id, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	defer h.app.Bus.Unsubscribe(id, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := make(chan error, 1)
	go func() {
		done <- h.app.Orchestrator.SendMessage(r.Context(), orchestrator.SendMessageParams{
			ThreadID:       id,
			Content:        req.Content,
			Images:         images,
			FileReferences: req.FileReferences,
		})
	}()

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			writeSSEEnvelope(w, env)
			flusher.Flush()
		case turnErr := <-done:
			writeFinalSSE(w, turnErr)
			flusher.Flush()
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSEEnvelope(w http.ResponseWriter, env eventbus.Envelope) {
	if env.Type == "heartbeat" {
		fmt.Fprint(w, ": heartbeat\n\n")
		return
	}
	if env.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", env.Seq)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, payloadOrEmpty(env.Payload))
}

func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("{}")
	}
	return p
}

func writeFinalSSE(w http.ResponseWriter, err error) {
	if err == nil {
		fmt.Fprintf(w, "event: complete\ndata: {\"status\":\"ok\"}\n\n")
		return
	}
	kind := apperr.KindOf(err)
	status := statusFor(err)
	payload, _ := json.Marshal(map[string]any{
		"status":      "error",
		"kind":        kind,
		"http_status": status,
		"message":     err.Error(),
	})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
}

// stream is GET /threads/{id}/stream: subscribes to the thread's live
// event feed, replaying the backlog since last_event_id before switching
// to live delivery.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sinceSeq := int64(0)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sinceSeq = n
		}
	} else if v := r.URL.Query().Get("last_event_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sinceSeq = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.KindInfrastructure, "streaming not supported"))
		return
	}

	sub, err := h.app.Bus.Subscribe(r.Context(), id, sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	defer h.app.Bus.Unsubscribe(id, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			writeSSEEnvelope(w, env)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
