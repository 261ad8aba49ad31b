package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mainthread-dev/mainthread/internal/apperr"
	"github.com/mainthread-dev/mainthread/internal/gitinfo"
	"github.com/mainthread-dev/mainthread/internal/validate"
)

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	threads, err := h.app.Store.ListThreads(r.Context(), true)
	if err != nil {
		writeError(w, err)
		return
	}
	running := 0
	for _, t := range threads {
		if t.Status == "running" {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"goroutines":        runtime.NumGoroutine(),
		"alloc_bytes":       m.Alloc,
		"sys_bytes":         m.Sys,
		"threads_total":     len(threads),
		"agent_processes":   running,
	})
}

func (h *handlers) serverTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"time": time.Now().UTC().Format(time.RFC3339Nano)})
}

func (h *handlers) cwd(w http.ResponseWriter, r *http.Request) {
	dir, err := os.Getwd()
	if err != nil {
		writeError(w, apperr.New(apperr.KindInfrastructure, "getwd: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cwd": dir})
}

// browse lists the immediate entries of a directory, used by the UI's
// file/folder picker. It never reads outside of the requested path and
// never follows the request path through a thread's sandbox, since the
// caller supplies an absolute host path by design (this is an operator
// surface, not an agent-facing one).
func (h *handlers) browse(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir, _ = os.Getwd()
	} else if home, _ := os.UserHomeDir(); home != "" {
		if cleaned := validate.WorkDir(dir, home); cleaned != "" {
			dir = cleaned
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		writeError(w, apperr.Validation("cannot read directory %q: %v", dir, err))
		return
	}
	type entry struct {
		Name        string `json:"name"`
		IsDir       bool   `json:"is_dir"`
		Size        int64  `json:"size"`
		ModTime     string `json:"mod_time"`
		Permissions string `json:"permissions"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, entry{
			Name: e.Name(), IsDir: e.IsDir(), Size: info.Size(),
			ModTime:     info.ModTime().UTC().Format(time.RFC3339),
			Permissions: info.Mode().String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) directories(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir, _ = os.Getwd()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		writeError(w, apperr.Validation("cannot read directory %q: %v", dir, err))
		return
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) directorySuggestions(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("q")
	base := filepath.Dir(prefix)
	if base == "." && !strings.Contains(prefix, string(filepath.Separator)) {
		base, _ = os.Getwd()
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	want := filepath.Base(prefix)
	out := make([]string, 0, 8)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if want == "" || strings.HasPrefix(e.Name(), want) {
			out = append(out, filepath.Join(base, e.Name()))
		}
	}
	sort.Strings(out)
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) gitInfo(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir, _ = os.Getwd()
	}
	meta, err := gitinfo.Detect(dir)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

var defaultIgnoredNames = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true, ".venv": true,
	".DS_Store": true, ".mainthread": true,
}

func isIgnoredName(name string) bool {
	if defaultIgnoredNames[name] {
		return true
	}
	return strings.HasSuffix(name, ".pyc")
}

// files lists files under a thread's work dir matching an optional
// substring query, skipping .git, virtualenv, and build-artifact
// directories the way a human browsing the tree would.
func (h *handlers) files(w http.ResponseWriter, r *http.Request) {
	th, err := h.app.Store.GetThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if th.WorkDir == "" {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	query := r.URL.Query().Get("query")
	limit := atoiOr(r.URL.Query().Get("limit"), 100)
	if limit > 100 {
		limit = 100
	}

	var results []string
	_ = filepath.WalkDir(th.WorkDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if len(results) >= limit {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if path != th.WorkDir && isIgnoredName(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if isIgnoredName(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(th.WorkDir, path)
		if err != nil {
			return nil
		}
		if query != "" && !strings.Contains(strings.ToLower(rel), strings.ToLower(query)) {
			return nil
		}
		results = append(results, rel)
		return nil
	})
	writeJSON(w, http.StatusOK, results)
}
