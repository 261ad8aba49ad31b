package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainthread-dev/mainthread/internal/agentdriver"
	"github.com/mainthread-dev/mainthread/internal/agentdriver/fake"
	"github.com/mainthread-dev/mainthread/internal/app"
	"github.com/mainthread-dev/mainthread/internal/config"
	"github.com/mainthread-dev/mainthread/internal/httpapi"
	"github.com/mainthread-dev/mainthread/internal/store"
)

func newTestApp(t *testing.T, driver agentdriver.Driver) *app.App {
	t.Helper()
	cfg, err := config.Load([]string{"-data-dir", t.TempDir()})
	require.NoError(t, err)
	cfg.WatchdogInterval = time.Hour
	cfg.HousekeepInterval = time.Hour
	cfg.AgentTimeout = 2 * time.Second
	cfg.RetryDelay = time.Millisecond
	a := app.New(cfg, store.NewMemory(), driver, nil)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Shutdown)
	return a
}

func TestRouter_CreateAndGetThread(t *testing.T) {
	a := newTestApp(t, fake.New(fake.Script{}))
	srv := httptest.NewServer(httpapi.NewRouter(a))
	defer srv.Close()

	body := strings.NewReader(`{"title":"hello","model":"opus"}`)
	resp, err := http.Post(srv.URL+"/threads", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id := created["id"].(string)
	require.NotEmpty(t, id)

	resp2, err := http.Get(srv.URL + "/threads/" + id)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestRouter_CreateThread_RejectsEmptyTitle(t *testing.T) {
	a := newTestApp(t, fake.New(fake.Script{}))
	srv := httptest.NewServer(httpapi.NewRouter(a))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/threads", "application/json", strings.NewReader(`{"title":""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_GetThread_NotFound(t *testing.T) {
	a := newTestApp(t, fake.New(fake.Script{}))
	srv := httptest.NewServer(httpapi.NewRouter(a))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/threads/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_PostMessage_StreamsSSEAndCompletes(t *testing.T) {
	driver := fake.New(fake.Script{Events: []agentdriver.Event{
		{Kind: agentdriver.KindText, Content: "hi there [DONE]"},
	}})
	a := newTestApp(t, driver)
	srv := httptest.NewServer(httpapi.NewRouter(a))
	defer srv.Close()

	createResp, err := http.Post(srv.URL+"/threads", "application/json", strings.NewReader(`{"title":"t"}`))
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	createResp.Body.Close()
	id := created["id"].(string)

	resp, err := http.Post(srv.URL+"/threads/"+id+"/messages", "application/json",
		bytes.NewReader([]byte(`{"content":"hello"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	sawComplete := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "event: complete") {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete)
}

func TestRouter_ArchiveAndUnarchive(t *testing.T) {
	a := newTestApp(t, fake.New(fake.Script{}))
	srv := httptest.NewServer(httpapi.NewRouter(a))
	defer srv.Close()

	createResp, err := http.Post(srv.URL+"/threads", "application/json", strings.NewReader(`{"title":"t"}`))
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	createResp.Body.Close()
	id := created["id"].(string)

	resp, err := http.Post(srv.URL+"/threads/"+id+"/archive", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Post(srv.URL+"/threads/"+id+"/archive", "application/json", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	resp3, err := http.Post(srv.URL+"/threads/"+id+"/unarchive", "application/json", nil)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestRouter_CallTool_SpawnThreadReturnsSpawnMarker(t *testing.T) {
	a := newTestApp(t, fake.New(fake.Script{}))
	srv := httptest.NewServer(httpapi.NewRouter(a))
	defer srv.Close()

	createResp, err := http.Post(srv.URL+"/threads", "application/json", strings.NewReader(`{"title":"parent"}`))
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	createResp.Body.Close()
	id := created["id"].(string)

	resp, err := http.Post(srv.URL+"/threads/"+id+"/tools/SpawnThread", "application/json",
		strings.NewReader(`{"title":"child"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out["result"], "<!--SPAWN_DATA:")
}

func TestRouter_CallTool_UnknownToolRejected(t *testing.T) {
	a := newTestApp(t, fake.New(fake.Script{}))
	srv := httptest.NewServer(httpapi.NewRouter(a))
	defer srv.Close()

	createResp, err := http.Post(srv.URL+"/threads", "application/json", strings.NewReader(`{"title":"t"}`))
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	createResp.Body.Close()
	id := created["id"].(string)

	resp, err := http.Post(srv.URL+"/threads/"+id+"/tools/NotARealTool", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_Health(t *testing.T) {
	a := newTestApp(t, fake.New(fake.Script{}))
	srv := httptest.NewServer(httpapi.NewRouter(a))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
