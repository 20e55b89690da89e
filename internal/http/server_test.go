package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stepd/internal/config"
	"github.com/fyrsmithlabs/stepd/internal/engine"
	"github.com/fyrsmithlabs/stepd/internal/orchestrator"
	"github.com/fyrsmithlabs/stepd/internal/qa"
	"github.com/fyrsmithlabs/stepd/internal/queue"
	"github.com/fyrsmithlabs/stepd/internal/store"
)

type serverHarness struct {
	server *Server
	store  store.Store
	orch   *orchestrator.Orchestrator
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	st := store.NewMemory()
	q := queue.NewMemory(3)
	t.Cleanup(func() { q.Close() })

	registry := engine.NewRegistry()
	require.NoError(t, registry.Register(engine.NewNoop(), engine.AsDefault()))

	cfg := &config.Config{}
	cfg.QA.Policy = "standard"
	cfg.Worker.StepTimeout = time.Minute

	orch, err := orchestrator.New(orchestrator.Options{
		Store:    st,
		Registry: registry,
		Queue:    q,
		Config:   cfg,
		Gates: func(_ *store.Run, _ *store.Step, _ engine.Engine) []qa.Gate {
			return nil
		},
	})
	require.NoError(t, err)

	srv, err := NewServer(orch, st, registry, nil, config.ServerConfig{Port: 8080})
	require.NoError(t, err)

	return &serverHarness{server: srv, store: st, orch: orch}
}

func (h *serverHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)
	return rec
}

func protocolDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.md"), []byte("# Plan\nShip it.\n"), 0o644))
	for _, name := range names {
		content := fmt.Sprintf("Do the %s work.\n", name)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644))
	}
	return dir
}

func startRunSpec(t *testing.T, names ...string) orchestrator.RunSpec {
	t.Helper()
	steps := make([]orchestrator.StepSpec, 0, len(names))
	for _, name := range names {
		steps = append(steps, orchestrator.StepSpec{Name: name})
	}
	return orchestrator.RunSpec{
		ProtocolName: "feature-ship",
		ProtocolRoot: protocolDir(t, names...),
		WorkspaceDir: t.TempDir(),
		Steps:        steps,
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestStartRunEndpoint(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/runs", startRunSpec(t, "build", "verify"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "feature-ship", resp.ProtocolName)
	assert.Equal(t, string(store.RunPending), resp.Status)
	require.Len(t, resp.Steps, 2)
	assert.Equal(t, "build", resp.Steps[0].Name)
}

func TestStartRunValidationError(t *testing.T) {
	h := newServerHarness(t)

	spec := orchestrator.RunSpec{ProtocolName: "empty"}
	rec := h.do(t, http.MethodPost, "/api/v1/runs", spec)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "at least one step")
}

func TestGetRunNotFound(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/runs/no-such-run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunsStatusFilter(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/runs", startRunSpec(t, "build"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/runs?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)

	rec = h.do(t, http.MethodGet, "/api/v1/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Empty(t, runs)
}

func TestExecuteStepEndpoint(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/runs", startRunSpec(t, "build"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var run RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Len(t, run.Steps, 1)

	rec = h.do(t, http.MethodPost, "/api/v1/steps/"+run.Steps[0].ID+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var step StepResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &step))
	assert.Equal(t, string(store.StepCompleted), step.Status)

	rec = h.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, string(store.RunCompleted), got.Status)
}

func TestRunEventsEndpoint(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/runs", startRunSpec(t, "build"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var run RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))

	rec = h.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []EventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, "run.created", events[0].Type)
}

func TestPauseResumeCancelEndpoints(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/runs", startRunSpec(t, "build"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var run RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))

	rec = h.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/pause", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/resume", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Pausing a cancelled run is a state conflict.
	rec = h.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryStepConflict(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/runs", startRunSpec(t, "build"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var run RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))

	// The step is still pending, so there is nothing to retry.
	rec = h.do(t, http.MethodPost, "/api/v1/steps/"+run.Steps[0].ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListEnginesEndpoint(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/engines", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var engines []EngineStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &engines))
	require.Len(t, engines, 1)
	assert.Equal(t, "noop", engines[0].ID)
	assert.True(t, engines[0].Default)
	assert.True(t, engines[0].Available)
}
