package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stepd/internal/config"
)

func newTestAPIEngine(t *testing.T, handler http.HandlerFunc) Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("TEST_OPENCODE_KEY", "sk-test")

	return NewOpenCode(config.APIConfig{
		BaseURL:   srv.URL,
		Model:     "zai/glm-4.6",
		APIKeyEnv: "TEST_OPENCODE_KEY",
	}, nil)
}

func TestAPIEngineSuccess(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest

	e := newTestAPIEngine(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "all good"}},
			},
			"usage": map[string]any{"total_tokens": 42, "cost": 0.0125},
		})
	})

	res, err := e.Execute(context.Background(), Request{Prompt: "do the thing"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "all good", res.Output)
	assert.Equal(t, 42, res.TokensUsed)
	assert.InDelta(t, 1.25, res.CostCents, 0.0001)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "zai/glm-4.6", gotBody.Model)
	assert.False(t, gotBody.Stream)
	require.Len(t, gotBody.Messages, 1)
	assert.Equal(t, "user", gotBody.Messages[0].Role)
	assert.Equal(t, "do the thing", gotBody.Messages[0].Content)
}

func TestAPIEngineHTTPError(t *testing.T) {
	e := newTestAPIEngine(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := e.QA(context.Background(), Request{Prompt: "check"})
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, http.StatusTooManyRequests, cmdErr.StatusCode)
	assert.Contains(t, cmdErr.Body, "rate limited")
}

func TestAPIEngineEmptyContent(t *testing.T) {
	e := newTestAPIEngine(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "  "}},
			},
		})
	})

	_, err := e.Plan(context.Background(), Request{Prompt: "plan"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty content")
}

func TestAPIEngineMissingKeyIsConfigError(t *testing.T) {
	t.Setenv("TEST_MISSING_KEY", "")
	e := NewOpenCode(config.APIConfig{
		BaseURL:   "http://127.0.0.1:1",
		Model:     "zai/glm-4.6",
		APIKeyEnv: "TEST_MISSING_KEY",
	}, nil)

	_, err := e.Execute(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	assert.Error(t, e.CheckAvailability(context.Background()))
}
