package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/stepd/internal/config"
	"github.com/fyrsmithlabs/stepd/internal/logging"
)

const maxErrorBodyLen = 2000

// apiEngine talks to an OpenAI-compatible chat completions endpoint.
// All three actions issue the same call shape; the endpoint grants no
// filesystem access, so sandbox modes have no effect here.
type apiEngine struct {
	meta        Metadata
	baseURL     string
	apiKeyEnv   string
	temperature float64
	timeout     time.Duration
	client      *http.Client
	limiter     *rate.Limiter
	logger      *logging.Logger
}

// NewOpenCode builds the OpenCode API adapter from config. The API key is
// read from the environment at call time so rotation does not require a
// restart.
func NewOpenCode(cfg config.APIConfig, logger *logging.Logger) Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://opencode.ai/zen/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "zai/glm-4.6"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Minute
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &apiEngine{
		meta: Metadata{
			ID:           "opencode",
			DisplayName:  "OpenCode (OpenAI-compatible)",
			Kind:         KindAPI,
			DefaultModel: model,
			Description:  "OpenCode Zen chat completions API",
			Capabilities: []string{"plan", "execute", "qa"},
		},
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKeyEnv:   cfg.APIKeyEnv,
		temperature: cfg.Temperature,
		timeout:     timeout,
		client:      &http.Client{Timeout: timeout},
		limiter:     limiter,
		logger:      logger.Named("opencode"),
	}
}

func (e *apiEngine) Metadata() Metadata { return e.meta }

func (e *apiEngine) Plan(ctx context.Context, req Request) (*Result, error) {
	return e.call(ctx, req)
}

func (e *apiEngine) Execute(ctx context.Context, req Request) (*Result, error) {
	return e.call(ctx, req)
}

func (e *apiEngine) QA(ctx context.Context, req Request) (*Result, error) {
	return e.call(ctx, req)
}

// CheckAvailability verifies the API key is present.
func (e *apiEngine) CheckAvailability(_ context.Context) error {
	if os.Getenv(e.apiKeyEnv) == "" {
		return &ConfigError{EngineID: e.meta.ID, Reason: fmt.Sprintf("%s is not set", e.apiKeyEnv)}
	}
	return nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int     `json:"total_tokens"`
		Cost        float64 `json:"cost"`
	} `json:"usage"`
}

func (e *apiEngine) call(ctx context.Context, req Request) (*Result, error) {
	apiKey := os.Getenv(e.apiKeyEnv)
	if apiKey == "" {
		return nil, &ConfigError{EngineID: e.meta.ID, Reason: fmt.Sprintf("%s is required", e.apiKeyEnv)}
	}
	model := req.Model
	if model == "" {
		model = e.meta.DefaultModel
	}
	if model == "" {
		return nil, &ConfigError{EngineID: e.meta.ID, Reason: "no model configured"}
	}

	prompt, err := assemblePrompt(req)
	if err != nil {
		return nil, err
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	payload, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: e.temperature,
		Stream:      false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	url := e.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine %s request failed: %w", e.meta.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &CommandError{
			EngineID:   e.meta.ID,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBodyLen),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}

	content := ""
	if len(parsed.Choices) > 0 {
		content = parsed.Choices[0].Message.Content
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("engine %s returned empty content", e.meta.ID)
	}

	e.logger.Debug(ctx, "api engine call complete",
		zap.String("engine_id", e.meta.ID),
		zap.Int("total_tokens", parsed.Usage.TotalTokens),
		zap.String("run_id", req.RunID),
		zap.String("step_id", req.StepID),
	)

	return &Result{
		Success:    true,
		Output:     content,
		Duration:   time.Since(start),
		EngineID:   e.meta.ID,
		Model:      model,
		TokensUsed: parsed.Usage.TotalTokens,
		CostCents:  parsed.Usage.Cost * 100,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
