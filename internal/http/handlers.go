package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/orchestrator"
	"github.com/fyrsmithlabs/stepd/internal/store"
)

// RunResponse is the API shape of a protocol run.
type RunResponse struct {
	ID           string         `json:"id"`
	ProtocolName string         `json:"protocol_name"`
	Status       string         `json:"status"`
	EngineID     string         `json:"engine_id,omitempty"`
	Model        string         `json:"model,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
	Steps        []StepResponse `json:"steps,omitempty"`
}

// StepResponse is the API shape of a step.
type StepResponse struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Status     string   `json:"status"`
	EngineID   string   `json:"engine_id,omitempty"`
	Model      string   `json:"model,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	MaxRetries int      `json:"max_retries"`
	Summary    string   `json:"summary,omitempty"`
}

// EventResponse is the API shape of a run event.
type EventResponse struct {
	ID        int64             `json:"id"`
	StepID    string            `json:"step_id,omitempty"`
	Type      string            `json:"type"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt string            `json:"created_at"`
}

// QARequest is the body for POST /api/v1/steps/:id/qa.
type QARequest struct {
	SkipGates []string `json:"skip_gates,omitempty"`
}

// EngineStatus pairs engine metadata with its availability.
type EngineStatus struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Kind         string `json:"kind"`
	DefaultModel string `json:"default_model,omitempty"`
	Default      bool   `json:"default"`
	Available    bool   `json:"available"`
	Error        string `json:"error,omitempty"`
}

func runResponse(run *store.Run, steps []*store.Step) RunResponse {
	resp := RunResponse{
		ID:           run.ID,
		ProtocolName: run.ProtocolName,
		Status:       string(run.Status),
		EngineID:     run.EngineID,
		Model:        run.Model,
		CreatedAt:    run.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:    run.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	for _, s := range steps {
		resp.Steps = append(resp.Steps, StepResponse{
			ID:         s.ID,
			Name:       s.Name,
			Status:     string(s.Status),
			EngineID:   s.EngineID,
			Model:      s.Model,
			DependsOn:  s.DependsOn,
			MaxRetries: s.MaxRetries,
			Summary:    s.Summary,
		})
	}
	return resp
}

func httpError(err error) error {
	switch {
	case errors.Is(err, store.ErrRunNotFound), errors.Is(err, store.ErrStepNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStartRun(c echo.Context) error {
	var spec orchestrator.RunSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	run, err := s.orch.StartRun(c.Request().Context(), spec)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return httpError(err)
		}
		s.logger.Warn(c.Request().Context(), "start run rejected", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	steps, err := s.store.ListSteps(c.Request().Context(), run.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, runResponse(run, steps))
}

func (s *Server) handleListRuns(c echo.Context) error {
	var statuses []store.RunStatus
	if raw := c.QueryParam("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, store.RunStatus(strings.TrimSpace(part)))
		}
	}
	runs, err := s.store.ListRuns(c.Request().Context(), statuses...)
	if err != nil {
		return httpError(err)
	}
	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runResponse(run, nil))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetRun(c echo.Context) error {
	ctx := c.Request().Context()
	run, err := s.store.GetRun(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	steps, err := s.store.ListSteps(ctx, run.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, runResponse(run, steps))
}

func (s *Server) handleListEvents(c echo.Context) error {
	events, err := s.store.ListEvents(c.Request().Context(), c.Param("id"), c.QueryParam("step_id"))
	if err != nil {
		return httpError(err)
	}
	out := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, EventResponse{
			ID:        ev.ID,
			StepID:    ev.StepID,
			Type:      ev.Type,
			Message:   ev.Message,
			Metadata:  ev.Metadata,
			CreatedAt: ev.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handlePauseRun(c echo.Context) error {
	if err := s.orch.PauseRun(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleResumeRun(c echo.Context) error {
	if err := s.orch.ResumeRun(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	if err := s.orch.CancelRun(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleExecuteStep runs the step synchronously. Long-running steps
// should flow through the queue; this entry point serves manual
// driving and tests.
func (s *Server) handleExecuteStep(c echo.Context) error {
	ctx := c.Request().Context()
	stepID := c.Param("id")
	if err := s.orch.ExecuteStep(ctx, stepID); err != nil {
		return httpError(err)
	}
	step, err := s.store.GetStep(ctx, stepID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, StepResponse{
		ID:         step.ID,
		Name:       step.Name,
		Status:     string(step.Status),
		EngineID:   step.EngineID,
		Model:      step.Model,
		DependsOn:  step.DependsOn,
		MaxRetries: step.MaxRetries,
		Summary:    step.Summary,
	})
}

func (s *Server) handleRunQA(c echo.Context) error {
	var req QARequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result, err := s.orch.RunQA(c.Request().Context(), c.Param("id"), req.SkipGates...)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleRetryStep(c echo.Context) error {
	if err := s.orch.RetryStep(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleListEngines(c echo.Context) error {
	ctx := c.Request().Context()
	availability := s.registry.CheckAllAvailable(ctx)
	defaultID := s.registry.DefaultID()

	out := make([]EngineStatus, 0, len(availability))
	for _, meta := range s.registry.ListMetadata() {
		status := EngineStatus{
			ID:           meta.ID,
			DisplayName:  meta.DisplayName,
			Kind:         string(meta.Kind),
			DefaultModel: meta.DefaultModel,
			Default:      meta.ID == defaultID,
			Available:    availability[meta.ID] == nil,
		}
		if err := availability[meta.ID]; err != nil {
			status.Error = err.Error()
		}
		out = append(out, status)
	}
	return c.JSON(http.StatusOK, out)
}
