package engine

import (
	"context"
	"fmt"
)

// noopEngine succeeds without doing any work. It keeps dev stacks and
// tests running when no agent CLI is installed.
type noopEngine struct{}

// NewNoop returns the noop engine.
func NewNoop() Engine { return &noopEngine{} }

func (e *noopEngine) Metadata() Metadata {
	return Metadata{
		ID:          "noop",
		DisplayName: "No-op Engine",
		Kind:        KindNoop,
		Description: "Succeeds without invoking any agent",
	}
}

func (e *noopEngine) result(action string, req Request) *Result {
	return &Result{
		Success:  true,
		Output:   fmt.Sprintf("noop %s: prompt %d bytes", action, len(req.Prompt)),
		EngineID: "noop",
		Model:    req.Model,
	}
}

func (e *noopEngine) Plan(_ context.Context, req Request) (*Result, error) {
	return e.result("plan", req), nil
}

func (e *noopEngine) Execute(_ context.Context, req Request) (*Result, error) {
	return e.result("execute", req), nil
}

func (e *noopEngine) QA(_ context.Context, req Request) (*Result, error) {
	return e.result("qa", req), nil
}

func (e *noopEngine) CheckAvailability(_ context.Context) error { return nil }
