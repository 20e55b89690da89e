// Package feedback classifies QA findings and routes them to an action:
// automatic fix, retry, human escalation, or a hard block.
package feedback

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/logging"
	"github.com/fyrsmithlabs/stepd/internal/qa"
)

// Action is what the orchestrator should do with a finding.
type Action string

const (
	ActionAutoFix  Action = "auto_fix"
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
	ActionIgnore   Action = "ignore"
	ActionBlock    Action = "block"
)

// Category buckets findings for routing.
type Category string

const (
	CategorySyntax    Category = "syntax"
	CategoryLint      Category = "lint"
	CategoryFormat    Category = "format"
	CategoryTypeCheck Category = "typecheck"
	CategoryTest      Category = "test"
	CategorySecurity  Category = "security"
	CategoryLogic     Category = "logic"
	CategoryOther     Category = "other"
)

// Route is the handling decision for one category.
type Route struct {
	Category    Category
	Action      Action
	MaxAttempts int
	Metadata    map[string]string
}

// Routed pairs a finding with its routing decision and the attempt count
// recorded so far for that finding. Resolved findings keep their
// resolution text so later QA rounds can report why they were cleared.
type Routed struct {
	Finding    qa.Finding
	Route      Route
	Attempt    int
	Resolved   bool
	Resolution string
}

// Classify assigns a finding to a category. Checks run in a fixed
// precedence order and the first hit wins, mirroring the keyword
// heuristics the QA checkers emit.
func Classify(f qa.Finding) Category {
	message := strings.ToLower(f.Message)
	ruleID := strings.ToLower(f.RuleID)

	containsAny := func(s string, subs ...string) bool {
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}
	hasPrefix := func(s string, prefixes ...string) bool {
		if s == "" {
			return false
		}
		for _, p := range prefixes {
			if strings.HasPrefix(s, p) {
				return true
			}
		}
		return false
	}

	switch {
	case containsAny(message, "syntax", "parse", "unexpected token", "unterminated"):
		return CategorySyntax
	case containsAny(message, "lint", "ruff", "eslint", "pylint"),
		hasPrefix(ruleID, "e", "f", "w", "c", "n"):
		return CategoryLint
	case containsAny(message, "format", "black", "prettier", "indent"):
		return CategoryFormat
	case containsAny(message, "type", "mypy", "pyright", "tsc", "undefined"):
		return CategoryTypeCheck
	case containsAny(message, "test", "assert", "failed", "pytest"):
		return CategoryTest
	case containsAny(message, "security", "vulnerability", "secret", "credential", "password", "unsafe"),
		hasPrefix(ruleID, "s"):
		return CategorySecurity
	default:
		return CategoryOther
	}
}

// DefaultRoutes is the standard routing table.
func DefaultRoutes() map[Category]Route {
	return map[Category]Route{
		CategorySyntax:    {Category: CategorySyntax, Action: ActionAutoFix, MaxAttempts: 3},
		CategoryLint:      {Category: CategoryLint, Action: ActionAutoFix, MaxAttempts: 3},
		CategoryFormat:    {Category: CategoryFormat, Action: ActionAutoFix, MaxAttempts: 2},
		CategoryTypeCheck: {Category: CategoryTypeCheck, Action: ActionAutoFix, MaxAttempts: 2},
		CategoryTest:      {Category: CategoryTest, Action: ActionRetry, MaxAttempts: 2},
		CategorySecurity:  {Category: CategorySecurity, Action: ActionBlock, MaxAttempts: 1},
		CategoryLogic:     {Category: CategoryLogic, Action: ActionEscalate, MaxAttempts: 1},
		CategoryOther:     {Category: CategoryOther, Action: ActionEscalate, MaxAttempts: 1},
	}
}

// Router tracks per-finding attempt counts and applies the routing
// table. Safe for concurrent use; attempt state lives for the router's
// lifetime, which the orchestrator scopes to one step execution session.
type Router struct {
	routes map[Category]Route
	logger *logging.Logger

	mu          sync.Mutex
	attempts    map[string]int
	resolutions map[string]string

	routedTotal metric.Int64Counter
}

// NewRouter builds a router. A nil routes map uses DefaultRoutes.
func NewRouter(routes map[Category]Route, logger *logging.Logger) *Router {
	if routes == nil {
		routes = DefaultRoutes()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Router{
		routes:      routes,
		logger:      logger.Named("feedback"),
		attempts:    make(map[string]int),
		resolutions: make(map[string]string),
	}

	meter := otel.Meter("stepd/feedback")
	var err error
	r.routedTotal, err = meter.Int64Counter("feedback.routed",
		metric.WithDescription("Findings routed by category and action"))
	if err != nil {
		r.logger.Warn(context.Background(), "failed to create feedback.routed counter", zap.Error(err))
	}
	return r
}

// findingKey dedups findings across QA rounds: same gate, same file,
// same leading message text.
func findingKey(f qa.Finding) string {
	msg := f.Message
	if len(msg) > 50 {
		msg = msg[:50]
	}
	return f.GateID + ":" + f.FilePath + ":" + msg
}

// Route decides the action for one finding. Once the recorded attempts
// reach the route's maximum the decision becomes ESCALATE with
// reason=max_attempts_exceeded. Route does not mutate attempt state, so
// repeated calls return the same decision until IncrementAttempt.
func (r *Router) Route(ctx context.Context, f qa.Finding) Routed {
	category := Classify(f)
	route, ok := r.routes[category]
	if !ok {
		route = Route{Category: category, Action: ActionEscalate, MaxAttempts: 1}
	}

	key := findingKey(f)
	r.mu.Lock()
	attempt := r.attempts[key]
	resolution, resolved := r.resolutions[key]
	r.mu.Unlock()

	if resolved {
		return Routed{
			Finding:    f,
			Route:      Route{Category: category, Action: ActionIgnore},
			Attempt:    attempt,
			Resolved:   true,
			Resolution: resolution,
		}
	}

	if attempt >= route.MaxAttempts {
		route = Route{
			Category: category,
			Action:   ActionEscalate,
			Metadata: map[string]string{"reason": "max_attempts_exceeded"},
		}
	}

	if r.routedTotal != nil {
		r.routedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", string(category)),
			attribute.String("action", string(route.Action)),
		))
	}

	return Routed{Finding: f, Route: route, Attempt: attempt}
}

// RouteAll routes a batch of findings in order.
func (r *Router) RouteAll(ctx context.Context, findings []qa.Finding) []Routed {
	out := make([]Routed, len(findings))
	for i, f := range findings {
		out[i] = r.Route(ctx, f)
	}
	return out
}

// IncrementAttempt records one handling attempt for a finding.
func (r *Router) IncrementAttempt(routed *Routed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := findingKey(routed.Finding)
	r.attempts[key]++
	routed.Attempt = r.attempts[key]
}

// MarkResolved records that a finding was fixed. Routing the same
// finding again returns IGNORE carrying the stored resolution.
func (r *Router) MarkResolved(routed *Routed, resolution string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolutions[findingKey(routed.Finding)] = resolution
	routed.Resolved = true
	routed.Resolution = resolution
}

// ResetAttempts clears all attempt counts.
func (r *Router) ResetAttempts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = make(map[string]int)
}

// AutoFixable filters a batch down to findings routed to AUTO_FIX.
func (r *Router) AutoFixable(ctx context.Context, findings []qa.Finding) []Routed {
	var out []Routed
	for _, routed := range r.RouteAll(ctx, findings) {
		if routed.Route.Action == ActionAutoFix {
			out = append(out, routed)
		}
	}
	return out
}

// Blocking filters a batch down to findings routed to BLOCK.
func (r *Router) Blocking(ctx context.Context, findings []qa.Finding) []Routed {
	var out []Routed
	for _, routed := range r.RouteAll(ctx, findings) {
		if routed.Route.Action == ActionBlock {
			out = append(out, routed)
		}
	}
	return out
}

const maxFixFileContent = 3000

// BuildFixPrompt renders the deterministic auto-fix prompt for a routed
// finding. File content is truncated so the prompt stays bounded.
func BuildFixPrompt(routed Routed, extraContext, fileContent string) string {
	f := routed.Finding
	var b strings.Builder

	fmt.Fprintf(&b, "# Auto-Fix Request (Attempt %d)\n\n", routed.Attempt+1)
	fmt.Fprintf(&b, "## Error Category: %s\n\n", routed.Route.Category)
	b.WriteString("## Error Details:\n")
	fmt.Fprintf(&b, "- Message: %s\n", f.Message)
	if f.FilePath != "" {
		fmt.Fprintf(&b, "- File: %s\n", f.FilePath)
	}
	if f.LineNumber > 0 {
		fmt.Fprintf(&b, "- Line: %d\n", f.LineNumber)
	}
	if f.RuleID != "" {
		fmt.Fprintf(&b, "- Rule: %s\n", f.RuleID)
	}

	if fileContent != "" {
		if len(fileContent) > maxFixFileContent {
			fileContent = fileContent[:maxFixFileContent]
		}
		b.WriteString("\n## File Content:\n```\n")
		b.WriteString(fileContent)
		b.WriteString("\n```\n")
	}
	if extraContext != "" {
		b.WriteString("\n## Additional Context:\n")
		b.WriteString(extraContext)
		b.WriteString("\n")
	}

	b.WriteString("\n## Instructions:\n")
	b.WriteString("Fix the error described above. Make minimal changes to resolve the issue.\n")
	b.WriteString("If the error cannot be fixed automatically, explain why.")

	return b.String()
}
