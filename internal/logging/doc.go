// Package logging provides the structured logger used across stepd.
//
// It wraps go.uber.org/zap with context-aware methods that attach
// correlation fields (trace/span IDs, run and step IDs, request IDs)
// extracted from the context on every call.
package logging
