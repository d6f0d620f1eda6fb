// Package kit carries per-run and per-request values through contexts and
// attaches them to log records.
package kit

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	RunIDKey     contextKey = "kit_run_id"
	BatchKey     contextKey = "kit_batch"
	RequestIDKey contextKey = "kit_request_id"
	TriggerKey   contextKey = "kit_trigger" // "cli", "schedule", "http"
)

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}
func GetRunID(ctx context.Context) string {
	v, _ := ctx.Value(RunIDKey).(string)
	return v
}

func WithBatch(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, BatchKey, name)
}
func GetBatch(ctx context.Context) string {
	v, _ := ctx.Value(BatchKey).(string)
	return v
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithTrigger(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TriggerKey, t)
}
func GetTrigger(ctx context.Context) string {
	if v, ok := ctx.Value(TriggerKey).(string); ok {
		return v
	}
	return "cli"
}

// Logger returns base with the context's run, batch and request IDs attached.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	var attrs []any
	if v := GetRunID(ctx); v != "" {
		attrs = append(attrs, "run_id", v)
	}
	if v := GetBatch(ctx); v != "" {
		attrs = append(attrs, "batch", v)
	}
	if v := GetRequestID(ctx); v != "" {
		attrs = append(attrs, "request_id", v)
	}
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}
