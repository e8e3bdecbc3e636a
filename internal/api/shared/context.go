package shared

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type of request-scoped context keys set by the API layer
type ContextKey string

const (
	// SubjectContextKey holds the authenticated token subject
	SubjectContextKey ContextKey = "subject"

	// TraceIDKey holds the trace ID used to correlate logs and error responses
	TraceIDKey ContextKey = "traceID"
)

// SetTraceID stores traceID in ctx, generating one when it is empty.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace ID in ctx, or "" if none was set.
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// SetSubject stores the authenticated subject in ctx
func SetSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, SubjectContextKey, subject)
}

// GetSubject returns the authenticated subject and whether one was set
func GetSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(SubjectContextKey).(string)
	return subject, ok && subject != ""
}
