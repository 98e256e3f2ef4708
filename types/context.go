package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyTenantID  contextKey = "tenant_id"
	keySubjectID contextKey = "subject_id"
)

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithTenantID adds tenant ID to context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, keyTenantID, tenantID)
}

// TenantID extracts tenant ID from context.
func TenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTenantID).(string)
	return v, ok && v != ""
}

// WithSubjectID adds the experiment subject ID to context.
func WithSubjectID(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, keySubjectID, subjectID)
}

// SubjectID extracts the experiment subject ID from context.
func SubjectID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keySubjectID).(string)
	return v, ok && v != ""
}
