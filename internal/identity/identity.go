// Package identity carries caller identity and trace metadata through
// context.Context so every layer logs and journals the same fields.
package identity

import (
	"context"

	"github.com/google/uuid"
)

type callerKey struct{}
type traceKey struct{}

// System-ability uids the broker special-cases. Calls from these uids arrive
// over the privileged inner surface, not from an application token.
const (
	VoIPServiceUID      = 7022
	HealthSportUID      = 7259
	AVSessionServiceUID = 6700
)

// systemAppFlag is set in the full token of preinstalled system applications.
const systemAppFlag uint64 = 1 << 32

// Caller identifies the origin of a request.
type Caller struct {
	UID         int32
	PID         int32
	UserID      int32
	Bundle      string
	TokenID     uint64
	FullTokenID uint64
}

// IsSystemApp reports whether the caller token carries the system app flag.
func (c Caller) IsSystemApp() bool {
	return c.FullTokenID&systemAppFlag != 0
}

// WithCaller attaches the caller identity to the context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom extracts the caller identity. ok is false when absent.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}
