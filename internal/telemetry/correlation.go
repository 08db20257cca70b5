package telemetry

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}

// WithCorrelation returns ctx carrying id, minting one when id is empty.
func WithCorrelation(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func Correlation(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(correlationKey{}).(string)
	return v
}
