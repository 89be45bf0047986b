package runtime

import (
	"context"
)

// Handler defines a lifecycle-aware Lambda handler for input type T and
// output type R. Validate and Handler both receive the decoded event.
type Handler[T, R any] interface {
	ColdStart(ctx context.Context) error
	Validate(ctx context.Context, event T) error
	Handler(ctx context.Context, event T) (R, error)
	Shutdown(ctx context.Context) error
}
