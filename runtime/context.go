package runtime

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"
)

// RequestContext carries invocation metadata and the Lambda environment the
// resolver runs in.
type RequestContext struct {
	// Per-invocation fields
	AwsRequestID       string
	InvokedFunctionArn string
	Deadline           time.Time
	TraceID            string

	// Lambda environment metadata
	AWSRegion          string
	FunctionName       string
	FunctionVersion    string
	LogGroupName       string
	LogStreamName      string
	MemoryLimitInMB    int
	InitializationType string
}

type requestContextKey struct{}

// NewContext returns a context carrying lc. The pointer is stored so the
// event loop can reuse one struct across invocations.
func NewContext(parent context.Context, lc *RequestContext) context.Context {
	return context.WithValue(parent, requestContextKey{}, lc)
}

// FromContext retrieves the RequestContext stored in ctx, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	lc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return lc, ok
}

// WithRequestContext stores a copy of lc; later mutations of lc are not seen.
func WithRequestContext(parent context.Context, lc RequestContext) context.Context {
	c := lc
	return NewContext(parent, &c)
}

// RemainingTime reports how long the invocation may still run. It returns
// zero when no deadline is known.
func (rc *RequestContext) RemainingTime(now time.Time) time.Duration {
	if rc.Deadline.IsZero() || now.After(rc.Deadline) {
		return 0
	}
	return rc.Deadline.Sub(now)
}

// PopulateFromEnvironment overwrites the environment metadata from the
// variables Lambda sets for the function.
func (rc *RequestContext) PopulateFromEnvironment() {
	rc.AWSRegion = os.Getenv("AWS_REGION")
	if rc.AWSRegion == "" {
		rc.AWSRegion = os.Getenv("AWS_DEFAULT_REGION")
	}
	rc.FunctionName = os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
	rc.FunctionVersion = os.Getenv("AWS_LAMBDA_FUNCTION_VERSION")
	rc.LogGroupName = os.Getenv("AWS_LAMBDA_LOG_GROUP_NAME")
	rc.LogStreamName = os.Getenv("AWS_LAMBDA_LOG_STREAM_NAME")
	rc.InitializationType = os.Getenv("AWS_LAMBDA_INITIALIZATION_TYPE")

	if limit, err := strconv.Atoi(os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE")); err == nil {
		rc.MemoryLimitInMB = limit
	}
}

var requestContextPool = sync.Pool{
	New: func() any { return &RequestContext{} },
}

// GetPooledRequestContext returns a RequestContext with environment metadata
// populated. Return it with ReturnPooledRequestContext.
func GetPooledRequestContext() *RequestContext {
	rc := requestContextPool.Get().(*RequestContext)
	rc.PopulateFromEnvironment()
	return rc
}

// ReturnPooledRequestContext clears per-invocation fields and pools rc.
func ReturnPooledRequestContext(rc *RequestContext) {
	if rc == nil {
		return
	}
	*rc = RequestContext{}
	requestContextPool.Put(rc)
}
