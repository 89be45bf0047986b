package runtime

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gurre/vpce-resolver/log"
	"github.com/gurre/vpce-resolver/runtimeapi"
	jsoniter "github.com/json-iterator/go"
)

const (
	initTimeout     = 9 * time.Second
	shutdownTimeout = 2 * time.Second
	nextRetryDelay  = 100 * time.Millisecond
)

// ErrorResponse is the body posted to the Runtime API on failure.
type ErrorResponse struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
}

// Invocation outcomes reported in the per-invocation log line.
const (
	outcomeSuccess         = "success"
	outcomeUnmarshalError  = "unmarshal_error"
	outcomeValidationError = "validation_error"
	outcomeHandlerError    = "handler_error"
	outcomeMarshalError    = "marshal_error"
)

type EventLoop[T, R any] struct {
	handler Handler[T, R]
	logger  log.Logger
	api     runtimeapi.RuntimeAPI
	json    jsoniter.API

	requestContext RequestContext
}

// Option customizes an EventLoop.
type Option[T, R any] func(*EventLoop[T, R])

// WithLogger replaces the default stdout logger.
func WithLogger[T, R any](l log.Logger) Option[T, R] {
	return func(e *EventLoop[T, R]) { e.logger = l }
}

// WithRuntimeAPI sets the Runtime API client instead of building one from
// AWS_LAMBDA_RUNTIME_API.
func WithRuntimeAPI[T, R any](api runtimeapi.RuntimeAPI) Option[T, R] {
	return func(e *EventLoop[T, R]) { e.api = api }
}

func NewEventLoop[T, R any](h Handler[T, R], opts ...Option[T, R]) *EventLoop[T, R] {
	rc := GetPooledRequestContext()
	defer ReturnPooledRequestContext(rc)

	e := &EventLoop[T, R]{
		handler: h,
		logger:  log.New(log.LevelFromEnv(), os.Stdout),
		json: jsoniter.Config{
			EscapeHTML:                    false,
			SortMapKeys:                   false,
			ValidateJsonRawMessage:        false,
			MarshalFloatWith6Digits:       true,
			ObjectFieldMustBeSimpleString: true,
		}.Froze(),
		requestContext: *rc,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *EventLoop[T, R]) Run(ctx context.Context) error {
	if e.api == nil {
		api, err := runtimeapi.NewClient()
		if err != nil {
			return err
		}
		e.api = api
	}

	// Canceled on SIGTERM/SIGINT so handlers can observe shutdown.
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	initCtx, cancelInit := context.WithTimeout(sigCtx, initTimeout)
	defer cancelInit()

	if err := e.handler.ColdStart(initCtx); err != nil {
		e.logger.WithError(err).Error(ctx, "cold start failed")
		e.emitInitError(err)
		return err
	}

	for {
		select {
		case <-sigCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := e.handler.Shutdown(shutdownCtx); err != nil {
				e.logger.WithError(err).Error(context.Background(), "shutdown error")
			}
			cancel()
			return nil
		default:
		}

		start := time.Now()
		inv, err := e.api.Next(sigCtx)
		if err != nil {
			if sigCtx.Err() == nil {
				e.logger.WithError(err).Warn(sigCtx, "next invocation failed")
			}
			time.Sleep(nextRetryDelay)
			continue
		}
		e.invoke(sigCtx, inv, time.Since(start))
	}
}

// invocationTimings are the phase durations logged after every invocation.
type invocationTimings struct {
	next, unmarshal, validate, handler, marshal, post time.Duration
}

func (e *EventLoop[T, R]) invoke(parent context.Context, inv *runtimeapi.Invocation, next time.Duration) {
	start := time.Now()
	tm := invocationTimings{next: next}

	var (
		invokeCtx context.Context
		cancel    context.CancelFunc
	)
	if !inv.Deadline.IsZero() {
		invokeCtx, cancel = context.WithDeadline(parent, inv.Deadline)
	} else {
		invokeCtx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	e.requestContext.AwsRequestID = inv.RequestID
	e.requestContext.InvokedFunctionArn = inv.InvokedFunctionArn
	e.requestContext.Deadline = inv.Deadline
	e.requestContext.TraceID = inv.TraceID
	invokeCtx = NewContext(invokeCtx, &e.requestContext)
	invokeCtx = log.WithFields(invokeCtx, map[string]any{"request_id": inv.RequestID})

	outcome, errType := e.process(invokeCtx, inv, &tm)

	e.logger.Info(invokeCtx, "invocation complete",
		"outcome", outcome,
		"error_type", errType,
		"next_ms", tm.next.Milliseconds(),
		"unmarshal_ms", tm.unmarshal.Milliseconds(),
		"validate_ms", tm.validate.Milliseconds(),
		"handler_ms", tm.handler.Milliseconds(),
		"marshal_ms", tm.marshal.Milliseconds(),
		"post_ms", tm.post.Milliseconds(),
		"total_ms", (tm.next + time.Since(start)).Milliseconds(),
	)
}

func (e *EventLoop[T, R]) process(ctx context.Context, inv *runtimeapi.Invocation, tm *invocationTimings) (outcome, errType string) {
	var event T
	phase := time.Now()
	if len(inv.Payload) > 0 {
		if err := e.json.Unmarshal(inv.Payload, &event); err != nil {
			tm.unmarshal = time.Since(phase)
			return outcomeUnmarshalError, e.postError(ctx, inv.RequestID, "UnmarshalError", err, tm)
		}
	}
	tm.unmarshal = time.Since(phase)

	phase = time.Now()
	if err := e.handler.Validate(ctx, event); err != nil {
		tm.validate = time.Since(phase)
		return outcomeValidationError, e.postError(ctx, inv.RequestID, "ValidationError", err, tm)
	}
	tm.validate = time.Since(phase)

	phase = time.Now()
	result, err := e.handler.Handler(ctx, event)
	tm.handler = time.Since(phase)
	if err != nil {
		return outcomeHandlerError, e.postError(ctx, inv.RequestID, fmt.Sprintf("%T", err), err, tm)
	}

	phase = time.Now()
	body, err := e.json.Marshal(result)
	tm.marshal = time.Since(phase)
	if err != nil {
		return outcomeMarshalError, e.postError(ctx, inv.RequestID, "MarshalError", err, tm)
	}

	phase = time.Now()
	if err := e.api.Response(ctx, inv.RequestID, body); err != nil {
		e.logger.WithError(err).Error(ctx, "failed to post response")
	}
	tm.post = time.Since(phase)
	return outcomeSuccess, ""
}

func (e *EventLoop[T, R]) postError(ctx context.Context, requestID, errType string, cause error, tm *invocationTimings) string {
	body, _ := e.json.Marshal(ErrorResponse{ErrorMessage: cause.Error(), ErrorType: errType})
	phase := time.Now()
	if err := e.api.Error(ctx, requestID, body); err != nil {
		e.logger.WithError(err).Error(ctx, "failed to post invocation error")
	}
	tm.post = time.Since(phase)
	return errType
}

func (e *EventLoop[T, R]) emitInitError(err error) {
	body, _ := e.json.Marshal(ErrorResponse{ErrorMessage: err.Error(), ErrorType: "InitError"})
	_ = e.api.InitError(context.Background(), body)
}

// Start is the entrypoint for running a Lambda handler.
// Example usage from main:
//
//	runtime.Start(NewHandler())
func Start[T, R any](h Handler[T, R], opts ...Option[T, R]) {
	loop := NewEventLoop(h, opts...)
	if err := loop.Run(context.Background()); err != nil {
		os.Exit(1)
	}
}
