package orchestrator

import (
	"context"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/gurre/vpce-resolver/customresource"
	"github.com/gurre/vpce-resolver/log"
)

// Invoker runs the resolver for one lifecycle event.
type Invoker interface {
	Invoke(ctx context.Context, e customresource.Event) (customresource.Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, e customresource.Event) (customresource.Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, e customresource.Event) (customresource.Response, error) {
	return f(ctx, e)
}

// LambdaAPI is the subset of the Lambda client used to call the resolver.
type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaInvoker calls the resolver function synchronously and retries
// transport and function errors. An empty result is not retried here: it
// is a valid answer that the caller must treat as resolution failure.
type LambdaInvoker struct {
	api      LambdaAPI
	function string
	attempts uint
	timeout  time.Duration
	delay    time.Duration
	log      log.Logger
}

func NewLambdaInvoker(api LambdaAPI, function string, attempts uint, timeout time.Duration, logger log.Logger) *LambdaInvoker {
	return &LambdaInvoker{
		api:      api,
		function: function,
		attempts: attempts,
		timeout:  timeout,
		delay:    500 * time.Millisecond,
		log:      logger.With("function", function),
	}
}

func (l *LambdaInvoker) Invoke(ctx context.Context, e customresource.Event) (customresource.Response, error) {
	payload, err := outputJSON.Marshal(e)
	if err != nil {
		return customresource.Response{}, fmt.Errorf("encode event: %w", err)
	}

	return retry.DoWithData(
		func() (customresource.Response, error) {
			return l.invokeOnce(ctx, payload)
		},
		retry.Context(ctx),
		retry.Attempts(l.attempts),
		retry.Delay(l.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			l.log.WithError(err).Warn(ctx, "resolver invocation failed, retrying", "attempt", attempt+1)
		}),
	)
}

func (l *LambdaInvoker) invokeOnce(ctx context.Context, payload []byte) (customresource.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	out, err := l.api.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(l.function),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		return customresource.Response{}, fmt.Errorf("invoke %s: %w", l.function, err)
	}
	if fe := aws.ToString(out.FunctionError); fe != "" {
		return customresource.Response{}, fmt.Errorf("%w: %s: %s", ErrFunctionError, fe, out.Payload)
	}

	var resp customresource.Response
	if err := outputJSON.Unmarshal(out.Payload, &resp); err != nil {
		return customresource.Response{}, retry.Unrecoverable(fmt.Errorf("decode resolver result: %w", err))
	}
	return resp, nil
}
