package main

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/gurre/vpce-resolver/customresource"
	"github.com/gurre/vpce-resolver/log"
	"github.com/gurre/vpce-resolver/resolver"
	"github.com/gurre/vpce-resolver/runtime"
)

// Handler implements runtime.Handler[customresource.Event, resolver.Result].
type Handler struct {
	log      log.Logger
	resolver *resolver.Resolver
}

func NewHandler() *Handler {
	return &Handler{
		log: log.New(log.LevelFromEnv(), os.Stdout),
	}
}

// ColdStart builds the EC2 client once per execution environment.
func (h *Handler) ColdStart(ctx context.Context) error {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return err
	}
	h.resolver = resolver.New(ec2.NewFromConfig(cfg), h.log)
	return nil
}

// Validate accepts every event: rejecting here would surface as an
// invocation error, and the resolver reports all failures in its result.
func (h *Handler) Validate(ctx context.Context, e customresource.Event) error {
	return nil
}

func (h *Handler) Handler(ctx context.Context, e customresource.Event) (resolver.Result, error) {
	if rc, ok := runtime.FromContext(ctx); ok {
		ctx = log.WithFields(ctx, map[string]any{"function": rc.FunctionName})
	}
	return h.resolver.Resolve(ctx, e), nil
}

func (h *Handler) Shutdown(ctx context.Context) error {
	return nil
}

func main() {
	h := NewHandler()
	runtime.Start(h, runtime.WithLogger[customresource.Event, resolver.Result](h.log))
}
