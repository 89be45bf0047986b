package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewayv2"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/servicediscovery"
	"github.com/spf13/cobra"

	"github.com/gurre/vpce-resolver/config"
	"github.com/gurre/vpce-resolver/discovery"
	"github.com/gurre/vpce-resolver/gateway"
	"github.com/gurre/vpce-resolver/log"
	"github.com/gurre/vpce-resolver/orchestrator"
)

type options struct {
	outputsFile string
	endpointID  string
	skipRoutes  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Resolve VPC endpoint IPs and register them with Cloud Map",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.outputsFile, "outputs-file", "outputs.json", "file holding the outputs of the last deployment")
	root.PersistentFlags().StringVar(&opts.endpointID, "endpoint-id", "", "VPC endpoint id (overrides VPC_ENDPOINT_ID)")

	deploy := &cobra.Command{
		Use:   "deploy",
		Short: "Resolve endpoint IPs, register them and wire gateway routes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, func(ctx context.Context, o *orchestrator.Orchestrator, logger log.Logger) error {
				d, err := o.Deploy(ctx)
				if err != nil {
					return err
				}
				logger.Info(ctx, "deployed", "interfaces", d.InterfaceIDs, "addresses", d.Endpoints.Aggregate, "routes", len(d.Routes))
				return nil
			})
		},
	}
	deploy.Flags().BoolVar(&opts.skipRoutes, "skip-routes", false, "do not touch gateway routes")

	teardown := &cobra.Command{
		Use:   "teardown",
		Short: "Send Delete to the resolver and deregister instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, func(ctx context.Context, o *orchestrator.Orchestrator, logger log.Logger) error {
				// Delete never resolves, so a missing endpoint still tears down.
				var ids []string
				if opts.endpointID != "" {
					var err error
					if ids, err = o.Discover(ctx, opts.endpointID); err != nil {
						logger.WithError(err).Warn(ctx, "endpoint discovery failed, tearing down without interface ids")
					}
				}
				return o.Teardown(ctx, ids)
			})
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Invoke the resolver and print its result without registering",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, func(ctx context.Context, o *orchestrator.Orchestrator, _ log.Logger) error {
				resp, err := o.Resolve(ctx)
				if err != nil {
					return err
				}
				return orchestrator.WriteResponse(cmd.OutOrStdout(), resp)
			})
		},
	}

	root.AddCommand(deploy, teardown, resolve)
	return root
}

type action func(ctx context.Context, o *orchestrator.Orchestrator, logger log.Logger) error

func run(ctx context.Context, opts *options, fn action) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.endpointID != "" {
		cfg.VPCEndpointID = opts.endpointID
	}
	opts.endpointID = cfg.VPCEndpointID

	logger := log.New(log.ParseLevel(cfg.LoggerLevel), os.Stderr).With(
		"account_id", cfg.AccountID,
		"region", cfg.Region,
		"endpoint_service", cfg.ServiceNameEndpoint,
		"cross_account_principal", cfg.CrossAccountPrincipal,
	)

	previous, err := orchestrator.ReadOutputs(opts.outputsFile)
	if err != nil {
		logger.WithError(err).Error(ctx, "failed to read previous outputs")
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		logger.WithError(err).Error(ctx, "failed to load AWS configuration")
		return err
	}

	o := orchestrator.New(cfg, deps(cfg, awsCfg, opts, logger), previous)
	if err := fn(ctx, o, logger); err != nil {
		stage, _ := orchestrator.FailedStage(err)
		logger.WithError(err).Error(ctx, "orchestration failed", "stage", string(stage))
		return err
	}
	return nil
}

func deps(cfg *config.Config, awsCfg aws.Config, opts *options, logger log.Logger) orchestrator.Deps {
	d := orchestrator.Deps{
		EC2:      ec2.NewFromConfig(awsCfg),
		Invoker:  orchestrator.NewLambdaInvoker(lambda.NewFromConfig(awsCfg), cfg.ResolverFunction, cfg.InvokeAttempts, cfg.InvokeTimeout, logger),
		Registry: discovery.NewRegistry(servicediscovery.NewFromConfig(awsCfg), cfg.CloudMapServiceID, logger),
		Sink: orchestrator.MultiSink{
			orchestrator.FileSink{Path: opts.outputsFile},
			orchestrator.WriterSink{W: os.Stdout},
		},
		Logger: logger,
	}
	if !opts.skipRoutes {
		d.Routes = gateway.NewWirer(apigatewayv2.NewFromConfig(awsCfg), logger)
	}
	return d
}
