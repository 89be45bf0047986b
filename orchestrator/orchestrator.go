// Package orchestrator drives one resolution per deployment: it discovers
// the endpoint's interfaces, invokes the resolver with a fresh trigger, and
// registers the resolved addresses with Cloud Map.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/gurre/vpce-resolver/config"
	"github.com/gurre/vpce-resolver/customresource"
	"github.com/gurre/vpce-resolver/discovery"
	"github.com/gurre/vpce-resolver/gateway"
	"github.com/gurre/vpce-resolver/log"
)

// Instance ids registered for the first and second resolved address.
var instanceIDs = [...]string{"IpInstance1", "IpInstance2"}

// EndpointAPI is the subset of the EC2 client used for discovery.
type EndpointAPI interface {
	DescribeVpcEndpoints(ctx context.Context, params *ec2.DescribeVpcEndpointsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcEndpointsOutput, error)
}

type Registrar interface {
	Register(ctx context.Context, inst discovery.Instance) (string, error)
	Deregister(ctx context.Context, instanceID string) error
}

type RouteWirer interface {
	Wire(ctx context.Context, apiID, integrationID, prefix string) ([]gateway.RouteChange, error)
}

// RegisteredEndpoints is what Consume registered and published.
type RegisteredEndpoints struct {
	Instances    []discovery.Instance
	OperationIDs []string
	Aggregate    string
}

// Deployment summarizes a successful Deploy.
type Deployment struct {
	InterfaceIDs []string
	Trigger      customresource.UpdateTrigger
	Endpoints    RegisteredEndpoints
	Routes       []gateway.RouteChange
}

type Orchestrator struct {
	cfg      *config.Config
	ec2      EndpointAPI
	invoker  Invoker
	registry Registrar
	routes   RouteWirer
	sink     OutputSink
	triggers *TriggerSource
	deployed bool
	log      log.Logger
}

// Deps are the collaborators of an Orchestrator. Routes may be nil when no
// HTTP API is configured.
type Deps struct {
	EC2      EndpointAPI
	Invoker  Invoker
	Registry Registrar
	Routes   RouteWirer
	Sink     OutputSink
	Clock    Clock
	Logger   log.Logger
}

// New builds an orchestrator. previous holds the outputs of the last
// deployment; without an address list the resource is treated as absent.
func New(cfg *config.Config, deps Deps, previous Outputs) *Orchestrator {
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Orchestrator{
		cfg:      cfg,
		ec2:      deps.EC2,
		invoker:  deps.Invoker,
		registry: deps.Registry,
		routes:   deps.Routes,
		sink:     deps.Sink,
		triggers: NewTriggerSource(clock, previous.UpdateTrigger),
		deployed: previous.VpcEndpointIps != "",
		log:      deps.Logger,
	}
}

// Discover returns the network interfaces of an available VPC endpoint.
func (o *Orchestrator) Discover(ctx context.Context, endpointID string) ([]string, error) {
	out, err := o.ec2.DescribeVpcEndpoints(ctx, &ec2.DescribeVpcEndpointsInput{
		VpcEndpointIds: []string{endpointID},
	})
	if err != nil {
		return nil, fmt.Errorf("describe endpoint %s: %w", endpointID, err)
	}
	if len(out.VpcEndpoints) != 1 {
		return nil, fmt.Errorf("endpoint %s not found", endpointID)
	}
	ep := out.VpcEndpoints[0]
	if ep.State != ec2types.StateAvailable {
		return nil, fmt.Errorf("endpoint %s is %s, not available", endpointID, ep.State)
	}
	if len(ep.NetworkInterfaceIds) == 0 {
		return nil, fmt.Errorf("endpoint %s has no network interfaces", endpointID)
	}
	o.log.Info(ctx, "discovered endpoint interfaces",
		"endpoint_id", endpointID,
		"service_name", aws.ToString(ep.ServiceName),
		"interface_ids", ep.NetworkInterfaceIds)
	return ep.NetworkInterfaceIds, nil
}

// Trigger builds the event for this deployment with a fresh update trigger,
// so the resolver runs even when ids match the previous deployment.
func (o *Orchestrator) Trigger(ids []string) customresource.Event {
	rt := customresource.Create
	if o.deployed {
		rt = customresource.Update
	}
	return NewEvent(rt, ids, o.triggers.Next())
}

// Consume registers IP0 and IP1 as independent Cloud Map instances and
// publishes the aggregate list. Nothing is registered unless both addresses
// and the aggregate are present and valid.
func (o *Orchestrator) Consume(ctx context.Context, resp customresource.Response) (RegisteredEndpoints, error) {
	instances, agg, err := o.instances(resp)
	if err != nil {
		return RegisteredEndpoints{}, err
	}
	reg, err := o.register(ctx, instances, agg)
	if err != nil {
		return reg, err
	}
	return reg, o.publish(ctx, agg)
}

// instances checks resp and maps IP0 and IP1 to the instances to register.
func (o *Orchestrator) instances(resp customresource.Response) ([]discovery.Instance, string, error) {
	if resp.Empty() {
		return nil, "", stageErr(StageResolution, ErrEmptyResolution)
	}
	if n := resp.PositionalCount(); n < len(instanceIDs) {
		return nil, "", stageErr(StageResolution, fmt.Errorf("%w: got %d addresses, need %d", ErrPartialResolution, n, len(instanceIDs)))
	}
	agg, ok := resp.Data[customresource.AggregateKey]
	if !ok || agg == "" {
		return nil, "", stageErr(StageResolution, ErrMissingAggregate)
	}

	instances := make([]discovery.Instance, 0, len(instanceIDs))
	for i, id := range instanceIDs {
		ip, ok := resp.Address(i)
		if !ok {
			return nil, "", stageErr(StageResolution, fmt.Errorf("%w: %s missing", ErrPartialResolution, customresource.PositionalKey(i)))
		}
		inst := discovery.Instance{ID: id, IPv4: ip, Port: o.cfg.InstancePort}
		if err := inst.Validate(); err != nil {
			return nil, "", stageErr(StageResolution, err)
		}
		instances = append(instances, inst)
	}
	return instances, agg, nil
}

func (o *Orchestrator) register(ctx context.Context, instances []discovery.Instance, agg string) (RegisteredEndpoints, error) {
	var reg RegisteredEndpoints
	for _, inst := range instances {
		opID, err := o.registry.Register(ctx, inst)
		if err != nil {
			return reg, stageErr(StageRegistration, err)
		}
		reg.Instances = append(reg.Instances, inst)
		reg.OperationIDs = append(reg.OperationIDs, opID)
	}
	reg.Aggregate = agg
	return reg, nil
}

func (o *Orchestrator) publish(ctx context.Context, agg string) error {
	if err := o.sink.Publish(ctx, Outputs{
		VpcEndpointIps: agg,
		ApiGwUrl:       o.cfg.APIURL,
		UpdateTrigger:  o.triggers.Last(),
	}); err != nil {
		return stageErr(StageOutput, err)
	}
	return nil
}

// Deploy runs discovery, resolution, route wiring and registration, and
// stops at the first failing stage. Outputs are published only after every
// other stage succeeded.
func (o *Orchestrator) Deploy(ctx context.Context) (*Deployment, error) {
	if err := o.cfg.RequireDeploy(); err != nil {
		return nil, err
	}

	ids, err := o.Discover(ctx, o.cfg.VPCEndpointID)
	if err != nil {
		return nil, stageErr(StageDiscovery, err)
	}

	event := o.Trigger(ids)
	logger := o.log.With("request_type", string(event.RequestType), "update_trigger", int64(event.ResourceProperties.UpdateTrigger))
	logger.Info(ctx, "invoking resolver")

	resp, err := o.invoker.Invoke(ctx, event)
	if err != nil {
		return nil, stageErr(StageResolution, err)
	}
	instances, agg, err := o.instances(resp)
	if err != nil {
		return nil, err
	}

	d := &Deployment{
		InterfaceIDs: ids,
		Trigger:      event.ResourceProperties.UpdateTrigger,
	}

	// Routes depend only on configuration, so they are wired before
	// anything is registered.
	if o.routes != nil && o.cfg.HTTPAPIID != "" {
		d.Routes, err = o.routes.Wire(ctx, o.cfg.HTTPAPIID, o.cfg.IntegrationID, o.cfg.RoutePrefix)
		if err != nil {
			return d, stageErr(StageRouting, err)
		}
	}

	d.Endpoints, err = o.register(ctx, instances, agg)
	if err != nil {
		return d, err
	}
	if err := o.publish(ctx, agg); err != nil {
		return d, err
	}
	o.deployed = true

	logger.Info(ctx, "deployment complete", "addresses", agg)
	return d, nil
}

// Resolve discovers the endpoint and invokes the resolver without
// registering or publishing anything.
func (o *Orchestrator) Resolve(ctx context.Context) (customresource.Response, error) {
	if err := o.cfg.RequireEndpoint(); err != nil {
		return customresource.Response{}, err
	}
	ids, err := o.Discover(ctx, o.cfg.VPCEndpointID)
	if err != nil {
		return customresource.Response{}, stageErr(StageDiscovery, err)
	}
	resp, err := o.invoker.Invoke(ctx, o.Trigger(ids))
	if err != nil {
		return resp, stageErr(StageResolution, err)
	}
	if resp.Empty() {
		return resp, stageErr(StageResolution, ErrEmptyResolution)
	}
	return resp, nil
}

// Teardown sends Delete to the resolver, deregisters both instances and
// resets the published outputs so the next deployment sends Create.
// Instances already gone count as deregistered.
func (o *Orchestrator) Teardown(ctx context.Context, ids []string) error {
	resp, err := o.invoker.Invoke(ctx, NewEvent(customresource.Delete, ids, o.triggers.Next()))
	if err != nil {
		return stageErr(StageResolution, err)
	}
	if resp.PhysicalResourceID != customresource.PhysicalResourceID {
		return stageErr(StageResolution, fmt.Errorf("%w: delete returned physical id %q", ErrEmptyResolution, resp.PhysicalResourceID))
	}

	var errs []error
	for _, id := range instanceIDs {
		if err := o.registry.Deregister(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return stageErr(StageRegistration, err)
	}

	// The trigger is kept so later deployments stay monotonic.
	if err := o.sink.Publish(ctx, Outputs{UpdateTrigger: o.triggers.Last()}); err != nil {
		return stageErr(StageOutput, err)
	}
	o.deployed = false
	o.log.Info(ctx, "teardown complete")
	return nil
}
