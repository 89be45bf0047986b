package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/servicediscovery"
	"github.com/aws/smithy-go"

	"github.com/gurre/vpce-resolver/config"
	"github.com/gurre/vpce-resolver/customresource"
	"github.com/gurre/vpce-resolver/discovery"
	"github.com/gurre/vpce-resolver/gateway"
	"github.com/gurre/vpce-resolver/log"
	"github.com/gurre/vpce-resolver/resolver"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeEC2 struct {
	endpoint ec2types.VpcEndpoint
	ifaces   []ec2types.NetworkInterface
	err      error
}

func (f *fakeEC2) DescribeVpcEndpoints(ctx context.Context, in *ec2.DescribeVpcEndpointsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcEndpointsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	if aws.ToString(f.endpoint.VpcEndpointId) != in.VpcEndpointIds[0] {
		return &ec2.DescribeVpcEndpointsOutput{}, nil
	}
	return &ec2.DescribeVpcEndpointsOutput{VpcEndpoints: []ec2types.VpcEndpoint{f.endpoint}}, nil
}

func (f *fakeEC2) DescribeNetworkInterfaces(ctx context.Context, in *ec2.DescribeNetworkInterfacesInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	return &ec2.DescribeNetworkInterfacesOutput{NetworkInterfaces: f.ifaces}, nil
}

type fakeRegistry struct {
	registered   []discovery.Instance
	deregistered []string
	failOn       string
}

func (f *fakeRegistry) Register(ctx context.Context, inst discovery.Instance) (string, error) {
	if inst.ID == f.failOn {
		return "", errors.New("cloud map unavailable")
	}
	f.registered = append(f.registered, inst)
	return "op-" + inst.ID, nil
}

func (f *fakeRegistry) Deregister(ctx context.Context, id string) error {
	f.deregistered = append(f.deregistered, id)
	return nil
}

type fakeWirer struct {
	calls int
	err   error
}

func (f *fakeWirer) Wire(ctx context.Context, apiID, integrationID, prefix string) ([]gateway.RouteChange, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []gateway.RouteChange{{RouteKey: "ANY " + prefix, Action: "created"}}, nil
}

type captureSink struct{ published []Outputs }

func (c *captureSink) Publish(ctx context.Context, out Outputs) error {
	c.published = append(c.published, out)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		AccountID:             "111122223333",
		Region:                "us-east-1",
		ServiceNameEndpoint:   "com.amazonaws.vpce.us-east-1.vpce-svc-1",
		CrossAccountPrincipal: "arn:aws:iam::444455556666:root",
		VPCEndpointID:         "vpce-1",
		CloudMapServiceID:     "srv-1",
		HTTPAPIID:             "api-1",
		IntegrationID:         "int-1",
		RoutePrefix:           "/employees",
		InstancePort:          8080,
		InvokeAttempts:        3,
	}
}

type harness struct {
	ec2      *fakeEC2
	registry *fakeRegistry
	wirer    *fakeWirer
	sink     *captureSink
	events   []customresource.Event
	orch     *Orchestrator
}

// newHarness wires a real resolver behind an in-process invoker.
func newHarness(previous Outputs, ifaces ...ec2types.NetworkInterface) *harness {
	h := &harness{
		ec2: &fakeEC2{
			endpoint: ec2types.VpcEndpoint{
				VpcEndpointId:       aws.String("vpce-1"),
				State:               ec2types.StateAvailable,
				NetworkInterfaceIds: []string{"eni-1", "eni-2"},
			},
			ifaces: ifaces,
		},
		registry: &fakeRegistry{},
		wirer:    &fakeWirer{},
		sink:     &captureSink{},
	}
	logger := log.New(log.LevelDebug, io.Discard)
	res := resolver.New(h.ec2, logger)
	invoker := InvokerFunc(func(ctx context.Context, e customresource.Event) (customresource.Response, error) {
		h.events = append(h.events, e)
		body, err := res.Resolve(ctx, e).MarshalJSON()
		if err != nil {
			return customresource.Response{}, err
		}
		var resp customresource.Response
		err = outputJSON.Unmarshal(body, &resp)
		return resp, err
	})
	h.orch = New(testConfig(), Deps{
		EC2:      h.ec2,
		Invoker:  invoker,
		Registry: h.registry,
		Routes:   h.wirer,
		Sink:     h.sink,
		Clock:    fixedClock{time.UnixMilli(1_700_000_000_000)},
		Logger:   logger,
	}, previous)
	return h
}

func eni(id, az, ip string) ec2types.NetworkInterface {
	return ec2types.NetworkInterface{NetworkInterfaceId: aws.String(id), AvailabilityZone: aws.String(az), PrivateIpAddress: aws.String(ip)}
}

func TestDeployRegistersTwoInstances(t *testing.T) {
	h := newHarness(Outputs{}, eni("eni-1", "us-east-1a", "10.0.1.5"), eni("eni-2", "us-east-1b", "10.0.2.9"))

	d, err := h.orch.Deploy(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.registry.registered) != 2 {
		t.Fatalf("expected 2 registrations, got %d", len(h.registry.registered))
	}
	want := []discovery.Instance{
		{ID: "IpInstance1", IPv4: "10.0.1.5", Port: 8080},
		{ID: "IpInstance2", IPv4: "10.0.2.9", Port: 8080},
	}
	for i, inst := range want {
		if h.registry.registered[i] != inst {
			t.Errorf("instance %d: expected %+v, got %+v", i, inst, h.registry.registered[i])
		}
	}
	if len(h.sink.published) != 1 || h.sink.published[0].VpcEndpointIps != `["10.0.1.5","10.0.2.9"]` {
		t.Errorf("unexpected outputs %+v", h.sink.published)
	}
	if h.sink.published[0].UpdateTrigger != d.Trigger {
		t.Errorf("outputs should record the trigger used, got %d want %d", h.sink.published[0].UpdateTrigger, d.Trigger)
	}
	if h.wirer.calls != 1 || len(d.Routes) != 1 {
		t.Errorf("routes should be wired once, calls=%d", h.wirer.calls)
	}
	if h.events[0].RequestType != customresource.Create {
		t.Errorf("first deployment should send Create, got %s", h.events[0].RequestType)
	}
}

func TestRedeployForcesFreshTrigger(t *testing.T) {
	// Test behavior: identical interface ids still produce a new, larger trigger and an Update
	h := newHarness(Outputs{}, eni("eni-1", "us-east-1a", "10.0.1.5"), eni("eni-2", "us-east-1b", "10.0.2.9"))
	ctx := context.Background()

	first, err := h.orch.Deploy(ctx)
	if err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	second, err := h.orch.Deploy(ctx)
	if err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	if second.Trigger <= first.Trigger {
		t.Errorf("trigger must increase: %d then %d", first.Trigger, second.Trigger)
	}
	if h.events[1].RequestType != customresource.Update {
		t.Errorf("redeploy should send Update, got %s", h.events[1].RequestType)
	}
}

func TestDeployContinuesFromPreviousOutputs(t *testing.T) {
	prev := Outputs{VpcEndpointIps: `["10.0.1.5","10.0.2.9"]`, UpdateTrigger: 1_800_000_000_000}
	h := newHarness(prev, eni("eni-1", "us-east-1a", "10.0.1.5"), eni("eni-2", "us-east-1b", "10.0.2.9"))

	d, err := h.orch.Deploy(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Trigger != prev.UpdateTrigger+1 {
		t.Errorf("expected trigger %d, got %d", prev.UpdateTrigger+1, d.Trigger)
	}
	if h.events[0].RequestType != customresource.Update {
		t.Errorf("existing resource should receive Update, got %s", h.events[0].RequestType)
	}
}

func TestDeployFailsOnPartialResolution(t *testing.T) {
	// Test behavior: one live address halts the deployment before any registration
	h := newHarness(Outputs{}, eni("eni-1", "us-east-1a", "10.0.1.5"))

	_, err := h.orch.Deploy(context.Background())
	if !errors.Is(err, ErrPartialResolution) {
		t.Fatalf("expected partial resolution, got %v", err)
	}
	if stage, _ := FailedStage(err); stage != StageResolution {
		t.Errorf("expected resolution stage, got %q", stage)
	}
	if len(h.registry.registered) != 0 || len(h.sink.published) != 0 || h.wirer.calls != 0 {
		t.Error("nothing may be registered, published or wired after a partial resolution")
	}
}

func TestDeployFailsOnEmptyResolution(t *testing.T) {
	h := newHarness(Outputs{})

	_, err := h.orch.Deploy(context.Background())
	if !errors.Is(err, ErrEmptyResolution) {
		t.Fatalf("expected empty resolution, got %v", err)
	}
	if len(h.registry.registered) != 0 {
		t.Errorf("zero addresses must not register placeholder instances")
	}
}

func TestDeployStageAttribution(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*harness)
		stage Stage
	}{
		{"discovery", func(h *harness) { h.ec2.err = errors.New("denied") }, StageDiscovery},
		{"endpoint pending", func(h *harness) { h.ec2.endpoint.State = ec2types.StatePending }, StageDiscovery},
		{"registration", func(h *harness) { h.registry.failOn = "IpInstance2" }, StageRegistration},
		{"routing", func(h *harness) { h.wirer.err = errors.New("conflict") }, StageRouting},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(Outputs{}, eni("eni-1", "us-east-1a", "10.0.1.5"), eni("eni-2", "us-east-1b", "10.0.2.9"))
			tc.setup(h)
			_, err := h.orch.Deploy(context.Background())
			stage, ok := FailedStage(err)
			if !ok || stage != tc.stage {
				t.Errorf("expected stage %s, got %v", tc.stage, err)
			}
		})
	}
}

func TestConsumeRejectsMissingAggregate(t *testing.T) {
	h := newHarness(Outputs{})
	_, err := h.orch.Consume(context.Background(), customresource.Response{
		PhysicalResourceID: customresource.PhysicalResourceID,
		Data:               map[string]string{"IP0": "10.0.1.5", "IP1": "10.0.2.9"},
	})
	if !errors.Is(err, ErrMissingAggregate) {
		t.Errorf("expected missing aggregate, got %v", err)
	}
}

func TestConsumeRejectsInvalidAddressBeforeRegistering(t *testing.T) {
	h := newHarness(Outputs{})
	_, err := h.orch.Consume(context.Background(), customresource.Response{
		PhysicalResourceID: customresource.PhysicalResourceID,
		Data:               map[string]string{"IP0": "10.0.1.5", "IP1": "garbage", "VPCEndpointIps": `["10.0.1.5","garbage"]`},
	})
	if !errors.Is(err, discovery.ErrInvalidAddress) {
		t.Errorf("expected invalid address, got %v", err)
	}
	if len(h.registry.registered) != 0 {
		t.Error("the valid first address must not be registered alone")
	}
}

func TestConsumeUsesOnlyFirstTwoAddresses(t *testing.T) {
	h := newHarness(Outputs{})
	reg, err := h.orch.Consume(context.Background(), customresource.Response{
		PhysicalResourceID: customresource.PhysicalResourceID,
		Data: map[string]string{
			"IP0": "10.0.1.5", "IP1": "10.0.2.9", "IP2": "10.0.3.3",
			"VPCEndpointIps": `["10.0.1.5","10.0.2.9","10.0.3.3"]`,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reg.Instances) != 2 || len(reg.OperationIDs) != 2 {
		t.Errorf("expected exactly two registrations, got %+v", reg)
	}
	if reg.Aggregate != `["10.0.1.5","10.0.2.9","10.0.3.3"]` {
		t.Errorf("aggregate should be republished whole, got %s", reg.Aggregate)
	}
}

// memCloudMap keeps registered instances and reports unknown ones the way
// Cloud Map does.
type memCloudMap struct {
	instances map[string]string
}

func (m *memCloudMap) RegisterInstance(ctx context.Context, in *servicediscovery.RegisterInstanceInput, _ ...func(*servicediscovery.Options)) (*servicediscovery.RegisterInstanceOutput, error) {
	m.instances[aws.ToString(in.InstanceId)] = in.Attributes[discovery.AttrIPv4]
	return &servicediscovery.RegisterInstanceOutput{OperationId: aws.String("op")}, nil
}

func (m *memCloudMap) DeregisterInstance(ctx context.Context, in *servicediscovery.DeregisterInstanceInput, _ ...func(*servicediscovery.Options)) (*servicediscovery.DeregisterInstanceOutput, error) {
	id := aws.ToString(in.InstanceId)
	if _, ok := m.instances[id]; !ok {
		return nil, &smithy.GenericAPIError{Code: "InstanceNotFound", Message: "not found"}
	}
	delete(m.instances, id)
	return &servicediscovery.DeregisterInstanceOutput{}, nil
}

func TestTeardown(t *testing.T) {
	h := newHarness(Outputs{VpcEndpointIps: `["10.0.1.5","10.0.2.9"]`, UpdateTrigger: 5})
	if err := h.orch.Teardown(context.Background(), []string{"eni-1", "eni-2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.events[0].RequestType != customresource.Delete {
		t.Errorf("expected Delete, got %s", h.events[0].RequestType)
	}
	if len(h.registry.deregistered) != 2 {
		t.Errorf("expected both instances deregistered, got %v", h.registry.deregistered)
	}
	if len(h.sink.published) != 1 {
		t.Fatalf("teardown should reset the outputs once, got %+v", h.sink.published)
	}
	if out := h.sink.published[0]; out.VpcEndpointIps != "" || out.UpdateTrigger != h.events[0].ResourceProperties.UpdateTrigger {
		t.Errorf("reset outputs should keep only the last trigger, got %+v", out)
	}
}

func TestTeardownIsRepeatable(t *testing.T) {
	// Test behavior: tearing down twice, or after a half registered deploy, succeeds
	h := newHarness(Outputs{}, eni("eni-1", "us-east-1a", "10.0.1.5"), eni("eni-2", "us-east-1b", "10.0.2.9"))
	cm := &memCloudMap{instances: map[string]string{}}
	h.orch.registry = discovery.NewRegistry(cm, "srv-1", log.New(log.LevelDebug, io.Discard))
	ctx := context.Background()

	if _, err := h.orch.Deploy(ctx); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	delete(cm.instances, "IpInstance2")

	if err := h.orch.Teardown(ctx, nil); err != nil {
		t.Fatalf("first teardown: %v", err)
	}
	if err := h.orch.Teardown(ctx, nil); err != nil {
		t.Fatalf("second teardown: %v", err)
	}
	if len(cm.instances) != 0 {
		t.Errorf("instances left behind: %v", cm.instances)
	}
}

func TestDeployAfterTeardownSendsCreate(t *testing.T) {
	h := newHarness(Outputs{}, eni("eni-1", "us-east-1a", "10.0.1.5"), eni("eni-2", "us-east-1b", "10.0.2.9"))
	ctx := context.Background()

	if _, err := h.orch.Deploy(ctx); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := h.orch.Teardown(ctx, nil); err != nil {
		t.Fatalf("teardown: %v", err)
	}

	// A fresh process reads the reset outputs.
	reset := h.sink.published[len(h.sink.published)-1]
	h2 := newHarness(reset, eni("eni-1", "us-east-1a", "10.0.1.5"), eni("eni-2", "us-east-1b", "10.0.2.9"))
	d, err := h2.orch.Deploy(ctx)
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if h2.events[0].RequestType != customresource.Create {
		t.Errorf("deleted resource should be recreated, got %s", h2.events[0].RequestType)
	}
	if d.Trigger <= reset.UpdateTrigger {
		t.Errorf("trigger must keep increasing across teardown: %d then %d", reset.UpdateTrigger, d.Trigger)
	}
}

func TestDeployRoutingFailureAppliesNothing(t *testing.T) {
	h := newHarness(Outputs{}, eni("eni-1", "us-east-1a", "10.0.1.5"), eni("eni-2", "us-east-1b", "10.0.2.9"))
	h.wirer.err = errors.New("apigw down")

	_, err := h.orch.Deploy(context.Background())
	if stage, _ := FailedStage(err); stage != StageRouting {
		t.Fatalf("expected routing stage, got %v", err)
	}
	if len(h.registry.registered) != 0 || len(h.sink.published) != 0 {
		t.Errorf("routing failure must not register or publish: registered=%d published=%d",
			len(h.registry.registered), len(h.sink.published))
	}

	h.wirer.err = nil
	if _, err := h.orch.Deploy(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if h.events[1].RequestType != customresource.Create {
		t.Errorf("a failed first deployment should be retried as Create, got %s", h.events[1].RequestType)
	}
}

func TestDeployRegistrationFailurePublishesNothing(t *testing.T) {
	h := newHarness(Outputs{}, eni("eni-1", "us-east-1a", "10.0.1.5"), eni("eni-2", "us-east-1b", "10.0.2.9"))
	h.registry.failOn = "IpInstance2"

	if _, err := h.orch.Deploy(context.Background()); err == nil {
		t.Fatal("expected registration failure")
	}
	if len(h.sink.published) != 0 {
		t.Errorf("outputs must not be published after a failed registration, got %+v", h.sink.published)
	}
}

func TestResolveRegistersNothing(t *testing.T) {
	h := newHarness(Outputs{}, eni("eni-2", "us-east-1b", "10.0.2.9"), eni("eni-1", "us-east-1a", "10.0.1.5"))

	resp, err := h.orch.Resolve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ip, _ := resp.Address(0); ip != "10.0.1.5" {
		t.Errorf("IP0 should come from the first zone, got %q", ip)
	}
	if len(h.registry.registered) != 0 || len(h.sink.published) != 0 || h.wirer.calls != 0 {
		t.Error("resolve must not register, publish or wire routes")
	}
}

func TestResolveReportsEmptyResult(t *testing.T) {
	h := newHarness(Outputs{})

	_, err := h.orch.Resolve(context.Background())
	if !errors.Is(err, ErrEmptyResolution) {
		t.Fatalf("expected ErrEmptyResolution, got %v", err)
	}
	if stage, _ := FailedStage(err); stage != StageResolution {
		t.Errorf("expected resolution stage, got %q", stage)
	}
}

func TestResolveRequiresEndpoint(t *testing.T) {
	h := newHarness(Outputs{})
	h.orch.cfg.VPCEndpointID = ""

	_, err := h.orch.Resolve(context.Background())
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, ok := FailedStage(err); ok {
		t.Error("a missing endpoint id is not a stage failure")
	}
}
