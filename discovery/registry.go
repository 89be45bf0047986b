// Package discovery registers resolved endpoint addresses as IP instances
// of a Cloud Map service.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/servicediscovery"
	"github.com/aws/smithy-go"

	"github.com/gurre/vpce-resolver/log"
)

// Cloud Map instance attributes for IP registrations.
const (
	AttrIPv4 = "AWS_INSTANCE_IPV4"
	AttrPort = "AWS_INSTANCE_PORT"
)

var ErrInvalidAddress = errors.New("invalid instance address")

// errCodeInstanceNotFound is returned when deregistering an unknown instance.
const errCodeInstanceNotFound = "InstanceNotFound"

// CloudMapAPI is the subset of the Cloud Map client used here.
type CloudMapAPI interface {
	RegisterInstance(ctx context.Context, params *servicediscovery.RegisterInstanceInput, optFns ...func(*servicediscovery.Options)) (*servicediscovery.RegisterInstanceOutput, error)
	DeregisterInstance(ctx context.Context, params *servicediscovery.DeregisterInstanceInput, optFns ...func(*servicediscovery.Options)) (*servicediscovery.DeregisterInstanceOutput, error)
}

// Instance is one IPv4 address registered under the service. Cloud Map
// does not allow health checks on IP instances of HTTP namespaces, so none
// are attached.
type Instance struct {
	ID   string
	IPv4 string
	Port int
}

// Validate checks that i can be registered as an IP instance.
func (i Instance) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: empty instance id", ErrInvalidAddress)
	}
	addr, err := netip.ParseAddr(i.IPv4)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidAddress, i.IPv4)
	}
	if i.Port <= 0 || i.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, i.Port)
	}
	return nil
}

type Registry struct {
	api       CloudMapAPI
	serviceID string
	log       log.Logger
}

func NewRegistry(api CloudMapAPI, serviceID string, logger log.Logger) *Registry {
	return &Registry{api: api, serviceID: serviceID, log: logger.With("service_id", serviceID)}
}

// Register creates or updates inst and returns the Cloud Map operation id.
// Registration with an existing id replaces its attributes.
func (r *Registry) Register(ctx context.Context, inst Instance) (string, error) {
	if err := inst.Validate(); err != nil {
		return "", err
	}
	out, err := r.api.RegisterInstance(ctx, &servicediscovery.RegisterInstanceInput{
		ServiceId:  aws.String(r.serviceID),
		InstanceId: aws.String(inst.ID),
		Attributes: map[string]string{
			AttrIPv4: inst.IPv4,
			AttrPort: strconv.Itoa(inst.Port),
		},
	})
	if err != nil {
		return "", fmt.Errorf("register instance %s: %w", inst.ID, err)
	}
	opID := aws.ToString(out.OperationId)
	r.log.Info(ctx, "registered instance", "instance_id", inst.ID, "ipv4", inst.IPv4, "port", inst.Port, "operation_id", opID)
	return opID, nil
}

// Deregister removes instanceID from the service. An instance that is
// already gone is not an error.
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	_, err := r.api.DeregisterInstance(ctx, &servicediscovery.DeregisterInstanceInput{
		ServiceId:  aws.String(r.serviceID),
		InstanceId: aws.String(instanceID),
	})
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorCode() == errCodeInstanceNotFound {
		r.log.Debug(ctx, "instance already deregistered", "instance_id", instanceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("deregister instance %s: %w", instanceID, err)
	}
	r.log.Info(ctx, "deregistered instance", "instance_id", instanceID)
	return nil
}
