// Package resolver turns the network interfaces of a VPC endpoint into the
// private IPv4 addresses they currently hold.
package resolver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/gurre/vpce-resolver/customresource"
	"github.com/gurre/vpce-resolver/log"
)

// NetworkInterfaceAPI is the subset of the EC2 client used for resolution.
type NetworkInterfaceAPI interface {
	DescribeNetworkInterfaces(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
}

// EC2 error codes returned when a requested interface does not exist.
var notFoundCodes = []string{
	"InvalidNetworkInterfaceID.NotFound",
	"InvalidNetworkInterfaceID.Malformed",
}

type Resolver struct {
	api NetworkInterfaceAPI
	log log.Logger
}

func New(api NetworkInterfaceAPI, logger log.Logger) *Resolver {
	return &Resolver{api: api, log: logger}
}

// Resolve handles one lifecycle event. It never returns an error and never
// panics; every failure is reported through Result.Failure.
func (r *Resolver) Resolve(ctx context.Context, e customresource.Event) (res Result) {
	logger := r.log.With("request_type", string(e.RequestType), "request_id", e.RequestID)

	defer func() {
		if p := recover(); p != nil {
			res = failure(FailureInternal, fmt.Errorf("panic: %v", p))
		}
		if res.Failure != nil {
			logger.WithError(res.Failure.Err).Error(ctx, "resolution failed", "failure_kind", string(res.Failure.Kind))
		}
	}()

	logger.Info(ctx, "received event",
		"interface_ids", e.ResourceProperties.VPCEndpointENIIDs,
		"update_trigger", int64(e.ResourceProperties.UpdateTrigger))

	switch e.RequestType {
	case customresource.Create, customresource.Update:
		res = r.resolve(ctx, e.ResourceProperties.VPCEndpointENIIDs)
		if res.OK() {
			logger.Info(ctx, "resolved addresses", "data", res.Response.Data)
		}
		return res
	case customresource.Delete:
		return success(map[string]string{})
	default:
		return failure(FailureUnsupported, fmt.Errorf("unsupported RequestType %q", e.RequestType))
	}
}

func (r *Resolver) resolve(ctx context.Context, ids []string) Result {
	// An empty filter would describe every interface in the account.
	if len(ids) == 0 {
		return failure(FailureNoInterfaces, errors.New("no interface ids supplied"))
	}

	out, err := r.api.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
		NetworkInterfaceIds: ids,
	})
	if err != nil {
		return failure(classify(ctx, err), err)
	}

	ifaces := liveInterfaces(out.NetworkInterfaces)
	if len(ifaces) == 0 {
		return failure(FailureNoInterfaces, fmt.Errorf("none of %d interfaces has a private address", len(ids)))
	}

	addrs := make([]string, 0, len(ifaces))
	data := make(map[string]string, len(ifaces)+1)
	for i, ni := range ifaces {
		ip := aws.ToString(ni.PrivateIpAddress)
		data[customresource.PositionalKey(i)] = ip
		addrs = append(addrs, ip)
	}

	agg, err := wire.MarshalToString(addrs)
	if err != nil {
		return failure(FailureInternal, err)
	}
	data[customresource.AggregateKey] = agg
	return success(data)
}

// liveInterfaces drops interfaces without an address and orders the rest by
// availability zone, then interface id. EC2 guarantees no listing order, so
// positional keys would otherwise not map to distinct zones.
func liveInterfaces(in []ec2types.NetworkInterface) []ec2types.NetworkInterface {
	out := make([]ec2types.NetworkInterface, 0, len(in))
	for _, ni := range in {
		if aws.ToString(ni.PrivateIpAddress) == "" {
			continue
		}
		out = append(out, ni)
	}
	slices.SortStableFunc(out, func(a, b ec2types.NetworkInterface) int {
		return cmp.Or(
			cmp.Compare(aws.ToString(a.AvailabilityZone), aws.ToString(b.AvailabilityZone)),
			cmp.Compare(aws.ToString(a.NetworkInterfaceId), aws.ToString(b.NetworkInterfaceId)),
		)
	})
	return out
}

func classify(ctx context.Context, err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ae smithy.APIError
	if errors.As(err, &ae) && slices.Contains(notFoundCodes, ae.ErrorCode()) {
		return FailureNotFound
	}
	return FailureNetworkAPI
}
