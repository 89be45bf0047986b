// Package gateway wires HTTP API routes to the Cloud Map integration that
// fronts the private backend.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewayv2"
	"github.com/aws/aws-sdk-go-v2/service/apigatewayv2/types"

	"github.com/gurre/vpce-resolver/log"
)

// RoutesAPI is the subset of the API Gateway v2 client used here.
type RoutesAPI interface {
	GetRoutes(ctx context.Context, params *apigatewayv2.GetRoutesInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetRoutesOutput, error)
	CreateRoute(ctx context.Context, params *apigatewayv2.CreateRouteInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.CreateRouteOutput, error)
	UpdateRoute(ctx context.Context, params *apigatewayv2.UpdateRouteInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.UpdateRouteOutput, error)
}

// RouteKeys returns the two route keys that send every method under prefix,
// including all sub-paths, to one integration.
func RouteKeys(prefix string) ([]string, error) {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		return nil, errors.New("route prefix must not be empty")
	}
	return []string{
		"ANY " + prefix,
		"ANY " + prefix + "/{proxy+}",
	}, nil
}

// Target is the route target string for an integration id.
func Target(integrationID string) string {
	return "integrations/" + integrationID
}

// RouteChange records what Wire did to one route key.
type RouteChange struct {
	RouteKey string
	RouteID  string
	Action   string // "created", "updated" or "unchanged"
}

type Wirer struct {
	api RoutesAPI
	log log.Logger
}

func NewWirer(api RoutesAPI, logger log.Logger) *Wirer {
	return &Wirer{api: api, log: logger}
}

// Wire makes the prefix routes of apiID target integrationID. Routes that
// already point there are left alone, so repeated calls are no-ops.
func (w *Wirer) Wire(ctx context.Context, apiID, integrationID, prefix string) ([]RouteChange, error) {
	keys, err := RouteKeys(prefix)
	if err != nil {
		return nil, err
	}
	existing, err := w.routes(ctx, apiID)
	if err != nil {
		return nil, err
	}

	target := Target(integrationID)
	changes := make([]RouteChange, 0, len(keys))
	for _, key := range keys {
		route, ok := existing[key]
		switch {
		case !ok:
			out, err := w.api.CreateRoute(ctx, &apigatewayv2.CreateRouteInput{
				ApiId:    aws.String(apiID),
				RouteKey: aws.String(key),
				Target:   aws.String(target),
			})
			if err != nil {
				return changes, fmt.Errorf("create route %q: %w", key, err)
			}
			changes = append(changes, RouteChange{RouteKey: key, RouteID: aws.ToString(out.RouteId), Action: "created"})
		case aws.ToString(route.Target) != target:
			_, err := w.api.UpdateRoute(ctx, &apigatewayv2.UpdateRouteInput{
				ApiId:   aws.String(apiID),
				RouteId: route.RouteId,
				Target:  aws.String(target),
			})
			if err != nil {
				return changes, fmt.Errorf("update route %q: %w", key, err)
			}
			changes = append(changes, RouteChange{RouteKey: key, RouteID: aws.ToString(route.RouteId), Action: "updated"})
		default:
			changes = append(changes, RouteChange{RouteKey: key, RouteID: aws.ToString(route.RouteId), Action: "unchanged"})
		}
	}

	for _, c := range changes {
		w.log.Info(ctx, "route wired", "api_id", apiID, "route_key", c.RouteKey, "route_id", c.RouteID, "action", c.Action)
	}
	return changes, nil
}

func (w *Wirer) routes(ctx context.Context, apiID string) (map[string]types.Route, error) {
	out := map[string]types.Route{}
	var token *string
	for {
		page, err := w.api.GetRoutes(ctx, &apigatewayv2.GetRoutesInput{ApiId: aws.String(apiID), NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("list routes of %s: %w", apiID, err)
		}
		for _, r := range page.Items {
			out[aws.ToString(r.RouteKey)] = r
		}
		if aws.ToString(page.NextToken) == "" {
			return out, nil
		}
		token = page.NextToken
	}
}
