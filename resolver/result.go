package resolver

import (
	"fmt"

	"github.com/gurre/vpce-resolver/customresource"
	jsoniter "github.com/json-iterator/go"
)

// FailureKind classifies why a resolution produced no addresses.
type FailureKind string

const (
	FailureUnsupported  FailureKind = "unsupported_request"
	FailureNoInterfaces FailureKind = "no_interfaces"
	FailureNotFound     FailureKind = "interface_not_found"
	FailureNetworkAPI   FailureKind = "network_api"
	FailureTimeout      FailureKind = "timeout"
	FailureInternal     FailureKind = "internal"
)

// Failure is the typed signal behind an empty wire result.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result is either a successful response or a Failure. It serializes to the
// wire shape expected by the orchestrator: a failure becomes the empty
// object so that consumers checking only for absent keys keep working.
type Result struct {
	Response customresource.Response
	Failure  *Failure
}

// OK reports whether the resolution succeeded.
func (r Result) OK() bool { return r.Failure == nil }

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

// wireResponse keeps Data present even when empty, as Delete requires.
type wireResponse struct {
	PhysicalResourceID string            `json:"PhysicalResourceId"`
	Data               map[string]string `json:"Data"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	if r.Failure != nil {
		return []byte("{}"), nil
	}
	data := r.Response.Data
	if data == nil {
		data = map[string]string{}
	}
	return wire.Marshal(wireResponse{
		PhysicalResourceID: r.Response.PhysicalResourceID,
		Data:               data,
	})
}

func success(data map[string]string) Result {
	return Result{Response: customresource.Response{
		PhysicalResourceID: customresource.PhysicalResourceID,
		Data:               data,
	}}
}

func failure(kind FailureKind, err error) Result {
	return Result{Failure: &Failure{Kind: kind, Err: err}}
}
