// Package customresource defines the lifecycle event and result shapes
// exchanged between the provisioning orchestrator and the IP resolver
// function.
package customresource

import (
	"bytes"
	"math"
	"strconv"
)

// RequestType is the lifecycle transition requested by the orchestrator.
type RequestType string

const (
	Create RequestType = "Create"
	Update RequestType = "Update"
	Delete RequestType = "Delete"
)

// Supported reports whether the resolver knows how to handle t.
func (t RequestType) Supported() bool {
	switch t {
	case Create, Update, Delete:
		return true
	}
	return false
}

// Event is a lifecycle request. Only RequestType and ResourceProperties are
// interpreted; the remaining fields are carried for logging.
type Event struct {
	RequestType        RequestType `json:"RequestType"`
	RequestID          string      `json:"RequestId,omitempty"`
	StackID            string      `json:"StackId,omitempty"`
	LogicalResourceID  string      `json:"LogicalResourceId,omitempty"`
	PhysicalResourceID string      `json:"PhysicalResourceId,omitempty"`
	ResourceType       string      `json:"ResourceType,omitempty"`
	ResourceProperties Properties  `json:"ResourceProperties"`
}

// Properties are the resource properties set by the orchestrator.
type Properties struct {
	ServiceToken      string        `json:"ServiceToken,omitempty"`
	VPCEndpointENIIDs []string      `json:"vpcEndpointEniIds"`
	UpdateTrigger     UpdateTrigger `json:"updateTrigger"`
}

// UpdateTrigger is an opaque, monotonically increasing value. Changing it
// forces the provisioning tool to re-run the resolver on every deployment.
type UpdateTrigger int64

// UnmarshalJSON accepts a JSON number or a numeric string. CloudFormation
// stringifies every resource property before it reaches the function.
// Any other shape decodes to zero; the value is never interpreted.
func (u *UpdateTrigger) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		b = b[1 : len(b)-1]
	}
	s := string(b)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*u = UpdateTrigger(v)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		*u = UpdateTrigger(int64(f))
		return nil
	}
	*u = 0
	return nil
}

func (u UpdateTrigger) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(u), 10), nil
}
