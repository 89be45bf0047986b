package customresource

import (
	"strconv"
	"strings"
)

const (
	// PhysicalResourceID identifies the resolution across Create, Update and
	// Delete of the same logical resource. It never depends on the request.
	PhysicalResourceID = "VPCEndpointIps"

	// AggregateKey holds every resolved address as a serialized JSON array.
	AggregateKey = "VPCEndpointIps"

	positionalPrefix = "IP"
)

// PositionalKey returns the data key of the i-th resolved address.
func PositionalKey(i int) string {
	return positionalPrefix + strconv.Itoa(i)
}

// Response is the wire result read back by the orchestrator. A failed
// resolution travels as an empty object, so both fields may be zero.
type Response struct {
	PhysicalResourceID string            `json:"PhysicalResourceId,omitempty"`
	Data               map[string]string `json:"Data,omitempty"`
}

// Empty reports whether r carries no resolution at all.
func (r Response) Empty() bool {
	return r.PhysicalResourceID == "" && len(r.Data) == 0
}

// Address returns the positional address i, if present.
func (r Response) Address(i int) (string, bool) {
	v, ok := r.Data[PositionalKey(i)]
	return v, ok && v != ""
}

// PositionalCount counts the IP<n> keys present in Data.
func (r Response) PositionalCount() int {
	n := 0
	for k := range r.Data {
		if !strings.HasPrefix(k, positionalPrefix) {
			continue
		}
		if _, err := strconv.Atoi(k[len(positionalPrefix):]); err == nil {
			n++
		}
	}
	return n
}
