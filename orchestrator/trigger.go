package orchestrator

import (
	"sync"
	"time"

	"github.com/gurre/vpce-resolver/customresource"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// NextTrigger returns a trigger strictly greater than prev. The clock in
// milliseconds is used when it is ahead, so values stay readable as times.
func NextTrigger(prev customresource.UpdateTrigger, now time.Time) customresource.UpdateTrigger {
	next := customresource.UpdateTrigger(now.UnixMilli())
	if next <= prev {
		next = prev + 1
	}
	return next
}

// TriggerSource hands out monotonically increasing update triggers.
type TriggerSource struct {
	mu    sync.Mutex
	clock Clock
	last  customresource.UpdateTrigger
}

// NewTriggerSource starts after last, typically the trigger recorded by the
// previous deployment.
func NewTriggerSource(clock Clock, last customresource.UpdateTrigger) *TriggerSource {
	return &TriggerSource{clock: clock, last: last}
}

func (s *TriggerSource) Next() customresource.UpdateTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = NextTrigger(s.last, s.clock.Now())
	return s.last
}

// Last returns the most recently issued trigger.
func (s *TriggerSource) Last() customresource.UpdateTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// NewEvent builds a lifecycle event for ids.
func NewEvent(rt customresource.RequestType, ids []string, version customresource.UpdateTrigger) customresource.Event {
	return customresource.Event{
		RequestType:        rt,
		LogicalResourceID:  "CustomResource",
		PhysicalResourceID: physicalIDFor(rt),
		ResourceType:       "Custom::VPCEndpointIps",
		ResourceProperties: customresource.Properties{
			VPCEndpointENIIDs: append([]string(nil), ids...),
			UpdateTrigger:     version,
		},
	}
}

func physicalIDFor(rt customresource.RequestType) string {
	if rt == customresource.Create {
		return ""
	}
	return customresource.PhysicalResourceID
}
