package fleet

import (
	"time"

	"github.com/gammadia/autogrid/capability"
)

// QueuedRequest is a session request the hub could not dispatch yet.
type QueuedRequest struct {
	ID       string             `json:"id"`
	RunID    string             `json:"uuid,omitempty"`
	Profile  capability.Profile `json:"profile"`
	QueuedAt time.Time          `json:"queuedAt"`
}

// Snapshot is the read-only view of the fleet consumed every cycle.
type Snapshot interface {
	Endpoints() []Endpoint
	Queued() []QueuedRequest
}

// Registry is a Snapshot that also lets the control plane deregister
// endpoints it tears down.
type Registry interface {
	Snapshot
	Remove(endpointID string) bool
}

// SlotMatcher decides whether a slot of an endpoint may serve a request.
type SlotMatcher interface {
	Match(endpoint Endpoint, slot Slot, desired capability.Profile) bool
}

// DefaultMatcher only compares the slot tag with the desired profile.
type DefaultMatcher struct{}

func (DefaultMatcher) Match(_ Endpoint, slot Slot, desired capability.Profile) bool {
	return capability.Matches(desired, slot.Capability)
}

// FindByInstance returns the endpoint carrying the given instance id.
func FindByInstance(snapshot Snapshot, instanceID string) (Endpoint, bool) {
	for _, endpoint := range snapshot.Endpoints() {
		if endpoint.InstanceID() == instanceID {
			return endpoint, true
		}
	}
	return Endpoint{}, false
}

// Frozen is a Snapshot captured at one instant.
type Frozen struct {
	endpoints []Endpoint
	queued    []QueuedRequest
}

// Freeze captures the current state of a snapshot. Work done under another
// lock reads the frozen copy so the hub is never locked from inside it.
func Freeze(snapshot Snapshot) Frozen {
	return Frozen{
		endpoints: snapshot.Endpoints(),
		queued:    snapshot.Queued(),
	}
}

func (f Frozen) Endpoints() []Endpoint {
	return f.endpoints
}

func (f Frozen) Queued() []QueuedRequest {
	return f.queued
}
