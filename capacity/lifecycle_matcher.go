package capacity

import (
	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/fleet"
)

// LifecycleMatcher is a fleet.SlotMatcher that refuses slots on dynamic nodes
// that are no longer RUNNING, then defers to Next.
type LifecycleMatcher struct {
	Nodes NodeLookup
	Next  fleet.SlotMatcher
}

// LifecycleMatcher implements fleet.SlotMatcher
var _ fleet.SlotMatcher = LifecycleMatcher{}

func (m LifecycleMatcher) Match(endpoint fleet.Endpoint, slot fleet.Slot, desired capability.Profile) bool {
	if markedForShutdown(m.Nodes, endpoint) {
		return false
	}

	next := m.Next
	if next == nil {
		next = fleet.DefaultMatcher{}
	}
	return next.Match(endpoint, slot, desired)
}
