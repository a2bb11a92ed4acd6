package capacity

import (
	"time"

	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/registry"
	"github.com/samber/lo"
)

// NodeLookup resolves the dynamic node behind an endpoint instance id.
// Both *registry.NodeRegistry and *registry.NodeTx implement it.
type NodeLookup interface {
	Get(instanceID string) (registry.DynamicNode, bool)
}

// RunSource lists the admitted runs.
type RunSource interface {
	List() []registry.RunRequest
}

// Matcher computes free execution slots for a profile across the fleet.
// Results are advisory: they are recomputed every time and never negative.
type Matcher struct {
	runs  RunSource
	nodes NodeLookup
	now   func() time.Time
}

func NewMatcher(runs RunSource, nodes NodeLookup, now func() time.Time) *Matcher {
	if now == nil {
		now = time.Now
	}
	return &Matcher{
		runs:  runs,
		nodes: nodes,
		now:   now,
	}
}

// FreeSlots returns how many more sessions of profile the fleet can take.
func (m *Matcher) FreeSlots(snapshot fleet.Snapshot, profile capability.Profile) int {
	return m.FreeSlotsWith(snapshot, m.nodes, profile)
}

// FreeSlotsWith is FreeSlots resolving node state through the given lookup,
// for callers already holding the node registry.
func (m *Matcher) FreeSlotsWith(snapshot fleet.Snapshot, nodes NodeLookup, profile capability.Profile) int {
	total := 0
	observed := map[string]int{}

	for _, endpoint := range snapshot.Endpoints() {
		sessions := endpoint.BoundSessions()
		for _, session := range sessions {
			if session.RunID != "" {
				observed[session.RunID]++
			}
		}

		matchingRunning := lo.CountBy(sessions, func(session fleet.Session) bool {
			return capability.Matches(profile, session.Capabilities)
		})

		// A node slated for destruction is not supply, and whatever matching
		// session still runs on it is taken back from the total.
		if markedForShutdown(nodes, endpoint) {
			total -= matchingRunning
			continue
		}

		total += max(endpointFreeSlots(endpoint, sessions, matchingRunning, profile), 0)
	}

	now := m.now()
	for _, run := range m.runs.List() {
		if observed[run.ID] > 0 || !run.IsNew(now) || !run.Wants(profile) {
			continue
		}
		total -= run.Threads - observed[run.ID]
	}

	return max(total, 0)
}

func endpointFreeSlots(endpoint fleet.Endpoint, sessions []fleet.Session, matchingRunning int, profile capability.Profile) int {
	matchingCapable := lo.CountBy(endpoint.Slots, func(slot fleet.Slot) bool {
		return capability.Matches(profile, slot.Capability)
	})
	running := len(sessions)
	maxConcurrent := endpoint.MaxConcurrent

	if running+matchingCapable > maxConcurrent {
		if matchingCapable < maxConcurrent {
			return matchingCapable - running
		}
		return maxConcurrent - running
	}
	return matchingCapable - matchingRunning
}

// InProgress counts the sessions matching profile bound anywhere in the fleet.
func (m *Matcher) InProgress(snapshot fleet.Snapshot, profile capability.Profile) int {
	return lo.SumBy(snapshot.Endpoints(), func(endpoint fleet.Endpoint) int {
		return lo.CountBy(endpoint.BoundSessions(), func(session fleet.Session) bool {
			return capability.Matches(profile, session.Capabilities)
		})
	})
}

func markedForShutdown(nodes NodeLookup, endpoint fleet.Endpoint) bool {
	instanceID := endpoint.InstanceID()
	if instanceID == "" {
		return false
	}
	node, ok := nodes.Get(instanceID)
	return ok && node.MarkedForShutdown()
}
