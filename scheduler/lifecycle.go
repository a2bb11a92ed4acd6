package scheduler

import (
	"context"
	"time"

	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/capacity"
	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/registry"
	"github.com/samber/lo"
)

// NewRequestChecker reports whether any admitted run is still too young to
// have its sessions show up in the fleet.
type NewRequestChecker interface {
	HasAnyNewRequest(now time.Time) bool
}

// NodeLifecycle moves dynamic nodes through RUNNING, EXPIRED and TERMINATED so
// that teardown lands just before a new billing hour starts.
//
// A tick decides every transition under the node registry lock, against a
// frozen copy of the fleet. Termination I/O (session probe, provisioner call)
// happens outside the lock, and the TERMINATED status is committed afterwards.
// Each node makes at most one transition per tick.
type NodeLifecycle struct {
	Runs       NewRequestChecker
	Nodes      *registry.NodeRegistry
	Fleet      fleet.Registry
	Matcher    *capacity.Matcher
	Terminator registry.Terminator
	Probe      SessionProbe
	Env
}

type terminationCandidate struct {
	node     registry.DynamicNode
	endpoint fleet.Endpoint
	inFleet  bool
}

func (l *NodeLifecycle) Tick(ctx context.Context) error {
	now := l.now()
	snapshot := fleet.Freeze(l.Fleet)
	hasNewRequest := l.Runs.HasAnyNewRequest(now)

	var candidates []terminationCandidate
	l.Nodes.Sweep(func(tx *registry.NodeTx) {
		for _, node := range tx.Nodes() {
			switch node.Status {
			case registry.NodeStatusRunning:
				if !now.After(node.EndDate) || hasNewRequest {
					continue
				}
				if l.canShutdown(tx, snapshot, *node) && node.Expire() {
					l.log().Info("Node reached its end date, marking as expired", "node", node.InstanceID, "endDate", node.EndDate)
					l.emit(EventNodeExpired{Node: node.InstanceID})
				}

			case registry.NodeStatusExpired:
				if now.After(node.EndDate.Add(RollbackAfter)) {
					if node.Renew() {
						l.log().Info("Expired node is still needed, renewing for another billing cycle", "node", node.InstanceID, "endDate", node.EndDate)
						l.emit(EventNodeRenewed{Node: node.InstanceID, EndDate: node.EndDate})
					}
					continue
				}
				endpoint, ok := fleet.FindByInstance(snapshot, node.InstanceID)
				candidates = append(candidates, terminationCandidate{node: *node, endpoint: endpoint, inFleet: ok})

			case registry.NodeStatusTerminated:
				if now.After(node.EndDate.Add(RemoveAfter)) && tx.Remove(node.InstanceID) {
					l.log().Info("Removing terminated node", "node", node.InstanceID)
					l.emit(EventNodeRemoved{Node: node.InstanceID})
				}
			}
		}
	})

	for _, candidate := range candidates {
		l.terminate(ctx, candidate)
	}
	return nil
}

// canShutdown reports whether every profile bound to the node can be served
// elsewhere. A node with nothing bound can always go.
func (l *NodeLifecycle) canShutdown(tx *registry.NodeTx, snapshot fleet.Snapshot, node registry.DynamicNode) bool {
	endpoint, ok := fleet.FindByInstance(snapshot, node.InstanceID)
	if !ok {
		return true
	}

	profiles := lo.UniqBy(
		lo.Map(endpoint.BoundSessions(), func(session fleet.Session, _ int) capability.Profile {
			return session.Capabilities
		}),
		capability.Profile.Key,
	)

	for _, profile := range profiles {
		free := l.Matcher.FreeSlotsWith(snapshot, tx, profile)
		if free == 0 {
			l.log().Debug("Node cannot shut down, no free capacity left for its profile", "node", node.InstanceID, "profile", profile.String())
			return false
		}

		matchingSlots := lo.CountBy(endpoint.Slots, func(slot fleet.Slot) bool {
			return capability.Matches(profile, slot.Capability)
		})
		if free < min(matchingSlots, node.Capacity) && l.Matcher.InProgress(snapshot, profile) != 0 {
			l.log().Debug("Node cannot shut down, remaining capacity would not absorb its sessions", "node", node.InstanceID, "profile", profile.String(), "free", free)
			return false
		}
	}
	return true
}

func (l *NodeLifecycle) terminate(ctx context.Context, candidate terminationCandidate) {
	node := candidate.node

	if candidate.inFleet && candidate.endpoint.HasBoundSessions() && l.Probe.HasLiveSessions(ctx, candidate.endpoint.Host) {
		l.log().Debug("Expired node still runs sessions, waiting", "node", node.InstanceID)
		return
	}

	destroyed, err := l.Terminator.Terminate(ctx, node.InstanceID)
	if err != nil || !destroyed {
		l.log().Error("Failed to terminate expired node", "node", node.InstanceID, "error", err)
	}

	if candidate.inFleet {
		l.Fleet.Remove(candidate.endpoint.ID)
	}

	committed := false
	l.Nodes.Sweep(func(tx *registry.NodeTx) {
		if live, ok := tx.Node(node.InstanceID); ok && live.Status == registry.NodeStatusExpired {
			committed = live.Terminate()
		}
	})
	if committed {
		l.log().Info("Terminated expired node", "node", node.InstanceID, "destroyed", destroyed)
		l.emit(EventNodeTerminated{Node: node.InstanceID, Destroyed: destroyed})
	}
}
