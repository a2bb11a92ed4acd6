package scheduler

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/provisioner"
	"github.com/gammadia/autogrid/registry"
	"github.com/samber/lo"
)

// RunReaper forgets runs that no longer have sessions and force-terminates
// nodes that stayed pending for too long.
type RunReaper struct {
	Runs       *registry.RunRegistry
	Nodes      *registry.NodeRegistry
	Fleet      fleet.Registry
	Terminator registry.Terminator
	Env
}

func (r *RunReaper) Tick(ctx context.Context) error {
	now := r.now()

	if runs := r.Runs.ReapStale(r.Fleet, now); len(runs) > 0 {
		r.emit(EventRunsReaped{Runs: runs})
	}
	if nodes := r.Nodes.ReapExpiredPending(ctx, r.Terminator, now); len(nodes) > 0 {
		// A node may have registered right before being reaped. Its endpoint
		// must go too, or pending sync would adopt it back as supply.
		for _, id := range nodes {
			if endpoint, ok := fleet.FindByInstance(r.Fleet, id); ok && r.Fleet.Remove(endpoint.ID) {
				r.log().Info("Deregistered endpoint of reaped pending node", "node", id, "endpoint", endpoint.ID)
			}
		}
		r.emit(EventPendingReaped{Nodes: nodes})
	}
	return nil
}

// PendingSync reconciles the node registry with the fleet: pending nodes that
// registered are confirmed, and dynamic endpoints nobody tracks (after a
// restart, typically) are adopted from their config.
type PendingSync struct {
	Nodes    *registry.NodeRegistry
	Fleet    fleet.Snapshot
	Lifetime time.Duration
	Env
}

func (p *PendingSync) Tick(_ context.Context) error {
	now := p.now()

	for _, endpoint := range p.Fleet.Endpoints() {
		instanceID := endpoint.InstanceID()
		if instanceID == "" {
			continue
		}

		if p.Nodes.RemovePending(instanceID) {
			p.log().Info("Pending node joined the fleet", "node", instanceID, "endpoint", endpoint.ID)
			p.emit(EventNodeConfirmed{Node: instanceID})
		}

		if p.Nodes.Exists(instanceID) {
			continue
		}

		node, err := p.adopt(endpoint, now)
		if err != nil {
			p.log().Warn("Cannot adopt untracked endpoint", "node", instanceID, "endpoint", endpoint.ID, "error", err)
			continue
		}
		p.Nodes.Add(node)
		p.log().Info("Adopted untracked node", "node", instanceID, "run", node.RunID, "endDate", node.EndDate)
		p.emit(EventNodeAdopted{Node: instanceID, Run: node.RunID})
	}
	return nil
}

// adopt rebuilds a node record from endpoint config. The end date keeps the
// node's billing alignment: it is the first lifetime boundary still ahead.
func (p *PendingSync) adopt(endpoint fleet.Endpoint, now time.Time) (registry.DynamicNode, error) {
	createdAt, err := endpoint.CreatedAt()
	if err != nil {
		return registry.DynamicNode{}, fmt.Errorf("invalid %s: %w", fleet.ConfigCreatedAt, err)
	}

	node := registry.NewDynamicNode(
		endpoint.InstanceID(),
		endpoint.Config[fleet.ConfigRunID],
		endpoint.Config[fleet.ConfigBrowser],
		endpoint.Config[fleet.ConfigPlatform],
		endpoint.MaxSession(),
		createdAt,
		p.Lifetime,
	)
	for node.EndDate.Before(now) {
		node.EndDate = node.EndDate.Add(registry.BillingCycle)
	}
	if host, _, err := net.SplitHostPort(endpoint.Host); err == nil {
		node.IP = host
	}
	return *node, nil
}

// OrphanReaper terminates instances carrying our tag that nothing tracks: not
// a known node, not pending, and not in the fleet. Young instances are left
// alone so a launch in flight is never mistaken for an orphan.
type OrphanReaper struct {
	Provisioner provisioner.Provisioner
	Tag         string
	Nodes       *registry.NodeRegistry
	Fleet       fleet.Snapshot
	Grace       time.Duration
	Env
}

func (o *OrphanReaper) Tick(ctx context.Context) error {
	instances, err := o.Provisioner.DescribeAll(ctx, o.Tag)
	if err != nil {
		return fmt.Errorf("failed to describe instances, skipping orphan sweep: %w", err)
	}

	now := o.now()
	inFleet := lo.SliceToMap(o.Fleet.Endpoints(), func(endpoint fleet.Endpoint) (string, bool) {
		return endpoint.InstanceID(), true
	})

	for _, instance := range instances {
		if inFleet[instance.ID] || o.Nodes.Exists(instance.ID) || o.Nodes.PendingExists(instance.ID) {
			continue
		}

		launchedAt, err := instanceLaunchedAt(instance)
		if err != nil {
			o.log().Warn("Skipping instance with unusable launch time", "instance", instance.ID, "error", err)
			continue
		}
		if now.Sub(launchedAt) < o.Grace {
			continue
		}

		o.log().Warn("Terminating orphan instance", "instance", instance.ID, "name", instance.Name, "launchedAt", launchedAt)
		destroyed, err := o.Provisioner.Terminate(ctx, instance.ID)
		if err != nil || !destroyed {
			o.log().Error("Failed to terminate orphan instance", "instance", instance.ID, "error", err)
			continue
		}
		o.emit(EventOrphanTerminated{Instance: instance.ID})
	}
	return nil
}

func instanceLaunchedAt(instance provisioner.Instance) (time.Time, error) {
	if value, ok := instance.Tags[provisioner.TagLaunchedAt]; ok {
		return time.Parse(time.RFC3339, value)
	}
	if instance.LaunchedAt.IsZero() {
		return time.Time{}, fmt.Errorf("no launch time")
	}
	return instance.LaunchedAt, nil
}
