package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/autogrid/provisioner"
	"github.com/gammadia/autogrid/registry"
)

// SessionProbe asks a node whether it still runs sessions.
type SessionProbe interface {
	HasLiveSessions(ctx context.Context, host string) bool
}

// BrowserCatalog tells which browsers may be provisioned.
type BrowserCatalog interface {
	Provisionable(browser string) bool
	SessionsPerNode(browser string) int
}

// Launcher starts nodes and tracks them: every instance returned by the
// provisioner becomes a RUNNING dynamic node and a pending entry until it
// shows up in the fleet.
type Launcher struct {
	Provisioner provisioner.Provisioner
	Nodes       *registry.NodeRegistry
	HubHost     string
	Lifetime    time.Duration
	Logger      *slog.Logger
	Clock       func() time.Time
}

func (l *Launcher) Launch(ctx context.Context, request provisioner.LaunchRequest) ([]provisioner.Instance, error) {
	if request.Count <= 0 {
		return nil, nil
	}
	if request.HubHost == "" {
		request.HubHost = l.HubHost
	}
	request.MaxSessions = max(request.MaxSessions, 1)

	instances, err := l.Provisioner.Launch(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to launch %d '%s' nodes for run '%s': %w", request.Count, request.Browser, request.RunID, err)
	}

	now := time.Now()
	if l.Clock != nil {
		now = l.Clock()
	}
	for _, instance := range instances {
		node := registry.NewDynamicNode(instance.ID, request.RunID, request.Browser, request.Platform, request.MaxSessions, now, l.Lifetime)
		node.IP = instance.IP
		l.Nodes.Add(*node)
		l.Nodes.AddPending(registry.PendingNode{InstanceID: instance.ID, RequestedAt: now})
	}

	if l.Logger != nil {
		l.Logger.Info("Launched nodes", "run", request.RunID, "browser", request.Browser, "count", len(instances))
	}
	return instances, nil
}
