package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/provisioner"
	"github.com/gammadia/autogrid/registry"
	"github.com/gammadia/autogrid/scheduler/internal"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// AutoscalePlatform is the platform requested for nodes started on demand.
const AutoscalePlatform = "LINUX"

// Scaling starts nodes for queued sessions nobody can serve.
//
// Demand must stay unmet for the debounce period before nodes are requested,
// and no new scale-up happens while launched nodes are still pending. Pending
// nodes older than StuckAfter are presumed stuck and stop blocking; the pending
// reaper deals with them.
type Scaling struct {
	Nodes      *registry.NodeRegistry
	Fleet      fleet.Snapshot
	Catalog    BrowserCatalog
	Launcher   *Launcher
	MaxNodes   int
	Debounce   time.Duration
	StuckAfter time.Duration
	Env

	mutex       sync.Mutex
	queuedSince map[string]time.Time
	pendingAge  map[string]time.Time
}

func (s *Scaling) Tick(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.queuedSince == nil {
		s.queuedSince = map[string]time.Time{}
		s.pendingAge = map[string]time.Time{}
	}

	now := s.now()
	queued := lo.Filter(s.Fleet.Queued(), func(request fleet.QueuedRequest, _ int) bool {
		return capability.LinuxServes(request.Profile.Platform) && s.Catalog.Provisionable(request.Profile.Browser)
	})

	if s.trackPending(now) > 0 {
		clear(s.queuedSince)
	} else {
		for _, request := range queued {
			browser := capability.NormalizeBrowser(request.Profile.Browser)
			if _, ok := s.queuedSince[browser]; !ok {
				s.queuedSince[browser] = now
			}
		}
	}

	var errs []error
	for _, browser := range sortedKeys(s.queuedSince) {
		if now.Sub(s.queuedSince[browser]) <= s.Debounce {
			continue
		}
		delete(s.queuedSince, browser)

		count := lo.CountBy(queued, func(request fleet.QueuedRequest) bool {
			return capability.SameBrowser(request.Profile.Browser, browser)
		})
		if count == 0 {
			continue
		}
		if err := s.scaleUp(ctx, browser, count); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// trackPending records when each pending node was first seen and returns how
// many of them still block scale-up.
func (s *Scaling) trackPending(now time.Time) int {
	pending := s.Nodes.Pending()
	if len(pending) == 0 {
		clear(s.pendingAge)
		return 0
	}

	current := map[string]bool{}
	for _, node := range pending {
		current[node.InstanceID] = true
		if _, ok := s.pendingAge[node.InstanceID]; !ok {
			s.pendingAge[node.InstanceID] = now
		}
	}
	for id := range s.pendingAge {
		if !current[id] {
			delete(s.pendingAge, id)
		}
	}

	blocking := 0
	for id, since := range s.pendingAge {
		if now.Sub(since) > s.StuckAfter {
			s.log().Debug("Pending node looks stuck, no longer waiting for it", "node", id, "since", since)
			continue
		}
		blocking += 1
	}
	return blocking
}

func (s *Scaling) scaleUp(ctx context.Context, browser string, queued int) error {
	sessionsPerNode := s.Catalog.SessionsPerNode(browser)
	existing := lo.CountBy(s.Nodes.List(), func(node registry.DynamicNode) bool {
		return node.Status != registry.NodeStatusTerminated
	})
	// Launched nodes are tracked and pending at once; count them once.
	pending := lo.CountBy(s.Nodes.Pending(), func(pending registry.PendingNode) bool {
		return !s.Nodes.Exists(pending.InstanceID)
	})

	count := internal.NodesToProvision(queued, sessionsPerNode, s.MaxNodes, existing, pending)
	if count == 0 {
		s.log().Warn("Queued sessions need nodes but the node cap is reached", "browser", browser, "queued", queued, "maxNodes", s.MaxNodes)
		return nil
	}

	request := provisioner.LaunchRequest{
		RunID:       uuid.NewString(),
		Platform:    AutoscalePlatform,
		Browser:     browser,
		Count:       count,
		MaxSessions: sessionsPerNode,
	}
	s.log().Info("Scaling up for queued sessions", "browser", browser, "queued", queued, "nodes", count, "run", request.RunID)

	instances, err := s.Launcher.Launch(ctx, request)
	if err != nil {
		s.emit(EventLaunchFailed{Browser: browser, Count: count, Error: err})
		return err
	}

	s.emit(EventNodesLaunched{
		Browser: browser,
		Run:     request.RunID,
		Nodes:   lo.Map(instances, func(instance provisioner.Instance, _ int) string { return instance.ID }),
	})
	return nil
}

// QueuedSince returns the tracked demand timers, for status reporting.
func (s *Scaling) QueuedSince() map[string]time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	timers := make(map[string]time.Time, len(s.queuedSince))
	for browser, since := range s.queuedSince {
		timers[browser] = since
	}
	return timers
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
