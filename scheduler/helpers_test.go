package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/capacity"
	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/provisioner"
	"github.com/gammadia/autogrid/registry"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	chrome  = capability.Profile{Browser: "chrome", Platform: "LINUX"}
	firefox = capability.Profile{Browser: "firefox"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockProvisioner records calls and hands out sequential instance ids.
type mockProvisioner struct {
	mu sync.Mutex

	launched   []provisioner.LaunchRequest
	terminated []string
	instances  []provisioner.Instance
	next       int

	launchErr    error
	terminateErr error
	describeErr  error
}

var _ provisioner.Provisioner = (*mockProvisioner)(nil)

func (p *mockProvisioner) Launch(_ context.Context, request provisioner.LaunchRequest) ([]provisioner.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.launched = append(p.launched, request)
	if p.launchErr != nil {
		return nil, p.launchErr
	}

	var instances []provisioner.Instance
	for i := 0; i < request.Count; i++ {
		p.next++
		instances = append(instances, provisioner.Instance{ID: fmt.Sprintf("i-%d", p.next), IP: "10.0.0.1"})
	}
	return instances, nil
}

func (p *mockProvisioner) Terminate(_ context.Context, instanceID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.terminated = append(p.terminated, instanceID)
	if p.terminateErr != nil {
		return false, p.terminateErr
	}
	return true, nil
}

func (p *mockProvisioner) DescribeAll(_ context.Context, _ string) ([]provisioner.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.describeErr != nil {
		return nil, p.describeErr
	}
	return p.instances, nil
}

func (p *mockProvisioner) Launched() []provisioner.LaunchRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provisioner.LaunchRequest(nil), p.launched...)
}

func (p *mockProvisioner) Terminated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.terminated...)
}

type fakeProbe struct {
	live   bool
	probed []string
}

func (p *fakeProbe) HasLiveSessions(_ context.Context, host string) bool {
	p.probed = append(p.probed, host)
	return p.live
}

type fakeCatalog map[string]int

func (c fakeCatalog) Provisionable(browser string) bool {
	_, ok := c[capability.NormalizeBrowser(browser)]
	return ok
}

func (c fakeCatalog) SessionsPerNode(browser string) int {
	return max(c[capability.NormalizeBrowser(browser)], 1)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func eventsOf[T Event](l *eventLog) []T {
	l.mu.Lock()
	defer l.mu.Unlock()

	var typed []T
	for _, event := range l.events {
		if e, ok := event.(T); ok {
			typed = append(typed, e)
		}
	}
	return typed
}

type fixture struct {
	clock       *fakeClock
	hub         *fleet.Hub
	runs        *registry.RunRegistry
	nodes       *registry.NodeRegistry
	matcher     *capacity.Matcher
	provisioner *mockProvisioner
	probe       *fakeProbe
	events      *eventLog
}

func newFixture() *fixture {
	f := &fixture{
		clock:       &fakeClock{now: start},
		runs:        registry.NewRunRegistry(registry.RunRegistryConfig{Logger: silentLogger}),
		nodes:       registry.NewNodeRegistry(registry.NodeRegistryConfig{Logger: silentLogger}),
		provisioner: &mockProvisioner{},
		probe:       &fakeProbe{},
		events:      &eventLog{},
	}
	f.hub = fleet.NewHub(capacity.LifecycleMatcher{Nodes: f.nodes}, silentLogger)
	f.matcher = capacity.NewMatcher(f.runs, f.nodes, f.clock.Now)
	return f
}

func (f *fixture) env() Env {
	return Env{Logger: silentLogger, Clock: f.clock.Now, OnEvent: f.events.record}
}

// addEndpoint registers an endpoint exposing one slot per profile.
func (f *fixture) addEndpoint(t *testing.T, id, instanceID string, maxConcurrent int, slots ...capability.Profile) {
	t.Helper()
	endpoint := fleet.Endpoint{
		ID:            id,
		Host:          id + ":5555",
		MaxConcurrent: maxConcurrent,
		Config:        map[string]string{},
	}
	if instanceID != "" {
		endpoint.Config[fleet.ConfigInstanceID] = instanceID
	}
	for _, slot := range slots {
		endpoint.Slots = append(endpoint.Slots, fleet.Slot{Capability: slot})
	}
	require.NoError(t, f.hub.Register(endpoint))
}

func (f *fixture) bind(t *testing.T, endpointID string, slot int, runID string, profile capability.Profile) {
	t.Helper()
	require.NoError(t, f.hub.Bind(endpointID, slot, fleet.Session{
		ID:           fmt.Sprintf("%s-%d", endpointID, slot),
		RunID:        runID,
		Capabilities: profile,
	}))
}

// addNode tracks a dynamic node whose end date is offset from the fixture's
// current time.
func (f *fixture) addNode(instanceID string, capacity int, status registry.NodeStatus, endOffset time.Duration) {
	node := registry.NewDynamicNode(instanceID, "owner", "firefox", "linux", capacity, f.clock.Now().Add(-time.Hour), 0)
	node.EndDate = f.clock.Now().Add(endOffset)
	node.Status = status
	f.nodes.Add(*node)
}

func (f *fixture) node(t *testing.T, instanceID string) registry.DynamicNode {
	t.Helper()
	node, ok := f.nodes.Get(instanceID)
	require.True(t, ok, "node %s is not tracked", instanceID)
	return node
}

func repeat(profile capability.Profile, n int) []capability.Profile {
	profiles := make([]capability.Profile, n)
	for i := range profiles {
		profiles[i] = profile
	}
	return profiles
}
