package capacity

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var firefox = capability.Profile{Browser: "firefox"}

type fixture struct {
	hub     *fleet.Hub
	runs    *registry.RunRegistry
	nodes   *registry.NodeRegistry
	matcher *Matcher
}

func newFixture() *fixture {
	f := &fixture{
		hub:   fleet.NewHub(nil, silentLogger),
		runs:  registry.NewRunRegistry(registry.RunRegistryConfig{Logger: silentLogger}),
		nodes: registry.NewNodeRegistry(registry.NodeRegistryConfig{Logger: silentLogger}),
	}
	f.matcher = NewMatcher(f.runs, f.nodes, func() time.Time { return now })
	return f
}

// addEndpoint registers an endpoint with the given slots, optionally bound to
// a dynamic node.
func (f *fixture) addEndpoint(t *testing.T, id string, maxConcurrent int, instanceID string, slots ...capability.Profile) {
	endpoint := fleet.Endpoint{
		ID:            id,
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

func (f *fixture) addNode(instanceID string, capacity int, status registry.NodeStatus) {
	node := registry.NewDynamicNode(instanceID, "owner", "firefox", "linux", capacity, now.Add(-time.Hour), 0)
	node.Status = status
	f.nodes.Add(*node)
}

func repeat(profile capability.Profile, n int) []capability.Profile {
	profiles := make([]capability.Profile, n)
	for i := range profiles {
		profiles[i] = profile
	}
	return profiles
}

func TestFreeSlotsRunningNode(t *testing.T) {
	f := newFixture()
	f.addEndpoint(t, "node-a", 50, "i-1", repeat(firefox, 10)...)
	f.addNode("i-1", 50, registry.NodeStatusRunning)

	assert.Equal(t, 10, f.matcher.FreeSlots(f.hub, firefox))
}

func TestFreeSlotsExpiredNodeClawsBackSessions(t *testing.T) {
	f := newFixture()
	f.addEndpoint(t, "node-a", 50, "i-1", repeat(firefox, 10)...)
	f.addNode("i-1", 50, registry.NodeStatusExpired)
	require.NoError(t, f.hub.Bind("node-a", 0, fleet.Session{Capabilities: firefox}))

	assert.Equal(t, 0, f.matcher.FreeSlots(f.hub, firefox))
}

func TestFreeSlotsClawBackReducesOtherSupply(t *testing.T) {
	f := newFixture()
	f.addEndpoint(t, "node-a", 10, "i-1", repeat(firefox, 10)...)
	f.addNode("i-1", 10, registry.NodeStatusExpired)
	require.NoError(t, f.hub.Bind("node-a", 0, fleet.Session{Capabilities: firefox}))
	require.NoError(t, f.hub.Bind("node-a", 1, fleet.Session{Capabilities: firefox}))
	f.addEndpoint(t, "static", 5, "", repeat(firefox, 5)...)

	assert.Equal(t, 3, f.matcher.FreeSlots(f.hub, firefox))
}

func TestFreeSlotsReservesUnstartedRuns(t *testing.T) {
	f := newFixture()
	f.addEndpoint(t, "node-a", 50, "", repeat(firefox, 50)...)
	f.runs.Register(registry.RunRequest{ID: "R1", Threads: 10, Profile: firefox, CreatedAt: now})

	assert.Equal(t, 40, f.matcher.FreeSlots(f.hub, firefox))
}

func TestFreeSlotsReservesOverlappingPlatforms(t *testing.T) {
	firefoxLinux := capability.Profile{Browser: "firefox", Platform: "linux"}

	tests := map[string]struct {
		run   capability.Profile
		query capability.Profile
	}{
		"run names a platform":   {run: firefoxLinux, query: firefox},
		"query names a platform": {run: firefox, query: firefoxLinux},
		"both name a platform":   {run: firefoxLinux, query: firefoxLinux},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			f.addEndpoint(t, "node-a", 10, "", repeat(firefoxLinux, 10)...)
			f.runs.Register(registry.RunRequest{ID: "R1", Threads: 10, Profile: test.run, CreatedAt: now})

			assert.Equal(t, 0, f.matcher.FreeSlots(f.hub, test.query))
		})
	}
}

func TestFreeSlotsIgnoresStartedOldAndOtherRuns(t *testing.T) {
	f := newFixture()
	f.addEndpoint(t, "node-a", 50, "", repeat(firefox, 50)...)
	require.NoError(t, f.hub.Bind("node-a", 0, fleet.Session{RunID: "started", Capabilities: firefox}))

	f.runs.Register(registry.RunRequest{ID: "started", Threads: 10, Profile: firefox, CreatedAt: now})
	f.runs.Register(registry.RunRequest{ID: "old", Threads: 10, Profile: firefox, CreatedAt: now.Add(-3 * time.Minute)})
	f.runs.Register(registry.RunRequest{ID: "chrome", Threads: 10, Profile: capability.Profile{Browser: "chrome"}, CreatedAt: now})

	assert.Equal(t, 49, f.matcher.FreeSlots(f.hub, firefox))
}

func TestFreeSlotsSaturatedEndpoint(t *testing.T) {
	tests := []struct {
		maxConcurrent int
		firefoxSlots  int
		chromeSlots   int
		chromeRunning int
		expected      int
	}{
		// running + matchingCapable > maxConcurrent, matchingCapable < maxConcurrent
		{maxConcurrent: 5, firefoxSlots: 4, chromeSlots: 4, chromeRunning: 2, expected: 2},
		// running + matchingCapable > maxConcurrent, matchingCapable >= maxConcurrent
		{maxConcurrent: 5, firefoxSlots: 6, chromeSlots: 4, chromeRunning: 2, expected: 3},
		// not saturated
		{maxConcurrent: 10, firefoxSlots: 4, chromeSlots: 4, chromeRunning: 2, expected: 4},
		// fully used by other browsers, clamped at zero
		{maxConcurrent: 3, firefoxSlots: 2, chromeSlots: 4, chromeRunning: 4, expected: 0},
	}

	chrome := capability.Profile{Browser: "chrome"}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("case-%d", i), func(t *testing.T) {
			f := newFixture()
			slots := append(repeat(chrome, tt.chromeSlots), repeat(firefox, tt.firefoxSlots)...)
			f.addEndpoint(t, "node-a", tt.maxConcurrent, "", slots...)
			for slot := 0; slot < tt.chromeRunning; slot++ {
				require.NoError(t, f.hub.Bind("node-a", slot, fleet.Session{Capabilities: chrome}))
			}

			assert.Equal(t, tt.expected, f.matcher.FreeSlots(f.hub, firefox))
		})
	}
}

func TestFreeSlotsNeverCountsMarkedNodes(t *testing.T) {
	for _, status := range []registry.NodeStatus{registry.NodeStatusExpired, registry.NodeStatusTerminated} {
		f := newFixture()
		f.addEndpoint(t, "node-a", 5, "i-1", repeat(firefox, 5)...)
		f.addNode("i-1", 5, status)

		assert.Equal(t, 0, f.matcher.FreeSlots(f.hub, firefox), status)
	}
}

func TestFreeSlotsNeverNegative(t *testing.T) {
	f := newFixture()
	f.addEndpoint(t, "node-a", 2, "", repeat(firefox, 2)...)
	f.runs.Register(registry.RunRequest{ID: "R1", Threads: 100, Profile: firefox, CreatedAt: now})

	assert.Equal(t, 0, f.matcher.FreeSlots(f.hub, firefox))
	assert.Equal(t, 0, f.matcher.InProgress(f.hub, firefox))
}

func TestFreeSlotsWithUsesGivenLookup(t *testing.T) {
	f := newFixture()
	f.addEndpoint(t, "node-a", 5, "i-1", repeat(firefox, 5)...)
	f.addNode("i-1", 5, registry.NodeStatusRunning)

	f.nodes.Sweep(func(tx *registry.NodeTx) {
		for _, node := range tx.Nodes() {
			node.Expire()
		}
		assert.Equal(t, 0, f.matcher.FreeSlotsWith(fleet.Freeze(f.hub), tx, firefox))
	})
}

func TestInProgress(t *testing.T) {
	f := newFixture()
	chrome := capability.Profile{Browser: "chrome"}
	f.addEndpoint(t, "node-a", 4, "", firefox, firefox, chrome, chrome)
	f.addEndpoint(t, "node-b", 1, "", firefox)
	require.NoError(t, f.hub.Bind("node-a", 0, fleet.Session{Capabilities: firefox}))
	require.NoError(t, f.hub.Bind("node-a", 2, fleet.Session{Capabilities: chrome}))
	require.NoError(t, f.hub.Bind("node-b", 0, fleet.Session{Capabilities: firefox}))

	assert.Equal(t, 2, f.matcher.InProgress(f.hub, firefox))
	assert.Equal(t, 1, f.matcher.InProgress(f.hub, chrome))
}

func TestLifecycleMatcher(t *testing.T) {
	f := newFixture()
	f.addNode("i-running", 1, registry.NodeStatusRunning)
	f.addNode("i-expired", 1, registry.NodeStatusExpired)

	matcher := LifecycleMatcher{Nodes: f.nodes}
	slot := fleet.Slot{Capability: firefox}
	endpoint := func(instanceID string) fleet.Endpoint {
		return fleet.Endpoint{Config: map[string]string{fleet.ConfigInstanceID: instanceID}}
	}

	assert.True(t, matcher.Match(endpoint("i-running"), slot, firefox))
	assert.False(t, matcher.Match(endpoint("i-expired"), slot, firefox))
	assert.True(t, matcher.Match(endpoint(""), slot, firefox))
	assert.True(t, matcher.Match(endpoint("i-untracked"), slot, firefox))
	assert.False(t, matcher.Match(endpoint("i-running"), slot, capability.Profile{Browser: "chrome"}))
}

func TestHubDispatchSkipsExpiredNodes(t *testing.T) {
	nodes := registry.NewNodeRegistry(registry.NodeRegistryConfig{Logger: silentLogger})
	expired := registry.NewDynamicNode("i-1", "owner", "firefox", "linux", 1, now, 0)
	expired.Expire()
	nodes.Add(*expired)

	hub := fleet.NewHub(LifecycleMatcher{Nodes: nodes}, silentLogger)
	require.NoError(t, hub.Register(fleet.Endpoint{
		ID:     "node-a",
		Config: map[string]string{fleet.ConfigInstanceID: "i-1"},
		Slots:  []fleet.Slot{{Capability: firefox}},
	}))
	hub.Enqueue("R1", firefox)

	assert.Empty(t, hub.Dispatch())
}
