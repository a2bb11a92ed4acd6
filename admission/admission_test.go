package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/capacity"
	"github.com/gammadia/autogrid/catalog"
	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/provisioner"
	"github.com/gammadia/autogrid/registry"
	"github.com/gammadia/autogrid/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var firefox = capability.Profile{Browser: "firefox"}

const testCatalog = `
version: "1"
browsers:
  - name: firefox
    platforms: [linux]
    provisionable: true
    sessions-per-node: 2
  - name: internet explorer
    platforms: [windows]
    slow-boot: true
`

type mockProvisioner struct {
	mu        sync.Mutex
	launched  []provisioner.LaunchRequest
	launchErr error
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
		instances = append(instances, provisioner.Instance{ID: fmt.Sprintf("i-%d", len(p.launched)*10+i)})
	}
	return instances, nil
}

func (p *mockProvisioner) Terminate(context.Context, string) (bool, error) {
	return true, nil
}

func (p *mockProvisioner) DescribeAll(context.Context, string) ([]provisioner.Instance, error) {
	return nil, nil
}

type fixture struct {
	hub         *fleet.Hub
	runs        *registry.RunRegistry
	nodes       *registry.NodeRegistry
	provisioner *mockProvisioner
	service     *Service
}

func newFixture(t *testing.T, config Config) *fixture {
	browsers, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	clock := func() time.Time { return now }
	f := &fixture{
		runs:        registry.NewRunRegistry(registry.RunRegistryConfig{Logger: silentLogger}),
		nodes:       registry.NewNodeRegistry(registry.NodeRegistryConfig{Logger: silentLogger}),
		provisioner: &mockProvisioner{},
	}
	f.hub = fleet.NewHub(capacity.LifecycleMatcher{Nodes: f.nodes}, silentLogger)
	launcher := &scheduler.Launcher{
		Provisioner: f.provisioner,
		Nodes:       f.nodes,
		HubHost:     "hub.internal",
		Logger:      silentLogger,
		Clock:       clock,
	}

	config.Logger = silentLogger
	config.Clock = clock
	f.service = New(f.runs, f.nodes, f.hub, capacity.NewMatcher(f.runs, f.nodes, clock), browsers, launcher, config)
	return f
}

func (f *fixture) addEndpoint(t *testing.T, slots int) {
	endpoint := fleet.Endpoint{ID: "static", MaxConcurrent: slots}
	for i := 0; i < slots; i++ {
		endpoint.Slots = append(endpoint.Slots, fleet.Slot{Capability: firefox})
	}
	require.NoError(t, f.hub.Register(endpoint))
}

func TestAdmitWithFreeCapacity(t *testing.T) {
	f := newFixture(t, Config{})
	f.addEndpoint(t, 5)

	decision, err := f.service.Admit(context.Background(), Request{RunID: "R1", Threads: 5, Browser: "Firefox"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAccepted, decision.Outcome)
	assert.Equal(t, 5, decision.FreeSlots)
	assert.Equal(t, now, decision.Run.CreatedAt)
	assert.True(t, f.runs.Exists("R1"))
	assert.Empty(t, f.provisioner.launched)
}

func TestAdmitReservesCapacityForNewRuns(t *testing.T) {
	f := newFixture(t, Config{})
	f.addEndpoint(t, 5)

	_, err := f.service.Admit(context.Background(), Request{RunID: "R1", Threads: 4, Browser: "firefox"})
	require.NoError(t, err)

	// R1 has not started any session but still holds 4 of the 5 slots.
	decision, err := f.service.Admit(context.Background(), Request{RunID: "R2", Threads: 3, Browser: "firefox"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProvisioning, decision.Outcome)
	assert.Equal(t, 1, decision.FreeSlots)
	require.Len(t, f.provisioner.launched, 1)
	assert.Equal(t, 1, f.provisioner.launched[0].Count, "2 missing slots fit on one node")
}

func TestAdmitReservationIgnoresPlatformSide(t *testing.T) {
	linuxSlots := func(f *fixture) {
		endpoint := fleet.Endpoint{ID: "static", MaxConcurrent: 10}
		for i := 0; i < 10; i++ {
			endpoint.Slots = append(endpoint.Slots, fleet.Slot{Capability: capability.Profile{Browser: "firefox", Platform: "linux"}})
		}
		require.NoError(t, f.hub.Register(endpoint))
	}

	tests := map[string]struct {
		first  Request
		second Request
	}{
		"first names the platform": {
			first:  Request{RunID: "R1", Threads: 10, Browser: "firefox", Platform: "linux"},
			second: Request{RunID: "R2", Threads: 10, Browser: "firefox"},
		},
		"second names the platform": {
			first:  Request{RunID: "R1", Threads: 10, Browser: "firefox"},
			second: Request{RunID: "R2", Threads: 10, Browser: "firefox", Platform: "linux"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Config{})
			linuxSlots(f)

			decision, err := f.service.Admit(context.Background(), test.first)
			require.NoError(t, err)
			assert.Equal(t, OutcomeAccepted, decision.Outcome)

			decision, err = f.service.Admit(context.Background(), test.second)
			require.NoError(t, err)
			assert.Equal(t, OutcomeProvisioning, decision.Outcome)
			assert.Equal(t, 0, decision.FreeSlots)
		})
	}
}

func TestAdmitLaunchesNodes(t *testing.T) {
	f := newFixture(t, Config{})

	decision, err := f.service.Admit(context.Background(), Request{RunID: "R1", Threads: 5, Browser: "firefox", Platform: "linux"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeProvisioning, decision.Outcome)
	require.Len(t, decision.Nodes, 3)
	assert.Equal(t, []provisioner.LaunchRequest{{
		RunID:       "R1",
		Platform:    LinuxPlatform,
		Browser:     "firefox",
		HubHost:     "hub.internal",
		Count:       3,
		MaxSessions: 2,
	}}, f.provisioner.launched)

	for _, instance := range decision.Nodes {
		node, ok := f.nodes.Get(instance.ID)
		require.True(t, ok)
		assert.Equal(t, "R1", node.RunID)
		assert.Equal(t, 2, node.Capacity)
		assert.True(t, f.nodes.PendingExists(instance.ID))
	}
	assert.True(t, f.runs.Exists("R1"))
}

func TestAdmitDeregistersRunWhenLaunchFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.provisioner.launchErr = provisioner.ErrCouldNotStart

	_, err := f.service.Admit(context.Background(), Request{RunID: "R1", Threads: 2, Browser: "firefox"})
	assert.True(t, errors.Is(err, provisioner.ErrCouldNotStart))
	assert.False(t, f.runs.Exists("R1"))
	assert.Empty(t, f.nodes.List())

	f.provisioner.launchErr = nil
	_, err = f.service.Admit(context.Background(), Request{RunID: "R1", Threads: 2, Browser: "firefox"})
	assert.NoError(t, err, "the same uuid may be admitted again")
}

func TestAdmitRejections(t *testing.T) {
	tests := map[string]struct {
		config  Config
		request Request
		err     error
	}{
		"missing uuid":            {request: Request{Threads: 1, Browser: "firefox"}, err: ErrMissingParam},
		"missing browser":         {request: Request{RunID: "R2", Threads: 1}, err: ErrMissingParam},
		"missing threads":         {request: Request{RunID: "R2", Browser: "firefox"}, err: ErrMissingParam},
		"unknown browser":         {request: Request{RunID: "R2", Threads: 1, Browser: "netscape"}, err: ErrUnsupportedBrowser},
		"duplicate uuid":          {request: Request{RunID: "R1", Threads: 1, Browser: "firefox"}, err: ErrDuplicateRun},
		"too many threads":        {config: Config{MaxThreads: 10}, request: Request{RunID: "R2", Threads: 11, Browser: "firefox"}, err: ErrCapacityCeiling},
		"browser not launchable":  {request: Request{RunID: "R2", Threads: 1, Browser: "internet explorer"}, err: ErrCapacityCeiling},
		"platform not launchable": {request: Request{RunID: "R2", Threads: 1, Browser: "firefox", Platform: "win10"}, err: ErrCapacityCeiling},
		// one node is alive, three more would be needed
		"node cap": {config: Config{MaxNodes: 3}, request: Request{RunID: "R2", Threads: 6, Browser: "firefox"}, err: ErrCapacityCeiling},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, test.config)
			require.True(t, f.runs.Register(registry.RunRequest{ID: "R1", Threads: 1, Profile: capability.Profile{Browser: "safari"}, CreatedAt: now}))
			f.nodes.Add(*registry.NewDynamicNode("i-alive", "R1", "firefox", "linux", 2, now, 0))

			_, err := f.service.Admit(context.Background(), test.request)
			assert.True(t, errors.Is(err, test.err), "got %v", err)
			assert.Empty(t, f.provisioner.launched)
			assert.Equal(t, []string{"R1"}, f.runs.IDs())
		})
	}
}

func TestAdmitConcurrentRequestsDoNotShareSlots(t *testing.T) {
	f := newFixture(t, Config{MaxNodes: 1})
	f.addEndpoint(t, 2)

	var wg sync.WaitGroup
	results := make(chan Outcome, 2)
	for _, id := range []string{"R1", "R2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := f.service.Admit(context.Background(), Request{RunID: id, Threads: 2, Browser: "firefox"})
			if err == nil {
				results <- decision.Outcome
			}
		}()
	}
	wg.Wait()
	close(results)

	var outcomes []Outcome
	for outcome := range results {
		outcomes = append(outcomes, outcome)
	}
	assert.ElementsMatch(t, []Outcome{OutcomeAccepted, OutcomeProvisioning}, outcomes)
}

func TestRelease(t *testing.T) {
	f := newFixture(t, Config{})
	f.addEndpoint(t, 1)
	_, err := f.service.Admit(context.Background(), Request{RunID: "R1", Threads: 1, Browser: "firefox"})
	require.NoError(t, err)

	assert.True(t, f.service.Release("R1"))
	assert.False(t, f.service.Release("R1"))
	assert.False(t, f.runs.Exists("R1"))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Config{}))
	assert.Error(t, Validate(Config{MaxThreads: -1}))
	assert.Error(t, Validate(Config{MaxNodes: -1}))
}
