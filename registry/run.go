package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/fleet"
	"github.com/samber/lo"
)

const (
	// NewRequestWindow is how long after admission a run is considered new.
	NewRequestWindow = 2 * time.Minute

	DefaultStaleAfter     = 90 * time.Second
	DefaultSlowStaleAfter = 10 * time.Minute
)

// RunRequest is an admitted intent to run Threads concurrent sessions of a
// profile.
type RunRequest struct {
	ID        string             `json:"uuid"`
	Threads   int                `json:"threadCount"`
	Profile   capability.Profile `json:"profile"`
	CreatedAt time.Time          `json:"createdAt"`
}

func (r RunRequest) IsNew(now time.Time) bool {
	return now.Before(r.CreatedAt.Add(NewRequestWindow))
}

// SameShape compares browser, version and platform and ignores the id. Two
// different runs asking for the same resources have the same shape.
func (r RunRequest) SameShape(other RunRequest) bool {
	return r.Profile.Key() == other.Profile.Key()
}

// Wants reports whether sessions of this run could consume slots of the given
// profile. Either side may leave the platform unspecified, so the profiles
// only need to overlap.
func (r RunRequest) Wants(profile capability.Profile) bool {
	return capability.Matches(profile, r.Profile) || capability.Matches(r.Profile, profile)
}

type RunRegistryConfig struct {
	Logger *slog.Logger
	// StaleAfter is the age after which a run without any live session is reaped.
	StaleAfter time.Duration
	// SlowStaleAfter replaces StaleAfter for browsers listed in SlowBrowsers.
	SlowStaleAfter time.Duration
	SlowBrowsers   []string
}

// RunRegistry stores admitted runs keyed by uuid.
type RunRegistry struct {
	config RunRegistryConfig
	log    *slog.Logger

	mutex sync.Mutex
	runs  map[string]RunRequest
}

func NewRunRegistry(config RunRegistryConfig) *RunRegistry {
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.SlowStaleAfter <= 0 {
		config.SlowStaleAfter = DefaultSlowStaleAfter
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &RunRegistry{
		config: config,
		log:    config.Logger,
		runs:   make(map[string]RunRequest),
	}
}

// Register inserts the run unless its uuid is already known.
func (r *RunRegistry) Register(run RunRequest) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return false
	}
	r.runs[run.ID] = run
	return true
}

func (r *RunRegistry) Exists(id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	_, exists := r.runs[id]
	return exists
}

func (r *RunRegistry) Get(id string) (RunRequest, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	run, ok := r.runs[id]
	return run, ok
}

func (r *RunRegistry) Remove(id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.runs[id]; !exists {
		return false
	}
	delete(r.runs, id)
	return true
}

func (r *RunRegistry) IDs() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	ids := lo.Keys(r.runs)
	sort.Strings(ids)
	return ids
}

// List returns all runs, oldest first.
func (r *RunRegistry) List() []RunRequest {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	runs := lo.Values(r.runs)
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs
}

// HasAnyNewRequest reports whether any run was admitted less than
// NewRequestWindow ago.
func (r *RunRegistry) HasAnyNewRequest(now time.Time) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return lo.SomeBy(lo.Values(r.runs), func(run RunRequest) bool {
		return run.IsNew(now)
	})
}

func (r *RunRegistry) staleAfter(run RunRequest) time.Duration {
	if lo.SomeBy(r.config.SlowBrowsers, func(browser string) bool {
		return capability.SameBrowser(browser, run.Profile.Browser)
	}) {
		return r.config.SlowStaleAfter
	}
	return r.config.StaleAfter
}

// ReapStale removes runs that are old enough and have no live session left
// anywhere in the fleet. Removals happen once the whole fleet has been
// scanned. It returns the removed ids.
func (r *RunRegistry) ReapStale(snapshot fleet.Snapshot, now time.Time) []string {
	candidates := lo.Filter(r.List(), func(run RunRequest, _ int) bool {
		return now.Sub(run.CreatedAt) > r.staleAfter(run)
	})
	if len(candidates) == 0 {
		return nil
	}

	live := map[string]bool{}
	for _, endpoint := range snapshot.Endpoints() {
		for _, session := range endpoint.BoundSessions() {
			if session.RunID != "" {
				live[session.RunID] = true
			}
		}
	}

	var stale []string
	for _, run := range candidates {
		if !live[run.ID] {
			stale = append(stale, run.ID)
		}
	}

	for _, id := range stale {
		if r.Remove(id) {
			r.log.Info("Removed stale run", "run", id)
		}
	}
	return stale
}
