package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/capacity"
	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/provisioner"
	"github.com/gammadia/autogrid/registry"
	"github.com/samber/lo"
)

var (
	ErrMissingParam       = errors.New("missing parameter")
	ErrDuplicateRun       = errors.New("run is already registered")
	ErrCapacityCeiling    = errors.New("capacity ceiling exceeded")
	ErrUnsupportedBrowser = errors.New("unsupported browser")
)

// LinuxPlatform is requested for nodes launched on admission.
const LinuxPlatform = "LINUX"

type Outcome string

const (
	// OutcomeAccepted means the fleet already has room for the run.
	OutcomeAccepted Outcome = "ACCEPTED"
	// OutcomeProvisioning means nodes were launched to make room for the run.
	OutcomeProvisioning Outcome = "PROVISIONING"
)

type Request struct {
	RunID    string `json:"uuid"`
	Threads  int    `json:"threadCount"`
	Browser  string `json:"browser"`
	Version  string `json:"browserVersion,omitempty"`
	Platform string `json:"os,omitempty"`
}

func (r Request) Profile() capability.Profile {
	return capability.Profile{Browser: r.Browser, Version: r.Version, Platform: r.Platform}
}

type Decision struct {
	Outcome   Outcome                `json:"outcome"`
	Run       registry.RunRequest    `json:"run"`
	FreeSlots int                    `json:"freeSlots"`
	Nodes     []provisioner.Instance `json:"nodes,omitempty"`
}

// Launcher starts and tracks nodes for a run.
type Launcher interface {
	Launch(ctx context.Context, request provisioner.LaunchRequest) ([]provisioner.Instance, error)
}

// Catalog knows which browsers exist and which can be launched.
type Catalog interface {
	Known(browser string) bool
	Provisionable(browser string) bool
	SessionsPerNode(browser string) int
}

type Config struct {
	Logger *slog.Logger
	Clock  func() time.Time

	// MaxThreads caps the threads a single run may ask for, 0 means unlimited.
	MaxThreads int
	// MaxNodes caps the dynamic nodes alive at once, 0 means unlimited.
	MaxNodes int
}

func Validate(config Config) error {
	if config.MaxThreads < 0 {
		return fmt.Errorf("max-threads must not be negative")
	}
	if config.MaxNodes < 0 {
		return fmt.Errorf("max-nodes must not be negative")
	}
	return nil
}

// Service decides whether runs may start. Decisions are serialized so two
// admissions never spend the same free slots.
type Service struct {
	config   Config
	log      *slog.Logger
	runs     *registry.RunRegistry
	nodes    *registry.NodeRegistry
	fleet    fleet.Snapshot
	matcher  *capacity.Matcher
	catalog  Catalog
	launcher Launcher

	mutex sync.Mutex
}

func New(
	runs *registry.RunRegistry,
	nodes *registry.NodeRegistry,
	snapshot fleet.Snapshot,
	matcher *capacity.Matcher,
	catalog Catalog,
	launcher Launcher,
	config Config,
) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Service{
		config:   config,
		log:      config.Logger,
		runs:     runs,
		nodes:    nodes,
		fleet:    snapshot,
		matcher:  matcher,
		catalog:  catalog,
		launcher: launcher,
	}
}

func validateRequest(request Request) error {
	var missing []string
	if strings.TrimSpace(request.RunID) == "" {
		missing = append(missing, "uuid")
	}
	if strings.TrimSpace(request.Browser) == "" {
		missing = append(missing, "browser")
	}
	if request.Threads <= 0 {
		missing = append(missing, "threadCount")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingParam, strings.Join(missing, ", "))
	}
	return nil
}

// Admit registers the run when the fleet can take it, launching nodes for
// the missing slots if needed. A run whose nodes could not be launched is
// forgotten before the error is returned.
func (s *Service) Admit(ctx context.Context, request Request) (Decision, error) {
	if err := validateRequest(request); err != nil {
		return Decision{}, err
	}
	if !s.catalog.Known(request.Browser) {
		return Decision{}, fmt.Errorf("%w: '%s'", ErrUnsupportedBrowser, request.Browser)
	}
	if s.config.MaxThreads > 0 && request.Threads > s.config.MaxThreads {
		return Decision{}, fmt.Errorf("%w: %d threads requested, at most %d allowed", ErrCapacityCeiling, request.Threads, s.config.MaxThreads)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.runs.Exists(request.RunID) {
		return Decision{}, fmt.Errorf("%w: '%s'", ErrDuplicateRun, request.RunID)
	}

	log := s.log.With("run", request.RunID, "browser", request.Browser, "threads", request.Threads)
	profile := request.Profile()
	free := s.matcher.FreeSlots(s.fleet, profile)
	run := registry.RunRequest{
		ID:        request.RunID,
		Threads:   request.Threads,
		Profile:   profile,
		CreatedAt: s.config.Clock(),
	}

	if free >= request.Threads {
		if !s.runs.Register(run) {
			return Decision{}, fmt.Errorf("%w: '%s'", ErrDuplicateRun, request.RunID)
		}
		log.Info("Run admitted", "freeSlots", free)
		return Decision{Outcome: OutcomeAccepted, Run: run, FreeSlots: free}, nil
	}

	launch, err := s.planLaunch(request, free)
	if err != nil {
		log.Warn("Run rejected", "freeSlots", free, "error", err)
		return Decision{}, err
	}

	if !s.runs.Register(run) {
		return Decision{}, fmt.Errorf("%w: '%s'", ErrDuplicateRun, request.RunID)
	}

	instances, err := s.launcher.Launch(ctx, launch)
	if err != nil {
		s.runs.Remove(run.ID)
		log.Error("Could not launch nodes, run deregistered", "nodes", launch.Count, "error", err)
		return Decision{}, err
	}

	log.Info("Run admitted, nodes launched", "freeSlots", free, "nodes", len(instances))
	return Decision{Outcome: OutcomeProvisioning, Run: run, FreeSlots: free, Nodes: instances}, nil
}

// planLaunch sizes the nodes covering the missing slots and checks they may
// be launched at all.
func (s *Service) planLaunch(request Request, free int) (provisioner.LaunchRequest, error) {
	if !s.catalog.Provisionable(request.Browser) || !capability.LinuxServes(request.Platform) {
		return provisioner.LaunchRequest{}, fmt.Errorf("%w: %d free slots for %d threads and '%s' nodes cannot be launched",
			ErrCapacityCeiling, free, request.Threads, request.Profile())
	}

	sessionsPerNode := max(s.catalog.SessionsPerNode(request.Browser), 1)
	missing := request.Threads - free
	count := (missing + sessionsPerNode - 1) / sessionsPerNode

	if s.config.MaxNodes > 0 {
		existing := lo.CountBy(s.nodes.List(), func(node registry.DynamicNode) bool {
			return node.Status != registry.NodeStatusTerminated
		})
		pending := lo.CountBy(s.nodes.Pending(), func(pending registry.PendingNode) bool {
			return !s.nodes.Exists(pending.InstanceID)
		})
		if existing+pending+count > s.config.MaxNodes {
			return provisioner.LaunchRequest{}, fmt.Errorf("%w: %d more nodes needed, %d of %d in use",
				ErrCapacityCeiling, count, existing+pending, s.config.MaxNodes)
		}
	}

	return provisioner.LaunchRequest{
		RunID:       request.RunID,
		Platform:    LinuxPlatform,
		Browser:     capability.NormalizeBrowser(request.Browser),
		Count:       count,
		MaxSessions: sessionsPerNode,
	}, nil
}

// Release forgets a run. It reports whether the run was known.
func (s *Service) Release(runID string) bool {
	if !s.runs.Remove(runID) {
		return false
	}
	s.log.Info("Run released", "run", runID)
	return true
}
