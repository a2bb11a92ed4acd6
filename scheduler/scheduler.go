package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/autogrid/capacity"
	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/namegen"
	"github.com/gammadia/autogrid/provisioner"
	"github.com/gammadia/autogrid/registry"
	"github.com/samber/lo"
)

// Env is what every periodic job needs besides its own dependencies.
type Env struct {
	Logger  *slog.Logger
	Clock   func() time.Time
	OnEvent func(Event)
}

func (e Env) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e Env) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Env) emit(event Event) {
	if e.OnEvent != nil {
		e.OnEvent(event)
	}
}

// Deps are the shared objects the periodic jobs work on. They are owned by the
// caller and shared with the admission surface.
type Deps struct {
	Runs        *registry.RunRegistry
	Nodes       *registry.NodeRegistry
	Fleet       fleet.Registry
	Matcher     *capacity.Matcher
	Provisioner provisioner.Provisioner
	Probe       SessionProbe
	Catalog     BrowserCatalog
	Clock       func() time.Time
}

// Scheduler runs the control plane's periodic jobs, each on its own fixed
// delay.
type Scheduler struct {
	name     namegen.ID
	config   Config
	log      *slog.Logger
	launcher *Launcher
	scaling  *Scaling
	tasks    []*Task

	listenersMutex sync.RWMutex
	listeners      []chan Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Deps, config Config) *Scheduler {
	config = config.withDefaults()

	s := &Scheduler{
		name:   namegen.Get(),
		config: config,
		log:    config.Logger,
	}
	env := func(task string) Env {
		return Env{
			Logger:  s.log.With("task", task),
			Clock:   deps.Clock,
			OnEvent: s.broadcast,
		}
	}

	s.launcher = &Launcher{
		Provisioner: deps.Provisioner,
		Nodes:       deps.Nodes,
		HubHost:     config.HubHost,
		Lifetime:    config.NodeLifetime,
		Logger:      s.log.With("component", "launcher"),
		Clock:       deps.Clock,
	}
	s.scaling = &Scaling{
		Nodes:      deps.Nodes,
		Fleet:      deps.Fleet,
		Catalog:    deps.Catalog,
		Launcher:   s.launcher,
		MaxNodes:   config.MaxNodes,
		Debounce:   config.ScaleUpDebounce,
		StuckAfter: config.StuckPendingAfter,
		Env:        env("scale-up"),
	}

	runReaper := &RunReaper{
		Runs:       deps.Runs,
		Nodes:      deps.Nodes,
		Fleet:      deps.Fleet,
		Terminator: deps.Provisioner,
		Env:        env("run-reaper"),
	}
	lifecycle := &NodeLifecycle{
		Runs:       deps.Runs,
		Nodes:      deps.Nodes,
		Fleet:      deps.Fleet,
		Matcher:    deps.Matcher,
		Terminator: deps.Provisioner,
		Probe:      deps.Probe,
		Env:        env("node-lifecycle"),
	}
	pendingSync := &PendingSync{
		Nodes:    deps.Nodes,
		Fleet:    deps.Fleet,
		Lifetime: config.NodeLifetime,
		Env:      env("pending-sync"),
	}
	orphanReaper := &OrphanReaper{
		Provisioner: deps.Provisioner,
		Tag:         config.Tag,
		Nodes:       deps.Nodes,
		Fleet:       deps.Fleet,
		Grace:       config.OrphanGrace,
		Env:         env("orphan-reaper"),
	}

	s.tasks = []*Task{
		Every("run-reaper", config.RunReaperDelay, runReaper.Tick),
		Every("node-lifecycle", config.LifecycleDelay, lifecycle.Tick),
		Every("scale-up", config.ScalingDelay, s.scaling.Tick),
		Every("pending-sync", config.PendingSyncDelay, pendingSync.Tick),
		Every("orphan-reaper", config.OrphanDelay, orphanReaper.Tick),
	}
	for _, task := range s.tasks {
		task.log = s.log
	}
	return s
}

func (s *Scheduler) Name() namegen.ID {
	return s.name
}

// Launcher starts and tracks nodes, for callers outside the periodic jobs.
func (s *Scheduler) Launcher() *Launcher {
	return s.launcher
}

func (s *Scheduler) Tasks() []TaskStatus {
	return lo.Map(s.tasks, func(task *Task, _ int) TaskStatus {
		return task.Status()
	})
}

// QueuedSince exposes the scale-up demand timers.
func (s *Scheduler) QueuedSince() map[string]time.Time {
	return s.scaling.QueuedSince()
}

// Subscribe returns a channel receiving every scheduler event. Slow
// subscribers miss events rather than block the jobs.
func (s *Scheduler) Subscribe() <-chan Event {
	s.listenersMutex.Lock()
	defer s.listenersMutex.Unlock()

	listener := make(chan Event, 256)
	s.listeners = append(s.listeners, listener)
	return listener
}

func (s *Scheduler) broadcast(event Event) {
	s.listenersMutex.RLock()
	defer s.listenersMutex.RUnlock()

	for _, listener := range s.listeners {
		select {
		case listener <- event:
		default:
			s.log.Warn("Dropping scheduler event, subscriber is too slow", "event", event)
		}
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.log.Info("Scheduler is running", "name", s.name, "tasks", len(s.tasks))

	for _, task := range s.tasks {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			task.loop(ctx, func(task *Task, err error) {
				s.broadcast(EventTaskFailed{Task: task.Name, Error: err})
			})
		}()
	}
}

// Shutdown stops scheduling new runs. Runs in progress finish.
func (s *Scheduler) Shutdown() {
	s.log.Info("Scheduler is stopping")
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until every job loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
