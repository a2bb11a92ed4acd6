package metrics

import (
	"context"

	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/registry"
	"github.com/gammadia/autogrid/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

// FreeSlotCounter computes the free slots for a profile.
type FreeSlotCounter interface {
	FreeSlots(snapshot fleet.Snapshot, profile capability.Profile) int
}

type Metrics struct {
	NodesLaunched   *prometheus.CounterVec // browser
	LaunchFailures  *prometheus.CounterVec // browser
	NodesTerminated *prometheus.CounterVec // reason=lifecycle|pending|orphan
	TaskFailures    *prometheus.CounterVec // task
	RunsReaped      prometheus.Counter
	NodesAdopted    prometheus.Counter
}

type Sources struct {
	Runs     *registry.RunRegistry
	Nodes    *registry.NodeRegistry
	Fleet    fleet.Snapshot
	Matcher  FreeSlotCounter
	Browsers []string
}

// New creates the metrics and registers them, with gauges reading the given
// sources on every scrape.
func New(registerer prometheus.Registerer, sources Sources) *Metrics {
	m := &Metrics{
		NodesLaunched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autogrid_nodes_launched_total",
				Help: "Nodes launched, by browser",
			},
			[]string{"browser"},
		),
		LaunchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autogrid_launch_failures_total",
				Help: "Failed scale-up launches, by browser",
			},
			[]string{"browser"},
		),
		NodesTerminated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autogrid_nodes_terminated_total",
				Help: "Instances terminated, by reason",
			},
			[]string{"reason"},
		),
		TaskFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autogrid_task_failures_total",
				Help: "Failed periodic task runs, by task",
			},
			[]string{"task"},
		),
		RunsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autogrid_runs_reaped_total",
			Help: "Stale runs removed from the run registry",
		}),
		NodesAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autogrid_nodes_adopted_total",
			Help: "Untracked fleet nodes adopted by pending sync",
		}),
	}

	collectors := []prometheus.Collector{
		m.NodesLaunched,
		m.LaunchFailures,
		m.NodesTerminated,
		m.TaskFailures,
		m.RunsReaped,
		m.NodesAdopted,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "autogrid_runs",
			Help: "Admitted runs",
		}, func() float64 {
			return float64(len(sources.Runs.IDs()))
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "autogrid_pending_nodes",
			Help: "Nodes launched but not seen in the fleet yet",
		}, func() float64 {
			return float64(len(sources.Nodes.Pending()))
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "autogrid_queued_requests",
			Help: "Session requests waiting for a slot",
		}, func() float64 {
			return float64(len(sources.Fleet.Queued()))
		}),
	}

	for _, status := range []registry.NodeStatus{registry.NodeStatusRunning, registry.NodeStatusExpired, registry.NodeStatusTerminated} {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "autogrid_nodes",
			Help:        "Tracked dynamic nodes, by status",
			ConstLabels: prometheus.Labels{"status": string(status)},
		}, func() float64 {
			return float64(lo.CountBy(sources.Nodes.List(), func(node registry.DynamicNode) bool {
				return node.Status == status
			}))
		}))
	}

	for _, browser := range lo.Uniq(sources.Browsers) {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "autogrid_free_slots",
			Help:        "Free slots for any version and platform of a browser",
			ConstLabels: prometheus.Labels{"browser": browser},
		}, func() float64 {
			return float64(sources.Matcher.FreeSlots(sources.Fleet, capability.Profile{Browser: browser}))
		}))
	}

	registerer.MustRegister(collectors...)
	return m
}

// Listen counts scheduler events until ctx is done or the channel is closed.
func (m *Metrics) Listen(ctx context.Context, events <-chan scheduler.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.Observe(event)
		}
	}
}

func (m *Metrics) Observe(event scheduler.Event) {
	switch event := event.(type) {
	case scheduler.EventNodesLaunched:
		m.NodesLaunched.WithLabelValues(event.Browser).Add(float64(len(event.Nodes)))
	case scheduler.EventLaunchFailed:
		m.LaunchFailures.WithLabelValues(event.Browser).Inc()
	case scheduler.EventNodeTerminated:
		m.NodesTerminated.WithLabelValues("lifecycle").Inc()
	case scheduler.EventPendingReaped:
		m.NodesTerminated.WithLabelValues("pending").Add(float64(len(event.Nodes)))
	case scheduler.EventOrphanTerminated:
		m.NodesTerminated.WithLabelValues("orphan").Inc()
	case scheduler.EventRunsReaped:
		m.RunsReaped.Add(float64(len(event.Runs)))
	case scheduler.EventNodeAdopted:
		m.NodesAdopted.Inc()
	case scheduler.EventTaskFailed:
		m.TaskFailures.WithLabelValues(event.Task).Inc()
	}
}

