package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/autogrid/registry"
)

const (
	DefaultRunReaperDelay   = 30 * time.Second
	DefaultLifecycleDelay   = 30 * time.Second
	DefaultScalingDelay     = 5 * time.Second
	DefaultPendingSyncDelay = 10 * time.Second
	DefaultOrphanDelay      = 5 * time.Minute

	// DefaultScaleUpDebounce is how long demand must stay unmet before nodes
	// are requested for it.
	DefaultScaleUpDebounce = 15 * time.Second
	// DefaultStuckPendingAfter is when a pending node stops blocking scale-up.
	DefaultStuckPendingAfter = 10 * time.Minute
	// DefaultOrphanGrace protects instances that were just launched and are
	// not tracked yet.
	DefaultOrphanGrace = 15 * time.Minute

	// RollbackAfter is how far past its end date an expired node must be
	// before it is considered needed for another billing cycle.
	RollbackAfter = 6 * time.Minute
	// RemoveAfter is how long a terminated node stays visible.
	RemoveAfter = 30 * time.Minute
)

type Config struct {
	Logger *slog.Logger `json:"-"`

	// HubHost is handed to the provisioner so new nodes can register.
	HubHost string `json:"hub-host"`
	// Tag identifies the instances owned by this control plane.
	Tag string `json:"tag"`
	// MaxNodes caps the dynamic nodes alive at once, 0 means unlimited.
	MaxNodes     int           `json:"max-nodes"`
	NodeLifetime time.Duration `json:"node-lifetime"`

	RunReaperDelay   time.Duration `json:"run-reaper-delay"`
	LifecycleDelay   time.Duration `json:"lifecycle-delay"`
	ScalingDelay     time.Duration `json:"scaling-delay"`
	PendingSyncDelay time.Duration `json:"pending-sync-delay"`
	OrphanDelay      time.Duration `json:"orphan-delay"`

	ScaleUpDebounce   time.Duration `json:"scale-up-debounce"`
	StuckPendingAfter time.Duration `json:"stuck-pending-after"`
	OrphanGrace       time.Duration `json:"orphan-grace"`
}

func Validate(config Config) error {
	if config.Tag == "" {
		return fmt.Errorf("tag is required")
	}
	if config.MaxNodes < 0 {
		return fmt.Errorf("max-nodes must not be negative")
	}
	for name, delay := range map[string]time.Duration{
		"node-lifetime":       config.NodeLifetime,
		"run-reaper-delay":    config.RunReaperDelay,
		"lifecycle-delay":     config.LifecycleDelay,
		"scaling-delay":       config.ScalingDelay,
		"pending-sync-delay":  config.PendingSyncDelay,
		"orphan-delay":        config.OrphanDelay,
		"scale-up-debounce":   config.ScaleUpDebounce,
		"stuck-pending-after": config.StuckPendingAfter,
		"orphan-grace":        config.OrphanGrace,
	} {
		if delay < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NodeLifetime == 0 {
		c.NodeLifetime = registry.DefaultNodeLifetime
	}
	if c.RunReaperDelay == 0 {
		c.RunReaperDelay = DefaultRunReaperDelay
	}
	if c.LifecycleDelay == 0 {
		c.LifecycleDelay = DefaultLifecycleDelay
	}
	if c.ScalingDelay == 0 {
		c.ScalingDelay = DefaultScalingDelay
	}
	if c.PendingSyncDelay == 0 {
		c.PendingSyncDelay = DefaultPendingSyncDelay
	}
	if c.OrphanDelay == 0 {
		c.OrphanDelay = DefaultOrphanDelay
	}
	if c.ScaleUpDebounce == 0 {
		c.ScaleUpDebounce = DefaultScaleUpDebounce
	}
	if c.StuckPendingAfter == 0 {
		c.StuckPendingAfter = DefaultStuckPendingAfter
	}
	if c.OrphanGrace == 0 {
		c.OrphanGrace = DefaultOrphanGrace
	}
	return c
}
