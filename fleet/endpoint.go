package fleet

import (
	"maps"
	"strconv"
	"time"

	"github.com/gammadia/autogrid/capability"
	"github.com/samber/lo"
)

// Keys of Endpoint.Config set by nodes launched by the control plane.
const (
	ConfigInstanceID = "instanceId"
	ConfigRunID      = "uuid"
	ConfigBrowser    = "browser"
	ConfigPlatform   = "platform"
	ConfigMaxSession = "maxSession"
	ConfigCreatedAt  = "createdAt"
)

type Session struct {
	ID           string             `json:"id"`
	RunID        string             `json:"uuid,omitempty"`
	Capabilities capability.Profile `json:"capabilities"`
}

type Slot struct {
	Capability capability.Profile `json:"capability"`
	Session    *Session           `json:"session,omitempty"`
}

// Endpoint is an execution host as seen by the hub.
type Endpoint struct {
	ID            string            `json:"id"`
	Host          string            `json:"host"`
	MaxConcurrent int               `json:"maxConcurrent"`
	Config        map[string]string `json:"config,omitempty"`
	Slots         []Slot            `json:"slots"`
}

// InstanceID returns the cloud instance id of a dynamic endpoint, or "" for a
// statically registered one.
func (e Endpoint) InstanceID() string {
	return e.Config[ConfigInstanceID]
}

func (e Endpoint) Dynamic() bool {
	return e.InstanceID() != ""
}

func (e Endpoint) BoundSessions() []Session {
	return lo.FilterMap(e.Slots, func(slot Slot, _ int) (Session, bool) {
		if slot.Session == nil {
			return Session{}, false
		}
		return *slot.Session, true
	})
}

func (e Endpoint) HasBoundSessions() bool {
	return lo.SomeBy(e.Slots, func(slot Slot) bool {
		return slot.Session != nil
	})
}

// MaxSession reads the maxSession config key, falling back to MaxConcurrent.
func (e Endpoint) MaxSession() int {
	if value, err := strconv.Atoi(e.Config[ConfigMaxSession]); err == nil && value > 0 {
		return value
	}
	return e.MaxConcurrent
}

// CreatedAt parses the createdAt config key.
func (e Endpoint) CreatedAt() (time.Time, error) {
	return time.Parse(time.RFC3339, e.Config[ConfigCreatedAt])
}

func (e Endpoint) clone() Endpoint {
	clone := e
	clone.Config = maps.Clone(e.Config)
	clone.Slots = lo.Map(e.Slots, func(slot Slot, _ int) Slot {
		if slot.Session != nil {
			session := *slot.Session
			slot.Session = &session
		}
		return slot
	})
	return clone
}
