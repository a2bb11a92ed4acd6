package fleet

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/autogrid/capability"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrSlotOccupied     = errors.New("slot already has a session")
)

// Hub is an in-memory dispatcher holding the live endpoints and the queue of
// requests that could not be placed yet.
type Hub struct {
	matcher SlotMatcher
	log     *slog.Logger
	now     func() time.Time

	mutex     sync.Mutex
	endpoints []*Endpoint
	queue     []QueuedRequest
}

// Hub implements Registry
var _ Registry = (*Hub)(nil)

func NewHub(matcher SlotMatcher, logger *slog.Logger) *Hub {
	if matcher == nil {
		matcher = DefaultMatcher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		matcher: matcher,
		log:     logger,
		now:     time.Now,
	}
}

// Register adds an endpoint or replaces the one with the same id. Sessions
// already bound on the replaced endpoint are dropped.
func (h *Hub) Register(endpoint Endpoint) error {
	endpoint.ID = strings.TrimSpace(endpoint.ID)
	if endpoint.ID == "" {
		return errors.New("endpoint id is required")
	}
	if len(endpoint.Slots) == 0 {
		return fmt.Errorf("endpoint '%s' has no slots", endpoint.ID)
	}
	if endpoint.MaxConcurrent <= 0 {
		endpoint.MaxConcurrent = len(endpoint.Slots)
	}
	if endpoint.Config == nil {
		endpoint.Config = map[string]string{}
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	clone := endpoint.clone()
	for i, existing := range h.endpoints {
		if existing.ID == endpoint.ID {
			h.endpoints[i] = &clone
			return nil
		}
	}
	h.endpoints = append(h.endpoints, &clone)
	h.log.Info("Endpoint registered", "endpoint", endpoint.ID, "slots", len(endpoint.Slots), "instance", endpoint.InstanceID())
	return nil
}

func (h *Hub) Remove(endpointID string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for i, existing := range h.endpoints {
		if existing.ID == endpointID {
			h.endpoints = append(h.endpoints[:i], h.endpoints[i+1:]...)
			h.log.Info("Endpoint removed", "endpoint", endpointID)
			return true
		}
	}
	return false
}

// Endpoints returns deep copies in registration order.
func (h *Hub) Endpoints() []Endpoint {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return lo.Map(h.endpoints, func(endpoint *Endpoint, _ int) Endpoint {
		return endpoint.clone()
	})
}

func (h *Hub) Queued() []QueuedRequest {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return append([]QueuedRequest(nil), h.queue...)
}

// Enqueue appends a request to the queue. Call Dispatch to place it.
func (h *Hub) Enqueue(runID string, profile capability.Profile) QueuedRequest {
	request := QueuedRequest{
		ID:       uuid.NewString(),
		RunID:    runID,
		Profile:  profile,
		QueuedAt: h.now(),
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.queue = append(h.queue, request)
	return request
}

// Dispatch places as many queued requests as possible, in queue order, and
// returns the sessions it created keyed by the queued request id.
func (h *Hub) Dispatch() map[string]Session {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	placed := map[string]Session{}
	remaining := h.queue[:0]
	for _, request := range h.queue {
		if session, ok := h.place(request); ok {
			placed[request.ID] = session
			continue
		}
		remaining = append(remaining, request)
	}
	h.queue = remaining

	return placed
}

func (h *Hub) place(request QueuedRequest) (Session, bool) {
	for _, endpoint := range h.endpoints {
		if len(endpoint.BoundSessions()) >= endpoint.MaxConcurrent {
			continue
		}
		for i := range endpoint.Slots {
			slot := &endpoint.Slots[i]
			if slot.Session != nil || !h.matcher.Match(*endpoint, *slot, request.Profile) {
				continue
			}

			slot.Session = &Session{
				ID:           uuid.NewString(),
				RunID:        request.RunID,
				Capabilities: slot.Capability,
			}
			h.log.Debug("Session dispatched", "endpoint", endpoint.ID, "session", slot.Session.ID, "run", request.RunID)
			return *slot.Session, true
		}
	}
	return Session{}, false
}

// Bind attaches a session to a specific slot.
func (h *Hub) Bind(endpointID string, slotIndex int, session Session) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	endpoint, ok := lo.Find(h.endpoints, func(endpoint *Endpoint) bool {
		return endpoint.ID == endpointID
	})
	if !ok {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, endpointID)
	}
	if slotIndex < 0 || slotIndex >= len(endpoint.Slots) {
		return fmt.Errorf("endpoint '%s' has no slot %d", endpointID, slotIndex)
	}
	if endpoint.Slots[slotIndex].Session != nil {
		return ErrSlotOccupied
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	endpoint.Slots[slotIndex].Session = &session
	return nil
}

// Release frees the slot holding the given session.
func (h *Hub) Release(sessionID string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, endpoint := range h.endpoints {
		for i := range endpoint.Slots {
			if session := endpoint.Slots[i].Session; session != nil && session.ID == sessionID {
				endpoint.Slots[i].Session = nil
				return true
			}
		}
	}
	return false
}

// Cancel drops a queued request that has not been dispatched.
func (h *Hub) Cancel(requestID string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	before := len(h.queue)
	h.queue = lo.Reject(h.queue, func(request QueuedRequest, _ int) bool {
		return request.ID == requestID
	})
	return len(h.queue) != before
}
