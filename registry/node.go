package registry

import (
	"time"
)

type NodeStatus string

const (
	NodeStatusRunning    NodeStatus = "RUNNING"
	NodeStatusExpired    NodeStatus = "EXPIRED"
	NodeStatusTerminated NodeStatus = "TERMINATED"
)

const (
	// DefaultNodeLifetime keeps a node just under one billing hour.
	DefaultNodeLifetime = 55 * time.Minute
	// BillingCycle is the extension granted when an expired node rolls back.
	BillingCycle = 60 * time.Minute
)

// DynamicNode is a cloud instance launched by the control plane.
type DynamicNode struct {
	InstanceID string     `json:"instanceId"`
	RunID      string     `json:"uuid"`
	Browser    string     `json:"browser"`
	Platform   string     `json:"platform"`
	IP         string     `json:"ip,omitempty"`
	StartDate  time.Time  `json:"startDate"`
	EndDate    time.Time  `json:"endDate"`
	Capacity   int        `json:"capacity"`
	Status     NodeStatus `json:"status"`
}

func NewDynamicNode(instanceID, runID, browser, platform string, capacity int, start time.Time, lifetime time.Duration) *DynamicNode {
	if lifetime <= 0 {
		lifetime = DefaultNodeLifetime
	}
	return &DynamicNode{
		InstanceID: instanceID,
		RunID:      runID,
		Browser:    browser,
		Platform:   platform,
		StartDate:  start,
		EndDate:    start.Add(lifetime),
		Capacity:   capacity,
		Status:     NodeStatusRunning,
	}
}

// Equal compares identity: owning run and instance id.
func (n DynamicNode) Equal(other DynamicNode) bool {
	return n.RunID == other.RunID && n.InstanceID == other.InstanceID
}

// MarkedForShutdown reports whether the node must no longer be counted as
// supply.
func (n DynamicNode) MarkedForShutdown() bool {
	return n.Status != NodeStatusRunning
}

// Expire moves a running node to EXPIRED.
func (n *DynamicNode) Expire() bool {
	if n.Status != NodeStatusRunning {
		return false
	}
	n.Status = NodeStatusExpired
	return true
}

// Renew is the only backward transition: EXPIRED back to RUNNING, with the end
// date pushed by one billing cycle.
func (n *DynamicNode) Renew() bool {
	if n.Status != NodeStatusExpired {
		return false
	}
	n.EndDate = n.EndDate.Add(BillingCycle)
	n.Status = NodeStatusRunning
	return true
}

func (n *DynamicNode) Terminate() bool {
	if n.Status == NodeStatusTerminated {
		return false
	}
	n.Status = NodeStatusTerminated
	return true
}

// PendingNode is an instance requested from the provisioner that has not shown
// up in the fleet yet.
type PendingNode struct {
	InstanceID  string    `json:"instanceId"`
	RequestedAt time.Time `json:"requestedAt"`
}
