package scheduler

import (
	"time"
)

type Event interface{}

// Nodes

type EventNodeExpired struct {
	Node string
}

type EventNodeRenewed struct {
	Node    string
	EndDate time.Time
}

type EventNodeTerminated struct {
	Node string
	// Destroyed is false when the provisioner could not confirm the
	// instance is gone.
	Destroyed bool
}

type EventNodeRemoved struct {
	Node string
}

type EventNodeAdopted struct {
	Node string
	Run  string
}

type EventNodeConfirmed struct {
	Node string
}

// Provisioning

type EventNodesLaunched struct {
	Browser string
	Run     string
	Nodes   []string
}

type EventLaunchFailed struct {
	Browser string
	Count   int
	Error   error
}

type EventPendingReaped struct {
	Nodes []string
}

type EventOrphanTerminated struct {
	Instance string
}

// Runs

type EventRunsReaped struct {
	Runs []string
}

// Tasks

type EventTaskFailed struct {
	Task  string
	Error error
}
