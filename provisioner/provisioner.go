package provisioner

import (
	"context"
	"errors"
	"time"
)

// Metadata keys put on every launched instance.
const (
	TagManagedBy  = "autogrid-provisioner"
	TagRunID      = "autogrid-uuid"
	TagBrowser    = "autogrid-browser"
	TagPlatform   = "autogrid-platform"
	TagLaunchedAt = "autogrid-launched-at"
)

// ErrCouldNotStart is returned when the cloud refused to start the requested
// nodes.
var ErrCouldNotStart = errors.New("could not start nodes")

type LaunchRequest struct {
	RunID       string
	Platform    string
	Browser     string
	HubHost     string
	Count       int
	MaxSessions int
}

type Instance struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	IP         string            `json:"ip,omitempty"`
	State      string            `json:"state"`
	LaunchedAt time.Time         `json:"launchedAt"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Provisioner launches and destroys node instances.
type Provisioner interface {
	// Launch starts Count instances and returns once they exist.
	Launch(ctx context.Context, request LaunchRequest) ([]Instance, error)
	// Terminate destroys an instance. It reports false if the instance could
	// not be destroyed.
	Terminate(ctx context.Context, instanceID string) (bool, error)
	// DescribeAll lists the instances carrying the given managed-by tag.
	DescribeAll(ctx context.Context, tag string) ([]Instance, error)
}
