package openstack

import (
	"log/slog"
	"time"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
)

type Config struct {
	Logger *slog.Logger `json:"-"`

	// Tag is written to the managed-by metadata of every server.
	Tag string `json:"tag"`

	Image          string            `json:"image"`
	Flavor         string            `json:"flavor"`
	Networks       []servers.Network `json:"networks"`
	SecurityGroups []string          `json:"security-groups"`
	KeyName        string            `json:"key-name,omitempty"`
	UserData       string            `json:"-"`

	// ExistenceAttempts bounds how many times a new server is polled.
	ExistenceAttempts int `json:"existence-attempts"`
	// ExistenceTimeout is the overall ceiling on polling a launch.
	ExistenceTimeout time.Duration `json:"existence-timeout"`
}
