package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gammadia/autogrid/probe"
	"github.com/gammadia/autogrid/provisioner/local"
	"github.com/gammadia/autogrid/registry"
	"github.com/gammadia/autogrid/scheduler"
	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat   = "log-format"
	LogLevel    = "log-level"
	LogSource   = "log-source"
	Listen      = "listen"
	GrpcListen  = "grpc-listen"
	HubHost     = "hub-host"
	Tag         = "tag"
	Catalog     = "catalog"
	Provisioner = "provisioner"
	MaxNodes    = "max-nodes"
	MaxThreads  = "max-threads"

	NodeLifetime      = "node-lifetime"
	PendingTimeout    = "pending-timeout"
	StaleAfter        = "stale-after"
	SlowStaleAfter    = "slow-stale-after"
	RunReaperDelay    = "run-reaper-delay"
	LifecycleDelay    = "lifecycle-delay"
	ScalingDelay      = "scaling-delay"
	PendingSyncDelay  = "pending-sync-delay"
	OrphanDelay       = "orphan-delay"
	ScaleUpDebounce   = "scale-up-debounce"
	StuckPendingAfter = "stuck-pending-after"
	OrphanGrace       = "orphan-grace"

	ProbePath    = "probe-path"
	ProbeMarker  = "probe-marker"
	ProbeTimeout = "probe-timeout"

	LocalImages  = "local-images"
	LocalNetwork = "local-network"

	OpenstackImage          = "openstack-image"
	OpenstackFlavor         = "openstack-flavor"
	OpenstackNetworks       = "openstack-networks"
	OpenstackSecurityGroups = "openstack-security-groups"
	OpenstackKeyName        = "openstack-key-name"
	OpenstackUserData       = "openstack-user-data"
	OpenstackLaunchTimeout  = "openstack-launch-timeout"
)

func init() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// Server
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(Listen, ":4444", "HTTP API listening address")
	flags.String(GrpcListen, ":4445", "gRPC health service listening address")
	flags.String(HubHost, "localhost", "hub address handed to new nodes")
	flags.String(Tag, "autogrid", "tag identifying the instances owned by this control plane")
	flags.String(Catalog, "", "browser catalog file (built-in catalog if empty)")
	flags.String(Provisioner, "local", "node provisioner to use (local, openstack)")
	flags.Int(MaxNodes, 10, "maximum number of dynamic nodes alive at once (0 for unlimited)")
	flags.Int(MaxThreads, 0, "maximum threads a single run may request (0 for unlimited)")

	// Lifecycle
	flags.Duration(NodeLifetime, registry.DefaultNodeLifetime, "lifetime of a new node before it may expire")
	flags.Duration(PendingTimeout, registry.DefaultPendingTimeout, "how long a launched node may take to join the fleet")
	flags.Duration(StaleAfter, registry.DefaultStaleAfter, "age after which a run without sessions is forgotten")
	flags.Duration(SlowStaleAfter, registry.DefaultSlowStaleAfter, "stale-after for slow-booting browsers")
	flags.Duration(RunReaperDelay, scheduler.DefaultRunReaperDelay, "delay between run reaper passes")
	flags.Duration(LifecycleDelay, scheduler.DefaultLifecycleDelay, "delay between node lifecycle passes")
	flags.Duration(ScalingDelay, scheduler.DefaultScalingDelay, "delay between scale-up passes")
	flags.Duration(PendingSyncDelay, scheduler.DefaultPendingSyncDelay, "delay between pending sync passes")
	flags.Duration(OrphanDelay, scheduler.DefaultOrphanDelay, "delay between orphan reaper passes")
	flags.Duration(ScaleUpDebounce, scheduler.DefaultScaleUpDebounce, "how long demand must stay queued before scaling up")
	flags.Duration(StuckPendingAfter, scheduler.DefaultStuckPendingAfter, "age after which a pending node stops blocking scale-up")
	flags.Duration(OrphanGrace, scheduler.DefaultOrphanGrace, "minimum age of an untracked instance before it is terminated")

	// Probe
	flags.String(ProbePath, probe.DefaultPath, "path of the node session listing")
	flags.String(ProbeMarker, probe.DefaultMarker, "text marking a live session in the node session listing")
	flags.Duration(ProbeTimeout, probe.DefaultReadTimeout, "connect and read timeout of node probes")

	// Local
	flags.StringToString(LocalImages, local.DefaultImages, "node image per browser")
	flags.String(LocalNetwork, "", "docker network the node containers join")

	// Openstack
	flags.String(OpenstackImage, "", "image to use for provisioning")
	flags.String(OpenstackFlavor, "", "flavor to use for provisioning")
	flags.StringSlice(OpenstackNetworks, nil, "networks attached to the nodes")
	flags.StringSlice(OpenstackSecurityGroups, nil, "security groups defined for the nodes")
	flags.String(OpenstackKeyName, "", "key pair injected in the nodes")
	flags.String(OpenstackUserData, "", "user data template file (built-in template if empty)")
	flags.Duration(OpenstackLaunchTimeout, 2*time.Minute, "how long to wait for a launched server to exist")

	// Init
	if err := flags.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("autogrid")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
