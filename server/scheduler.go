package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gammadia/autogrid/admission"
	"github.com/gammadia/autogrid/capacity"
	"github.com/gammadia/autogrid/catalog"
	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/probe"
	"github.com/gammadia/autogrid/provisioner"
	"github.com/gammadia/autogrid/provisioner/local"
	"github.com/gammadia/autogrid/provisioner/openstack"
	"github.com/gammadia/autogrid/registry"
	schedulerpkg "github.com/gammadia/autogrid/scheduler"
	"github.com/gammadia/autogrid/server/flags"
	"github.com/gammadia/autogrid/server/log"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// grid holds everything the control plane shares between the periodic jobs
// and the HTTP surface.
type grid struct {
	catalog   *catalog.Catalog
	runs      *registry.RunRegistry
	nodes     *registry.NodeRegistry
	hub       *fleet.Hub
	matcher   *capacity.Matcher
	scheduler *schedulerpkg.Scheduler
	admission *admission.Service
}

func createGrid() (*grid, error) {
	browsers, err := createCatalog()
	if err != nil {
		return nil, fmt.Errorf("unable to load catalog: %w", err)
	}

	provisioner, err := createProvisioner()
	if err != nil {
		return nil, fmt.Errorf("unable to create provisioner '%s': %w", viper.GetString(flags.Provisioner), err)
	}

	g := &grid{catalog: browsers}
	g.runs = registry.NewRunRegistry(registry.RunRegistryConfig{
		Logger:         log.Base.With("component", "runs"),
		StaleAfter:     viper.GetDuration(flags.StaleAfter),
		SlowStaleAfter: viper.GetDuration(flags.SlowStaleAfter),
		SlowBrowsers:   browsers.SlowBrowsers(),
	})
	g.nodes = registry.NewNodeRegistry(registry.NodeRegistryConfig{
		Logger:         log.Base.With("component", "nodes"),
		PendingTimeout: viper.GetDuration(flags.PendingTimeout),
	})
	g.hub = fleet.NewHub(capacity.LifecycleMatcher{Nodes: g.nodes}, log.Base.With("component", "hub"))
	g.matcher = capacity.NewMatcher(g.runs, g.nodes, time.Now)

	config := schedulerpkg.Config{
		Logger:            log.Base.With("component", "scheduler"),
		HubHost:           viper.GetString(flags.HubHost),
		Tag:               viper.GetString(flags.Tag),
		MaxNodes:          viper.GetInt(flags.MaxNodes),
		NodeLifetime:      viper.GetDuration(flags.NodeLifetime),
		RunReaperDelay:    viper.GetDuration(flags.RunReaperDelay),
		LifecycleDelay:    viper.GetDuration(flags.LifecycleDelay),
		ScalingDelay:      viper.GetDuration(flags.ScalingDelay),
		PendingSyncDelay:  viper.GetDuration(flags.PendingSyncDelay),
		OrphanDelay:       viper.GetDuration(flags.OrphanDelay),
		ScaleUpDebounce:   viper.GetDuration(flags.ScaleUpDebounce),
		StuckPendingAfter: viper.GetDuration(flags.StuckPendingAfter),
		OrphanGrace:       viper.GetDuration(flags.OrphanGrace),
	}
	if err := schedulerpkg.Validate(config); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	log.Debug("Scheduler config", "config", string(lo.Must(json.Marshal(config))))

	g.scheduler = schedulerpkg.New(schedulerpkg.Deps{
		Runs:        g.runs,
		Nodes:       g.nodes,
		Fleet:       g.hub,
		Matcher:     g.matcher,
		Provisioner: provisioner,
		Probe: probe.New(probe.Config{
			Logger:         log.Base.With("component", "probe"),
			Path:           viper.GetString(flags.ProbePath),
			Marker:         viper.GetString(flags.ProbeMarker),
			ConnectTimeout: viper.GetDuration(flags.ProbeTimeout),
			ReadTimeout:    viper.GetDuration(flags.ProbeTimeout),
		}),
		Catalog: browsers,
	}, config)

	admissionConfig := admission.Config{
		Logger:     log.Base.With("component", "admission"),
		MaxThreads: viper.GetInt(flags.MaxThreads),
		MaxNodes:   viper.GetInt(flags.MaxNodes),
	}
	if err := admission.Validate(admissionConfig); err != nil {
		return nil, fmt.Errorf("invalid admission config: %w", err)
	}
	g.admission = admission.New(g.runs, g.nodes, g.hub, g.matcher, browsers, g.scheduler.Launcher(), admissionConfig)

	return g, nil
}

func createCatalog() (*catalog.Catalog, error) {
	file := viper.GetString(flags.Catalog)
	if file == "" {
		return catalog.Default(), nil
	}
	return catalog.Read(file)
}

func createProvisioner() (provisioner.Provisioner, error) {
	logger := log.Base.With("component", "provisioner")
	switch p := viper.GetString(flags.Provisioner); p {
	case "local":
		config := local.Config{
			Logger:  logger,
			Tag:     viper.GetString(flags.Tag),
			Images:  viper.GetStringMapString(flags.LocalImages),
			Network: viper.GetString(flags.LocalNetwork),
		}
		logger.Debug("Provisioner config", "provisioner", p, "images", config.Images, "network", config.Network)
		return local.NewProvisioner(config)

	case "openstack":
		config := openstack.Config{
			Logger: logger,
			Tag:    viper.GetString(flags.Tag),
			Image:  viper.GetString(flags.OpenstackImage),
			Flavor: viper.GetString(flags.OpenstackFlavor),
			Networks: lo.Map(
				viper.GetStringSlice(flags.OpenstackNetworks),
				func(s string, _ int) servers.Network {
					return servers.Network{UUID: s}
				},
			),
			SecurityGroups:   viper.GetStringSlice(flags.OpenstackSecurityGroups),
			KeyName:          viper.GetString(flags.OpenstackKeyName),
			ExistenceTimeout: viper.GetDuration(flags.OpenstackLaunchTimeout),
		}
		if file := viper.GetString(flags.OpenstackUserData); file != "" {
			buf, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read user data template: %w", err)
			}
			config.UserData = string(buf)
		}
		logger.Debug("Provisioner config", "provisioner", p, "config", string(lo.Must(json.Marshal(config))))
		return openstack.New(config)

	default:
		return nil, fmt.Errorf("unknown provisioner")
	}
}
