package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/gammadia/autogrid/namegen"
	"github.com/gammadia/autogrid/provisioner"
	"github.com/gammadia/autogrid/provisioner/internal"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
)

type Provisioner struct {
	config   Config
	client   *gophercloud.ServiceClient
	userData *internal.UserData
	log      *slog.Logger
	now      func() time.Time
}

// Provisioner implements provisioner.Provisioner
var _ provisioner.Provisioner = (*Provisioner)(nil)

func New(config Config) (*Provisioner, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{
		Region: os.Getenv("OS_REGION_NAME"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	return newWithClient(config, client)
}

func newWithClient(config Config, client *gophercloud.ServiceClient) (*Provisioner, error) {
	if config.Tag == "" {
		return nil, errors.New("openstack provisioner requires a tag")
	}
	if config.ExistenceAttempts <= 0 {
		config.ExistenceAttempts = 30
	}
	if config.ExistenceTimeout <= 0 {
		config.ExistenceTimeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	userData, err := internal.ParseUserData(config.UserData)
	if err != nil {
		return nil, err
	}

	return &Provisioner{
		config:   config,
		client:   client,
		userData: userData,
		log:      config.Logger,
		now:      time.Now,
	}, nil
}

func (p *Provisioner) Launch(ctx context.Context, request provisioner.LaunchRequest) ([]provisioner.Instance, error) {
	var instances []provisioner.Instance
	for i := 0; i < request.Count; i++ {
		instance, err := p.launchOne(ctx, request)
		if err != nil {
			p.rollback(ctx, instances)
			return nil, fmt.Errorf("%w: %w", provisioner.ErrCouldNotStart, err)
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (p *Provisioner) launchOne(ctx context.Context, request provisioner.LaunchRequest) (provisioner.Instance, error) {
	name := namegen.NodeName(request.Browser)
	launchedAt := p.now().UTC().Format(time.RFC3339)

	userData, err := p.userData.Render(internal.UserDataValues{
		HubHost:     request.HubHost,
		Browser:     request.Browser,
		Platform:    request.Platform,
		MaxSessions: request.MaxSessions,
		RunID:       request.RunID,
		NodeName:    name,
		LaunchedAt:  launchedAt,
	})
	if err != nil {
		return provisioner.Instance{}, err
	}

	var opts servers.CreateOptsBuilder = servers.CreateOpts{
		Name:           name,
		ImageRef:       p.config.Image,
		FlavorRef:      p.config.Flavor,
		Networks:       p.config.Networks,
		SecurityGroups: p.config.SecurityGroups,
		UserData:       userData,
		Metadata: map[string]string{
			provisioner.TagManagedBy:  p.config.Tag,
			provisioner.TagRunID:      request.RunID,
			provisioner.TagBrowser:    request.Browser,
			provisioner.TagPlatform:   request.Platform,
			provisioner.TagLaunchedAt: launchedAt,
			"autogrid-max-sessions":   strconv.Itoa(request.MaxSessions),
		},
	}
	if p.config.KeyName != "" {
		opts = keypairs.CreateOptsExt{CreateOptsBuilder: opts, KeyName: p.config.KeyName}
	}

	created, err := servers.Create(p.client, opts).Extract()
	if err != nil {
		return provisioner.Instance{}, fmt.Errorf("failed to create server '%s': %w", name, err)
	}
	p.log.Info("Created server", "server", name, "id", created.ID, "run", request.RunID)

	server, err := p.waitForExistence(ctx, created.ID)
	if err != nil {
		p.rollback(ctx, []provisioner.Instance{{ID: created.ID, Name: name}})
		return provisioner.Instance{}, err
	}
	return toInstance(*server), nil
}

// waitForExistence polls the compute API until it knows the server, with a
// bounded number of attempts under an overall ceiling.
func (p *Provisioner) waitForExistence(ctx context.Context, id string) (*servers.Server, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.ExistenceTimeout)
	defer cancel()

	server, err := internal.RetryResultWithContext(ctx, p.config.ExistenceAttempts, func() (*servers.Server, error) {
		return servers.Get(p.client, id).Extract()
	})
	if err != nil {
		return nil, fmt.Errorf("server '%s' did not appear after %s: %w", id, p.config.ExistenceTimeout, err)
	}
	return server, nil
}

func (p *Provisioner) rollback(ctx context.Context, instances []provisioner.Instance) {
	for _, instance := range instances {
		if _, err := p.Terminate(ctx, instance.ID); err != nil {
			p.log.Error("Failed to clean up server after failed launch", "server", instance.Name, "id", instance.ID, "error", err)
		}
	}
}

func (p *Provisioner) Terminate(_ context.Context, instanceID string) (bool, error) {
	if err := servers.Delete(p.client, instanceID).ExtractErr(); err != nil {
		var notFound gophercloud.ErrDefault404
		if errors.As(err, &notFound) {
			p.log.Warn("Server already gone", "id", instanceID)
			return false, nil
		}
		return false, fmt.Errorf("failed to delete server '%s': %w", instanceID, err)
	}
	p.log.Info("Deleted server", "id", instanceID)
	return true, nil
}

func (p *Provisioner) DescribeAll(_ context.Context, tag string) ([]provisioner.Instance, error) {
	pages, err := servers.List(p.client, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract servers: %w", err)
	}

	return lo.FilterMap(all, func(server servers.Server, _ int) (provisioner.Instance, bool) {
		return toInstance(server), server.Metadata[provisioner.TagManagedBy] == tag
	}), nil
}

func toInstance(server servers.Server) provisioner.Instance {
	return provisioner.Instance{
		ID:         server.ID,
		Name:       server.Name,
		IP:         server.AccessIPv4,
		State:      server.Status,
		LaunchedAt: server.Created,
		Tags:       server.Metadata,
	}
}
