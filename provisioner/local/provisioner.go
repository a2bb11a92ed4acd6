package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/namegen"
	"github.com/gammadia/autogrid/provisioner"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
)

// DockerClient is the subset of the Docker SDK used to run node containers.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// LocalProvisioner runs grid nodes as containers on the local Docker daemon.
type LocalProvisioner struct {
	config Config
	log    *slog.Logger
	docker DockerClient
	now    func() time.Time
}

// LocalProvisioner implements Provisioner
var _ provisioner.Provisioner = (*LocalProvisioner)(nil)

func NewProvisioner(config Config) (*LocalProvisioner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to init docker client: %w", err)
	}
	return newWithClient(config, docker)
}

func newWithClient(config Config, docker DockerClient) (*LocalProvisioner, error) {
	if config.Tag == "" {
		return nil, errors.New("local provisioner requires a tag")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if len(config.Images) == 0 {
		config.Images = DefaultImages
	}

	return &LocalProvisioner{
		config: config,
		log:    config.Logger,
		docker: docker,
		now:    time.Now,
	}, nil
}

func (lp *LocalProvisioner) Launch(ctx context.Context, request provisioner.LaunchRequest) ([]provisioner.Instance, error) {
	image, ok := lp.config.Images[capability.NormalizeBrowser(request.Browser)]
	if !ok {
		return nil, fmt.Errorf("%w: no image for browser '%s'", provisioner.ErrCouldNotStart, request.Browser)
	}

	var instances []provisioner.Instance
	for i := 0; i < request.Count; i++ {
		instance, err := lp.launchOne(ctx, image, request)
		if err != nil {
			for _, started := range instances {
				lp.cleanUp(ctx, started.ID)
			}
			return nil, fmt.Errorf("%w: %w", provisioner.ErrCouldNotStart, err)
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (lp *LocalProvisioner) launchOne(ctx context.Context, image string, request provisioner.LaunchRequest) (provisioner.Instance, error) {
	name := namegen.NodeName(request.Browser)
	launchedAt := lp.now().UTC()

	labels := map[string]string{
		provisioner.TagManagedBy:  lp.config.Tag,
		provisioner.TagRunID:      request.RunID,
		provisioner.TagBrowser:    request.Browser,
		provisioner.TagPlatform:   request.Platform,
		provisioner.TagLaunchedAt: launchedAt.Format(time.RFC3339),
	}

	var networking *network.NetworkingConfig
	if lp.config.Network != "" {
		networking = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{lp.config.Network: {}},
		}
	}

	_, err := lp.docker.ContainerCreate(ctx, &container.Config{
		Image:    image,
		Hostname: name,
		Labels:   labels,
		Env: []string{
			fmt.Sprintf("SE_EVENT_BUS_HOST=%s", request.HubHost),
			"SE_NODE_MAX_SESSIONS=" + strconv.Itoa(max(request.MaxSessions, 1)),
			"SE_NODE_OVERRIDE_MAX_SESSIONS=true",
			fmt.Sprintf("AUTOGRID_INSTANCE_ID=%s", name),
			fmt.Sprintf("AUTOGRID_UUID=%s", request.RunID),
			fmt.Sprintf("AUTOGRID_CREATED_AT=%s", launchedAt.Format(time.RFC3339)),
		},
	}, &container.HostConfig{
		ShmSize: 2 << 30,
	}, networking, nil, name)
	if err != nil {
		return provisioner.Instance{}, fmt.Errorf("failed to create container '%s': %w", name, err)
	}

	if err := lp.docker.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		lp.cleanUp(ctx, name)
		return provisioner.Instance{}, fmt.Errorf("failed to start container '%s': %w", name, err)
	}
	lp.log.Info("Started node container", "container", name, "image", image, "run", request.RunID)

	inspect, err := lp.docker.ContainerInspect(ctx, name)
	if err != nil {
		lp.cleanUp(ctx, name)
		return provisioner.Instance{}, fmt.Errorf("failed to inspect container '%s': %w", name, err)
	}

	instance := provisioner.Instance{
		ID:         name,
		Name:       name,
		IP:         containerIP(inspect),
		LaunchedAt: launchedAt,
		Tags:       labels,
	}
	if inspect.State != nil {
		instance.State = string(inspect.State.Status)
	}
	return instance, nil
}

func (lp *LocalProvisioner) Terminate(ctx context.Context, instanceID string) (bool, error) {
	err := lp.docker.ContainerRemove(ctx, instanceID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			lp.log.Warn("Node container already gone", "container", instanceID)
			return false, nil
		}
		return false, fmt.Errorf("failed to remove container '%s': %w", instanceID, err)
	}
	lp.log.Info("Removed node container", "container", instanceID)
	return true, nil
}

// cleanUp removes a container left behind by a failed launch.
func (lp *LocalProvisioner) cleanUp(ctx context.Context, name string) {
	if _, err := lp.Terminate(ctx, name); err != nil {
		lp.log.Error("Failed to clean up container after failed launch", "container", name, "error", err)
	}
}

func (lp *LocalProvisioner) DescribeAll(ctx context.Context, tag string) ([]provisioner.Instance, error) {
	containers, err := lp.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", provisioner.TagManagedBy+"="+tag)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	return lo.Map(containers, func(summary container.Summary, _ int) provisioner.Instance {
		name := summary.ID
		if len(summary.Names) > 0 {
			name = strings.TrimPrefix(summary.Names[0], "/")
		}
		return provisioner.Instance{
			ID:         name,
			Name:       name,
			State:      string(summary.State),
			LaunchedAt: launchedAt(summary),
			Tags:       summary.Labels,
		}
	}), nil
}

// launchedAt prefers the label written at launch and falls back to the
// daemon's creation time.
func launchedAt(summary container.Summary) time.Time {
	if value, ok := summary.Labels[provisioner.TagLaunchedAt]; ok {
		if parsed, err := time.Parse(time.RFC3339, value); err == nil {
			return parsed
		}
	}
	if summary.Created > 0 {
		return time.Unix(summary.Created, 0).UTC()
	}
	return time.Time{}
}

func containerIP(inspect container.InspectResponse) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	for _, endpoint := range inspect.NetworkSettings.Networks {
		if endpoint != nil && endpoint.IPAddress != "" {
			return endpoint.IPAddress
		}
	}
	return ""
}
