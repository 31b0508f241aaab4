package launcher

import (
	"context"
	"fmt"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerClient "github.com/docker/docker/client"
	"github.com/pkg/errors"
	"github.com/scusemua/vm-scheduler/common/scheduling"
	"github.com/scusemua/vm-scheduler/common/utils"
)

const (
	// LabelPrefix prefixes the labels attached to every container started by a DockerLauncher.
	LabelPrefix = "vm-scheduler."

	stopTimeoutSeconds = 10
)

// DockerLauncher starts each instance as a container on the local Docker daemon, with a memory limit matching the
// instance's allocation. The host ID is recorded as a label. It is intended for single-machine deployments in which
// every "host" of the pool is simulated.
type DockerLauncher struct {
	log logger.Logger

	apiClient *dockerClient.Client

	networkName  string
	defaultImage string
}

// NewDockerLauncher creates a DockerLauncher using the Docker configuration found in the environment.
func NewDockerLauncher(networkName string, defaultImage string) (*DockerLauncher, error) {
	apiClient, err := dockerClient.NewClientWithOpts(dockerClient.FromEnv, dockerClient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Docker API client")
	}

	launcher := &DockerLauncher{
		apiClient:    apiClient,
		networkName:  networkName,
		defaultImage: defaultImage,
	}
	config.InitLogger(&launcher.log, launcher)

	return launcher, nil
}

// containerName returns the name of the container of the given instance.
func containerName(instanceId string) string {
	return fmt.Sprintf("vm-%s", instanceId)
}

func (l *DockerLauncher) StartInstance(ctx context.Context, hostId string, spec *scheduling.InstanceSpec) error {
	image := spec.Image
	if image == "" {
		image = l.defaultImage
	}

	if image == "" {
		return fmt.Errorf("no image specified for instance %s", spec.InstanceID)
	}

	labels := map[string]string{
		LabelPrefix + "instance-id": spec.InstanceID,
		LabelPrefix + "host-id":     hostId,
		LabelPrefix + "network":     spec.NetworkTag,
		LabelPrefix + "preemptible": fmt.Sprintf("%v", spec.Preemptible()),
	}

	if spec.Preemptible() {
		labels[LabelPrefix+"bid-id"] = spec.BidID
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory: spec.MemoryMB * 1024 * 1024,
		},
	}

	var networkingConfig *network.NetworkingConfig
	if l.networkName != "" {
		networkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				l.networkName: {},
			},
		}
	}

	resp, err := l.apiClient.ContainerCreate(ctx, &container.Config{
		Image:  image,
		Labels: labels,
	}, hostConfig, networkingConfig, nil, containerName(spec.InstanceID))
	if err != nil {
		l.log.Error(utils.RedStyle.Render("Failed to create container for %s: %v"), spec.String(), err)
		return errors.Wrapf(err, "failed to create container for instance %s", spec.InstanceID)
	}

	for _, warning := range resp.Warnings {
		l.log.Warn("Docker warning while creating container for instance %s: %s", spec.InstanceID, warning)
	}

	if err = l.apiClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.log.Error(utils.RedStyle.Render("Failed to start container %s for %s: %v"), resp.ID, spec.String(), err)

		if removeErr := l.apiClient.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			l.log.Warn("Failed to remove container %s that could not be started: %v", resp.ID, removeErr)
		}

		return errors.Wrapf(err, "failed to start container for instance %s", spec.InstanceID)
	}

	l.log.Debug("Started container %s for %s.", shortId(resp.ID), spec.String())
	return nil
}

func (l *DockerLauncher) StopInstance(ctx context.Context, instanceId string) error {
	timeout := stopTimeoutSeconds
	name := containerName(instanceId)

	if err := l.apiClient.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		l.log.Error(utils.RedStyle.Render("Failed to stop container %s: %v"), name, err)
		return errors.Wrapf(err, "failed to stop container of instance %s", instanceId)
	}

	if err := l.apiClient.ContainerRemove(ctx, name, container.RemoveOptions{}); err != nil {
		l.log.Warn("Failed to remove stopped container %s: %v", name, err)
	}

	l.log.Debug("Stopped container %s.", name)
	return nil
}

func shortId(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
