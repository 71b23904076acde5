package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerAPI is the subset of the docker engine client used by the stand manager.
// It exists so tests can substitute a fake docker host.
type DockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
}

// Ports the test-tools container publishes: the test-tools agent itself and
// the uni application served by tomcat.
const (
	testToolsContainerPort nat.Port = "8082/tcp"
	uniContainerPort       nat.Port = "8080/tcp"
)

// NewDockerClient creates a docker engine client from standard environment
// variables (DOCKER_HOST etc.), defaulting to the local unix socket.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// publishedPort returns the host port a container port is published on,
// or "" when the port is not bound.
func publishedPort(inspect container.InspectResponse, port nat.Port) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return ""
	}
	return bindings[0].HostPort
}
