package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
)

const (
	DefaultImage = "chromedp/headless-shell:latest"

	devtoolsPort   = nat.Port("9222/tcp")
	labelManaged   = "browserq.managed"
	labelOwner     = "browserq.owner"
	containerNameP = "browserq-browser-"
	readyTimeout   = 30 * time.Second
)

// Manager runs headless browser containers.
type Manager struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewManager creates a Docker client from the environment (DOCKER_HOST etc).
func NewManager(logger *slog.Logger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: failed to create client: %w", err)
	}
	return &Manager{cli: cli, logger: logger}, nil
}

func (m *Manager) Close() error { return m.cli.Close() }

// ContainerSpec describes one browser container.
type ContainerSpec struct {
	Image string
	// Owner is recorded as a label, typically the worker name.
	Owner string
	// MemoryBytes limits the container; zero means no limit.
	MemoryBytes int64
}

// Container is a started browser container.
type Container struct {
	ID       string
	Name     string
	Endpoint string // http://127.0.0.1:<port>
}

// Start creates and starts a container from spec, pulling the image when it
// is missing, and waits until its DevTools endpoint answers.
func (m *Manager) Start(ctx context.Context, spec ContainerSpec) (Container, error) {
	if spec.Image == "" {
		spec.Image = DefaultImage
	}
	name := containerNameP + uuid.New().String()[:8]

	cfg := &container.Config{
		Image:        spec.Image,
		ExposedPorts: nat.PortSet{devtoolsPort: struct{}{}},
		Labels: map[string]string{
			labelManaged: "true",
			labelOwner:   spec.Owner,
		},
	}
	hostCfg := &container.HostConfig{
		// Random host port, reachable from this host only.
		PortBindings: nat.PortMap{
			devtoolsPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		Resources: container.Resources{Memory: spec.MemoryBytes},
		ShmSize:   256 << 20,
	}
	netCfg := &network.NetworkingConfig{}

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if client.IsErrNotFound(err) {
		m.logger.Info("docker: pulling browser image", "image", spec.Image)
		reader, pullErr := m.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
		if pullErr != nil {
			return Container{}, fmt.Errorf("docker: failed to pull image %s: %w", spec.Image, pullErr)
		}
		_, copyErr := io.Copy(io.Discard, reader)
		reader.Close()
		if copyErr != nil {
			return Container{}, fmt.Errorf("docker: failed to pull image %s: %w", spec.Image, copyErr)
		}
		resp, err = m.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	}
	if err != nil {
		return Container{}, fmt.Errorf("docker: failed to create container: %w", err)
	}

	c := Container{ID: resp.ID, Name: name}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.remove(context.WithoutCancel(ctx), resp.ID)
		return Container{}, fmt.Errorf("docker: failed to start container: %w", err)
	}

	inspect, err := m.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		m.remove(context.WithoutCancel(ctx), resp.ID)
		return Container{}, fmt.Errorf("docker: failed to inspect container: %w", err)
	}
	var ports nat.PortMap
	if inspect.NetworkSettings != nil {
		ports = inspect.NetworkSettings.Ports
	}
	hostPort, err := boundPort(ports)
	if err != nil {
		m.remove(context.WithoutCancel(ctx), resp.ID)
		return Container{}, err
	}
	c.Endpoint = "http://127.0.0.1:" + hostPort

	if err := waitReady(ctx, c.Endpoint, readyTimeout); err != nil {
		m.remove(context.WithoutCancel(ctx), resp.ID)
		return Container{}, err
	}

	m.logger.Info("docker: browser container started", "container", name, "endpoint", c.Endpoint)
	return c, nil
}

// Remove force-removes a container. A missing container is not an error.
func (m *Manager) Remove(ctx context.Context, id string) error {
	err := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: failed to remove container: %w", err)
	}
	return nil
}

func (m *Manager) remove(ctx context.Context, id string) {
	if err := m.Remove(ctx, id); err != nil {
		m.logger.Warn("docker: cleanup failed", "container", id, "error", err)
	}
}

// ReapExited removes stopped browser containers left behind by workers
// that died without cleaning up.
func (m *Manager) ReapExited(ctx context.Context) (int, error) {
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: makeFilters(map[string]string{
			"label":  labelManaged + "=true",
			"status": "exited",
		}),
	})
	if err != nil {
		return 0, fmt.Errorf("docker: list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if err := m.Remove(ctx, c.ID); err != nil {
			m.logger.Warn("docker: failed to reap container", "container", c.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func boundPort(ports nat.PortMap) (string, error) {
	bindings := ports[devtoolsPort]
	for _, b := range bindings {
		if b.HostPort != "" && b.HostPort != "0" {
			return b.HostPort, nil
		}
	}
	return "", errors.New("docker: devtools port is not published")
}

// waitReady polls the DevTools version endpoint until it answers 200.
func waitReady(ctx context.Context, endpoint string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpClient := &http.Client{Timeout: time.Second}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/json/version", nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("docker: browser endpoint %s not ready: %w", endpoint, ctx.Err())
		case <-ticker.C:
		}
	}
}

func makeFilters(m map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range m {
		args.Add(k, v)
	}
	return args
}
