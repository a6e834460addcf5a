package emulator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// AndroidContainer wraps one privileged emulator container.
type AndroidContainer struct {
	ID     string
	IP     string
	Config ContainerConfig
	client client.APIClient
	logger *slog.Logger
}

func NewAndroidContainer(cli client.APIClient, cfg ContainerConfig, logger *slog.Logger) *AndroidContainer {
	return &AndroidContainer{
		Config: cfg,
		client: cli,
		logger: logger.With(
			slog.String("device_id", cfg.DeviceID),
			slog.String("group_id", cfg.GroupID),
		),
	}
}

func (c *AndroidContainer) ensureImage(ctx context.Context) error {
	_, err := c.client.ImageInspect(ctx, c.Config.Image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	c.logger.Info("Image not found, pulling...", "image", c.Config.Image)
	reader, err := c.client.ImagePull(ctx, c.Config.Image, image.PullOptions{})
	if err != nil {
		c.logger.Error("Failed to pull image", "error", err)
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}
	defer reader.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
		}
		c.logger.Info("Image pull completed", "image", c.Config.Image)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrImagePullFailed, ctx.Err())
	}
}

func (c *AndroidContainer) env() []string {
	env := make([]string, 0, len(c.Config.Env)+1)
	env = append(env, "EMULATOR_PARAMS="+c.Config.Params)
	keys := make([]string, 0, len(c.Config.Env))
	for k := range c.Config.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Config.Env[k])
	}
	return env
}

func (c *AndroidContainer) portBindings() (nat.PortSet, nat.PortMap) {
	bind := func(port int) []nat.PortBinding {
		return []nat.PortBinding{{HostIP: c.Config.HostIP, HostPort: strconv.Itoa(port)}}
	}
	exposed := nat.PortSet{
		adbContainerPort:  struct{}{},
		grpcContainerPort: struct{}{},
	}
	bindings := nat.PortMap{
		adbContainerPort:  bind(c.Config.AdbPort),
		grpcContainerPort: bind(c.Config.GRPCPort),
	}
	return exposed, bindings
}

// Start creates and starts the container. On failure nothing is left behind.
func (c *AndroidContainer) Start(ctx context.Context) error {
	c.logger.Info("Starting emulator container", slog.String("image", c.Config.Image))

	if err := c.ensureImage(ctx); err != nil {
		return err
	}

	exposed, bindings := c.portBindings()

	cfg := &container.Config{
		Image:        c.Config.Image,
		Env:          c.env(),
		ExposedPorts: exposed,
		Labels: map[string]string{
			managedByLabel: managedByValue,
			deviceIDLabel:  c.Config.DeviceID,
			groupIDLabel:   c.Config.GroupID,
		},
	}

	hostConfig := &container.HostConfig{
		Privileged:   true,
		PortBindings: bindings,
		AutoRemove:   false,
		Resources: container.Resources{
			Devices: []container.DeviceMapping{{
				PathOnHost:        kvmDevice,
				PathInContainer:   kvmDevice,
				CgroupPermissions: "rwm",
			}},
		},
	}

	resp, err := c.client.ContainerCreate(ctx, cfg, hostConfig, nil, nil, ContainerName(c.Config.DeviceID))
	if err != nil {
		c.logger.Error("Failed to create container", "error", err)
		return fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	c.ID = resp.ID
	if err := c.client.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
		c.logger.Error("Failed to start container", "error", err)
		c.forceRemove()
		return fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	inspect, err := c.client.ContainerInspect(ctx, c.ID)
	if err != nil {
		c.logger.Error("Failed to inspect container", "error", err)
		c.forceRemove()
		return fmt.Errorf("failed to inspect container: %w", err)
	}

	if inspect.NetworkSettings != nil {
		for _, ep := range inspect.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" {
				c.IP = ep.IPAddress
				break
			}
		}
	}

	c.logger.Info("Emulator container started", "container_id", c.ID, "ip", c.IP)
	return nil
}

// forceRemove 使用独立 context，调用方的 ctx 可能已经超时
func (c *AndroidContainer) forceRemove() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = c.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
}

func (c *AndroidContainer) Remove(ctx context.Context) error {
	if c.ID == "" {
		return ErrContainerNotFound
	}
	c.logger.Info("Removing container", "container_id", c.ID)

	if err := c.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}

	c.logger.Info("Container removed", "container_id", c.ID)
	return nil
}

func (c *AndroidContainer) IsRunning(ctx context.Context) bool {
	inspect, err := c.client.ContainerInspect(ctx, c.ID)
	if err != nil || inspect.ContainerJSONBase == nil || inspect.State == nil {
		return false
	}
	return inspect.State.Running
}

func (c *AndroidContainer) Exec(ctx context.Context, cmd []string) (*ExecResult, error) {
	created, err := c.client.ContainerExecCreate(ctx, c.ID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, fmt.Errorf("%w: failed to create exec: %v", ErrExecFailed, err)
	}

	attach, err := c.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to attach to exec: %v", ErrExecFailed, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	start := time.Now()

	done := make(chan struct{})
	go func() {
		// 非 TTY 模式下输出是多路复用格式
		_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspect, err := c.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to inspect exec: %v", ErrExecFailed, err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}
