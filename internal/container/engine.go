// Package container drives the local container engine for image builds,
// smoke-test containers and registry pushes.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	docker "github.com/fsouza/go-dockerclient"

	"notebook-builder/internal/domain"
)

// functionPort is the port the function runtime emulator listens on inside
// the image.
const functionPort = "8080/tcp"

// danglingAge is how old an untagged image must be before cleanup prunes it.
const danglingAge = "2h"

// pushInactivity bounds how long a push may go without progress output.
const pushInactivity = 10 * time.Minute

// ErrPortAllocated is returned by Run when the host port is already bound.
var ErrPortAllocated = errors.New("port is already allocated")

// BuildOptions describes one image build.
type BuildOptions struct {
	ContextDir string
	Tag        string
	// Output receives the engine's raw JSON progress stream, one object per
	// line.
	Output io.Writer
}

// RunOptions describes one smoke-test container.
type RunOptions struct {
	Image    string
	HostPort int
	Env      map[string]string
	MemoryMB int64
}

// Engine wraps a go-dockerclient client.
type Engine struct {
	client *docker.Client
	logger *slog.Logger
}

// New connects to the engine at endpoint (for example
// unix:///var/run/docker.sock) and checks it responds.
func New(endpoint string, logger *slog.Logger) (*Engine, error) {
	client, err := docker.NewClient(endpoint)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("ping docker at %s: %w", endpoint, err)
	}
	return &Engine{client: client, logger: logger.With("component", "container")}, nil
}

// Build builds the image in opts.ContextDir and tags it. Build failures that
// the engine reports inside the stream surface in opts.Output, not as an error.
func (e *Engine) Build(ctx context.Context, opts BuildOptions) error {
	err := e.client.BuildImage(docker.BuildImageOptions{
		Context:             ctx,
		Name:                opts.Tag,
		ContextDir:          opts.ContextDir,
		NoCache:             true,
		RmTmpContainer:      true,
		ForceRmTmpContainer: false,
		RawJSONStream:       true,
		OutputStream:        opts.Output,
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", opts.Tag, err)
	}
	return nil
}

// ImageSize returns the size in bytes of the image named ref.
func (e *Engine) ImageSize(_ context.Context, ref string) (int64, error) {
	img, err := e.client.InspectImage(ref)
	if err != nil {
		return 0, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return img.Size, nil
}

// Login verifies credentials against a registry.
func (e *Engine) Login(_ context.Context, cred domain.RegistryCredential) error {
	auth := authConfig(cred)
	if _, err := e.client.AuthCheck(&auth); err != nil {
		return fmt.Errorf("login to %s: %w", cred.ServerAddress, err)
	}
	return nil
}

// Tag points target (repository:tag) at source, replacing any stale image
// already carrying that name.
func (e *Engine) Tag(ctx context.Context, source, target string) error {
	if err := e.Remove(ctx, target); err != nil {
		return err
	}
	repo, tag := splitRef(target)
	err := e.client.TagImage(source, docker.TagImageOptions{
		Context: ctx,
		Repo:    repo,
		Tag:     tag,
		Force:   true,
	})
	if err != nil {
		return fmt.Errorf("tag %s as %s: %w", source, target, err)
	}
	return nil
}

// Push uploads ref to its registry, writing the raw JSON progress stream to
// out.
func (e *Engine) Push(ctx context.Context, ref string, cred domain.RegistryCredential, out io.Writer) error {
	repo, tag := splitRef(ref)
	err := e.client.PushImage(docker.PushImageOptions{
		Context:           ctx,
		Name:              repo,
		Tag:               tag,
		OutputStream:      out,
		RawJSONStream:     true,
		InactivityTimeout: pushInactivity,
	}, authConfig(cred))
	if err != nil {
		return fmt.Errorf("push %s: %w", ref, err)
	}
	return nil
}

// Remove force-removes an image. A missing image is not an error.
func (e *Engine) Remove(ctx context.Context, ref string) error {
	err := e.client.RemoveImageExtended(ref, docker.RemoveImageOptions{Force: true, Context: ctx})
	if err != nil && !errors.Is(err, docker.ErrNoSuchImage) {
		return fmt.Errorf("remove image %s: %w", ref, err)
	}
	return nil
}

// Prune removes ref and any dangling image older than two hours.
func (e *Engine) Prune(ctx context.Context, ref string) error {
	var errs []error
	if ref != "" {
		errs = append(errs, e.Remove(ctx, ref))
	}
	res, err := e.client.PruneImages(docker.PruneImagesOptions{
		Context: ctx,
		Filters: map[string][]string{"dangling": {"true"}, "until": {danglingAge}},
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("prune images: %w", err))
	} else if res != nil && res.SpaceReclaimed > 0 {
		e.logger.Debug("pruned dangling images", "reclaimed_bytes", res.SpaceReclaimed)
	}
	return errors.Join(errs...)
}

// KillByImage kills every running container started from image.
func (e *Engine) KillByImage(ctx context.Context, image string) error {
	containers, err := e.client.ListContainers(docker.ListContainersOptions{
		Context: ctx,
		Filters: map[string][]string{"ancestor": {image}, "status": {"running"}},
	})
	if err != nil {
		return fmt.Errorf("list containers for %s: %w", image, err)
	}
	var errs []error
	for _, c := range containers {
		if c.Image != image {
			continue
		}
		err := e.client.KillContainer(docker.KillContainerOptions{ID: c.ID, Context: ctx})
		var notRunning *docker.ContainerNotRunning
		if err != nil && !errors.As(err, &notRunning) {
			errs = append(errs, fmt.Errorf("kill container %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Run creates and starts a detached container publishing the function port on
// 127.0.0.1:opts.HostPort, returning its id.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (string, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	c, err := e.client.CreateContainer(docker.CreateContainerOptions{
		Context: ctx,
		Config: &docker.Config{
			Image:        opts.Image,
			Env:          env,
			ExposedPorts: map[docker.Port]struct{}{functionPort: {}},
		},
		HostConfig: &docker.HostConfig{
			PortBindings: map[docker.Port][]docker.PortBinding{
				functionPort: {{HostIP: "127.0.0.1", HostPort: strconv.Itoa(opts.HostPort)}},
			},
			Memory: opts.MemoryMB * 1024 * 1024,
		},
	})
	if err != nil {
		return "", fmt.Errorf("create container from %s: %w", opts.Image, err)
	}
	if err := e.client.StartContainerWithContext(c.ID, nil, ctx); err != nil {
		_ = e.RemoveContainer(context.WithoutCancel(ctx), c.ID)
		if strings.Contains(err.Error(), "port is already allocated") {
			return "", fmt.Errorf("start container on port %d: %w", opts.HostPort, ErrPortAllocated)
		}
		return "", fmt.Errorf("start container %s: %w", c.ID, err)
	}
	return c.ID, nil
}

// RemoveContainer force-removes a container and its volumes.
func (e *Engine) RemoveContainer(ctx context.Context, id string) error {
	err := e.client.RemoveContainer(docker.RemoveContainerOptions{
		ID:            id,
		Force:         true,
		RemoveVolumes: true,
		Context:       ctx,
	})
	var noSuch *docker.NoSuchContainer
	if err != nil && !errors.As(err, &noSuch) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// Close releases idle connections to the engine.
func (e *Engine) Close() error {
	if tr, ok := e.client.HTTPClient.Transport.(interface{ CloseIdleConnections() }); ok {
		tr.CloseIdleConnections()
	}
	return nil
}

func authConfig(c domain.RegistryCredential) docker.AuthConfiguration {
	return docker.AuthConfiguration{
		Username:      c.Username,
		Password:      c.Password,
		ServerAddress: c.ServerAddress,
	}
}

// splitRef splits "registry/repo:tag" into repository and tag. A colon inside
// the registry host part is not a tag separator.
func splitRef(ref string) (repo, tag string) {
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}
