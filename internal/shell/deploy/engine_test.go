package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/sitedeploy/internal/shell/docker"
)

// fakeEngine is an in-memory docker.Client.
type fakeEngine struct {
	mu sync.Mutex

	down     bool
	buildErr error
	startErr error

	images     map[string]bool
	containers map[string]*docker.ContainerInfo
	nextID     int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		images:     make(map[string]bool),
		containers: make(map[string]*docker.ContainerInfo),
	}
}

func (f *fakeEngine) BuildImage(_ context.Context, _ string, opts docker.BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return f.buildErr
	}
	f.images[opts.Tag] = true
	return nil
}

func (f *fakeEngine) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeEngine) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.Name == spec.Name {
			return "", docker.ErrContainerAlreadyExists
		}
	}
	f.nextID++
	id := fmt.Sprintf("e%015d", f.nextID)
	f.containers[id] = &docker.ContainerInfo{
		ID:     id,
		Name:   spec.Name,
		Image:  spec.Image,
		Status: docker.ContainerStatusCreated,
		Ports:  spec.Ports,
		Labels: spec.Labels,
	}
	return id, nil
}

func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c := f.lookup(id)
	if c == nil {
		return docker.ErrContainerNotFound
	}
	c.Status = docker.ContainerStatusRunning
	return nil
}

func (f *fakeEngine) StopContainer(_ context.Context, id string, _ *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return docker.ErrContainerNotFound
	}
	c.Status = docker.ContainerStatusExited
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, id string, _ docker.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return docker.ErrContainerNotFound
	}
	delete(f.containers, c.ID)
	return nil
}

func (f *fakeEngine) ListContainers(_ context.Context, _ docker.ListOptions) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]docker.ContainerInfo, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeEngine) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return docker.ErrConnectionFailed
	}
	return nil
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) lookup(ref string) *docker.ContainerInfo {
	if c, ok := f.containers[ref]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.Name == ref {
			return c
		}
	}
	return nil
}

func (f *fakeEngine) running() []docker.ContainerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.ContainerInfo
	for _, c := range f.containers {
		if c.Status == docker.ContainerStatusRunning {
			out = append(out, *c)
		}
	}
	return out
}

func (f *fakeEngine) setStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *fakeEngine) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}
