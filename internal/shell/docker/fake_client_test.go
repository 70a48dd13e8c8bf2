package docker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeClient is an in-memory Client for orchestrator and reconciler tests.
type fakeClient struct {
	mu sync.Mutex

	pingErr   error
	buildErr  error
	createErr error
	startErr  error
	listErr   error

	images     map[string]bool
	containers map[string]*ContainerInfo
	byName     map[string]string
	nextID     int

	builds  []BuildOptions
	stopped []string
	removed []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		images:     make(map[string]bool),
		containers: make(map[string]*ContainerInfo),
		byName:     make(map[string]string),
	}
}

func (f *fakeClient) BuildImage(_ context.Context, _ string, opts BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, opts)
	if f.buildErr != nil {
		return f.buildErr
	}
	f.images[opts.Tag] = true
	return nil
}

func (f *fakeClient) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeClient) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	if _, exists := f.byName[spec.Name]; exists {
		return "", NewDockerError("CreateContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
	}
	f.nextID++
	id := fmt.Sprintf("c%015d", f.nextID)
	f.containers[id] = &ContainerInfo{
		ID:        id,
		Name:      spec.Name,
		Image:     spec.Image,
		Status:    ContainerStatusCreated,
		State:     string(ContainerStatusCreated),
		CreatedAt: time.Now(),
		Ports:     spec.Ports,
		Labels:    spec.Labels,
	}
	f.byName[spec.Name] = id
	return id, nil
}

func (f *fakeClient) StartContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.lookup(containerID)
	if !ok {
		return NewDockerError("StartContainer", "container", containerID, "container not found", ErrContainerNotFound)
	}
	c.Status = ContainerStatusRunning
	c.State = string(ContainerStatusRunning)
	return nil
}

func (f *fakeClient) StopContainer(_ context.Context, containerID string, _ *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	c, ok := f.lookup(containerID)
	if !ok {
		return NewDockerError("StopContainer", "container", containerID, "container not found", ErrContainerNotFound)
	}
	c.Status = ContainerStatusExited
	c.State = string(ContainerStatusExited)
	return nil
}

func (f *fakeClient) RemoveContainer(_ context.Context, containerID string, _ RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	c, ok := f.lookup(containerID)
	if !ok {
		return NewDockerError("RemoveContainer", "container", containerID, "container not found", ErrContainerNotFound)
	}
	delete(f.containers, c.ID)
	delete(f.byName, c.Name)
	return nil
}

func (f *fakeClient) ListContainers(_ context.Context, opts ListOptions) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []ContainerInfo
	for _, c := range f.containers {
		if key, ok := opts.Filters["label"]; ok {
			if _, has := c.Labels[key]; !has {
				continue
			}
		}
		if !opts.All && c.Status != ContainerStatusRunning {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeClient) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeClient) Close() error { return nil }

// lookup resolves an id or a name, as the engine does. Caller holds f.mu.
func (f *fakeClient) lookup(ref string) (*ContainerInfo, bool) {
	if c, ok := f.containers[ref]; ok {
		return c, true
	}
	if id, ok := f.byName[ref]; ok {
		return f.containers[id], true
	}
	return nil, false
}

// addContainer seeds a container as if a previous process had created it.
func (f *fakeClient) addContainer(c ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[c.ID] = &c
	if c.Name != "" {
		f.byName[c.Name] = c.ID
	}
}

func (f *fakeClient) containerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeClient) container(id string) (ContainerInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ContainerInfo{}, false
	}
	return *c, true
}
