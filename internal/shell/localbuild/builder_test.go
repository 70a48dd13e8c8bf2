package localbuild

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor records commands and simulates npm.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    [][]string
	failOn   string
	hangOn   string
	makeDist bool
}

func (f *fakeExecutor) Execute(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	step := args[len(args)-1]
	if step == f.hangOn {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step == f.failOn {
		return []byte("npm ERR! missing script"), errors.New("exit status 1")
	}
	if step == "build" && f.makeDist {
		if err := os.MkdirAll(filepath.Join(dir, "dist"), 0o755); err != nil {
			return nil, err
		}
	}
	return []byte("ok"), nil
}

func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"scripts":{"build":"vite build"}}`), 0o644))
	return dir
}

func TestBuild_Success(t *testing.T) {
	exec := &fakeExecutor{makeDist: true}
	b := newBuilder(exec, DefaultBuilderConfig(), nil)
	dir := newProject(t)

	dist, err := b.Build(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "dist"), dist)
	require.Len(t, exec.calls, 2)
	assert.Equal(t, []string{npmCommand(), "install"}, exec.calls[0])
	assert.Equal(t, []string{npmCommand(), "run", "build"}, exec.calls[1])
}

func TestBuild_NoPackageJSON(t *testing.T) {
	exec := &fakeExecutor{}
	b := newBuilder(exec, DefaultBuilderConfig(), nil)

	_, err := b.Build(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrNoPackageJSON)
	assert.Empty(t, exec.calls)
}

func TestBuild_InstallFails(t *testing.T) {
	exec := &fakeExecutor{failOn: "install"}
	b := newBuilder(exec, DefaultBuilderConfig(), nil)

	_, err := b.Build(context.Background(), newProject(t))
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Len(t, exec.calls, 1)
}

func TestBuild_Timeout(t *testing.T) {
	exec := &fakeExecutor{hangOn: "build"}
	b := newBuilder(exec, BuilderConfig{InstallTimeout: time.Second, BuildTimeout: 50 * time.Millisecond}, nil)

	_, err := b.Build(context.Background(), newProject(t))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBuild_MissingDist(t *testing.T) {
	b := newBuilder(&fakeExecutor{}, DefaultBuilderConfig(), nil)

	_, err := b.Build(context.Background(), newProject(t))
	assert.ErrorIs(t, err, ErrNoBuildOutput)
}

func TestNewBuilder_DefaultConfig(t *testing.T) {
	b := NewBuilder(BuilderConfig{}, nil)
	assert.Equal(t, 300*time.Second, b.config.InstallTimeout)
	assert.Equal(t, 180*time.Second, b.config.BuildTimeout)
}

func TestNpmCommandFor(t *testing.T) {
	assert.Equal(t, "npm.cmd", npmCommandFor("windows"))
	assert.Equal(t, "npm", npmCommandFor("linux"))
	assert.Equal(t, "npm", npmCommandFor("darwin"))
}
