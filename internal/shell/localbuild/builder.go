// Package localbuild builds and publishes static sites without a container engine.
package localbuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	shellquote "github.com/kballard/go-shellquote"
)

var (
	ErrTimeout        = errors.New("build command timed out")
	ErrCommandFailed  = errors.New("build command failed")
	ErrNoPackageJSON  = errors.New("package.json not found")
	ErrNoBuildOutput  = errors.New("build produced no dist directory")
	ErrSourceNotFound = errors.New("source directory not found")
)

// Executor runs an external command in a working directory.
type Executor interface {
	Execute(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// killWaitDelay bounds how long Execute waits for output pipes after the
// process group has been killed.
const killWaitDelay = 2 * time.Second

// osExecutor implements Executor using real OS processes.
// When ctx is done the whole process group is killed, including any
// children the command started.
type osExecutor struct{}

func (e *osExecutor) Execute(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = killWaitDelay
	setProcessGroup(cmd)
	return cmd.CombinedOutput()
}

// BuilderConfig configures the step timeouts of a Builder.
type BuilderConfig struct {
	InstallTimeout time.Duration // Default: 300 seconds.
	BuildTimeout   time.Duration // Default: 180 seconds.
}

// DefaultBuilderConfig returns the default configuration.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		InstallTimeout: 300 * time.Second,
		BuildTimeout:   180 * time.Second,
	}
}

// Builder runs a project's dependency install and production build.
type Builder struct {
	exec   Executor
	config BuilderConfig
	logger *slog.Logger
}

// NewBuilder creates a Builder that runs real processes.
func NewBuilder(config BuilderConfig, logger *slog.Logger) *Builder {
	return newBuilder(&osExecutor{}, config, logger)
}

func newBuilder(executor Executor, config BuilderConfig, logger *slog.Logger) *Builder {
	defaults := DefaultBuilderConfig()
	if config.InstallTimeout <= 0 {
		config.InstallTimeout = defaults.InstallTimeout
	}
	if config.BuildTimeout <= 0 {
		config.BuildTimeout = defaults.BuildTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		exec:   executor,
		config: config,
		logger: logger.With("component", "localbuild"),
	}
}

// Build installs dependencies and runs the build script in projectDir,
// then checks that projectDir/dist exists. It returns the dist path.
func (b *Builder) Build(ctx context.Context, projectDir string) (string, error) {
	if _, err := os.Stat(filepath.Join(projectDir, "package.json")); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoPackageJSON, projectDir)
	}

	npm := npmCommand()
	if err := b.run(ctx, projectDir, b.config.InstallTimeout, npm, "install"); err != nil {
		return "", err
	}
	if err := b.run(ctx, projectDir, b.config.BuildTimeout, npm, "run", "build"); err != nil {
		return "", err
	}

	dist := filepath.Join(projectDir, "dist")
	info, err := os.Stat(dist)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNoBuildOutput, dist)
	}

	b.logger.Info("project built", "dir", projectDir)
	return dist, nil
}

func (b *Builder) run(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdline := shellquote.Join(append([]string{name}, args...)...)
	b.logger.Info("running build command", "cmd", cmdline, "dir", dir, "timeout", timeout)

	start := time.Now()
	out, err := b.exec.Execute(ctx, dir, name, args...)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		b.logger.Error("build command timed out", "cmd", cmdline, "timeout", timeout)
		return fmt.Errorf("%w: %s after %s", ErrTimeout, cmdline, timeout)
	}
	if err != nil {
		b.logger.Error("build command failed", "cmd", cmdline, "error", err, "output", tail(out, 2048))
		return fmt.Errorf("%w: %s: %v", ErrCommandFailed, cmdline, err)
	}

	b.logger.Debug("build command finished", "cmd", cmdline, "duration", time.Since(start))
	return nil
}

// npmCommand returns the npm executable name for the current OS.
func npmCommand() string {
	return npmCommandFor(runtime.GOOS)
}

func npmCommandFor(goos string) string {
	if goos == "windows" {
		return "npm.cmd"
	}
	return "npm"
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
