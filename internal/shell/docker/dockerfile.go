package docker

import (
	_ "embed"
	"os"
	"path/filepath"
)

//go:embed Dockerfile.nginx
var staticDockerfile []byte

// DockerfileName is the file the static-server template is written to in the build context.
const DockerfileName = "Dockerfile"

// writeDockerfile places the static-server template at the root of contextDir.
func writeDockerfile(contextDir string) error {
	return os.WriteFile(filepath.Join(contextDir, DockerfileName), staticDockerfile, 0o644)
}
