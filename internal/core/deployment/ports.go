package deployment

// =============================================================================
// Port Conversion Functions
// =============================================================================

// PortBinding represents an engine-reported port binding.
// This type mirrors the shell PortBinding type for conversion purposes.
type PortBinding struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

// FirstPublishedPort returns the first binding that is published on the host.
// Engines report one entry per address family, so only the first is used.
//
// Example:
//
//	ports := []PortBinding{{ContainerPort: 80}, {ContainerPort: 80, HostPort: 4001}}
//	FirstPublishedPort(ports) // returns 4001, true
func FirstPublishedPort(ports []PortBinding) (int, bool) {
	for _, p := range ports {
		if p.HostPort > 0 {
			return p.HostPort, true
		}
	}
	return 0, false
}
