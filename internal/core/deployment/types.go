package deployment

// =============================================================================
// Plan Types
// =============================================================================

// ContainerPlan is the engine-independent description of a deploy container.
// The shell translates it into an engine create request.
type ContainerPlan struct {
	Name          string
	Image         string
	Labels        map[string]string
	Ports         []PortPlan
	RestartPolicy RestartPolicyPlan
	Resources     ResourcePlan
}

// PortPlan describes a single host→container port binding.
type PortPlan struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

// RestartPolicyPlan names the engine restart policy.
type RestartPolicyPlan struct {
	Name              string // "no", "always", "on-failure", "unless-stopped"
	MaximumRetryCount int
}

// ResourcePlan holds resource ceilings for the container.
type ResourcePlan struct {
	CPULimit    float64 // CPU cores
	MemoryLimit int64   // Bytes
}

// BuildContainerPlanParams contains the inputs for BuildContainerPlan.
type BuildContainerPlanParams struct {
	LabelPrefix string
	AppID       int64
	BuildStamp  int64
	Image       string
	HostPort    int
	MemoryLimit int64
	CPULimit    float64
}

// StaticServerPort is the port the static-asset server listens on inside the container.
const StaticServerPort = 80
