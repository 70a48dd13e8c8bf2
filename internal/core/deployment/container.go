package deployment

// =============================================================================
// Container Plan Building Functions
// =============================================================================

// BuildContainerPlan builds the ContainerPlan for an application's deploy container.
//
// This is a pure function. The plan:
//   - names the container with ContainerName()
//   - binds the host port to the static server port over tcp
//   - always restarts, so transient crashes self-heal
//   - applies the memory and CPU ceilings
//   - carries the system, appId and version labels used by reconciliation
//
// Example:
//
//	plan := BuildContainerPlan(BuildContainerPlanParams{
//	    LabelPrefix: "acm",
//	    AppID:       42,
//	    BuildStamp:  1708000000000,
//	    Image:       "acm-deploy-42:v1708000000000",
//	    HostPort:    4001,
//	    MemoryLimit: 256 << 20,
//	    CPULimit:    1,
//	})
func BuildContainerPlan(params BuildContainerPlanParams) ContainerPlan {
	return ContainerPlan{
		Name:   ContainerName(params.LabelPrefix, params.AppID),
		Image:  params.Image,
		Labels: Labels(params.LabelPrefix, params.AppID, params.BuildStamp),
		Ports: []PortPlan{
			{
				ContainerPort: StaticServerPort,
				HostPort:      params.HostPort,
				Protocol:      "tcp",
			},
		},
		RestartPolicy: RestartPolicyPlan{Name: "always"},
		Resources: ResourcePlan{
			CPULimit:    params.CPULimit,
			MemoryLimit: params.MemoryLimit,
		},
	}
}
