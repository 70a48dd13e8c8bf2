package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildContainerPlan(t *testing.T) {
	plan := BuildContainerPlan(BuildContainerPlanParams{
		LabelPrefix: "acm",
		AppID:       42,
		BuildStamp:  1708000000000,
		Image:       "acm-deploy-42:v1708000000000",
		HostPort:    4001,
		MemoryLimit: 256 << 20,
		CPULimit:    1,
	})

	assert.Equal(t, "acm-deploy-42", plan.Name)
	assert.Equal(t, "acm-deploy-42:v1708000000000", plan.Image)
	assert.Equal(t, "always", plan.RestartPolicy.Name)
	assert.Equal(t, int64(256<<20), plan.Resources.MemoryLimit)
	assert.Equal(t, 1.0, plan.Resources.CPULimit)

	require.Len(t, plan.Ports, 1)
	assert.Equal(t, PortPlan{ContainerPort: 80, HostPort: 4001, Protocol: "tcp"}, plan.Ports[0])

	assert.Equal(t, "deploy", plan.Labels["acm"])
	assert.Equal(t, "42", plan.Labels[LabelAppID])
	assert.Equal(t, "1708000000000", plan.Labels[LabelVersion])
}

func TestBuildContainerPlan_LabelsParseBack(t *testing.T) {
	plan := BuildContainerPlan(BuildContainerPlanParams{LabelPrefix: "sd", AppID: 5, BuildStamp: 77, HostPort: 4002})

	appID, stamp, ok := ParseLabels("sd", plan.Labels)
	assert.True(t, ok)
	assert.Equal(t, int64(5), appID)
	assert.Equal(t, int64(77), stamp)
}
