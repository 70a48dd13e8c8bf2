package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// FirstPublishedPort Tests
// =============================================================================

func TestFirstPublishedPort_Empty(t *testing.T) {
	port, ok := FirstPublishedPort(nil)
	assert.False(t, ok)
	assert.Zero(t, port)
}

func TestFirstPublishedPort_SkipsUnpublished(t *testing.T) {
	ports := []PortBinding{
		{ContainerPort: 80, HostPort: 0, Protocol: "tcp"},
		{ContainerPort: 80, HostPort: 4007, Protocol: "tcp", HostIP: "0.0.0.0"},
	}
	port, ok := FirstPublishedPort(ports)

	assert.True(t, ok)
	assert.Equal(t, 4007, port)
}

func TestFirstPublishedPort_TakesFirst(t *testing.T) {
	ports := []PortBinding{
		{ContainerPort: 80, HostPort: 4003, HostIP: "0.0.0.0"},
		{ContainerPort: 80, HostPort: 4003, HostIP: "::"},
		{ContainerPort: 443, HostPort: 4004},
	}
	port, ok := FirstPublishedPort(ports)

	assert.True(t, ok)
	assert.Equal(t, 4003, port)
}
