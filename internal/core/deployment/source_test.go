package deployment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceCandidates_Order(t *testing.T) {
	root := filepath.Join("tmp", "code_output")
	got := SourceCandidates(root, 7)

	require.Len(t, got, 3)
	assert.Equal(t, SourceCandidate{Kind: SourceVueDist, Dir: filepath.Join(root, "vue_project_7", "dist")}, got[0])
	assert.Equal(t, SourceCandidate{Kind: SourceHTML, Dir: filepath.Join(root, "html_7")}, got[1])
	assert.Equal(t, SourceCandidate{Kind: SourceMultiFile, Dir: filepath.Join(root, "multi_file_7")}, got[2])
}

func TestProjectDirName(t *testing.T) {
	assert.Equal(t, "html_12", ProjectDirName(SourceHTML, 12))
	assert.Equal(t, "vue_project_3", ProjectDirName(SourceVueDist, 3))
}
