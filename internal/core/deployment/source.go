package deployment

import (
	"fmt"
	"path/filepath"
)

// =============================================================================
// Build Context Resolution
// =============================================================================

// SourceKind identifies which generator layout produced a build context.
type SourceKind string

const (
	SourceVueDist   SourceKind = "vue_project"
	SourceHTML      SourceKind = "html"
	SourceMultiFile SourceKind = "multi_file"
)

// SourceCandidate is one directory that may hold an application's deployable artifact.
type SourceCandidate struct {
	Kind SourceKind
	Dir  string
}

// SourceCandidates lists the directories probed for an application's build
// context, in priority order: the framework build output first, then the two
// flat source layouts.
//
// Example:
//
//	SourceCandidates("/tmp/code_output", 7)
//	// [/tmp/code_output/vue_project_7/dist /tmp/code_output/html_7 /tmp/code_output/multi_file_7]
func SourceCandidates(outputRoot string, appID int64) []SourceCandidate {
	return []SourceCandidate{
		{Kind: SourceVueDist, Dir: filepath.Join(outputRoot, ProjectDirName(SourceVueDist, appID), "dist")},
		{Kind: SourceHTML, Dir: filepath.Join(outputRoot, ProjectDirName(SourceHTML, appID))},
		{Kind: SourceMultiFile, Dir: filepath.Join(outputRoot, ProjectDirName(SourceMultiFile, appID))},
	}
}

// ProjectDirName is the generator's directory name for an application.
// Pattern: {kind}_{appID}
func ProjectDirName(kind SourceKind, appID int64) string {
	return fmt.Sprintf("%s_%d", kind, appID)
}
