//go:build !unix

package localbuild

import "os/exec"

// setProcessGroup is a no-op; WaitDelay still bounds Execute.
func setProcessGroup(cmd *exec.Cmd) {}
