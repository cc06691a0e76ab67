package pipeline

import (
	"errors"
	"fmt"
)

// Step names, in execution order.
const (
	StepCreate              = "create"
	StepMountHostPaths      = "mount-host-paths"
	StepPrepareBeforeStart  = "prepare-before-start"
	StepStart               = "start"
	StepPrepareAfterStart   = "prepare-after-start"
	StepPrepareForBuilding  = "prepare-for-building"
	StepCopySources         = "copy-sources"
	StepDownloadSources     = "download-sources"
	StepInstallRepositories = "install-repositories"
	StepSetupScript         = "setup-script"
	StepInstallRequirements = "install-build-requirements"
	StepDisableNetwork      = "disable-network"
	StepBuild               = "build"
	StepRemoteBuild         = "remote-build"
	StepSign                = "sign"
	StepSyncArtifacts       = "sync-artifacts"
	StepRetention           = "retention"
	StepCreateRepoIndex     = "create-repo-index"
	StepFinalize            = "finalize"
)

var (
	// ErrUnknownDistro is returned when no implementation is registered for
	// a target's distribution.
	ErrUnknownDistro = errors.New("no build implementation for distribution")

	// ErrNoArtifacts is returned when a build produced nothing to publish.
	ErrNoArtifacts = errors.New("build produced no artifacts")
)

// StepError reports the pipeline step that aborted a build.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// FailedStep returns the step name carried by err, or "" when err did not
// come from a pipeline step.
func FailedStep(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}
