package builder

import (
	"fmt"
	"strings"
)

// Stage is a step of a build. Stages run in declaration order; the target
// selects which of Push, ExportLocal and AssembleAndPublishManifest run.
type Stage int

const (
	StageResolveConfig Stage = iota
	StageResolveCredentials
	StageFetchBaseManifest
	StageFetchBaseLayers
	StageBuildAppLayers
	StagePush
	StageExportLocal
	StageAssembleAndPublish
	StageDone
)

var stageNames = [...]string{
	StageResolveConfig:      "ResolveConfig",
	StageResolveCredentials: "ResolveCredentials",
	StageFetchBaseManifest:  "FetchBaseManifest",
	StageFetchBaseLayers:    "FetchOrCacheBaseLayers",
	StageBuildAppLayers:     "BuildAppLayers",
	StagePush:               "Push",
	StageExportLocal:        "ExportLocal",
	StageAssembleAndPublish: "AssembleAndPublishManifest",
	StageDone:               "Done",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// Target is where the built image goes.
type Target int

const (
	// TargetRegistry pushes the image to the target registry.
	TargetRegistry Target = iota

	// TargetDaemon loads the image into the local Docker daemon.
	TargetDaemon

	// TargetBuildContext writes a Docker build context instead of an
	// image. It needs no network access.
	TargetBuildContext
)

func (t Target) String() string {
	switch t {
	case TargetRegistry:
		return "registry"
	case TargetDaemon:
		return "daemon"
	case TargetBuildContext:
		return "context"
	}
	return fmt.Sprintf("Target(%d)", int(t))
}

// ParseTarget parses "registry", "daemon" or "context".
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(s) {
	case "registry", "":
		return TargetRegistry, nil
	case "daemon", "docker":
		return TargetDaemon, nil
	case "context", "buildcontext":
		return TargetBuildContext, nil
	}
	return 0, fmt.Errorf("unknown build target %q", s)
}

// stages returns the stages run for t.
func (t Target) stages() []Stage {
	switch t {
	case TargetBuildContext:
		return []Stage{StageResolveConfig, StageExportLocal, StageDone}
	case TargetDaemon:
		return []Stage{
			StageResolveConfig, StageResolveCredentials, StageFetchBaseManifest,
			StageFetchBaseLayers, StageBuildAppLayers, StageExportLocal, StageDone,
		}
	}
	return []Stage{
		StageResolveConfig, StageResolveCredentials, StageFetchBaseManifest,
		StageFetchBaseLayers, StageBuildAppLayers, StagePush, StageAssembleAndPublish, StageDone,
	}
}

// StageError is returned when a stage fails for a reason other than
// cancellation. Err carries the typed cause, e.g. a *imagebuilder.RegistryError.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
