package pipeline

import (
	"errors"
	"fmt"
)

// Generation kinds, also used as the step names of scene failures.
const (
	KindScript = "script"
	KindImage  = "image"
	KindAudio  = "audio"
	KindVideo  = "video"
)

// StepClip is the composition step of a scene.
const StepClip = "clip"

// ErrNoClips is returned (wrapped in an AssemblyError) when no scene has a clip.
var ErrNoClips = errors.New("no scene has a clip asset to merge")

// GenerationError means a single external generator call failed or returned
// nothing usable.
type GenerationError struct {
	Kind    string
	SceneID string
	Err     error
}

func (e *GenerationError) Error() string {
	if e.SceneID == "" {
		return fmt.Sprintf("%s generation failed: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s generation failed for scene %s: %v", e.Kind, e.SceneID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// AssemblyError aborts assembly. Step names the stage that failed.
type AssemblyError struct {
	Step string
	Err  error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assembly failed at %s: %v", e.Step, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// SceneFailure records one scene step that did not complete.
type SceneFailure struct {
	SceneID string
	Step    string
	Err     error
}

func (f SceneFailure) Error() string {
	return fmt.Sprintf("scene %s %s: %v", f.SceneID, f.Step, f.Err)
}

func (f SceneFailure) Unwrap() error { return f.Err }

// RunResult is the outcome of a pipeline run. Scenes missing from Failures are
// not guaranteed to be clipped; inspect the script for that.
type RunResult struct {
	Failures []SceneFailure
}

// Failed reports whether any step of the scene failed.
func (r *RunResult) Failed(sceneID string) bool {
	for _, f := range r.Failures {
		if f.SceneID == sceneID {
			return true
		}
	}
	return false
}

// Err joins every failure, or returns nil.
func (r *RunResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
