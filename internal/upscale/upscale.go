// Package upscale defines the contract with the external super-resolution
// inference engine. The pipeline only ever sees this interface; the GPU
// and model weights live behind it.
package upscale

import (
	"context"
	"fmt"
	"image"
)

// Upscaler is the narrow contract the pipeline depends on.
//
// The engine is exclusively owned by the pipeline worker while a job is
// running. Release/Acquire transfer GPU residency explicitly across idle
// pauses; they never run concurrently with Infer.
type Upscaler interface {
	// Load prepares the model weights. Fails with *ModelLoadError when
	// weights are missing or corrupt.
	Load(ctx context.Context) error

	// Infer upscales one frame. Fails with *InferenceError.
	Infer(ctx context.Context, img *image.RGBA) (*image.RGBA, error)

	// Release drops GPU residency while the job is paused.
	Release()

	// Acquire restores GPU residency before processing resumes.
	Acquire(ctx context.Context) error

	// Scale is the upscale factor the loaded model produces.
	Scale() int

	// Close frees everything. The Upscaler is unusable afterwards.
	Close() error
}

// ModelLoadError reports missing or unusable model weights. Fatal for the
// current video; the batch continues with the next one.
type ModelLoadError struct {
	Model string
	Path  string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s (%s): %v", e.Model, e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InferenceError reports a failed upscale of a single frame. Retried once
// after a resource cleanup; a second failure is segment-fatal.
type InferenceError struct {
	Err    error
	Stderr string // engine output for diagnostics
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
