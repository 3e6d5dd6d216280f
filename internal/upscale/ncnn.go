package upscale

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/Evoltional/apisr/internal/frame"
	"github.com/Evoltional/apisr/internal/logger"
)

// NCNNEngine drives an external ncnn-based SR binary (realesrgan-style
// command line: -i input -o output -n model -s scale). Each Infer is one
// process invocation exchanging PNG files through a scratch directory.
type NCNNEngine struct {
	binPath  string
	modelDir string
	model    string
	scale    int
	half     bool

	workDir string
	loaded  bool
}

// NewNCNNEngine configures an engine. Nothing is validated until Load.
func NewNCNNEngine(binPath, modelDir, model string, scale int, half bool) *NCNNEngine {
	return &NCNNEngine{
		binPath:  binPath,
		modelDir: modelDir,
		model:    model,
		scale:    scale,
		half:     half,
	}
}

// modelName is the weight file stem, e.g. "4x_grl".
func (e *NCNNEngine) modelName() string {
	return fmt.Sprintf("%dx_%s", e.scale, e.model)
}

// Load verifies the binary and weight files and sets up the scratch
// directory.
func (e *NCNNEngine) Load(ctx context.Context) error {
	if _, err := exec.LookPath(e.binPath); err != nil {
		return &ModelLoadError{Model: e.model, Path: e.binPath, Err: err}
	}

	for _, ext := range []string{".param", ".bin"} {
		p := filepath.Join(e.modelDir, e.modelName()+ext)
		if _, err := os.Stat(p); err != nil {
			return &ModelLoadError{Model: e.model, Path: p, Err: err}
		}
	}

	workDir, err := os.MkdirTemp("", "apisr-infer-")
	if err != nil {
		return &ModelLoadError{Model: e.model, Path: e.modelDir, Err: err}
	}
	e.workDir = workDir
	e.loaded = true

	precision := "fp32"
	if e.half {
		precision = "fp16"
	}
	logger.Info("Model loaded", "model", e.model, "scale", e.scale, "precision", precision)
	return nil
}

// Infer upscales one frame by invoking the engine binary.
func (e *NCNNEngine) Infer(ctx context.Context, img *image.RGBA) (*image.RGBA, error) {
	if !e.loaded {
		return nil, &InferenceError{Err: fmt.Errorf("model not loaded")}
	}

	inPath := filepath.Join(e.workDir, "in.png")
	outPath := filepath.Join(e.workDir, "out.png")
	if err := frame.WritePNG(inPath, img); err != nil {
		return nil, &InferenceError{Err: fmt.Errorf("stage input: %w", err)}
	}

	args := []string{
		"-i", inPath,
		"-o", outPath,
		"-n", e.modelName(),
		"-m", e.modelDir,
		"-s", fmt.Sprintf("%d", e.scale),
	}
	if e.half {
		args = append(args, "-x")
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.binPath, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &InferenceError{Err: err, Stderr: stderr.String()}
	}

	out, err := frame.ReadPNG(outPath, 0)
	if err != nil {
		return nil, &InferenceError{Err: fmt.Errorf("read result: %w", err)}
	}
	return out.Img, nil
}

// Release drops GPU residency. A per-invocation engine holds no GPU
// memory between frames, so this only records the transfer; in-process
// engines do real work here.
func (e *NCNNEngine) Release() {
	logger.Debug("Upscaler released", "model", e.model)
}

// Acquire restores GPU residency before processing resumes.
func (e *NCNNEngine) Acquire(ctx context.Context) error {
	if !e.loaded {
		return &ModelLoadError{Model: e.model, Path: e.modelDir, Err: fmt.Errorf("not loaded")}
	}
	logger.Debug("Upscaler acquired", "model", e.model)
	return nil
}

func (e *NCNNEngine) Scale() int { return e.scale }

// Close removes the scratch directory.
func (e *NCNNEngine) Close() error {
	e.loaded = false
	if e.workDir == "" {
		return nil
	}
	return os.RemoveAll(e.workDir)
}
