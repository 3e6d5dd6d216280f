package pipeline

import (
	"context"
	"errors"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/Evoltional/apisr/internal/config"
	"github.com/Evoltional/apisr/internal/frame"
	"github.com/Evoltional/apisr/internal/history"
	"github.com/Evoltional/apisr/internal/logger"
	"github.com/Evoltional/apisr/internal/similarity"
	"github.com/Evoltional/apisr/internal/upscale"
)

// Processor handles one frame at a time: consult the history cache, reuse
// a prior result on a hit, run inference on a miss. Single-worker only, no
// locking.
type Processor struct {
	up    upscale.Upscaler
	cache *history.Cache

	detect  bool
	simOpts similarity.Options

	downsampleThreshold int
	cropToScale         bool
}

func NewProcessor(up upscale.Upscaler, cache *history.Cache, cfg *config.Config) *Processor {
	return &Processor{
		up:                  up,
		cache:               cache,
		detect:              cfg.DupDetect && (cfg.UseHash || cfg.UseSSIM),
		simOpts:             similarity.Options{UseHash: cfg.UseHash, UseSSIM: cfg.UseSSIM},
		downsampleThreshold: cfg.DownsampleThreshold,
		cropToScale:         cfg.CropToScale,
	}
}

// Scale is the upscale factor of the loaded model.
func (p *Processor) Scale() int { return p.up.Scale() }

// Process upscales one frame, reusing a cached result when the frame is a
// duplicate of a recent one. On a hit the upscaler is never invoked; the
// frame is still recorded so the duplicate chain stays fresh. A failed
// inference is retried once after a forced resource cleanup.
func (p *Processor) Process(ctx context.Context, f *frame.Frame) (*image.RGBA, bool, error) {
	var fp *similarity.Fingerprint
	if p.detect {
		var err error
		fp, err = similarity.Compute(f, p.simOpts)
		if err != nil {
			// An unfingerprintable frame is a miss, never a failure.
			logger.Warn("Fingerprint failed", "frame", f.Index, "error", err.Error())
			fp = nil
		}
		if m := p.cache.Lookup(f, fp); m != nil {
			logger.Debug("Duplicate frame",
				"frame", f.Index,
				"matched", m.FrameIndex,
				"hash_distance", m.HashDistance,
				"ssim", m.Score)
			p.cache.Insert(f, fp, m.SR)
			return m.SR, true, nil
		}
	}

	sr, err := p.infer(ctx, f)
	if err != nil {
		var infErr *upscale.InferenceError
		if !errors.As(err, &infErr) {
			return nil, false, err
		}
		logger.Warn("Inference failed, retrying after cleanup", "frame", f.Index, "error", err.Error())
		p.Cleanup(ctx)
		if sr, err = p.infer(ctx, f); err != nil {
			return nil, false, err
		}
	}

	p.cache.Insert(f, fp, sr)
	return sr, false, nil
}

// infer runs the model on a pre-processed copy of the frame and rescales
// the result back to the frame's native output size.
func (p *Processor) infer(ctx context.Context, f *frame.Frame) (*image.RGBA, error) {
	img := f.Img
	origW, origH := f.Width(), f.Height()

	if p.downsampleThreshold > 0 {
		short := origW
		if origH < short {
			short = origH
		}
		if short > p.downsampleThreshold {
			factor := float64(p.downsampleThreshold) / float64(short)
			img = resizeRGBA(img, scaleDim(origW, factor), scaleDim(origH, factor))
		}
	}

	scale := p.up.Scale()
	if p.cropToScale {
		img = cropToMultiple(img, scale)
	}

	out, err := p.up.Infer(ctx, img)
	if err != nil {
		return nil, err
	}

	targetW, targetH := origW*scale, origH*scale
	if out.Rect.Dx() != targetW || out.Rect.Dy() != targetH {
		out = resizeRGBA(out, targetW, targetH)
	}
	return out, nil
}

// Cleanup resets the cache and cycles the upscaler's resource residency to
// reclaim memory. Used on the inference retry path and on the periodic
// reclamation cadence.
func (p *Processor) Cleanup(ctx context.Context) {
	p.cache.Reset()
	p.ReclaimMemory(ctx)
}

// ReclaimMemory cycles the upscaler's residency without touching the cache.
func (p *Processor) ReclaimMemory(ctx context.Context) {
	p.up.Release()
	if err := p.up.Acquire(ctx); err != nil {
		logger.Warn("Upscaler reacquire failed during cleanup", "error", err.Error())
	}
}

func scaleDim(dim int, factor float64) int {
	n := int(float64(dim)*factor + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}

func resizeRGBA(img *image.RGBA, w, h int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(out, out.Rect, img, img.Bounds(), xdraw.Src, nil)
	return out
}

// cropToMultiple trims the right/bottom edges so both dimensions divide
// evenly by the model's scale factor.
func cropToMultiple(img *image.RGBA, scale int) *image.RGBA {
	if scale <= 1 {
		return img
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	cw, ch := w-w%scale, h-h%scale
	if cw == w && ch == h {
		return img
	}
	out := image.NewRGBA(image.Rect(0, 0, cw, ch))
	xdraw.Copy(out, image.Point{}, img, image.Rect(img.Rect.Min.X, img.Rect.Min.Y, img.Rect.Min.X+cw, img.Rect.Min.Y+ch), xdraw.Src, nil)
	return out
}
