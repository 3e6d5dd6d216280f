// Package similarity provides the cheap frame fingerprints (perceptual
// hash, thumbnail) and the SSIM score used for duplicate-frame detection.
// Everything here is a pure function of its inputs and safe for concurrent
// use.
package similarity

import (
	"image"
	"image/draw"

	"github.com/corona10/goimagehash"
	xdraw "golang.org/x/image/draw"

	"github.com/Evoltional/apisr/internal/frame"
)

// Downscale caps. Hashing and SSIM cost must stay bounded regardless of
// source resolution.
const (
	hashShortSide = 360
	thumbMaxH     = 180
	thumbMaxW     = 320
)

// Options selects which detection methods are active. At least one must
// be enabled for the cache to be consulted at all (config validation
// guarantees this).
type Options struct {
	UseHash bool
	UseSSIM bool
}

// Fingerprint is the cheap per-frame descriptor. Either field may be nil
// depending on Options.
type Fingerprint struct {
	// Hash is a 64-bit perceptual hash over a downsized RGB conversion.
	Hash *goimagehash.ImageHash

	// Thumb is a further-downsized copy retained only when SSIM
	// comparison is enabled.
	Thumb *image.RGBA
}

// Compute builds the fingerprint for a frame, doing only the work the
// enabled methods need.
func Compute(f *frame.Frame, opts Options) (*Fingerprint, error) {
	fp := &Fingerprint{}

	if opts.UseHash {
		small := shrinkToShortSide(f.Img, hashShortSide)
		h, err := goimagehash.PerceptionHash(small)
		if err != nil {
			return nil, err
		}
		fp.Hash = h
	}

	if opts.UseSSIM {
		fp.Thumb = shrinkToFit(f.Img, thumbMaxW, thumbMaxH)
	}

	return fp, nil
}

// HashDistance is the Hamming distance between two fingerprint hashes.
// A mismatched or missing hash reports the maximum distance so it can
// never pass a threshold check.
func HashDistance(a, b *goimagehash.ImageHash) int {
	if a == nil || b == nil {
		return 64
	}
	d, err := a.Distance(b)
	if err != nil {
		return 64
	}
	return d
}

// SSIM computes a structural similarity index in [0,1] on grayscale
// versions of the two frames, each downsized independently to a bounded
// target size. Degenerate input (nil, empty, or mismatched downsized
// dimensions) returns 0.0, "not similar", rather than an error.
func SSIM(a, b *frame.Frame) float64 {
	if a == nil || b == nil || a.Img == nil || b.Img == nil {
		return 0
	}
	ga := grayThumb(a.Img)
	gb := grayThumb(b.Img)
	if ga == nil || gb == nil {
		return 0
	}
	if ga.Rect.Dx() != gb.Rect.Dx() || ga.Rect.Dy() != gb.Rect.Dy() {
		return 0
	}
	return graySSIM(ga, gb)
}

// shrinkToShortSide scales down so the short side is at most target.
// Images already small enough are returned as an RGBA copy-free view.
func shrinkToShortSide(img *image.RGBA, target int) *image.RGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	short := w
	if h < w {
		short = h
	}
	if short <= target {
		return img
	}
	factor := float64(target) / float64(short)
	return resize(img, int(float64(w)*factor), int(float64(h)*factor))
}

// shrinkToFit scales down preserving aspect ratio so the result fits in
// maxW x maxH. Never scales up.
func shrinkToFit(img *image.RGBA, maxW, maxH int) *image.RGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w <= maxW && h <= maxH {
		return img
	}
	fw := float64(maxW) / float64(w)
	fh := float64(maxH) / float64(h)
	factor := fw
	if fh < fw {
		factor = fh
	}
	return resize(img, int(float64(w)*factor), int(float64(h)*factor))
}

func resize(img image.Image, w, h int) *image.RGBA {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

func grayThumb(img *image.RGBA) *image.Gray {
	if img.Rect.Dx() == 0 || img.Rect.Dy() == 0 {
		return nil
	}
	small := shrinkToFit(img, thumbMaxW, thumbMaxH)
	g := image.NewGray(small.Bounds())
	draw.Draw(g, g.Bounds(), small, small.Bounds().Min, draw.Src)
	return g
}

// SSIM stabilization constants for 8-bit dynamic range.
const (
	ssimC1     = (0.01 * 255) * (0.01 * 255)
	ssimC2     = (0.03 * 255) * (0.03 * 255)
	ssimWindow = 8
)

// graySSIM averages the SSIM of non-overlapping 8x8 windows. Images
// smaller than one window are treated as a single window.
func graySSIM(a, b *image.Gray) float64 {
	w, h := a.Rect.Dx(), a.Rect.Dy()

	win := ssimWindow
	if w < win || h < win {
		return windowSSIM(a, b, 0, 0, w, h)
	}

	var sum float64
	var n int
	for y := 0; y+win <= h; y += win {
		for x := 0; x+win <= w; x += win {
			sum += windowSSIM(a, b, x, y, win, win)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func windowSSIM(a, b *image.Gray, x0, y0, w, h int) float64 {
	n := float64(w * h)
	if n == 0 {
		return 0
	}

	var sumA, sumB float64
	for y := 0; y < h; y++ {
		ra := a.Pix[(y0+y)*a.Stride+x0:]
		rb := b.Pix[(y0+y)*b.Stride+x0:]
		for x := 0; x < w; x++ {
			sumA += float64(ra[x])
			sumB += float64(rb[x])
		}
	}
	muA := sumA / n
	muB := sumB / n

	var varA, varB, cov float64
	for y := 0; y < h; y++ {
		ra := a.Pix[(y0+y)*a.Stride+x0:]
		rb := b.Pix[(y0+y)*b.Stride+x0:]
		for x := 0; x < w; x++ {
			da := float64(ra[x]) - muA
			db := float64(rb[x]) - muB
			varA += da * da
			varB += db * db
			cov += da * db
		}
	}
	if n > 1 {
		varA /= n - 1
		varB /= n - 1
		cov /= n - 1
	}

	num := (2*muA*muB + ssimC1) * (2*cov + ssimC2)
	den := (muA*muA + muB*muB + ssimC1) * (varA + varB + ssimC2)
	if den == 0 {
		return 0
	}
	s := num / den
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
