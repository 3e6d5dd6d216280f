// Package frame holds the pixel buffer passed between pipeline stages and
// the PNG artifact naming used by the per-segment before/after directories.
//
// A Frame is owned exclusively by whichever stage currently holds it. When
// one is retained past a pipeline iteration (the history cache does this)
// it must be Cloned, never aliased.
package frame

import (
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Frame is one decoded video frame plus its source index, monotonic
// within a segment.
type Frame struct {
	Img   *image.RGBA
	Index int
}

// New wraps an image into a Frame, converting to RGBA if needed.
func New(img image.Image, index int) *Frame {
	if rgba, ok := img.(*image.RGBA); ok {
		return &Frame{Img: rgba, Index: index}
	}
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	return &Frame{Img: rgba, Index: index}
}

// Clone returns a deep copy. The copy shares no pixel memory with the
// original.
func (f *Frame) Clone() *Frame {
	return &Frame{Img: CloneRGBA(f.Img), Index: f.Index}
}

// CloneRGBA deep-copies an image row by row, so sub-image views (whose
// stride spans the parent image, not the view) copy correctly too.
func CloneRGBA(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Rect)
	rowLen := 4 * img.Rect.Dx()
	for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
		src := img.PixOffset(img.Rect.Min.X, y)
		dst := out.PixOffset(out.Rect.Min.X, y)
		copy(out.Pix[dst:dst+rowLen], img.Pix[src:src+rowLen])
	}
	return out
}

// Width returns the pixel width.
func (f *Frame) Width() int { return f.Img.Rect.Dx() }

// Height returns the pixel height.
func (f *Frame) Height() int { return f.Img.Rect.Dy() }

// ArtifactName is the on-disk name for a frame artifact, zero padded so
// lexical order matches frame order (the resume scan depends on this).
func ArtifactName(index int) string {
	return fmt.Sprintf("frame_%06d.png", index)
}

// ParseArtifactIndex extracts the frame index from an artifact file name.
func ParseArtifactIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, "frame_") || !strings.HasSuffix(name, ".png") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "frame_"), ".png"))
	if err != nil {
		return 0, false
	}
	return n, true
}

// ReadPNG loads a frame artifact from disk.
func ReadPNG(path string, index int) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return New(img, index), nil
}

// WritePNG stores an image as a frame artifact.
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
