package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/Evoltional/apisr/internal/ffmpeg"
	"github.com/Evoltional/apisr/internal/frame"
	"github.com/Evoltional/apisr/internal/progress"
	"github.com/Evoltional/apisr/internal/upscale"
)

// fakeUpscaler is a deterministic in-memory engine: it scales by pixel
// replication and counts every call.
type fakeUpscaler struct {
	scale        int
	inferCalls   int
	releaseCalls int
	acquireCalls int
	failNext     int // fail this many Infer calls with InferenceError
	loaded       bool
}

func newFakeUpscaler(scale int) *fakeUpscaler {
	return &fakeUpscaler{scale: scale}
}

func (u *fakeUpscaler) Load(ctx context.Context) error {
	u.loaded = true
	return nil
}

func (u *fakeUpscaler) Infer(ctx context.Context, img *image.RGBA) (*image.RGBA, error) {
	u.inferCalls++
	if u.failNext > 0 {
		u.failNext--
		return nil, &upscale.InferenceError{Err: errors.New("synthetic failure")}
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx()*u.scale, b.Dy()*u.scale))
	for y := 0; y < out.Rect.Dy(); y++ {
		for x := 0; x < out.Rect.Dx(); x++ {
			out.SetRGBA(x, y, img.RGBAAt(b.Min.X+x/u.scale, b.Min.Y+y/u.scale))
		}
	}
	return out, nil
}

func (u *fakeUpscaler) Release()                          { u.releaseCalls++ }
func (u *fakeUpscaler) Acquire(ctx context.Context) error { u.acquireCalls++; return nil }
func (u *fakeUpscaler) Scale() int                        { return u.scale }
func (u *fakeUpscaler) Close() error                      { u.loaded = false; return nil }

// fakeToolchain satisfies pipeline.MediaToolchain without subprocesses.
// ExtractFrames writes real PNG artifacts so the frame source reads them
// back.
type fakeToolchain struct {
	frameW, frameH int
	framesPerSeg   int
	fps            float64
	hasAudio       bool

	encodeCalls []string
	concatCalls int
	encodeErr   error
}

func newFakeToolchain(framesPerSeg int) *fakeToolchain {
	return &fakeToolchain{
		frameW:       32,
		frameH:       24,
		framesPerSeg: framesPerSeg,
		fps:          30,
	}
}

func (tc *fakeToolchain) SplitIntoSegments(ctx context.Context, videoPath string, targetSeconds float64, segmentDir string) ([]string, error) {
	if err := os.MkdirAll(segmentDir, 0755); err != nil {
		return nil, err
	}
	var out []string
	for i := 0; i < 2; i++ {
		p := filepath.Join(segmentDir, fmt.Sprintf("segment_%03d.mp4", i))
		if err := os.WriteFile(p, []byte("seg"), 0644); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (tc *fakeToolchain) Probe(ctx context.Context, path string) (*ffmpeg.SegmentInfo, error) {
	return &ffmpeg.SegmentInfo{
		FPS:         tc.fps,
		Width:       tc.frameW,
		Height:      tc.frameH,
		TotalFrames: tc.framesPerSeg,
		HasAudio:    tc.hasAudio,
	}, nil
}

func (tc *fakeToolchain) ExtractAudio(ctx context.Context, segmentPath, audioPath string) (string, error) {
	if !tc.hasAudio {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(audioPath), 0755); err != nil {
		return "", err
	}
	return audioPath, os.WriteFile(audioPath, []byte("aac"), 0644)
}

func (tc *fakeToolchain) ExtractFrames(ctx context.Context, segmentPath, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	// Distinct stripe patterns per frame so no two frames read as
	// duplicates under either detection method.
	for i := 0; i < tc.framesPerSeg; i++ {
		img := image.NewRGBA(image.Rect(0, 0, tc.frameW, tc.frameH))
		for y := 0; y < tc.frameH; y++ {
			for x := 0; x < tc.frameW; x++ {
				v := uint8((x*(3*i+2) + y*(i+7)) % 256)
				img.SetRGBA(x, y, color.RGBA{R: v, G: 255 - v, B: uint8(i * 40 % 256), A: 255})
			}
		}
		if err := frame.WritePNG(filepath.Join(dir, frame.ArtifactName(i)), img); err != nil {
			return err
		}
	}
	return nil
}

func (tc *fakeToolchain) EncodeFrames(ctx context.Context, framesDir string, fps float64, width, height int, audioPath, outPath string) error {
	tc.encodeCalls = append(tc.encodeCalls, outPath)
	if tc.encodeErr != nil {
		return tc.encodeErr
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(outPath, []byte("video"), 0644)
}

func (tc *fakeToolchain) Concat(ctx context.Context, videoPaths []string, outPath string) error {
	tc.concatCalls++
	return os.WriteFile(outPath, []byte("merged"), 0644)
}

// nopTracker satisfies progress.Tracker for tests that do not exercise
// recovery.
type nopTracker struct {
	observes int
	forces   int
}

func (t *nopTracker) Recover(fresh *progress.JobState) (*progress.JobState, error) { return fresh, nil }
func (t *nopTracker) Observe(*progress.JobState) error                             { t.observes++; return nil }
func (t *nopTracker) Force(*progress.JobState) error                               { t.forces++; return nil }
func (t *nopTracker) Close() error                                                 { return nil }

func openGate(ctx context.Context) error { return nil }
