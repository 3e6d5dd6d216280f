package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Evoltional/apisr/internal/ffmpeg"
	"github.com/Evoltional/apisr/internal/frame"
	"github.com/Evoltional/apisr/internal/history"
	"github.com/Evoltional/apisr/internal/logger"
	"github.com/Evoltional/apisr/internal/progress"
)

// MediaToolchain is the slice of the ffmpeg toolchain the pipeline needs.
// *ffmpeg.Toolchain implements it; tests substitute fakes.
type MediaToolchain interface {
	SplitIntoSegments(ctx context.Context, videoPath string, targetSeconds float64, segmentDir string) ([]string, error)
	Probe(ctx context.Context, path string) (*ffmpeg.SegmentInfo, error)
	ExtractAudio(ctx context.Context, segmentPath, audioPath string) (string, error)
	ExtractFrames(ctx context.Context, segmentPath, dir string) error
	EncodeFrames(ctx context.Context, framesDir string, fps float64, width, height int, audioPath, outPath string) error
	Concat(ctx context.Context, videoPaths []string, outPath string) error
}

// FrameHook receives per-frame progress.
type FrameHook func(frameIndex, totalFrames int, duplicate bool)

// SegmentRunner processes one segment end to end: extract, upscale frame
// by frame, encode. The gate is consulted before every frame, so pause and
// stop land exactly on frame boundaries.
type SegmentRunner struct {
	Proc    *Processor
	Cache   *history.Cache
	TC      MediaToolchain
	Layout  *progress.Layout
	Tracker progress.Tracker
	Gate    GateFunc

	// ReclaimEvery cycles upscaler residency every N frames; ResetEvery
	// drops the history cache every N frames. Zero disables either cadence.
	ReclaimEvery int
	ResetEvery   int

	OnFrame FrameHook
}

// Run processes a segment, resuming mid-segment when frames_done > 0.
// Returns ErrStopped when interrupted; the segment's frame artifacts stay
// on disk and no output is produced.
func (r *SegmentRunner) Run(ctx context.Context, state *progress.JobState, seg *progress.SegmentState) error {
	outPath := r.Layout.ProcessedSegment(seg.Index)
	if _, err := os.Stat(outPath); err == nil {
		if seg.Status != progress.SegmentDone {
			seg.Status = progress.SegmentDone
			seg.FramesDone = seg.TotalFrames
		}
		logger.Info("Segment output exists, skipping", "segment", seg.Index)
		return nil
	}

	info, err := r.TC.Probe(ctx, seg.Path)
	if err != nil {
		return fmt.Errorf("segment %d: %w", seg.Index, err)
	}

	beforeDir := r.Layout.BeforeDir(seg.Path)
	afterDir := r.Layout.AfterDir(seg.Path)
	if err := os.MkdirAll(afterDir, 0755); err != nil {
		return err
	}

	total := progress.CountFrames(beforeDir)
	if total == 0 {
		if err := r.TC.ExtractFrames(ctx, seg.Path, beforeDir); err != nil {
			return fmt.Errorf("segment %d: %w", seg.Index, err)
		}
		total = progress.CountFrames(beforeDir)
	}
	if total == 0 {
		return fmt.Errorf("segment %d: no frames extracted from %s", seg.Index, filepath.Base(seg.Path))
	}
	seg.TotalFrames = total

	audioPath := ""
	if info.HasAudio {
		audioPath = r.Layout.AudioPath(seg.Path)
		if _, err := os.Stat(audioPath); err != nil {
			audioPath, err = r.TC.ExtractAudio(ctx, seg.Path, r.Layout.AudioPath(seg.Path))
			if err != nil {
				return fmt.Errorf("segment %d: %w", seg.Index, err)
			}
		}
	}

	state.CurrentSegment = seg.Index
	seg.Status = progress.SegmentInProgress

	// A resume never trusts cache state from a prior run.
	r.Cache.Reset()

	src := NewDirSource(beforeDir, total)
	if seg.FramesDone > 0 {
		if err := src.Seek(seg.FramesDone); err != nil {
			return fmt.Errorf("segment %d: %w", seg.Index, err)
		}
		logger.Info("Resuming segment mid-way",
			"segment", seg.Index,
			"frames_done", seg.FramesDone,
			"total_frames", total)
	}

	started := time.Now()
	processed := 0
	for seg.FramesDone < total {
		if err := r.Gate(ctx); err != nil {
			return err
		}

		f, err := src.Next()
		if err != nil {
			return fmt.Errorf("segment %d frame %d: %w", seg.Index, seg.FramesDone, err)
		}

		sr, dup, err := r.Proc.Process(ctx, f)
		if err != nil {
			return fmt.Errorf("segment %d frame %d: %w", seg.Index, f.Index, err)
		}

		if err := frame.WritePNG(filepath.Join(afterDir, frame.ArtifactName(f.Index)), sr); err != nil {
			return fmt.Errorf("segment %d frame %d: %w", seg.Index, f.Index, err)
		}

		seg.FramesDone++
		processed++
		if dup {
			state.DupCount++
		}
		if r.OnFrame != nil {
			r.OnFrame(seg.FramesDone, total, dup)
		}
		if err := r.Tracker.Observe(state); err != nil {
			return err
		}

		if r.ReclaimEvery > 0 && processed%r.ReclaimEvery == 0 {
			r.Proc.ReclaimMemory(ctx)
		}
		if r.ResetEvery > 0 && processed%r.ResetEvery == 0 {
			r.Cache.Reset()
		}
	}

	// A stop raised during the last frame still wins over encoding.
	if err := r.Gate(ctx); err != nil {
		return err
	}

	scale := r.Proc.Scale()
	if err := r.TC.EncodeFrames(ctx, afterDir, info.FPS, info.Width*scale, info.Height*scale, audioPath, outPath); err != nil {
		// Frame artifacts stay on disk so a later retry re-encodes
		// without redoing inference.
		return fmt.Errorf("segment %d: %w", seg.Index, err)
	}

	seg.Status = progress.SegmentDone
	os.RemoveAll(beforeDir)
	os.RemoveAll(afterDir)
	if err := r.Tracker.Force(state); err != nil {
		return err
	}

	logger.Info("Segment finished",
		"segment", seg.Index,
		"frames", total,
		"duplicates", state.DupCount,
		"took", time.Since(started).Round(time.Millisecond).String())
	return nil
}
