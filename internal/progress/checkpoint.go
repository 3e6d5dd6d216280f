package progress

import (
	"time"

	"github.com/Evoltional/apisr/internal/logger"
)

// Checkpoint persists explicit JobState snapshots on a frame/time cadence.
// Write failures are logged and swallowed: the job keeps running and
// filesystem recovery remains available as the fallback strategy.
type Checkpoint struct {
	store    StateStore
	fallback *FolderScan
	snapshot Snapshot

	everyFrames int
	minInterval time.Duration

	framesSince int
	lastWrite   time.Time
}

func NewCheckpoint(store StateStore, fallback *FolderScan, snap Snapshot, everyFrames int, minInterval time.Duration) *Checkpoint {
	if everyFrames < 1 {
		everyFrames = 1
	}
	return &Checkpoint{
		store:       store,
		fallback:    fallback,
		snapshot:    snap,
		everyFrames: everyFrames,
		minInterval: minInterval,
		lastWrite:   time.Now(),
	}
}

// Recover loads the stored snapshot when one exists and matches the fresh
// segment list; otherwise it falls back to the filesystem scan. Detection
// settings that changed since the checkpoint was written produce a warning,
// not a failure.
func (c *Checkpoint) Recover(fresh *JobState) (*JobState, error) {
	stored, err := c.store.LoadState()
	if err != nil {
		logger.Warn("Checkpoint unreadable, using filesystem recovery", "error", err.Error())
		return c.fallback.Recover(fresh)
	}
	if stored == nil {
		return c.fallback.Recover(fresh)
	}

	if prev, err := c.store.LoadSnapshot(); err == nil && prev != nil && *prev != c.snapshot {
		logger.Warn("Checkpoint was written under different settings; frame counts may not line up",
			"stored_model", prev.Model,
			"stored_hash_threshold", prev.HashThreshold,
			"stored_ssim_threshold", prev.SSIMThreshold,
			"stored_history_size", prev.HistorySize)
	}

	if stored.VideoPath != fresh.VideoPath || len(stored.Segments) != len(fresh.Segments) {
		logger.Warn("Checkpoint does not match this job, using filesystem recovery",
			"stored_video", stored.VideoPath,
			"stored_segments", len(stored.Segments))
		return c.fallback.Recover(fresh)
	}

	for i, seg := range stored.Segments {
		fresh.Segments[i].TotalFrames = seg.TotalFrames
		fresh.Segments[i].FramesDone = seg.FramesDone
		fresh.Segments[i].Status = seg.Status
	}
	fresh.CurrentSegment = stored.CurrentSegment
	fresh.DupCount = stored.DupCount
	for name := range stored.Merged {
		fresh.MarkMerged(name)
	}

	logger.Info("Recovered progress from checkpoint",
		"completed_segments", fresh.CompletedSegments(),
		"current_segment", fresh.CurrentSegment,
		"duplicates", fresh.DupCount)
	return fresh, nil
}

// Observe writes a checkpoint once enough frames or enough wall time have
// accumulated since the last write, whichever comes first.
func (c *Checkpoint) Observe(state *JobState) error {
	c.framesSince++
	if c.framesSince < c.everyFrames && time.Since(c.lastWrite) < c.minInterval {
		return nil
	}
	return c.Force(state)
}

// Force writes a checkpoint now. Failures are non-fatal: logged, and the
// job continues with filesystem-inferred recovery as the safety net.
func (c *Checkpoint) Force(state *JobState) error {
	c.framesSince = 0
	c.lastWrite = time.Now()

	if err := c.store.SaveState(state); err != nil {
		logger.Warn("Checkpoint write failed, filesystem recovery still available", "error", err.Error())
		return nil
	}
	if err := c.store.SaveSnapshot(&c.snapshot); err != nil {
		logger.Warn("Checkpoint settings write failed", "error", err.Error())
	}
	return nil
}

func (c *Checkpoint) Close() error { return c.store.Close() }
