package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Evoltional/apisr/internal/config"
	"github.com/Evoltional/apisr/internal/ffmpeg"
	"github.com/Evoltional/apisr/internal/history"
	"github.com/Evoltional/apisr/internal/logger"
	"github.com/Evoltional/apisr/internal/pipeline"
	"github.com/Evoltional/apisr/internal/progress"
	"github.com/Evoltional/apisr/internal/store"
	"github.com/Evoltional/apisr/internal/upscale"
)

// Controller runs a batch of videos through the pipeline on a dedicated
// worker goroutine. The upscaler is exclusively owned by that worker while
// Running; its GPU residency is explicitly released at the park point when
// paused and reacquired on resume.
type Controller struct {
	cfg      *config.Config
	up       upscale.Upscaler
	tc       pipeline.MediaToolchain
	videos   []string
	workRoot string

	mu             sync.Mutex
	cond           *sync.Cond
	state          State
	pauseRequested bool
	stopRequested  bool
	subs           []chan Event

	done chan struct{}
}

func New(cfg *config.Config, up upscale.Upscaler, tc pipeline.MediaToolchain, videos []string, workRoot string) *Controller {
	c := &Controller{
		cfg:      cfg,
		up:       up,
		tc:       tc,
		videos:   videos,
		workRoot: workRoot,
		state:    Idle,
		done:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the worker has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Subscribe returns a channel of progress events. Events are dropped, not
// blocked on, when a subscriber falls behind.
func (c *Controller) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

func (c *Controller) publish(ev Event) {
	c.mu.Lock()
	subs := c.subs
	c.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Start launches the worker. The caller never blocks on processing.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return fmt.Errorf("cannot start from state %s", c.state)
	}
	if len(c.videos) == 0 {
		return errors.New("no videos to process")
	}
	c.state = Running
	go c.run(ctx)
	return nil
}

// Pause asks the worker to suspend at the next frame boundary. The worker
// releases the upscaler's GPU residency when it actually parks.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return fmt.Errorf("cannot pause from state %s", c.state)
	}
	c.state = Paused
	c.pauseRequested = true
	logger.Info("Pause requested")
	return nil
}

// Resume unparks a paused worker. The upscaler is reacquired by the worker
// before processing continues.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return fmt.Errorf("cannot resume from state %s", c.state)
	}
	c.state = Running
	c.pauseRequested = false
	c.cond.Broadcast()
	logger.Info("Resume requested")
	return nil
}

// Stop asks the worker to exit at the next frame boundary, waking it if
// parked. A checkpoint is forced before the worker exits. Stop wins over a
// pending resume.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running && c.state != Paused {
		return
	}
	c.state = Stopping
	c.stopRequested = true
	c.cond.Broadcast()
	logger.Info("Stop requested")
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// gate is called by the pipeline before every frame. It parks the worker
// on the condition variable while paused, releasing the upscaler at the
// park point since an in-flight inference may still be running when the
// pause request lands. Both flags are re-validated on wake: stop always
// wins over resuming from pause.
func (c *Controller) gate(ctx context.Context) error {
	if ctx.Err() != nil {
		return pipeline.ErrStopped
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopRequested {
		return pipeline.ErrStopped
	}
	if !c.pauseRequested {
		return nil
	}

	c.up.Release()
	logger.Info("Worker parked, upscaler released")
	for c.pauseRequested && !c.stopRequested {
		c.cond.Wait()
	}
	if c.stopRequested {
		return pipeline.ErrStopped
	}
	if err := c.up.Acquire(ctx); err != nil {
		return err
	}
	logger.Info("Worker resumed, upscaler reacquired")
	return nil
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	if err := c.up.Load(ctx); err != nil {
		logger.Error("Model load failed", "error", err.Error())
		c.setState(Failed)
		return
	}

	failed := 0
	for i, video := range c.videos {
		if c.stopped() {
			c.setState(Stopped)
			return
		}

		err := c.processVideo(ctx, i, video)
		if err != nil && !errors.Is(err, pipeline.ErrStopped) {
			logger.Error("Video failed, retrying once", "video", video, "error", err.Error())
			err = c.processVideo(ctx, i, video)
		}
		if errors.Is(err, pipeline.ErrStopped) {
			c.setState(Stopped)
			return
		}
		if err != nil {
			failed++
			logger.Error("Video failed, continuing with next", "video", video, "error", err.Error())
		}
	}

	if failed > 0 && failed == len(c.videos) {
		c.setState(Failed)
		return
	}
	c.setState(Completed)
	logger.Info("Batch finished", "videos", len(c.videos), "failed", failed)
}

// processVideo runs one video start to finish, resuming previous progress
// from its working directory.
func (c *Controller) processVideo(ctx context.Context, videoIndex int, videoPath string) error {
	layout := progress.NewLayout(filepath.Join(c.workRoot, videoStem(videoPath)+"_work"))
	if err := layout.EnsureDirs(); err != nil {
		return err
	}

	// Reuse a previous run's split when one exists.
	segPaths, err := ffmpeg.ListSegments(layout.SegmentsDir())
	if err != nil {
		return err
	}
	if len(segPaths) == 0 {
		segPaths, err = c.tc.SplitIntoSegments(ctx, videoPath, c.cfg.SegmentDuration, layout.SegmentsDir())
		if err != nil {
			return err
		}
	}
	if len(segPaths) == 0 {
		return fmt.Errorf("no segments produced from %s", videoPath)
	}

	segs := make([]*progress.SegmentState, len(segPaths))
	for i, p := range segPaths {
		segs[i] = &progress.SegmentState{Path: p, Index: i, Status: progress.SegmentPending}
	}

	tracker := c.newTracker(layout)
	defer tracker.Close()

	st, err := tracker.Recover(progress.NewJobState(videoPath, segs))
	if err != nil {
		return err
	}

	cache := history.New(history.Params{
		Capacity:      c.cfg.EffectiveHistorySize(),
		Enabled:       c.cfg.DupDetect,
		UseHash:       c.cfg.UseHash,
		HashThreshold: c.cfg.HashThreshold,
		UseSSIM:       c.cfg.UseSSIM,
		SSIMThreshold: c.cfg.SSIMThreshold,
	})
	proc := pipeline.NewProcessor(c.up, cache, c.cfg)

	var merger *pipeline.Merger
	if c.cfg.IncrementalMerge {
		merger = &pipeline.Merger{TC: c.tc, Layout: layout}
	}

	started := time.Now()
	for i := st.CurrentSegment; i < len(st.Segments); i++ {
		seg := st.Segments[i]
		runner := &pipeline.SegmentRunner{
			Proc:         proc,
			Cache:        cache,
			TC:           c.tc,
			Layout:       layout,
			Tracker:      tracker,
			Gate:         c.gate,
			ReclaimEvery: c.cfg.CleanupFrames,
			ResetEvery:   c.cfg.CacheResetFrames,
			OnFrame: func(frameIndex, totalFrames int, duplicate bool) {
				c.publish(Event{
					VideoIndex:     videoIndex,
					SegmentIndex:   seg.Index,
					FrameIndex:     frameIndex,
					TotalFrames:    totalFrames,
					DuplicateCount: st.DupCount,
				})
			},
		}

		if err := runner.Run(ctx, st, seg); err != nil {
			if errors.Is(err, pipeline.ErrStopped) {
				// Forced checkpoint so resume re-enters exactly here.
				tracker.Force(st)
			}
			return err
		}

		if merger != nil {
			if err := merger.Append(ctx, st, seg.Index); err != nil {
				return err
			}
			tracker.Force(st)
		}
	}

	outPath, err := c.finalize(ctx, layout, st, merger)
	if err != nil {
		return err
	}

	logger.Info("Video finished",
		"video", filepath.Base(videoPath),
		"segments", len(st.Segments),
		"duplicates", st.DupCount,
		"output", outPath,
		"took", time.Since(started).Round(time.Second).String())

	// The working tree is only discarded once the final output exists.
	tracker.Close()
	if err := os.RemoveAll(layout.Root()); err != nil {
		logger.Warn("Working directory cleanup failed", "error", err.Error())
	}
	return nil
}

// finalize materializes the video's final output: the running merged file
// when incremental merge is on, otherwise a concat of all segment outputs.
func (c *Controller) finalize(ctx context.Context, layout *progress.Layout, st *progress.JobState, merger *pipeline.Merger) (string, error) {
	if err := os.MkdirAll(c.cfg.OutputDir, 0755); err != nil {
		return "", err
	}
	outPath := filepath.Join(c.cfg.OutputDir, videoStem(st.VideoPath)+"_upscaled.mp4")

	if merger != nil {
		if err := merger.Finalize(outPath); err != nil {
			return "", err
		}
		return outPath, nil
	}

	processed := make([]string, len(st.Segments))
	for i, seg := range st.Segments {
		processed[i] = layout.ProcessedSegment(seg.Index)
	}
	if err := c.tc.Concat(ctx, processed, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

// newTracker prefers the explicit checkpoint strategy and degrades to the
// filesystem scan when the checkpoint database cannot be opened.
func (c *Controller) newTracker(layout *progress.Layout) progress.Tracker {
	fs := progress.NewFolderScan(layout)
	db, err := store.Open(layout.CheckpointDB())
	if err != nil {
		logger.Warn("Checkpoint store unavailable, filesystem recovery only", "error", err.Error())
		return fs
	}
	snap := progress.Snapshot{
		Version:       progress.SnapshotVersion,
		Model:         c.cfg.Model,
		Scale:         c.cfg.Scale,
		UseHash:       c.cfg.UseHash,
		HashThreshold: c.cfg.HashThreshold,
		UseSSIM:       c.cfg.UseSSIM,
		SSIMThreshold: c.cfg.SSIMThreshold,
		HistorySize:   c.cfg.EffectiveHistorySize(),
	}
	return progress.NewCheckpoint(db, fs, snap,
		c.cfg.CheckpointFrames,
		time.Duration(c.cfg.CheckpointSeconds)*time.Second)
}

func videoStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
