package progress

import (
	"bufio"
	"os"

	"github.com/Evoltional/apisr/internal/logger"
)

// FolderScan recovers the resume point purely from what artifacts exist
// on disk. It survives crashes that left no checkpoint at all, and writes
// nothing itself: the pipeline's artifacts are the record.
type FolderScan struct {
	layout *Layout
}

func NewFolderScan(layout *Layout) *FolderScan {
	return &FolderScan{layout: layout}
}

// Recover derives completed and in-progress segments from the working
// directory.
//
// The next segment to run is max(completed indices) + 1, unless a later
// segment already has a partially populated output-frame directory, in
// which case that segment takes precedence and its populated frame count
// becomes frames_done.
func (f *FolderScan) Recover(fresh *JobState) (*JobState, error) {
	maxDone := -1
	for _, seg := range fresh.Segments {
		if _, err := os.Stat(f.layout.ProcessedSegment(seg.Index)); err == nil {
			seg.Status = SegmentDone
			if seg.TotalFrames > 0 {
				seg.FramesDone = seg.TotalFrames
			}
			if seg.Index > maxDone {
				maxDone = seg.Index
			}
		}
	}

	next := maxDone + 1

	// A later segment with upscaled frames on disk wins.
	for i := len(fresh.Segments) - 1; i > maxDone; i-- {
		seg := fresh.Segments[i]
		done := CountFrames(f.layout.AfterDir(seg.Path))
		if done == 0 {
			continue
		}
		seg.FramesDone = done
		seg.Status = SegmentInProgress
		if total := CountFrames(f.layout.BeforeDir(seg.Path)); total > 0 {
			seg.TotalFrames = total
		}
		next = seg.Index
		break
	}

	if next >= len(fresh.Segments) {
		next = len(fresh.Segments)
	}
	fresh.CurrentSegment = next

	f.recoverLedger(fresh)

	if maxDone >= 0 || next > 0 {
		logger.Info("Recovered progress from working directory",
			"completed_segments", fresh.CompletedSegments(),
			"next_segment", next,
			"merged", len(fresh.Merged))
	}
	return fresh, nil
}

// recoverLedger rebuilds the merge ledger from the on-disk merge log.
func (f *FolderScan) recoverLedger(state *JobState) {
	file, err := os.Open(f.layout.MergeLog())
	if err != nil {
		return
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	for sc.Scan() {
		if name := sc.Text(); name != "" {
			state.MarkMerged(name)
		}
	}
}

// Observe is a no-op: the artifacts written by the pipeline are the record.
func (f *FolderScan) Observe(*JobState) error { return nil }

// Force is a no-op for the same reason.
func (f *FolderScan) Force(*JobState) error { return nil }

func (f *FolderScan) Close() error { return nil }
