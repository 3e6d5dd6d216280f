package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Evoltional/apisr/internal/frame"
)

// Layout maps one video's working directory. The numbered subdirectories
// double as the filesystem recovery format: what exists under them is what
// FolderScan derives the resume point from.
type Layout struct {
	root string
}

func NewLayout(workDir string) *Layout {
	return &Layout{root: workDir}
}

func (l *Layout) Root() string { return l.root }

// SegmentsDir holds the stream-copied input segments.
func (l *Layout) SegmentsDir() string { return filepath.Join(l.root, "01_original_segments") }

// AudioDir holds per-segment extracted audio tracks.
func (l *Layout) AudioDir() string { return filepath.Join(l.root, "02_audio") }

// FramesRoot holds the per-segment before/after frame directories.
func (l *Layout) FramesRoot() string { return filepath.Join(l.root, "03_segment_frames") }

// ProcessedDir holds re-encoded segment outputs.
func (l *Layout) ProcessedDir() string { return filepath.Join(l.root, "04_processed_segments") }

// MergeDir holds the running incremental-merge output and its ledger.
func (l *Layout) MergeDir() string { return filepath.Join(l.root, "05_immediate_merge") }

func segmentStem(segmentPath string) string {
	base := filepath.Base(segmentPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// BeforeDir is where a segment's extracted source frames live.
func (l *Layout) BeforeDir(segmentPath string) string {
	return filepath.Join(l.FramesRoot(), segmentStem(segmentPath)+"_before")
}

// AfterDir is where a segment's upscaled frames accumulate. Its population
// count is the segment's frames_done as far as filesystem recovery is
// concerned.
func (l *Layout) AfterDir(segmentPath string) string {
	return filepath.Join(l.FramesRoot(), segmentStem(segmentPath)+"_after")
}

// AudioPath is the extracted audio track for a segment.
func (l *Layout) AudioPath(segmentPath string) string {
	return filepath.Join(l.AudioDir(), segmentStem(segmentPath)+".aac")
}

// ProcessedSegment is the re-encoded output artifact for a segment index.
// Its existence is what marks a segment Done.
func (l *Layout) ProcessedSegment(index int) string {
	return filepath.Join(l.ProcessedDir(), fmt.Sprintf("processed_segment_%03d.mp4", index))
}

// MergedVideo is the running incremental-merge output.
func (l *Layout) MergedVideo() string { return filepath.Join(l.MergeDir(), "merged_video.mp4") }

// MergeLog is the on-disk merge ledger, one segment name per line. It lets
// filesystem recovery rebuild the ledger without the checkpoint database.
func (l *Layout) MergeLog() string { return filepath.Join(l.MergeDir(), "merge_log.txt") }

// CheckpointDB is the explicit-checkpoint database file.
func (l *Layout) CheckpointDB() string { return filepath.Join(l.root, "checkpoint.db") }

// EnsureDirs creates the working directory tree.
func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{
		l.SegmentsDir(),
		l.AudioDir(),
		l.FramesRoot(),
		l.ProcessedDir(),
		l.MergeDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// ParseProcessedIndex extracts the segment index from a processed-segment
// file name.
func ParseProcessedIndex(name string) (int, bool) {
	const prefix, suffix = "processed_segment_", ".mp4"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// CountFrames counts the frame artifacts present in a directory. Zero for
// a missing directory.
func CountFrames(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if _, ok := frame.ParseArtifactIndex(e.Name()); ok {
			n++
		}
	}
	return n
}
