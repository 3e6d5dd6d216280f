package progress_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Evoltional/apisr/internal/frame"
	"github.com/Evoltional/apisr/internal/progress"
)

func freshState(t *testing.T, layout *progress.Layout, segments int) *progress.JobState {
	t.Helper()
	segs := make([]*progress.SegmentState, segments)
	for i := range segs {
		name := filepath.Join(layout.SegmentsDir(), segmentName(i))
		segs[i] = &progress.SegmentState{Path: name, Index: i, Status: progress.SegmentPending}
	}
	return progress.NewJobState("/videos/input.mp4", segs)
}

func segmentName(i int) string {
	return fmt.Sprintf("segment_%03d.mp4", i)
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func populateFrames(t *testing.T, dir string, n int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		touch(t, filepath.Join(dir, frame.ArtifactName(i)))
	}
}

func TestFolderScanFreshJob(t *testing.T) {
	layout := progress.NewLayout(t.TempDir())
	st, err := progress.NewFolderScan(layout).Recover(freshState(t, layout, 3))
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentSegment != 0 {
		t.Errorf("fresh job should start at segment 0, got %d", st.CurrentSegment)
	}
	if st.CompletedSegments() != 0 {
		t.Errorf("fresh job should have no completed segments")
	}
}

func TestFolderScanResumesAfterCompletedSegments(t *testing.T) {
	layout := progress.NewLayout(t.TempDir())
	touch(t, layout.ProcessedSegment(0))
	touch(t, layout.ProcessedSegment(1))

	st, err := progress.NewFolderScan(layout).Recover(freshState(t, layout, 4))
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentSegment != 2 {
		t.Errorf("expected resume at segment 2, got %d", st.CurrentSegment)
	}
	if st.Segments[0].Status != progress.SegmentDone || st.Segments[1].Status != progress.SegmentDone {
		t.Error("segments with outputs must be marked done")
	}
	if st.Segments[2].Status != progress.SegmentPending {
		t.Errorf("segment 2 should stay pending, got %s", st.Segments[2].Status)
	}
}

// A later segment with a partially populated output-frame directory takes
// precedence over max(completed)+1.
func TestFolderScanPartialLaterSegmentWins(t *testing.T) {
	layout := progress.NewLayout(t.TempDir())
	st := freshState(t, layout, 4)

	touch(t, layout.ProcessedSegment(0))
	populateFrames(t, layout.BeforeDir(st.Segments[2].Path), 120)
	populateFrames(t, layout.AfterDir(st.Segments[2].Path), 50)

	st, err := progress.NewFolderScan(layout).Recover(st)
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentSegment != 2 {
		t.Errorf("partial segment 2 takes precedence over segment 1, got %d", st.CurrentSegment)
	}
	seg := st.Segments[2]
	if seg.FramesDone != 50 {
		t.Errorf("expected frames_done 50 from disk, got %d", seg.FramesDone)
	}
	if seg.TotalFrames != 120 {
		t.Errorf("expected total frames 120 from extracted frames, got %d", seg.TotalFrames)
	}
	if seg.Status != progress.SegmentInProgress {
		t.Errorf("expected in_progress, got %s", seg.Status)
	}
}

func TestFolderScanAllSegmentsDone(t *testing.T) {
	layout := progress.NewLayout(t.TempDir())
	for i := 0; i < 3; i++ {
		touch(t, layout.ProcessedSegment(i))
	}
	st, err := progress.NewFolderScan(layout).Recover(freshState(t, layout, 3))
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentSegment != 3 {
		t.Errorf("all segments done: current should be past the end, got %d", st.CurrentSegment)
	}
}

func TestFolderScanRebuildsMergeLedger(t *testing.T) {
	layout := progress.NewLayout(t.TempDir())
	if err := os.MkdirAll(layout.MergeDir(), 0755); err != nil {
		t.Fatal(err)
	}
	log := "processed_segment_000.mp4\nprocessed_segment_001.mp4\n"
	if err := os.WriteFile(layout.MergeLog(), []byte(log), 0644); err != nil {
		t.Fatal(err)
	}

	st, err := progress.NewFolderScan(layout).Recover(freshState(t, layout, 3))
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsMerged("processed_segment_000.mp4") || !st.IsMerged("processed_segment_001.mp4") {
		t.Errorf("ledger not rebuilt from merge log: %v", st.MergedNames())
	}
	if st.IsMerged("processed_segment_002.mp4") {
		t.Error("ledger contains a segment the log never recorded")
	}
}

func TestMergeLedgerIsIdempotent(t *testing.T) {
	st := progress.NewJobState("v.mp4", nil)
	if !st.MarkMerged("processed_segment_000.mp4") {
		t.Error("first mark should report newly merged")
	}
	if st.MarkMerged("processed_segment_000.mp4") {
		t.Error("second mark of the same name must report already merged")
	}
	if got := len(st.MergedNames()); got != 1 {
		t.Errorf("ledger must hold each name once, got %d entries", got)
	}
}

func TestParseProcessedIndex(t *testing.T) {
	cases := []struct {
		name string
		want int
		ok   bool
	}{
		{"processed_segment_007.mp4", 7, true},
		{"processed_segment_120.mp4", 120, true},
		{"processed_segment_007.mp4.part.mp4", 0, false},
		{"segment_007.mp4", 0, false},
		{"processed_segment_x.mp4", 0, false},
	}
	for _, c := range cases {
		got, ok := progress.ParseProcessedIndex(c.name)
		if ok != c.ok || got != c.want {
			t.Errorf("ParseProcessedIndex(%q) = (%d, %v), want (%d, %v)", c.name, got, ok, c.want, c.ok)
		}
	}
}
