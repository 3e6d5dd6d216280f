package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Evoltional/apisr/internal/pipeline"
	"github.com/Evoltional/apisr/internal/progress"
)

func newRunner(t *testing.T, up *fakeUpscaler, tc *fakeToolchain, gate pipeline.GateFunc) (*pipeline.SegmentRunner, *progress.Layout) {
	t.Helper()
	cfg := testConfig()
	proc, cache := newTestProcessor(up, cfg)
	layout := progress.NewLayout(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	return &pipeline.SegmentRunner{
		Proc:    proc,
		Cache:   cache,
		TC:      tc,
		Layout:  layout,
		Tracker: &nopTracker{},
		Gate:    gate,
	}, layout
}

func segState(layout *progress.Layout, index int) (*progress.JobState, *progress.SegmentState) {
	seg := &progress.SegmentState{
		Path:   filepath.Join(layout.SegmentsDir(), "segment_000.mp4"),
		Index:  index,
		Status: progress.SegmentPending,
	}
	return progress.NewJobState("v.mp4", []*progress.SegmentState{seg}), seg
}

func TestSegmentRunsToCompletion(t *testing.T) {
	up := newFakeUpscaler(4)
	tc := newFakeToolchain(6)
	r, layout := newRunner(t, up, tc, openGate)
	st, seg := segState(layout, 0)

	if err := r.Run(context.Background(), st, seg); err != nil {
		t.Fatal(err)
	}
	if seg.Status != progress.SegmentDone {
		t.Errorf("expected done, got %s", seg.Status)
	}
	if seg.FramesDone != 6 || seg.TotalFrames != 6 {
		t.Errorf("frames: done=%d total=%d", seg.FramesDone, seg.TotalFrames)
	}
	if len(tc.encodeCalls) != 1 {
		t.Errorf("expected exactly one encode, got %d", len(tc.encodeCalls))
	}
	if _, err := os.Stat(layout.ProcessedSegment(0)); err != nil {
		t.Errorf("output artifact missing: %v", err)
	}
	// Intermediate frame dirs are cleared after a successful encode.
	if progress.CountFrames(layout.AfterDir(seg.Path)) != 0 {
		t.Error("after-frames should be cleaned up")
	}
	if progress.CountFrames(layout.BeforeDir(seg.Path)) != 0 {
		t.Error("before-frames should be cleaned up")
	}
}

// Stopping mid-segment leaves frame artifacts in place, produces no
// output, and a subsequent run resumes at the exact frame offset.
func TestStopMidSegmentThenResume(t *testing.T) {
	up := newFakeUpscaler(4)
	tc := newFakeToolchain(8)
	// Stop is raised at the gate once 5 frames have been let through.
	allowed := 0
	armed := true
	gate := func(ctx context.Context) error {
		if armed && allowed == 5 {
			return pipeline.ErrStopped
		}
		allowed++
		return nil
	}
	r, layout := newRunner(t, up, tc, gate)
	st, seg := segState(layout, 0)

	err := r.Run(context.Background(), st, seg)
	if !errors.Is(err, pipeline.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if seg.FramesDone != 5 {
		t.Fatalf("expected 5 frames done, got %d", seg.FramesDone)
	}
	if len(tc.encodeCalls) != 0 {
		t.Error("stopped segment must not be encoded")
	}
	if _, statErr := os.Stat(layout.ProcessedSegment(0)); !os.IsNotExist(statErr) {
		t.Error("no output artifact may exist for a stopped segment")
	}
	if got := progress.CountFrames(layout.AfterDir(seg.Path)); got != 5 {
		t.Errorf("expected 5 after-frames preserved on disk, got %d", got)
	}

	armed = false
	infersBefore := up.inferCalls
	if err := r.Run(context.Background(), st, seg); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if seg.Status != progress.SegmentDone {
		t.Errorf("expected done after resume, got %s", seg.Status)
	}
	// Only the remaining 3 frames are processed on resume.
	if got := up.inferCalls - infersBefore; got != 3 {
		t.Errorf("resume must re-enter at frame 5: expected 3 inferences, got %d", got)
	}
}

func TestSegmentWithExistingOutputIsSkipped(t *testing.T) {
	up := newFakeUpscaler(4)
	tc := newFakeToolchain(6)
	r, layout := newRunner(t, up, tc, openGate)
	st, seg := segState(layout, 0)
	seg.TotalFrames = 6

	if err := os.WriteFile(layout.ProcessedSegment(0), []byte("video"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := r.Run(context.Background(), st, seg); err != nil {
		t.Fatal(err)
	}
	if seg.Status != progress.SegmentDone {
		t.Errorf("expected done, got %s", seg.Status)
	}
	if up.inferCalls != 0 {
		t.Errorf("skipped segment must not infer, got %d calls", up.inferCalls)
	}
	if len(tc.encodeCalls) != 0 {
		t.Errorf("skipped segment must not re-encode")
	}
}

// A failed encode preserves the frame artifacts so a later retry can
// re-encode without redoing inference.
func TestEncodeFailurePreservesArtifacts(t *testing.T) {
	up := newFakeUpscaler(4)
	tc := newFakeToolchain(4)
	tc.encodeErr = errors.New("both encoders failed")
	r, layout := newRunner(t, up, tc, openGate)
	st, seg := segState(layout, 0)

	if err := r.Run(context.Background(), st, seg); err == nil {
		t.Fatal("expected encode error")
	}
	if seg.Status == progress.SegmentDone {
		t.Error("segment must not be done after a failed encode")
	}
	if got := progress.CountFrames(layout.AfterDir(seg.Path)); got != 4 {
		t.Errorf("after-frames must survive a failed encode, got %d", got)
	}

	// Retry with a working encoder: no inference, just the encode.
	tc.encodeErr = nil
	infersBefore := up.inferCalls
	if err := r.Run(context.Background(), st, seg); err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}
	if up.inferCalls != infersBefore {
		t.Errorf("re-encode must not redo inference, got %d extra calls", up.inferCalls-infersBefore)
	}
}

func TestPeriodicCadences(t *testing.T) {
	up := newFakeUpscaler(4)
	tc := newFakeToolchain(10)
	r, layout := newRunner(t, up, tc, openGate)
	r.ReclaimEvery = 4
	tracker := &nopTracker{}
	r.Tracker = tracker
	st, seg := segState(layout, 0)

	if err := r.Run(context.Background(), st, seg); err != nil {
		t.Fatal(err)
	}
	if up.releaseCalls != 2 || up.acquireCalls != 2 {
		t.Errorf("10 frames at a 4-frame reclaim cadence: expected 2 cycles, got release=%d acquire=%d",
			up.releaseCalls, up.acquireCalls)
	}
	if tracker.observes != 10 {
		t.Errorf("tracker must observe every frame, got %d", tracker.observes)
	}
	if tracker.forces != 1 {
		t.Errorf("segment completion forces one checkpoint, got %d", tracker.forces)
	}
}

func TestMergerAppendsEachSegmentOnce(t *testing.T) {
	tc := newFakeToolchain(4)
	layout := progress.NewLayout(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := os.WriteFile(layout.ProcessedSegment(i), []byte("video"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	m := &pipeline.Merger{TC: tc, Layout: layout}
	st := progress.NewJobState("v.mp4", nil)

	if err := m.Append(context.Background(), st, 0); err != nil {
		t.Fatal(err)
	}
	if tc.concatCalls != 0 {
		t.Errorf("first segment starts the output by copy, not concat")
	}
	if _, err := os.Stat(layout.MergedVideo()); err != nil {
		t.Fatalf("running output missing: %v", err)
	}

	if err := m.Append(context.Background(), st, 1); err != nil {
		t.Fatal(err)
	}
	if tc.concatCalls != 1 {
		t.Errorf("second segment should concat once, got %d", tc.concatCalls)
	}

	// Replay: already-ledgered segments are never appended again.
	if err := m.Append(context.Background(), st, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Append(context.Background(), st, 1); err != nil {
		t.Fatal(err)
	}
	if tc.concatCalls != 1 {
		t.Errorf("replay must not re-merge, concat calls = %d", tc.concatCalls)
	}
	if got := len(st.MergedNames()); got != 2 {
		t.Errorf("ledger should hold 2 names, got %d", got)
	}
}
