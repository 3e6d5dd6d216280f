package progress_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Evoltional/apisr/internal/progress"
)

// memStore is an in-memory StateStore recording save counts.
type memStore struct {
	state     *progress.JobState
	snap      *progress.Snapshot
	saves     int
	loadErr   error
	saveErr   error
	closed    bool
	snapSaves int
}

func (m *memStore) SaveState(st *progress.JobState) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	cp := *st
	m.state = &cp
	return nil
}

func (m *memStore) LoadState() (*progress.JobState, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.state, nil
}

func (m *memStore) SaveSnapshot(s *progress.Snapshot) error {
	m.snapSaves++
	cp := *s
	m.snap = &cp
	return nil
}

func (m *memStore) LoadSnapshot() (*progress.Snapshot, error) { return m.snap, nil }

func (m *memStore) Close() error {
	m.closed = true
	return nil
}

func testSnapshot() progress.Snapshot {
	return progress.Snapshot{
		Version:       progress.SnapshotVersion,
		Model:         "grl",
		Scale:         4,
		UseHash:       true,
		HashThreshold: 3,
		UseSSIM:       true,
		SSIMThreshold: 0.98,
		HistorySize:   20,
	}
}

func newCheckpoint(store *memStore, everyFrames int) *progress.Checkpoint {
	layout := progress.NewLayout("/nonexistent")
	return progress.NewCheckpoint(store, progress.NewFolderScan(layout), testSnapshot(), everyFrames, time.Hour)
}

func stateWithSegments(video string, n int) *progress.JobState {
	segs := make([]*progress.SegmentState, n)
	for i := range segs {
		segs[i] = &progress.SegmentState{Index: i, Status: progress.SegmentPending}
	}
	return progress.NewJobState(video, segs)
}

func TestCheckpointObserveCadence(t *testing.T) {
	store := &memStore{}
	cp := newCheckpoint(store, 10)
	st := stateWithSegments("v.mp4", 1)

	for i := 0; i < 25; i++ {
		if err := cp.Observe(st); err != nil {
			t.Fatal(err)
		}
	}
	if store.saves != 2 {
		t.Errorf("25 frames at a 10-frame cadence should checkpoint twice, got %d", store.saves)
	}
}

func TestCheckpointForceAlwaysWrites(t *testing.T) {
	store := &memStore{}
	cp := newCheckpoint(store, 10)
	st := stateWithSegments("v.mp4", 1)

	cp.Force(st)
	cp.Force(st)
	if store.saves != 2 {
		t.Errorf("forced checkpoints must always write, got %d saves", store.saves)
	}
}

func TestCheckpointWriteFailureIsNonFatal(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	cp := newCheckpoint(store, 1)
	st := stateWithSegments("v.mp4", 1)

	if err := cp.Observe(st); err != nil {
		t.Errorf("checkpoint write failure must not fail the job: %v", err)
	}
	if err := cp.Force(st); err != nil {
		t.Errorf("forced checkpoint write failure must not fail the job: %v", err)
	}
}

func TestCheckpointRecoverRestoresState(t *testing.T) {
	store := &memStore{}
	cp := newCheckpoint(store, 10)

	st := stateWithSegments("v.mp4", 3)
	st.Segments[0].Status = progress.SegmentDone
	st.Segments[0].TotalFrames = 100
	st.Segments[0].FramesDone = 100
	st.Segments[1].Status = progress.SegmentInProgress
	st.Segments[1].TotalFrames = 100
	st.Segments[1].FramesDone = 50
	st.CurrentSegment = 1
	st.DupCount = 7
	st.MarkMerged("processed_segment_000.mp4")
	cp.Force(st)

	recovered, err := cp.Recover(stateWithSegments("v.mp4", 3))
	if err != nil {
		t.Fatal(err)
	}
	if recovered.CurrentSegment != 1 {
		t.Errorf("expected current segment 1, got %d", recovered.CurrentSegment)
	}
	if recovered.Segments[1].FramesDone != 50 {
		t.Errorf("expected frames_done 50, got %d", recovered.Segments[1].FramesDone)
	}
	if recovered.DupCount != 7 {
		t.Errorf("expected dup count 7, got %d", recovered.DupCount)
	}
	if !recovered.IsMerged("processed_segment_000.mp4") {
		t.Error("merge ledger not restored")
	}
}

// Replaying the same checkpoint twice must not double-count statistics or
// duplicate ledger entries.
func TestCheckpointRecoverIsIdempotent(t *testing.T) {
	store := &memStore{}
	cp := newCheckpoint(store, 10)

	st := stateWithSegments("v.mp4", 2)
	st.DupCount = 4
	st.MarkMerged("processed_segment_000.mp4")
	cp.Force(st)

	first, err := cp.Recover(stateWithSegments("v.mp4", 2))
	if err != nil {
		t.Fatal(err)
	}
	second, err := cp.Recover(first)
	if err != nil {
		t.Fatal(err)
	}
	if second.DupCount != 4 {
		t.Errorf("replay doubled the duplicate count: %d", second.DupCount)
	}
	if got := len(second.MergedNames()); got != 1 {
		t.Errorf("replay duplicated the merge ledger: %d entries", got)
	}
}

func TestCheckpointRecoverFallsBackWhenEmpty(t *testing.T) {
	store := &memStore{}
	cp := newCheckpoint(store, 10)

	st, err := cp.Recover(stateWithSegments("v.mp4", 2))
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentSegment != 0 {
		t.Errorf("empty store should fall back to a fresh scan, got segment %d", st.CurrentSegment)
	}
}

func TestCheckpointRecoverRejectsMismatchedJob(t *testing.T) {
	store := &memStore{}
	cp := newCheckpoint(store, 10)

	st := stateWithSegments("other.mp4", 5)
	st.CurrentSegment = 3
	cp.Force(st)

	recovered, err := cp.Recover(stateWithSegments("v.mp4", 2))
	if err != nil {
		t.Fatal(err)
	}
	if recovered.CurrentSegment != 0 {
		t.Errorf("checkpoint for a different job must not be applied, got segment %d", recovered.CurrentSegment)
	}
}

func TestCheckpointCloseClosesStore(t *testing.T) {
	store := &memStore{}
	cp := newCheckpoint(store, 10)
	if err := cp.Close(); err != nil {
		t.Fatal(err)
	}
	if !store.closed {
		t.Error("Close must close the backing store")
	}
}
