// Package progress owns the resume model: the per-job state snapshot, the
// on-disk working layout, and the two recovery strategies (filesystem scan
// and explicit checkpoint) that reconstruct the resume point after an
// interruption.
package progress

import "sort"

// SegmentStatus tracks one segment through the pipeline.
type SegmentStatus string

const (
	SegmentPending    SegmentStatus = "pending"
	SegmentInProgress SegmentStatus = "in_progress"
	SegmentDone       SegmentStatus = "done"
)

// SegmentState is the resumable unit of work. FramesDone is authoritative
// for mid-segment resume; Done is only set once the re-encoded output
// artifact exists.
type SegmentState struct {
	Path        string
	Index       int
	TotalFrames int
	FramesDone  int
	Status      SegmentStatus
}

// JobState is the checkpointed snapshot for one video. Merged is a ledger,
// not a counter: a segment name appears at most once no matter how many
// times a checkpoint is replayed.
type JobState struct {
	VideoPath      string
	Segments       []*SegmentState
	CurrentSegment int
	DupCount       int
	Merged         map[string]bool
}

func NewJobState(videoPath string, segments []*SegmentState) *JobState {
	return &JobState{
		VideoPath: videoPath,
		Segments:  segments,
		Merged:    make(map[string]bool),
	}
}

// IsMerged reports whether a segment name is already in the merge ledger.
func (s *JobState) IsMerged(name string) bool { return s.Merged[name] }

// MarkMerged records a segment in the ledger. Returns false if it was
// already there, so replays never append the same segment twice.
func (s *JobState) MarkMerged(name string) bool {
	if s.Merged == nil {
		s.Merged = make(map[string]bool)
	}
	if s.Merged[name] {
		return false
	}
	s.Merged[name] = true
	return true
}

// MergedNames returns the ledger contents in stable order.
func (s *JobState) MergedNames() []string {
	names := make([]string, 0, len(s.Merged))
	for n := range s.Merged {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CompletedSegments counts segments whose output exists.
func (s *JobState) CompletedSegments() int {
	n := 0
	for _, seg := range s.Segments {
		if seg.Status == SegmentDone {
			n++
		}
	}
	return n
}

// Snapshot records the detection settings in effect when a checkpoint was
// written. A resume under different settings logs a warning instead of
// silently mismatching frame counts.
type Snapshot struct {
	Version       int
	Model         string
	Scale         int
	UseHash       bool
	HashThreshold int
	UseSSIM       bool
	SSIMThreshold float64
	HistorySize   int
}

// SnapshotVersion is bumped when the checkpoint schema or the meaning of
// a recorded setting changes.
const SnapshotVersion = 1
