// Package pipeline drives frames through duplicate detection and the
// upscaler, one segment at a time, with pause/stop gates at frame
// boundaries and resumable progress.
package pipeline

import (
	"context"
	"errors"
	"io"
	"path/filepath"

	"github.com/Evoltional/apisr/internal/frame"
)

// ErrStopped is returned through the segment loop when a stop request is
// observed at a frame boundary.
var ErrStopped = errors.New("job stopped")

// GateFunc is checked before every frame. It blocks while the job is
// paused and returns ErrStopped once a stop has been requested.
type GateFunc func(ctx context.Context) error

// FrameSource yields a segment's frames in order and can be repositioned
// for mid-segment resume.
type FrameSource interface {
	// Next returns the next frame, or io.EOF after the last one.
	Next() (*frame.Frame, error)

	// Seek positions the source so the next frame returned has the given
	// index.
	Seek(frameIndex int) error

	// Total is the number of frames the source holds.
	Total() int
}

// DirSource reads extracted frame artifacts from a segment's before
// directory.
type DirSource struct {
	dir   string
	total int
	next  int
}

func NewDirSource(dir string, total int) *DirSource {
	return &DirSource{dir: dir, total: total}
}

func (s *DirSource) Next() (*frame.Frame, error) {
	if s.next >= s.total {
		return nil, io.EOF
	}
	f, err := frame.ReadPNG(filepath.Join(s.dir, frame.ArtifactName(s.next)), s.next)
	if err != nil {
		return nil, err
	}
	s.next++
	return f, nil
}

func (s *DirSource) Seek(frameIndex int) error {
	if frameIndex < 0 || frameIndex > s.total {
		return errors.New("seek out of range")
	}
	s.next = frameIndex
	return nil
}

func (s *DirSource) Total() int { return s.total }
