package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Evoltional/apisr/internal/logger"
	"github.com/Evoltional/apisr/internal/progress"
)

// Merger appends finalized segments to a running output video. The ledger
// in JobState plus the on-disk merge log guarantee each segment is
// appended at most once, even across resumes.
type Merger struct {
	TC     MediaToolchain
	Layout *progress.Layout
}

// Append adds a finalized segment to the running merged output. A segment
// already in the ledger is skipped. The ledger is only updated after the
// merge succeeds.
func (m *Merger) Append(ctx context.Context, state *progress.JobState, segIndex int) error {
	segPath := m.Layout.ProcessedSegment(segIndex)
	name := filepath.Base(segPath)
	if state.IsMerged(name) {
		logger.Debug("Segment already merged, skipping", "segment", name)
		return nil
	}

	merged := m.Layout.MergedVideo()
	if err := os.MkdirAll(m.Layout.MergeDir(), 0755); err != nil {
		return err
	}

	if _, err := os.Stat(merged); os.IsNotExist(err) {
		if err := copyFile(segPath, merged); err != nil {
			return fmt.Errorf("merge segment %d: %w", segIndex, err)
		}
	} else {
		tmp := merged + ".part.mp4"
		if err := m.TC.Concat(ctx, []string{merged, segPath}, tmp); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("merge segment %d: %w", segIndex, err)
		}
		if err := os.Rename(tmp, merged); err != nil {
			return err
		}
	}

	state.MarkMerged(name)
	if err := m.appendLog(name); err != nil {
		logger.Warn("Merge log write failed", "error", err.Error())
	}
	logger.Info("Segment merged into running output", "segment", name)
	return nil
}

// Finalize copies the running merged output to its final destination.
func (m *Merger) Finalize(dst string) error {
	return copyFile(m.Layout.MergedVideo(), dst)
}

func (m *Merger) appendLog(name string) error {
	f, err := os.OpenFile(m.Layout.MergeLog(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, name); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
