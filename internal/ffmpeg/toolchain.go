// Package ffmpeg wraps the external media toolchain: segment splitting,
// audio extraction, frame extraction, frame-sequence encoding and
// concatenation. The pipeline core owns no container semantics; everything
// here is delegated to ffmpeg/ffprobe subprocesses.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Evoltional/apisr/internal/logger"
)

// EncodeError reports a failed segment encode with the encoder output
// retained for diagnostics.
type EncodeError struct {
	Err     error
	Encoder string
	Stderr  string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode with %s: %v", e.Encoder, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// commandRunner executes one subprocess and returns its captured stderr.
// Swapped out by tests.
type commandRunner func(ctx context.Context, name string, args ...string) (stderr string, err error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// probeRunner captures stdout: ffprobe reports there, where ffmpeg uses
// stderr. Swapped out by tests like commandRunner.
type probeRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execProbeRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Toolchain is the media-toolchain collaborator.
type Toolchain struct {
	ffmpegPath      string
	ffprobePath     string
	encoder         string
	fallbackEncoder string

	run      commandRunner
	runProbe probeRunner
}

func NewToolchain(ffmpegPath, ffprobePath, encoder, fallbackEncoder string) *Toolchain {
	return &Toolchain{
		ffmpegPath:      ffmpegPath,
		ffprobePath:     ffprobePath,
		encoder:         encoder,
		fallbackEncoder: fallbackEncoder,
		run:             execRunner,
		runProbe:        execProbeRunner,
	}
}

// SplitIntoSegments splits a video into keyframe-aligned segments of
// roughly targetSeconds each, via stream copy. Returns segment paths in
// playback order.
func (t *Toolchain) SplitIntoSegments(ctx context.Context, videoPath string, targetSeconds float64, segmentDir string) ([]string, error) {
	if err := os.MkdirAll(segmentDir, 0755); err != nil {
		return nil, err
	}

	pattern := filepath.Join(segmentDir, "segment_%03d.mp4")
	args := []string{
		"-y",
		"-i", videoPath,
		"-c", "copy",
		"-map", "0",
		"-segment_time", fmt.Sprintf("%g", targetSeconds),
		"-f", "segment",
		"-reset_timestamps", "1",
		"-segment_format", "mp4",
		pattern,
	}

	if stderr, err := t.run(ctx, t.ffmpegPath, args...); err != nil {
		return nil, fmt.Errorf("split %s: %w: %s", filepath.Base(videoPath), err, tail(stderr))
	}

	return ListSegments(segmentDir)
}

// ListSegments returns existing segment files in playback order. Used by
// resume paths to reuse a previous run's split.
func ListSegments(segmentDir string) ([]string, error) {
	entries, err := os.ReadDir(segmentDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "segment_") && strings.HasSuffix(name, ".mp4") {
			segments = append(segments, filepath.Join(segmentDir, name))
		}
	}
	sort.Strings(segments)
	return segments, nil
}

// ExtractAudio copies the audio track of a segment to audioPath. A
// segment without audio is not an error; the returned path is empty.
func (t *Toolchain) ExtractAudio(ctx context.Context, segmentPath, audioPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(audioPath), 0755); err != nil {
		return "", err
	}

	args := []string{
		"-y",
		"-i", segmentPath,
		"-vn",
		"-acodec", "copy",
		audioPath,
	}

	if stderr, err := t.run(ctx, t.ffmpegPath, args...); err != nil {
		logger.Debug("No audio extracted", "segment", filepath.Base(segmentPath), "stderr", tail(stderr))
		os.Remove(audioPath)
		return "", nil
	}

	if fi, err := os.Stat(audioPath); err != nil || fi.Size() == 0 {
		os.Remove(audioPath)
		return "", nil
	}
	return audioPath, nil
}

// ExtractFrames decodes a segment into numbered PNG artifacts under dir,
// starting at frame_000000.png.
func (t *Toolchain) ExtractFrames(ctx context.Context, segmentPath, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	args := []string{
		"-y",
		"-i", segmentPath,
		"-start_number", "0",
		filepath.Join(dir, "frame_%06d.png"),
	}

	if stderr, err := t.run(ctx, t.ffmpegPath, args...); err != nil {
		return fmt.Errorf("extract frames from %s: %w: %s", filepath.Base(segmentPath), err, tail(stderr))
	}
	return nil
}

// EncodeFrames encodes a directory of numbered PNG artifacts into a video
// segment, muxing in audio when audioPath is non-empty. The primary
// encoder is tried first; on failure one fallback encoding strategy is
// attempted before giving up with *EncodeError.
//
// The output is committed atomically: it is written to a partial file and
// renamed into place only on success, so a crash or stop never leaves a
// half-written segment that recovery could mistake for a finished one.
func (t *Toolchain) EncodeFrames(ctx context.Context, framesDir string, fps float64, width, height int, audioPath, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return err
	}
	partPath := outPath + ".part.mp4"

	primaryErr := t.encodeOnce(ctx, t.encoder, framesDir, fps, width, height, audioPath, partPath)
	if primaryErr == nil {
		return os.Rename(partPath, outPath)
	}
	if ctx.Err() != nil {
		os.Remove(partPath)
		return primaryErr
	}

	logger.Warn("Encoder failed, trying fallback",
		"failed_encoder", t.encoder,
		"fallback_encoder", t.fallbackEncoder,
		"error", primaryErr.Error())

	os.Remove(partPath)
	if err := t.encodeOnce(ctx, t.fallbackEncoder, framesDir, fps, width, height, audioPath, partPath); err != nil {
		os.Remove(partPath)
		return err
	}
	return os.Rename(partPath, outPath)
}

func (t *Toolchain) encodeOnce(ctx context.Context, encoder, framesDir string, fps float64, width, height int, audioPath, outPath string) error {
	args := buildEncodeArgs(encoder, framesDir, fps, width, height, audioPath, outPath)
	if stderr, err := t.run(ctx, t.ffmpegPath, args...); err != nil {
		return &EncodeError{Err: err, Encoder: encoder, Stderr: tail(stderr)}
	}
	return nil
}

func buildEncodeArgs(encoder, framesDir string, fps float64, width, height int, audioPath, outPath string) []string {
	args := []string{
		"-y",
		"-framerate", fmt.Sprintf("%g", fps),
		"-start_number", "0",
		"-i", filepath.Join(framesDir, "frame_%06d.png"),
	}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	}
	args = append(args,
		"-c:v", encoder,
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", width, height),
	)
	if audioPath != "" {
		args = append(args, "-c:a", "copy", "-shortest")
	}
	return append(args, outPath)
}

// Concat joins finished segments into one video via the concat demuxer
// (stream copy, no re-encode).
func (t *Toolchain) Concat(ctx context.Context, videoPaths []string, outPath string) error {
	if len(videoPaths) == 0 {
		return fmt.Errorf("concat: no input videos")
	}

	listFile, err := os.CreateTemp("", "apisr-concat-*.txt")
	if err != nil {
		return err
	}
	defer os.Remove(listFile.Name())

	for _, p := range videoPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			listFile.Close()
			return err
		}
		fmt.Fprintf(listFile, "file '%s'\n", abs)
	}
	if err := listFile.Close(); err != nil {
		return err
	}

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile.Name(),
		"-c", "copy",
		outPath,
	}

	if stderr, err := t.run(ctx, t.ffmpegPath, args...); err != nil {
		return fmt.Errorf("concat %d segments: %w: %s", len(videoPaths), err, tail(stderr))
	}
	return nil
}

// tail trims engine stderr to its last line for error messages.
func tail(stderr string) string {
	s := strings.TrimSpace(stderr)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 300 {
		s = s[len(s)-300:]
	}
	return s
}
