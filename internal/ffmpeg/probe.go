package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SegmentInfo is the probed shape of one segment, everything the encode
// side needs to reproduce timing and geometry.
type SegmentInfo struct {
	FPS         float64
	Width       int
	Height      int
	TotalFrames int
	Duration    float64
	HasAudio    bool
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		NbFrames   string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe inspects a media file with ffprobe.
func (t *Toolchain) Probe(ctx context.Context, path string) (*SegmentInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	}

	out, err := t.runProbe(ctx, t.ffprobePath, args...)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("probe %s: parse output: %w", path, err)
	}

	info := &SegmentInfo{}
	if parsed.Format.Duration != "" {
		info.Duration, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	}

	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if info.Width == 0 {
				info.Width = s.Width
				info.Height = s.Height
				info.FPS = parseFrameRate(s.RFrameRate)
				if n, err := strconv.Atoi(s.NbFrames); err == nil {
					info.TotalFrames = n
				}
			}
		case "audio":
			info.HasAudio = true
		}
	}

	if info.Width == 0 || info.Height == 0 {
		return nil, fmt.Errorf("probe %s: no video stream", path)
	}
	if info.FPS <= 0 {
		info.FPS = 30
	}
	if info.TotalFrames == 0 && info.Duration > 0 {
		info.TotalFrames = int(info.Duration*info.FPS + 0.5)
	}
	return info, nil
}

// parseFrameRate converts ffprobe's "num/den" rational to a float.
func parseFrameRate(r string) float64 {
	parts := strings.SplitN(r, "/", 2)
	if len(parts) != 2 {
		f, _ := strconv.ParseFloat(r, 64)
		return f
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
