package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Limits for the duplicate-detection parameters. Values outside these
// ranges are rejected by Validate before a job starts.
const (
	MinHashThreshold = 0
	MaxHashThreshold = 10
	MinSSIMThreshold = 0.90
	MaxSSIMThreshold = 1.00
	MinHistorySize   = 1
	MaxHistorySize   = 200
)

// ConfigError describes an invalid parameter. It is only ever produced
// by Validate, before any processing begins.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

type Config struct {
	// OutputDir is where final videos and per-video work directories are created
	OutputDir string `yaml:"output_dir"`

	// Model selects the SR network (grl, dat, rrdb, cunet)
	Model string `yaml:"model"`

	// Scale is the upscale factor (2 or 4; grl/dat/cunet support 4 only)
	Scale int `yaml:"scale"`

	// HalfPrecision runs inference in reduced precision (faster, slightly lower quality)
	HalfPrecision bool `yaml:"half_precision"`

	// ModelDir is the directory holding pretrained weights
	ModelDir string `yaml:"model_dir"`

	// UpscalerPath is the external SR inference binary (default: "apisr-ncnn")
	UpscalerPath string `yaml:"upscaler_path"`

	// FFmpegPath is the path to ffmpeg binary (default: "ffmpeg")
	FFmpegPath string `yaml:"ffmpeg_path"`

	// FFprobePath is the path to ffprobe binary (default: "ffprobe")
	FFprobePath string `yaml:"ffprobe_path"`

	// SegmentDuration is the target segment length in seconds (default 20)
	SegmentDuration float64 `yaml:"segment_duration"`

	// DownsampleThreshold downsamples frames whose short side exceeds this
	// before inference; -1 disables (default 720)
	DownsampleThreshold int `yaml:"downsample_threshold"`

	// CropToScale crops frame dimensions to a multiple of the scale factor
	// when the model requires aligned input (default true)
	CropToScale bool `yaml:"crop_to_scale"`

	// DupDetect enables duplicate-frame detection (default true).
	// When false every frame is a cache miss.
	DupDetect bool `yaml:"dup_detect"`

	// UseHash enables the perceptual-hash comparison (default true)
	UseHash bool `yaml:"use_hash"`

	// HashThreshold is the max Hamming distance for a hash match, 0-10 (default 3)
	HashThreshold int `yaml:"hash_threshold"`

	// UseSSIM enables the SSIM comparison (default true). When both hash
	// and SSIM are on, hash is a pre-filter and SSIM is the authority.
	UseSSIM bool `yaml:"use_ssim"`

	// SSIMThreshold is the min similarity score for an SSIM match, 0.90-1.00 (default 0.98)
	SSIMThreshold float64 `yaml:"ssim_threshold"`

	// HistoryEnabled keeps a window of recent frames to match against.
	// When false the window degenerates to the immediately preceding frame.
	HistoryEnabled bool `yaml:"history_enabled"`

	// HistorySize is the cache capacity in frames, 1-200 (default 20)
	HistorySize int `yaml:"history_size"`

	// IncrementalMerge appends each finished segment to a running output
	// video instead of waiting for the whole video (default false)
	IncrementalMerge bool `yaml:"incremental_merge"`

	// Encoder is the primary video encoder for segment output (default "libx264")
	Encoder string `yaml:"encoder"`

	// FallbackEncoder is tried once when the primary encoder fails (default "mpeg4")
	FallbackEncoder string `yaml:"fallback_encoder"`

	// CheckpointFrames writes a checkpoint every N processed frames (default 10)
	CheckpointFrames int `yaml:"checkpoint_frames"`

	// CheckpointSeconds is the wall-clock checkpoint floor in seconds (default 10)
	CheckpointSeconds int `yaml:"checkpoint_seconds"`

	// CleanupFrames runs a collaborator memory-reclamation pass every N frames (default 50)
	CleanupFrames int `yaml:"cleanup_frames"`

	// CacheResetFrames resets the history cache every N frames within a
	// segment to bound peak memory (default 100)
	CacheResetFrames int `yaml:"cache_reset_frames"`

	// LogLevel is the slog level: debug, info, warn, error (default "info")
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a config with the defaults the original tool shipped with.
func DefaultConfig() *Config {
	return &Config{
		Model:               "grl",
		Scale:               4,
		UpscalerPath:        "apisr-ncnn",
		ModelDir:            "pretrained",
		FFmpegPath:          "ffmpeg",
		FFprobePath:         "ffprobe",
		SegmentDuration:     20,
		DownsampleThreshold: 720,
		CropToScale:         true,
		DupDetect:           true,
		UseHash:             true,
		HashThreshold:       3,
		UseSSIM:             true,
		SSIMThreshold:       0.98,
		HistoryEnabled:      true,
		HistorySize:         20,
		Encoder:             "libx264",
		FallbackEncoder:     "mpeg4",
		CheckpointFrames:    10,
		CheckpointSeconds:   10,
		CleanupFrames:       50,
		CacheResetFrames:    100,
		LogLevel:            "info",
	}
}

// Load reads config from a YAML file, applying defaults for missing values.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config to a YAML file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "grl"
	}
	if c.Scale == 0 {
		c.Scale = 4
	}
	if c.UpscalerPath == "" {
		c.UpscalerPath = "apisr-ncnn"
	}
	if c.ModelDir == "" {
		c.ModelDir = "pretrained"
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFprobePath == "" {
		c.FFprobePath = "ffprobe"
	}
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = 20
	}
	if c.DownsampleThreshold == 0 {
		c.DownsampleThreshold = 720
	}
	if c.HistorySize == 0 {
		c.HistorySize = 20
	}
	if c.SSIMThreshold == 0 {
		c.SSIMThreshold = 0.98
	}
	if c.Encoder == "" {
		c.Encoder = "libx264"
	}
	if c.FallbackEncoder == "" {
		c.FallbackEncoder = "mpeg4"
	}
	if c.CheckpointFrames == 0 {
		c.CheckpointFrames = 10
	}
	if c.CheckpointSeconds == 0 {
		c.CheckpointSeconds = 10
	}
	if c.CleanupFrames == 0 {
		c.CleanupFrames = 50
	}
	if c.CacheResetFrames == 0 {
		c.CacheResetFrames = 100
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects out-of-range parameters. It is the only source of
// ConfigError; the pipeline assumes a validated config.
func (c *Config) Validate() error {
	switch c.Model {
	case "grl", "dat", "cunet":
		if c.Scale != 4 {
			return &ConfigError{Field: "scale", Reason: fmt.Sprintf("model %s supports 4x only, got %dx", c.Model, c.Scale)}
		}
	case "rrdb":
		if c.Scale != 2 && c.Scale != 4 {
			return &ConfigError{Field: "scale", Reason: fmt.Sprintf("must be 2 or 4, got %d", c.Scale)}
		}
	default:
		return &ConfigError{Field: "model", Reason: fmt.Sprintf("unknown model %q", c.Model)}
	}

	if c.HashThreshold < MinHashThreshold || c.HashThreshold > MaxHashThreshold {
		return &ConfigError{Field: "hash_threshold", Reason: fmt.Sprintf("must be %d-%d, got %d", MinHashThreshold, MaxHashThreshold, c.HashThreshold)}
	}
	if c.SSIMThreshold < MinSSIMThreshold || c.SSIMThreshold > MaxSSIMThreshold {
		return &ConfigError{Field: "ssim_threshold", Reason: fmt.Sprintf("must be %.2f-%.2f, got %.3f", MinSSIMThreshold, MaxSSIMThreshold, c.SSIMThreshold)}
	}
	if c.HistorySize < MinHistorySize || c.HistorySize > MaxHistorySize {
		return &ConfigError{Field: "history_size", Reason: fmt.Sprintf("must be %d-%d, got %d", MinHistorySize, MaxHistorySize, c.HistorySize)}
	}
	if c.DupDetect && !c.UseHash && !c.UseSSIM {
		return &ConfigError{Field: "dup_detect", Reason: "at least one of use_hash/use_ssim must be enabled"}
	}
	if c.SegmentDuration <= 0 {
		return &ConfigError{Field: "segment_duration", Reason: "must be positive"}
	}
	if c.DownsampleThreshold != -1 && c.DownsampleThreshold < 64 {
		return &ConfigError{Field: "downsample_threshold", Reason: "must be -1 (disabled) or >= 64"}
	}
	return nil
}

// EffectiveHistorySize is the cache capacity actually used: HistorySize
// when the history window is enabled, otherwise 1 (compare only against
// the immediately preceding frame).
func (c *Config) EffectiveHistorySize() int {
	if !c.HistoryEnabled {
		return 1
	}
	return c.HistorySize
}
