package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/Evoltional/apisr/internal/config"
	"github.com/Evoltional/apisr/internal/ffmpeg"
	"github.com/Evoltional/apisr/internal/jobs"
	"github.com/Evoltional/apisr/internal/logger"
	"github.com/Evoltional/apisr/internal/upscale"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./config/apisr.yaml)")
	outputDir := flag.String("out", "", "Override output directory from config")
	model := flag.String("model", "", "Override SR model (grl, dat, rrdb, cunet)")
	scale := flag.Int("scale", 0, "Override upscale factor (2 or 4)")
	flag.Parse()

	videos := flag.Args()
	if len(videos) == 0 {
		fmt.Fprintln(os.Stderr, "usage: apisr [flags] video.mp4 [video2.mp4 ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfgPath := *configPath
	if cfgPath == "" {
		if envPath := os.Getenv("APISR_CONFIG"); envPath != "" {
			cfgPath = envPath
		} else {
			cfgPath = "config/apisr.yaml"
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Init("info")
		logger.Warn("Could not load config", "path", cfgPath, "error", err)
		cfg = config.DefaultConfig()
	}
	logger.Init(cfg.LogLevel)

	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output"
	}
	if *model != "" {
		cfg.Model = *model
	}
	if *scale != 0 {
		cfg.Scale = *scale
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}

	for _, v := range videos {
		if _, err := os.Stat(v); err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("input not found: %s", v)))
			os.Exit(1)
		}
	}

	fmt.Println(titleStyle.Render("APISR batch upscaler"))
	fmt.Println(dimStyle.Render(fmt.Sprintf("  model %s %dx  |  segments %.0fs  |  history %d  |  output %s",
		cfg.Model, cfg.Scale, cfg.SegmentDuration, cfg.EffectiveHistorySize(), cfg.OutputDir)))
	fmt.Println()

	up := upscale.NewNCNNEngine(cfg.UpscalerPath, cfg.ModelDir, cfg.Model, cfg.Scale, cfg.HalfPrecision)
	defer up.Close()
	tc := ffmpeg.NewToolchain(cfg.FFmpegPath, cfg.FFprobePath, cfg.Encoder, cfg.FallbackEncoder)

	ctrl := jobs.New(cfg, up, tc, videos, cfg.OutputDir)
	events := ctrl.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}

	// First Ctrl+C asks for a clean stop (checkpointed); a second one
	// cancels outright.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println()
		fmt.Println(dimStyle.Render("  stopping at the next frame boundary (Ctrl+C again to abort)..."))
		ctrl.Stop()
		<-sigChan
		cancel()
	}()

	renderProgress(ctrl, events, videos)

	switch ctrl.State() {
	case jobs.Completed:
		fmt.Println(successStyle.Render("All videos finished."))
	case jobs.Stopped:
		fmt.Println(dimStyle.Render("Stopped. Progress is checkpointed; rerun to resume."))
	default:
		fmt.Fprintln(os.Stderr, errorStyle.Render("Batch failed, see log output."))
		os.Exit(1)
	}
}

// renderProgress drains controller events into one progress bar per
// segment until the worker exits.
func renderProgress(ctrl *jobs.Controller, events <-chan jobs.Event, videos []string) {
	var bar *progressbar.ProgressBar
	barVideo, barSegment := -1, -1

	for {
		select {
		case ev := <-events:
			if ev.VideoIndex != barVideo || ev.SegmentIndex != barSegment {
				if bar != nil {
					bar.Finish()
					fmt.Println()
				}
				barVideo, barSegment = ev.VideoIndex, ev.SegmentIndex
				bar = progressbar.NewOptions(ev.TotalFrames,
					progressbar.OptionSetDescription(fmt.Sprintf("%s seg %03d",
						filepath.Base(videos[ev.VideoIndex]), ev.SegmentIndex)),
					progressbar.OptionSetTheme(progressbar.Theme{
						Saucer:        "█",
						SaucerHead:    "█",
						SaucerPadding: "░",
						BarStart:      "▐",
						BarEnd:        "▌",
					}),
					progressbar.OptionShowCount(),
					progressbar.OptionSetWidth(40),
					progressbar.OptionSetRenderBlankState(true),
				)
			}
			bar.Set(ev.FrameIndex)
		case <-ctrl.Done():
			if bar != nil {
				bar.Finish()
				fmt.Println()
			}
			// Drain anything published before the worker exited.
			for {
				select {
				case <-events:
					continue
				default:
				}
				break
			}
			return
		}
	}
}
