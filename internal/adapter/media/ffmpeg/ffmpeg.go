// Package ffmpeg shells out to an ffmpeg binary for the final video
// transcode. The argument list is deterministic so runs are reproducible
// from logs alone.
package ffmpeg

import (
	"bytes"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/influencerai/worker/internal/adapter/observability"
	"github.com/influencerai/worker/internal/config"
	"github.com/influencerai/worker/internal/domain"
)

const (
	longerSide = 1920

	// fallbackFilter caps the height when the aspect ratio cannot be parsed.
	fallbackFilter = "scale=-2:1080:force_original_aspect_ratio=decrease,setsar=1"

	maxStderr = 64 << 10
)

// AspectFilter derives the scale/pad video filter for a W:H aspect ratio.
// The longer dimension is pinned to 1920 and both sides are rounded to even
// integers, which libx264 requires.
func AspectFilter(ratio string) string {
	w, h, ok := parseRatio(ratio)
	if !ok {
		return fallbackFilter
	}
	var outW, outH int
	if w >= h {
		outW = longerSide
		outH = evenDim(float64(longerSide) * h / w)
	} else {
		outH = longerSide
		outW = evenDim(float64(longerSide) * w / h)
	}
	return fmt.Sprintf("scale=%d:-2:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1", outW, outW, outH)
}

func parseRatio(ratio string) (w, h float64, ok bool) {
	parts := strings.Split(strings.TrimSpace(ratio), ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, errW := strconv.ParseFloat(parts[0], 64)
	h, errH := strconv.ParseFloat(parts[1], 64)
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

func evenDim(f float64) int {
	n := int(math.Round(f/2)) * 2
	if n < 2 {
		return 2
	}
	return n
}

// BuildArgs assembles the full ffmpeg argument list for p.
func BuildArgs(p domain.TranscodeParams) []string {
	return []string{
		"-y",
		"-i", p.InputPath,
		"-vf", AspectFilter(p.AspectRatio),
		"-af", p.AudioFilter,
		"-c:v", "libx264",
		"-preset", p.Preset,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-c:a", "aac",
		"-b:a", "192k",
		p.OutputPath,
	}
}

// Runner implements domain.Transcoder over an external ffmpeg binary.
type Runner struct {
	bin string
}

// New builds a runner from worker configuration.
func New(cfg config.Config) Runner {
	return Runner{bin: cfg.FFmpegPath}
}

// Run executes the transcode. Stdout is discarded; stderr is buffered and
// surfaced in the error on failure, logged at info on success.
func (r Runner) Run(ctx domain.Context, p domain.TranscodeParams) error {
	args := BuildArgs(p)
	slog.Info("transcoding video", slog.String("bin", r.bin), slog.String("input", p.InputPath), slog.String("output", p.OutputPath))

	cmd := exec.CommandContext(ctx, r.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	observability.ObserveTranscode(time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("op=ffmpeg.Run input=%s: %w: %s", p.InputPath, err, tail(stderr.Bytes()))
	}
	slog.Info("transcode finished", slog.String("output", p.OutputPath), slog.Duration("took", time.Since(start)))
	return nil
}

func tail(b []byte) string {
	if len(b) > maxStderr {
		b = b[len(b)-maxStderr:]
	}
	return strings.TrimSpace(string(b))
}
