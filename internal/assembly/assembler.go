// Package assembly stitches segment clips and narration into the final
// video by shelling out to ffmpeg.
package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"reelsmith/internal/faults"
)

const (
	audioBitrateKbps = 128
	minVideoBitrate  = 500
)

type Assembler struct {
	ffmpegPath  string
	ffprobePath string
}

type Options struct {
	FFmpegPath  string
	FFprobePath string
}

func New(opts Options) *Assembler {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	return &Assembler{ffmpegPath: opts.FFmpegPath, ffprobePath: opts.FFprobePath}
}

// Concatenate joins clips in order into outputPath using the concat
// demuxer with stream copy, so segment boundaries cost no re-encode.
func (a *Assembler) Concatenate(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return faults.Newf(faults.KindFatal, "no clips to concatenate")
	}

	listPath := outputPath + ".filelist.txt"
	var list strings.Builder
	for _, clip := range clipPaths {
		abs, err := filepath.Abs(clip)
		if err != nil {
			return fmt.Errorf("resolve clip path: %w", err)
		}
		fmt.Fprintf(&list, "file '%s'\n", abs)
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	return a.runFFmpeg(ctx,
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	)
}

// MuxAudio lays the narration track under the video. The video stream is
// copied; -shortest trims whichever stream runs long.
func (a *Assembler) MuxAudio(ctx context.Context, videoPath, audioPath, outputPath string) error {
	return a.runFFmpeg(ctx,
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", audioBitrateKbps),
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-shortest",
		"-y",
		outputPath,
	)
}

// Compress re-encodes the video to fit under maxSizeMB, deriving the
// video bitrate from the measured duration.
func (a *Assembler) Compress(ctx context.Context, inputPath, outputPath string, maxSizeMB int) error {
	duration, err := a.VideoDuration(ctx, inputPath)
	if err != nil {
		return err
	}
	if duration <= 0 {
		return faults.Newf(faults.KindFatal, "invalid video duration: %v", duration)
	}

	// (size_mb * 8192 kbit/MB) / seconds, minus the audio share.
	bitrate := int(float64(maxSizeMB)*8192/duration) - audioBitrateKbps
	if bitrate < minVideoBitrate {
		bitrate = minVideoBitrate
	}
	slog.Info("Compressing video", "input", inputPath, "bitrate_kbps", bitrate, "duration", duration)

	return a.runFFmpeg(ctx,
		"-i", inputPath,
		"-c:v", "libx264",
		"-b:v", fmt.Sprintf("%dk", bitrate),
		"-preset", "fast",
		"-crf", "28",
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", audioBitrateKbps),
		"-movflags", "+faststart",
		"-y",
		outputPath,
	)
}

// VideoDuration probes the container duration in seconds.
func (a *Assembler) VideoDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, a.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(output)), err)
	}
	return duration, nil
}

func (a *Assembler) FileSizeMB(path string) (float64, error) {
	return FileSizeMB(path)
}

// FileSizeMB reports a file's size in megabytes.
func FileSizeMB(path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return float64(info.Size()) / (1024 * 1024), nil
}

func (a *Assembler) runFFmpeg(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, a.ffmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg %s: %w: %s", args[0], err, tail(output))
	}
	return nil
}

// tail keeps error output readable; ffmpeg front-loads banner noise.
func tail(output []byte) string {
	const max = 512
	s := strings.TrimSpace(string(output))
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
