// Package ffmpeg wraps the ffmpeg and ffprobe binaries for the video
// stages: probing, frame sampling, and audio extraction.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Runner executes ffmpeg operations. Binaries are resolved once at
// construction: explicit config path, FRAMEMART_FFMPEG_BINARY /
// FRAMEMART_FFPROBE_BINARY env vars, then PATH.
type Runner struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// NewRunner resolves the binaries and returns a Runner. Empty paths
// trigger the env/PATH lookup.
func NewRunner(ffmpegPath, ffprobePath string, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	if ffmpegPath == "" {
		if ffmpegPath, err = findBinary("ffmpeg", "FRAMEMART_FFMPEG_BINARY"); err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
	}
	if ffprobePath == "" {
		if ffprobePath, err = findBinary("ffprobe", "FRAMEMART_FFPROBE_BINARY"); err != nil {
			return nil, fmt.Errorf("ffprobe not found: %w", err)
		}
	}
	return &Runner{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		logger:      logger.With(slog.String("component", "ffmpeg")),
	}, nil
}

func findBinary(name, envVar string) (string, error) {
	if fromEnv := os.Getenv(envVar); fromEnv != "" {
		if _, err := os.Stat(fromEnv); err != nil {
			return "", fmt.Errorf("%s points to %s: %w", envVar, fromEnv, err)
		}
		return fromEnv, nil
	}
	return exec.LookPath(name)
}

// ProbeInfo is the condensed ffprobe result the pipeline needs.
type ProbeInfo struct {
	Duration float64
	FPS      float64
	Width    int
	Height   int
	HasAudio bool
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Probe inspects a video file.
func (r *Runner) Probe(ctx context.Context, videoPath string) (*ProbeInfo, error) {
	out, err := r.run(ctx, r.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		videoPath)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", videoPath, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}

	info := &ProbeInfo{}
	info.Duration, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	for _, stream := range parsed.Streams {
		switch stream.CodecType {
		case "video":
			if info.Width == 0 {
				info.Width = stream.Width
				info.Height = stream.Height
				info.FPS = parseFrameRate(stream.AvgFrameRate)
				if info.FPS == 0 {
					info.FPS = parseFrameRate(stream.RFrameRate)
				}
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if info.Width == 0 {
		return nil, fmt.Errorf("no video stream in %s", videoPath)
	}
	return info, nil
}

// parseFrameRate parses ffprobe's "num/den" rational frame rate.
func parseFrameRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		f, _ := strconv.ParseFloat(rate, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// ExtractFrames samples the video at fps frames per second into outDir
// as sequentially numbered JPEGs. Returns the written paths in order.
func (r *Runner) ExtractFrames(ctx context.Context, videoPath, outDir string, fps int) ([]string, error) {
	if fps < 1 {
		fps = 1
	}
	if err := os.MkdirAll(outDir, 0750); err != nil {
		return nil, fmt.Errorf("creating frame directory: %w", err)
	}

	pattern := filepath.Join(outDir, "frame_%05d.jpg")
	_, err := r.run(ctx, r.ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%d", fps),
		"-q:v", "2",
		"-y",
		pattern)
	if err != nil {
		return nil, fmt.Errorf("extracting frames from %s: %w", videoPath, err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("listing extracted frames: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), "frame_") && strings.HasSuffix(entry.Name(), ".jpg") {
			paths = append(paths, filepath.Join(outDir, entry.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frames extracted from %s", videoPath)
	}
	return paths, nil
}

// ExtractFrameAt grabs a single frame at the given timestamp.
func (r *Runner) ExtractFrameAt(ctx context.Context, videoPath, outPath string, seconds float64) error {
	_, err := r.run(ctx, r.ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-ss", strconv.FormatFloat(seconds, 'f', 3, 64),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		"-y",
		outPath)
	if err != nil {
		return fmt.Errorf("extracting frame at %.3fs from %s: %w", seconds, videoPath, err)
	}
	return nil
}

// ExtractAudio pulls the audio track to a mono 16 kHz WAV suitable for
// transcription. Returns false without error when the video is silent.
func (r *Runner) ExtractAudio(ctx context.Context, videoPath, outPath string) (bool, error) {
	info, err := r.Probe(ctx, videoPath)
	if err != nil {
		return false, err
	}
	if !info.HasAudio {
		return false, nil
	}

	_, err = r.run(ctx, r.ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-y",
		outPath)
	if err != nil {
		return false, fmt.Errorf("extracting audio from %s: %w", videoPath, err)
	}
	return true, nil
}

func (r *Runner) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	r.logger.Debug("running command",
		slog.String("binary", filepath.Base(bin)),
		slog.String("args", strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %s", err, strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, err
	}
	return out, nil
}
