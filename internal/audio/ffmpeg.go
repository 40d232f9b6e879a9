package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const defaultSampleRate = 16000

// FFmpeg shells out to ffmpeg and ffprobe.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	SampleRate  int
	Silence     SilenceConfig
}

func (f FFmpeg) ffmpeg() string {
	if strings.TrimSpace(f.FFmpegPath) == "" {
		return "ffmpeg"
	}
	return f.FFmpegPath
}

func (f FFmpeg) ffprobe() string {
	if strings.TrimSpace(f.FFprobePath) == "" {
		return "ffprobe"
	}
	return f.FFprobePath
}

func (f FFmpeg) sampleRate() int {
	if f.SampleRate <= 0 {
		return defaultSampleRate
	}
	return f.SampleRate
}

// Duration returns the container duration of path.
func (f FFmpeg) Duration(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, f.ffprobe(), //nolint:gosec
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return seconds(secs), nil
}

// Silences returns the centers of silent runs between from and to, as
// absolute offsets into path.
func (f FFmpeg) Silences(ctx context.Context, path string, from, to time.Duration) ([]time.Duration, error) {
	if to <= from {
		return nil, nil
	}
	samples, err := f.pcm(ctx, path, from, to-from)
	if err != nil {
		return nil, err
	}
	rel := FindSilences(samples, f.sampleRate(), f.Silence)
	out := make([]time.Duration, len(rel))
	for i, r := range rel {
		out[i] = from + r
	}
	return out, nil
}

// Export copies [start, start+dur) of src into dst without re-encoding.
func (f FFmpeg) Export(ctx context.Context, src, dst string, start, dur time.Duration) error {
	cmd := exec.CommandContext(ctx, f.ffmpeg(), //nolint:gosec
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", fmt.Sprintf("%.3f", start.Seconds()),
		"-t", fmt.Sprintf("%.3f", dur.Seconds()),
		"-i", src,
		"-vn", "-c", "copy",
		dst,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg export segment: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (f FFmpeg) pcm(ctx context.Context, path string, start, dur time.Duration) ([]int16, error) {
	cmd := exec.CommandContext(ctx, f.ffmpeg(), //nolint:gosec
		"-hide_banner", "-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", start.Seconds()),
		"-t", fmt.Sprintf("%.3f", dur.Seconds()),
		"-i", path,
		"-ac", "1",
		"-ar", strconv.Itoa(f.sampleRate()),
		"-f", "s16le",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg pcm extract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return decodePCM(stdout.Bytes()), nil
}

func decodePCM(raw []byte) []int16 {
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return samples
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
