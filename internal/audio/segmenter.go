// Package audio splits long recordings at quiet points and stitches the
// per-segment transcripts back into one document.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// minSegment keeps a cut from producing a sliver at the end of the source.
const minSegment = time.Second

// Media is the decoding backend the segmenter needs.
type Media interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
	Silences(ctx context.Context, path string, from, to time.Duration) ([]time.Duration, error)
	Export(ctx context.Context, src, dst string, start, dur time.Duration) error
}

// Segment is one exported sub-clip. Index order is playback order.
type Segment struct {
	Index int
	Path  string
	// Start is the planned offset of the clip in the source.
	Start time.Duration
	// Duration is the measured length of the exported clip.
	Duration time.Duration
}

type Segmenter struct {
	media   Media
	tempDir string
	workers int
}

func NewSegmenter(media Media, tempDir string) *Segmenter {
	return &Segmenter{media: media, tempDir: tempDir, workers: 4}
}

// Segment cuts path into sub-clips of about target length. Each cut lands on
// the silence closest to its target boundary within radius, or exactly on
// the boundary when none is found. A source no longer than target comes back
// as a single segment pointing at the original file.
func (s *Segmenter) Segment(ctx context.Context, path string, target, radius time.Duration) ([]Segment, error) {
	total, err := s.media.Duration(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", filepath.Base(path), err)
	}

	cuts, err := PlanCuts(ctx, total, target, radius, func(ctx context.Context, from, to time.Duration) ([]time.Duration, error) {
		return s.media.Silences(ctx, path, from, to)
	})
	if err != nil {
		return nil, err
	}

	segments := Bounds(cuts, total)
	if len(segments) == 1 {
		segments[0].Path = path
		return segments, nil
	}

	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	for i := range segments {
		segments[i].Path = filepath.Join(s.tempDir, fmt.Sprintf("%s_part%03d%s", base, i, ext))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, seg := range segments {
		g.Go(func() error {
			if err := s.media.Export(gctx, path, seg.Path, seg.Start, seg.Duration); err != nil {
				return err
			}
			segments[i].Duration = s.clipDuration(gctx, seg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		Cleanup(path, segments)
		return nil, err
	}

	slog.Info("audio segmented", "source", filepath.Base(path), "segments", len(segments), "duration", total)
	return segments, nil
}

// clipDuration returns the decoded length of an exported clip. Stream-copied
// cuts snap to packet boundaries, so it can differ from the planned length.
func (s *Segmenter) clipDuration(ctx context.Context, seg Segment) time.Duration {
	d, err := s.media.Duration(ctx, seg.Path)
	if err != nil || d <= 0 {
		slog.Warn("failed to measure audio segment, using planned length", "path", seg.Path, "error", err)
		return seg.Duration
	}
	return d
}

// Cleanup removes exported segment files, leaving the source alone.
func Cleanup(source string, segments []Segment) {
	for _, seg := range segments {
		if seg.Path == "" || seg.Path == source {
			continue
		}
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove audio segment", "path", seg.Path, "error", err)
		}
	}
}

// SilenceFunc reports silences between from and to as absolute offsets.
type SilenceFunc func(ctx context.Context, from, to time.Duration) ([]time.Duration, error)

// PlanCuts walks total in target-sized steps and returns the cut points.
// Cuts are strictly increasing and always inside (0, total).
func PlanCuts(ctx context.Context, total, target, radius time.Duration, silences SilenceFunc) ([]time.Duration, error) {
	if target <= 0 || total <= target {
		return nil, nil
	}
	if radius < 0 {
		radius = 0
	}

	var cuts []time.Duration
	start := time.Duration(0)
	for total-start > target {
		boundary := start + target
		lo := max(boundary-radius, start+minSegment)
		hi := min(boundary+radius, total-minSegment)

		cut := boundary
		if lo < hi && silences != nil {
			found, err := silences(ctx, lo, hi)
			if err != nil {
				return nil, fmt.Errorf("detect silence near %s: %w", boundary, err)
			}
			if best, ok := nearest(found, boundary, lo, hi); ok {
				cut = best
			}
		}
		if cut <= start || cut >= total {
			break
		}
		cuts = append(cuts, cut)
		start = cut
	}
	return cuts, nil
}

// Bounds turns cut points into contiguous segments covering [0, total).
func Bounds(cuts []time.Duration, total time.Duration) []Segment {
	segments := make([]Segment, 0, len(cuts)+1)
	start := time.Duration(0)
	for _, c := range cuts {
		segments = append(segments, Segment{Index: len(segments), Start: start, Duration: c - start})
		start = c
	}
	return append(segments, Segment{Index: len(segments), Start: start, Duration: total - start})
}

func nearest(candidates []time.Duration, boundary, lo, hi time.Duration) (time.Duration, bool) {
	var best time.Duration
	bestDist := time.Duration(-1)
	for _, c := range candidates {
		if c < lo || c > hi {
			continue
		}
		d := c - boundary
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist >= 0
}
