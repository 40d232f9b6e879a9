package audio

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMedia struct {
	total     time.Duration
	silences  []time.Duration
	exportErr error

	// skew is added to the length of every exported clip
	skew        time.Duration
	durationErr error

	mu       sync.Mutex
	exported map[string][2]time.Duration
}

func (f *fakeMedia) Duration(_ context.Context, path string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clip, ok := f.exported[path]
	if !ok {
		return f.total, nil
	}
	if f.durationErr != nil {
		return 0, f.durationErr
	}
	return clip[1] + f.skew, nil
}

func (f *fakeMedia) Silences(_ context.Context, _ string, from, to time.Duration) ([]time.Duration, error) {
	var out []time.Duration
	for _, s := range f.silences {
		if s >= from && s <= to {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeMedia) Export(_ context.Context, _, dst string, start, dur time.Duration) error {
	if f.exportErr != nil {
		return f.exportErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exported == nil {
		f.exported = map[string][2]time.Duration{}
	}
	f.exported[dst] = [2]time.Duration{start, dur}
	return os.WriteFile(dst, []byte("x"), 0o644)
}

func TestSegmentCutsAtNearbySilence(t *testing.T) {
	media := &fakeMedia{
		total:    25 * time.Minute,
		silences: []time.Duration{9*time.Minute + 55*time.Second},
	}
	s := NewSegmenter(media, t.TempDir())

	segments, err := s.Segment(context.Background(), "/data/talk.mp3", 10*time.Minute, 20*time.Second)
	require.NoError(t, err)
	require.Len(t, segments, 3)

	assert.Equal(t, 9*time.Minute+55*time.Second, segments[0].Duration)
	assert.Equal(t, 10*time.Minute, segments[1].Duration)
	assert.Equal(t, 5*time.Minute+5*time.Second, segments[2].Duration)

	var sum time.Duration
	for i, seg := range segments {
		assert.Equal(t, i, seg.Index)
		assert.Equal(t, sum, seg.Start)
		assert.FileExists(t, seg.Path)
		sum += seg.Duration
	}
	assert.Equal(t, media.total, sum)

	Cleanup("/data/talk.mp3", segments)
	for _, seg := range segments {
		assert.NoFileExists(t, seg.Path)
	}
}

func TestSegmentUsesMeasuredClipLength(t *testing.T) {
	media := &fakeMedia{total: 25 * time.Minute, skew: 150 * time.Millisecond}
	segments, err := NewSegmenter(media, t.TempDir()).Segment(context.Background(), "/data/talk.mp3", 10*time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, segments, 3)

	assert.Equal(t, 10*time.Minute+150*time.Millisecond, segments[0].Duration)
	assert.Equal(t, 10*time.Minute+150*time.Millisecond, segments[1].Duration)
	assert.Equal(t, 5*time.Minute+150*time.Millisecond, segments[2].Duration)
	assert.Equal(t, 10*time.Minute, segments[1].Start)

	fragments := make([]Fragment, len(segments))
	for i, seg := range segments {
		fragments[i] = Fragment{Text: "1\n00:00:00,000 --> 00:00:01,000\nhi\n", Duration: seg.Duration}
	}
	doc, err := Concatenate(fragments, FormatSRT)
	require.NoError(t, err)
	assert.Contains(t, doc, "00:20:00,300 --> 00:20:01,300")
}

func TestSegmentFallsBackToPlannedLength(t *testing.T) {
	media := &fakeMedia{total: 25 * time.Minute, durationErr: errors.New("ffprobe missing")}
	segments, err := NewSegmenter(media, t.TempDir()).Segment(context.Background(), "/data/talk.mp3", 10*time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, segments, 3)
	assert.Equal(t, 10*time.Minute, segments[0].Duration)
	assert.Equal(t, 5*time.Minute, segments[2].Duration)
}

func TestSegmentShortSourceIsSingleSegment(t *testing.T) {
	media := &fakeMedia{total: 4 * time.Minute}
	segments, err := NewSegmenter(media, t.TempDir()).Segment(context.Background(), "/data/a.wav", 10*time.Minute, 20*time.Second)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "/data/a.wav", segments[0].Path)
	assert.Equal(t, 4*time.Minute, segments[0].Duration)
	assert.Empty(t, media.exported)
}

func TestSegmentExportFailureCleansUp(t *testing.T) {
	media := &fakeMedia{total: 25 * time.Minute, exportErr: errors.New("ffmpeg exploded")}
	dir := t.TempDir()
	_, err := NewSegmenter(media, dir).Segment(context.Background(), "/data/a.mp3", 10*time.Minute, 20*time.Second)
	require.Error(t, err)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestPlanCuts(t *testing.T) {
	ctx := context.Background()
	silenceAt := func(points ...time.Duration) SilenceFunc {
		return func(_ context.Context, from, to time.Duration) ([]time.Duration, error) {
			var out []time.Duration
			for _, p := range points {
				if p >= from && p <= to {
					out = append(out, p)
				}
			}
			return out, nil
		}
	}

	t.Run("prefers silence closest to boundary", func(t *testing.T) {
		cuts, err := PlanCuts(ctx, 15*time.Minute, 10*time.Minute, 20*time.Second,
			silenceAt(9*time.Minute+45*time.Second, 10*time.Minute+5*time.Second))
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{10*time.Minute + 5*time.Second}, cuts)
	})

	t.Run("ignores silence outside radius", func(t *testing.T) {
		cuts, err := PlanCuts(ctx, 15*time.Minute, 10*time.Minute, 20*time.Second, silenceAt(9*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{10 * time.Minute}, cuts)
	})

	t.Run("exact multiple needs no final cut", func(t *testing.T) {
		cuts, err := PlanCuts(ctx, 20*time.Minute, 10*time.Minute, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{10 * time.Minute}, cuts)
	})

	t.Run("never cuts past the end", func(t *testing.T) {
		total := 10*time.Minute + 2*time.Second
		cuts, err := PlanCuts(ctx, total, 10*time.Minute, 20*time.Second, silenceAt(total))
		require.NoError(t, err)
		require.Len(t, cuts, 1)
		assert.Less(t, cuts[0], total)
	})

	t.Run("detector error propagates", func(t *testing.T) {
		_, err := PlanCuts(ctx, time.Hour, 10*time.Minute, 20*time.Second,
			func(context.Context, time.Duration, time.Duration) ([]time.Duration, error) {
				return nil, errors.New("decode failed")
			})
		assert.Error(t, err)
	})

	t.Run("segments cover the source", func(t *testing.T) {
		total := 47*time.Minute + 13*time.Second
		cuts, err := PlanCuts(ctx, total, 10*time.Minute, 20*time.Second,
			silenceAt(9*time.Minute+50*time.Second, 19*time.Minute+59*time.Second, 30*time.Minute+15*time.Second))
		require.NoError(t, err)
		var sum time.Duration
		for _, seg := range Bounds(cuts, total) {
			assert.Positive(t, seg.Duration)
			sum += seg.Duration
		}
		assert.Equal(t, total, sum)
	})
}

func TestFindSilences(t *testing.T) {
	const rate = 1000
	samples := make([]int16, 3*rate)
	for i := range samples {
		samples[i] = 12000
		if i%2 == 0 {
			samples[i] = -12000
		}
	}
	// one second of silence starting at 1s
	for i := rate; i < 2*rate; i++ {
		samples[i] = 0
	}

	got := FindSilences(samples, rate, SilenceConfig{Window: 50 * time.Millisecond, ThresholdDB: -40, MinSilence: 300 * time.Millisecond})
	require.Len(t, got, 1)
	assert.InDelta(t, 1500*time.Millisecond, got[0], float64(50*time.Millisecond))

	assert.Empty(t, FindSilences(samples[:rate], rate, SilenceConfig{}))
	assert.Empty(t, FindSilences(nil, rate, SilenceConfig{}))
}

func TestDecodePCM(t *testing.T) {
	got := decodePCM([]byte{0x01, 0x00, 0xff, 0xff, 0x00})
	assert.Equal(t, []int16{1, -1}, got)
}
