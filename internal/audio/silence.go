package audio

import (
	"math"
	"time"
)

// SilenceConfig tunes silence detection over 16-bit mono PCM.
type SilenceConfig struct {
	Window      time.Duration
	ThresholdDB float64
	MinSilence  time.Duration
}

func (c SilenceConfig) withDefaults() SilenceConfig {
	if c.Window <= 0 {
		c.Window = 50 * time.Millisecond
	}
	if c.ThresholdDB == 0 {
		c.ThresholdDB = -40
	}
	if c.MinSilence <= 0 {
		c.MinSilence = 300 * time.Millisecond
	}
	return c
}

// FindSilences slides a window (hop of half a window) over samples and
// returns the center of every run of quiet windows at least MinSilence
// long. Offsets are relative to the first sample.
func FindSilences(samples []int16, sampleRate int, cfg SilenceConfig) []time.Duration {
	cfg = cfg.withDefaults()
	if sampleRate <= 0 || len(samples) == 0 {
		return nil
	}

	win := int(cfg.Window.Seconds() * float64(sampleRate))
	if win < 1 {
		win = 1
	}
	hop := max(win/2, 1)

	at := func(i int) time.Duration {
		return time.Duration(float64(i) / float64(sampleRate) * float64(time.Second))
	}

	var out []time.Duration
	runStart := -1
	runEnd := 0
	closeRun := func() {
		if runStart >= 0 && at(runEnd-runStart) >= cfg.MinSilence {
			out = append(out, at((runStart+runEnd)/2))
		}
		runStart = -1
	}

	for start := 0; start+win <= len(samples); start += hop {
		if loudnessDB(samples[start:start+win]) < cfg.ThresholdDB {
			if runStart < 0 {
				runStart = start
			}
			runEnd = start + win
			continue
		}
		closeRun()
	}
	closeRun()
	return out
}

// loudnessDB is the RMS level of samples in dBFS.
func loudnessDB(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}
