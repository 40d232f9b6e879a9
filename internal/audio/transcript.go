package audio

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	FormatJSON        = "json"
	FormatVerboseJSON = "verbose_json"
	FormatText        = "text"
	FormatSRT         = "srt"
	FormatVTT         = "vtt"
)

// Fragment is the transcript of one segment together with that segment's
// duration.
type Fragment struct {
	Text     string
	Duration time.Duration
}

var cueTiming = regexp.MustCompile(`^(\s*)((?:\d+:)?\d{1,2}:\d{2}[.,]\d{3})(\s*-->\s*)((?:\d+:)?\d{1,2}:\d{2}[.,]\d{3})(.*)$`)

// Extension returns the file extension for a response format.
func Extension(format string) string {
	switch format {
	case FormatJSON, FormatVerboseJSON:
		return ".json"
	case FormatSRT:
		return ".srt"
	case FormatVTT:
		return ".vtt"
	}
	return ".txt"
}

// Concatenate joins fragments, in the order given, into a single document.
// Subtitle timestamps in fragment i are shifted by the summed durations of
// fragments 0..i-1.
func Concatenate(fragments []Fragment, format string) (string, error) {
	switch format {
	case FormatJSON, FormatVerboseJSON:
		return concatJSON(fragments)
	case FormatSRT:
		return concatSubtitles(fragments, ',', false)
	case FormatVTT:
		return concatSubtitles(fragments, '.', true)
	case FormatText, "":
		parts := make([]string, len(fragments))
		for i, f := range fragments {
			parts[i] = strings.TrimSpace(f.Text)
		}
		return strings.Join(parts, "\n"), nil
	}
	return "", fmt.Errorf("unsupported response format %q", format)
}

func concatJSON(fragments []Fragment) (string, error) {
	items := make([]json.RawMessage, len(fragments))
	for i, f := range fragments {
		text := strings.TrimSpace(f.Text)
		if json.Valid([]byte(text)) {
			items[i] = json.RawMessage(text)
			continue
		}
		b, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			return "", fmt.Errorf("encode fragment %d: %w", i, err)
		}
		items[i] = b
	}
	out, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	return string(out), nil
}

func concatSubtitles(fragments []Fragment, sep byte, vtt bool) (string, error) {
	var parts []string
	var offset time.Duration
	for i, f := range fragments {
		text := strings.ReplaceAll(f.Text, "\r\n", "\n")
		if vtt && i > 0 {
			text = stripVTTHeader(text)
		}
		shifted, err := shiftTimestamps(text, offset, sep)
		if err != nil {
			return "", fmt.Errorf("fragment %d: %w", i, err)
		}
		if shifted = strings.Trim(shifted, "\n"); shifted != "" {
			parts = append(parts, shifted)
		}
		offset += f.Duration
	}
	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, "\n\n") + "\n", nil
}

func shiftTimestamps(text string, offset time.Duration, sep byte) (string, error) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		m := cueTiming.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		start, err := ParseTimestamp(m[2])
		if err != nil {
			return "", err
		}
		end, err := ParseTimestamp(m[4])
		if err != nil {
			return "", err
		}
		lines[i] = m[1] + FormatTimestamp(start+offset, sep) + m[3] + FormatTimestamp(end+offset, sep) + m[5]
	}
	return strings.Join(lines, "\n"), nil
}

// stripVTTHeader drops the WEBVTT header block so only the first fragment
// carries one.
func stripVTTHeader(text string) string {
	trimmed := strings.TrimLeft(text, "\ufeff\n")
	if !strings.HasPrefix(trimmed, "WEBVTT") {
		return text
	}
	if i := strings.Index(trimmed, "\n\n"); i >= 0 {
		return trimmed[i+2:]
	}
	return ""
}

// ParseTimestamp reads HH:MM:SS,mmm, HH:MM:SS.mmm or MM:SS.mmm.
func ParseTimestamp(value string) (time.Duration, error) {
	value = strings.ReplaceAll(strings.TrimSpace(value), ",", ".")
	main, frac, ok := strings.Cut(value, ".")
	if !ok || len(frac) != 3 {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	parts := strings.Split(main, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	if len(parts) == 2 {
		parts = append([]string{"0"}, parts...)
	}

	var nums [4]int
	for i, p := range append(parts, frac) {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid timestamp %q", value)
		}
		nums[i] = n
	}
	return time.Duration(nums[0])*time.Hour +
		time.Duration(nums[1])*time.Minute +
		time.Duration(nums[2])*time.Second +
		time.Duration(nums[3])*time.Millisecond, nil
}

// FormatTimestamp writes HH:MM:SS<sep>mmm.
func FormatTimestamp(d time.Duration, sep byte) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	m := (ms / 60_000) % 60
	s := (ms / 1000) % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}
