// Package timeline maps stamps onto a video's progress bar. Everything here
// is a pure function of (stamp time, video duration) apart from Select,
// which drives a Player.
package timeline

import (
	"fmt"
	"math"
	"strings"

	"stampcast/internal/stamps"
)

// labelLength bounds the comment excerpt shown in a marker label.
const labelLength = 30

// Marker is one stamp positioned on the timeline.
type Marker struct {
	StampID string
	Time    float64
	Percent float64
	Label   string
}

// Player is the playback surface a marker seeks.
type Player interface {
	Seek(seconds float64) error
	Play() error
}

// Position returns where time falls on a video of the given duration, as a
// percentage clamped to [0, 100]. ok is false when the duration is not yet
// known (<= 0), in which case nothing should be drawn.
func Position(time, duration float64) (float64, bool) {
	if duration <= 0 || math.IsNaN(duration) || math.IsNaN(time) {
		return 0, false
	}
	p := time / duration * 100
	return math.Max(0, math.Min(100, p)), true
}

// Markers positions every stamp in the order given. The result is empty
// when duration is unknown.
func Markers(list []stamps.Stamp, duration float64) []Marker {
	if duration <= 0 {
		return nil
	}
	out := make([]Marker, 0, len(list))
	for _, st := range list {
		p, ok := Position(st.Time, duration)
		if !ok {
			continue
		}
		out = append(out, Marker{
			StampID: st.ID,
			Time:    st.Time,
			Percent: p,
			Label:   FormatTime(st.Time) + ": " + excerpt(st.Text, labelLength),
		})
	}
	return out
}

// Select seeks the player to the marker's stamp and resumes playback.
func Select(p Player, m Marker) error {
	if err := p.Seek(m.Time); err != nil {
		return fmt.Errorf("seek to %s: %w", FormatTime(m.Time), err)
	}
	if err := p.Play(); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	return nil
}

// FormatTime renders seconds as m:ss, or h:mm:ss past the first hour.
// Fractions are truncated; negative input is treated as zero.
func FormatTime(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	total := int(seconds)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// RenderBar draws markers on an ASCII bar of the given width:
//
//	[----*-------**------]
//
// Each marker occupies the cell its percentage falls in. A width below 2
// yields an empty string.
func RenderBar(markers []Marker, width int) string {
	if width < 2 {
		return ""
	}
	cells := []byte(strings.Repeat("-", width))
	for _, m := range markers {
		cells[cellIndex(m.Percent, width)] = '*'
	}
	return "[" + string(cells) + "]"
}

func cellIndex(percent float64, width int) int {
	i := int(percent / 100 * float64(width))
	if i >= width {
		i = width - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
