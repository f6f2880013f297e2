package timeline

import (
	"errors"
	"testing"

	"stampcast/internal/stamps"
)

func TestPosition(t *testing.T) {
	cases := []struct {
		name     string
		time     float64
		duration float64
		want     float64
		ok       bool
	}{
		{"quarter", 30, 120, 25, true},
		{"past_end_clamped", 150, 120, 100, true},
		{"start", 0, 120, 0, true},
		{"negative_clamped", -5, 120, 0, true},
		{"unknown_duration", 30, 0, 0, false},
		{"negative_duration", 30, -1, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Position(tc.time, tc.duration)
			if ok != tc.ok || got != tc.want {
				t.Errorf("Position(%v, %v) = %v, %v; want %v, %v", tc.time, tc.duration, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestMarkers(t *testing.T) {
	list := []stamps.Stamp{
		{ID: "a", Time: 30, Text: "a short one"},
		{ID: "b", Time: 150, Text: "this comment is definitely longer than thirty runes"},
	}

	t.Run("unknown_duration", func(t *testing.T) {
		if got := Markers(list, 0); len(got) != 0 {
			t.Errorf("expected no markers, got %v", got)
		}
	})

	t.Run("positions_and_labels", func(t *testing.T) {
		got := Markers(list, 120)
		if len(got) != 2 {
			t.Fatalf("expected 2 markers, got %d", len(got))
		}
		if got[0].StampID != "a" || got[0].Percent != 25 || got[0].Label != "0:30: a short one" {
			t.Errorf("unexpected first marker %+v", got[0])
		}
		if got[1].Percent != 100 {
			t.Errorf("expected clamp to 100, got %v", got[1].Percent)
		}
		if got[1].Label != "2:30: this comment is definitely lon" {
			t.Errorf("unexpected label %q", got[1].Label)
		}
	})
}

type fakePlayer struct {
	calls   []string
	seekErr error
	at      float64
}

func (p *fakePlayer) Seek(s float64) error {
	p.calls = append(p.calls, "seek")
	p.at = s
	return p.seekErr
}

func (p *fakePlayer) Play() error {
	p.calls = append(p.calls, "play")
	return nil
}

func TestSelect(t *testing.T) {
	p := &fakePlayer{}
	if err := Select(p, Marker{Time: 42.5}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if p.at != 42.5 || len(p.calls) != 2 || p.calls[0] != "seek" || p.calls[1] != "play" {
		t.Errorf("expected seek then play at 42.5, got %v at %v", p.calls, p.at)
	}

	boom := errors.New("no media")
	p = &fakePlayer{seekErr: boom}
	if err := Select(p, Marker{Time: 1}); !errors.Is(err, boom) {
		t.Errorf("expected seek error, got %v", err)
	}
	if len(p.calls) != 1 {
		t.Errorf("play must not run after a failed seek: %v", p.calls)
	}
}

func TestFormatTime(t *testing.T) {
	cases := map[float64]string{
		0:      "0:00",
		5.9:    "0:05",
		65:     "1:05",
		599:    "9:59",
		3600:   "1:00:00",
		3725.4: "1:02:05",
		-3:     "0:00",
	}
	for in, want := range cases {
		if got := FormatTime(in); got != want {
			t.Errorf("FormatTime(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestRenderBar(t *testing.T) {
	markers := []Marker{{Percent: 0}, {Percent: 50}, {Percent: 100}}
	if got := RenderBar(markers, 10); got != "[*----*---*]" {
		t.Errorf("unexpected bar %q", got)
	}
	if got := RenderBar(nil, 4); got != "[----]" {
		t.Errorf("unexpected empty bar %q", got)
	}
	if got := RenderBar(markers, 1); got != "" {
		t.Errorf("expected empty string for tiny width, got %q", got)
	}
}
