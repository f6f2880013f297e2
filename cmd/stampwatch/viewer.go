package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"stampcast/internal/client"
	"stampcast/internal/stamps"
	"stampcast/internal/timeline"
	"stampcast/internal/video"
)

type cmdKind int

const (
	cmdNone cmdKind = iota
	cmdStamp
	cmdSeek
	cmdReconnect
	cmdQuit
	cmdInvalid
)

type command struct {
	kind  cmdKind
	time  float64
	text  string
	index int
	err   string
}

// parseCommand interprets one input line. Plain text is a stamp at the
// playhead; a leading non-negative number overrides the time.
func parseCommand(line string, playhead float64) command {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{kind: cmdNone}
	}

	if strings.HasPrefix(line, "/") {
		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit", "/q":
			return command{kind: cmdQuit}
		case "/reconnect":
			return command{kind: cmdReconnect}
		case "/seek":
			if len(fields) != 2 {
				return command{kind: cmdInvalid, err: "usage: /seek <n>"}
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 1 {
				return command{kind: cmdInvalid, err: "comment number must be a positive integer"}
			}
			return command{kind: cmdSeek, index: n}
		default:
			return command{kind: cmdInvalid, err: "unknown command " + fields[0]}
		}
	}

	first, rest, _ := strings.Cut(line, " ")
	if t, err := strconv.ParseFloat(first, 64); err == nil && t >= 0 {
		return command{kind: cmdStamp, time: t, text: strings.TrimSpace(rest)}
	}
	return command{kind: cmdStamp, time: playhead, text: line}
}

// viewer renders the feed and plays the role of the video player.
type viewer struct {
	out   io.Writer
	video video.Video
	width int

	mu       sync.Mutex
	markers  []timeline.Marker
	playhead float64
}

func newViewer(out io.Writer, v video.Video, width int) *viewer {
	return &viewer{out: out, video: v, width: width}
}

func (v *viewer) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

// Seek implements timeline.Player. Offsets past the end clamp to the end,
// matching the marker of such a stamp drawn at 100%.
func (v *viewer) Seek(seconds float64) error {
	if v.video.Duration > 0 && seconds > v.video.Duration {
		seconds = v.video.Duration
	}
	v.mu.Lock()
	v.playhead = seconds
	v.mu.Unlock()
	return nil
}

// Play implements timeline.Player.
func (v *viewer) Play() error {
	v.printf("> playing from %s\n", timeline.FormatTime(v.position()))
	return nil
}

func (v *viewer) position() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playhead
}

func (v *viewer) showState(s client.State) {
	v.printf("[connection %s]\n", s)
}

func (v *viewer) showError(err error) {
	var se *client.ServerError
	if errors.As(err, &se) {
		v.printf("! %s\n", se.Message)
		return
	}
	v.printf("! %v\n", err)
}

// render redraws the feed. list is in cache order: time order for the
// fetched part, arrival order for live additions.
func (v *viewer) render(list []stamps.Stamp) {
	markers := timeline.Markers(list, v.video.Duration)

	var b strings.Builder
	fmt.Fprintf(&b, "\n== %s (%s) ==\n", v.video.Title, timeline.FormatTime(v.video.Duration))
	if len(list) == 0 {
		b.WriteString("  no comments yet\n")
	}
	for i, st := range list {
		fmt.Fprintf(&b, "%3d  %6s  %s: %s\n", i+1, timeline.FormatTime(st.Time), st.Author, st.Text)
	}
	if bar := timeline.RenderBar(markers, v.width); bar != "" && v.video.Duration > 0 {
		b.WriteString(bar)
		b.WriteByte('\n')
	}

	v.mu.Lock()
	v.markers = markers
	fmt.Fprint(v.out, b.String())
	v.mu.Unlock()
}

func (v *viewer) marker(n int) (timeline.Marker, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n < 1 || n > len(v.markers) {
		return timeline.Marker{}, false
	}
	return v.markers[n-1], true
}

func (v *viewer) handle(ctx context.Context, cmd command, ch *client.Channel, cache *client.Cache) {
	switch cmd.kind {
	case cmdInvalid:
		v.printf("! %s\n", cmd.err)
	case cmdReconnect:
		ch.Reconnect()
	case cmdSeek:
		m, ok := v.marker(cmd.index)
		if !ok {
			v.printf("! no comment %d with a known position\n", cmd.index)
			return
		}
		if err := timeline.Select(v, m); err != nil {
			v.printf("! %v\n", err)
		}
	case cmdStamp:
		err := ch.SubmitStamp(ctx, stamps.Submission{
			VideoID: cache.VideoID(),
			Time:    cmd.time,
			Text:    cmd.text,
		})
		if errors.Is(err, client.ErrNotConnected) {
			v.printf("! offline, comment not sent\n")
		} else if err != nil {
			v.printf("! %v\n", err)
		}
	}
}
