// stampwatch is a terminal viewer for a stamp server. It opens one video,
// prints its comment feed and a marker bar, follows new stamps live, and
// posts lines typed on stdin as stamps.
//
// Input lines:
//
//	42.5 great shot      stamp at 0:42
//	great shot           stamp at the current playhead
//	/seek 3              jump to the third comment in the feed and play
//	/reconnect           retry after the connection gave up
//	/quit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stampcast/internal/client"
	"stampcast/internal/platform/logger"
	"stampcast/internal/stamps"
	"stampcast/internal/video"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		server   string
		token    string
		videoID  string
		width    int
		noResync bool
		logLevel string
	)

	flagSet := pflag.NewFlagSet("stampwatch", pflag.ContinueOnError)
	flagSet.StringVar(&server, "server", "http://localhost:3000", "stamp server base URL")
	flagSet.StringVar(&token, "token", os.Getenv("STAMPWATCH_TOKEN"), "bearer token; empty watches read-only")
	flagSet.StringVar(&videoID, "video", stamps.DefaultVideoID, "video to open")
	flagSet.IntVar(&width, "width", 60, "marker bar width in columns")
	flagSet.BoolVar(&noResync, "no-resync", false, "do not re-fetch stamps after a reconnect")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level for diagnostics on stderr")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	log := logger.NewWithWriter(os.Stderr, logLevel, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := client.NewAPI(server, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return err
	}

	v, err := api.GetVideo(ctx, videoID)
	switch {
	case errors.Is(err, video.ErrNotFound):
		log.Warn("video not in catalog, markers disabled", "video_id", videoID)
		v = video.Video{ID: videoID, Title: videoID}
	case err != nil:
		return fmt.Errorf("load video: %w", err)
	}

	pool := client.NewPool(client.ChannelConfig{
		URL:    api.SocketURL(),
		Token:  token,
		Logger: log,
	})
	defer pool.Close()

	ch, release, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer release()

	vw := newViewer(os.Stdout, v, width)
	ch.OnState(vw.showState)
	ch.OnError(vw.showError)

	cache := client.NewCache(api, ch, client.CacheOptions{
		NoResync: noResync,
		OnChange: vw.render,
		Logger:   log,
	})
	if err := cache.Open(ctx, v.ID); err != nil {
		vw.printf("! could not load stamps: %v\n", err)
	}
	defer cache.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd := parseCommand(line, vw.position())
			if cmd.kind == cmdQuit {
				return nil
			}
			vw.handle(ctx, cmd, ch, cache)
		}
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `stampwatch: follow and post timestamped comments on a video.

Usage:
  stampwatch [flags]

Type "<seconds> <text>" to comment at a time, plain text to comment at
the playhead, "/seek <n>" to jump to comment n, "/reconnect", or "/quit".

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
