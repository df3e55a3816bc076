package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/devgianlu/go-ctrstream/player"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
)

func newFetchProgressBar(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// runFetch downloads and decrypts a single resource to the configured output.
func runFetch(ctx context.Context, cfg *Config, logger LogrusAdapter) error {
	opts, err := cfg.playerOptions(logger)
	if err != nil {
		return fmt.Errorf("invalid stream configuration: %w", err)
	}

	ctrl, err := player.NewController(opts)
	if err != nil {
		return fmt.Errorf("failed creating controller: %w", err)
	}

	var out io.Writer = os.Stdout
	if cfg.Fetch.Output != "-" {
		f, err := os.Create(cfg.Fetch.Output)
		if err != nil {
			_ = ctrl.Release()
			return fmt.Errorf("failed creating output file: %w", err)
		}

		defer func() { _ = f.Close() }()
		out = f
	}

	if err := ctrl.Load(ctx, player.LoadRequest{
		Url:            cfg.Fetch.Url,
		KeyHex:         cfg.Fetch.Key,
		CounterBaseHex: cfg.Fetch.CounterBase,
		Offset:         cfg.Fetch.Offset,
	}); err != nil {
		_ = ctrl.Release()
		return err
	}

	info, err := ctrl.Info()
	if err != nil {
		_ = ctrl.Release()
		return err
	}

	bar := newFetchProgressBar(info.Length, "Fetching")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		for ev := range ctrl.Receive() {
			switch ev.Type {
			case player.EventTypeProgress:
				_ = bar.Set64(ev.Progress.Position - cfg.Fetch.Offset)
			case player.EventTypeFinishedPlaying:
				_ = bar.Finish()
			case player.EventTypeStreamError:
				log.WithError(ev.Error).Debugf("stream failed during fetch")
			}
		}
	}()

	written, err := copyStream(ctx, out, ctrl)

	_ = ctrl.Release()
	wg.Wait()

	if err != nil {
		return fmt.Errorf("fetch interrupted after %d bytes: %w", written, err)
	}

	log.Infof("fetched %d bytes (encrypted: %t)", written, info.Encrypted)
	return nil
}

// copyStream copies the current stream of ctrl to w until the end of the
// stream. Cancelling ctx stops the stream, even in the middle of a read.
func copyStream(ctx context.Context, w io.Writer, ctrl *player.Controller) (int64, error) {
	stop := context.AfterFunc(ctx, func() { _ = ctrl.Stop() })
	defer stop()

	buf := make([]byte, 32*1024)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, err := ctrl.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, werr
			}

			written += int64(n)
		}

		if errors.Is(err, io.EOF) {
			return written, nil
		} else if ctx.Err() != nil {
			return written, ctx.Err()
		} else if err != nil {
			return written, err
		}
	}
}
