package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	ctrstream "github.com/devgianlu/go-ctrstream"
	"github.com/devgianlu/go-ctrstream/player"
	"github.com/devgianlu/go-ctrstream/zeroconf"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
)

type App struct {
	cfg *Config
	log LogrusAdapter

	ctrl   *player.Controller
	server *ApiServer
}

func NewApp(cfg *Config, logger LogrusAdapter) (app *App, err error) {
	app = &App{cfg: cfg, log: logger}

	opts, err := cfg.playerOptions(logger)
	if err != nil {
		return nil, fmt.Errorf("invalid stream configuration: %w", err)
	}

	app.ctrl, err = player.NewController(opts)
	if err != nil {
		return nil, fmt.Errorf("failed creating controller: %w", err)
	}

	return app, nil
}

func (app *App) handleApiRequest(req ApiRequest) (any, error) {
	switch req.Type {
	case ApiRequestTypeStatus:
		info, err := app.ctrl.Info()
		if err != nil {
			return nil, err
		}

		return &ApiResponseStatus{
			State:           app.ctrl.State().String(),
			SessionId:       info.SessionId,
			Loaded:          info.Loaded,
			Url:             ctrstream.ObfuscateUrl(info.Url),
			Encrypted:       info.Encrypted,
			Position:        info.Position,
			PositionSeconds: info.PositionSeconds,
			Length:          info.Length,
			Bitrate:         info.Bitrate,
			DurationMs:      info.Duration.Milliseconds(),
			CustomDuration:  info.CustomDuration,
		}, nil
	case ApiRequestTypeLoad:
		data := req.Data.(ApiRequestDataLoad)
		if err := app.ctrl.Load(req.Context(), player.LoadRequest{
			Url:            data.Url,
			KeyHex:         data.Key,
			CounterBaseHex: data.CounterBase,
			Offset:         data.Offset,
			Bitrate:        data.Bitrate,
			Duration:       time.Duration(data.DurationMs) * time.Millisecond,
		}); err != nil {
			return nil, err
		}

		return nil, nil
	case ApiRequestTypeSeek:
		data := req.Data.(ApiRequestDataSeek)
		if data.Seconds != nil {
			return nil, app.ctrl.SeekSeconds(req.Context(), *data.Seconds)
		}

		return nil, app.ctrl.SeekBytes(req.Context(), *data.Position)
	case ApiRequestTypeStop:
		return nil, app.ctrl.Stop()
	case ApiRequestTypeData:
		data := req.Data.(ApiRequestDataData)
		if data.Seek != nil {
			if err := app.ctrl.SeekBytes(req.Context(), *data.Seek); err != nil {
				return nil, err
			}
		}

		info, err := app.ctrl.Info()
		if err != nil {
			return nil, err
		} else if !info.Loaded {
			return nil, ErrNoStream
		}

		return controllerReader{app.ctrl}, nil
	default:
		return nil, fmt.Errorf("unknown request type: %s", req.Type)
	}
}

func (app *App) handlePlayerEvent(ev *player.Event) {
	switch ev.Type {
	case player.EventTypeProgress:
		app.server.Emit(&ApiEvent{
			Type: ApiEventTypeProgress,
			Data: ApiEventDataProgress{
				SessionId: ev.SessionId,
				ChunkSize: ev.Progress.ChunkSize,
				Position:  ev.Progress.Position,
				Encrypted: ev.Progress.Encrypted,
			},
		})
	case player.EventTypeFinishedLoading:
		app.server.Emit(&ApiEvent{
			Type: ApiEventTypeFinishedLoading,
			Data: ApiEventDataFinishedLoading{
				SessionId:  ev.SessionId,
				Success:    ev.Loading.Success,
				Url:        ctrstream.ObfuscateUrl(ev.Loading.Url),
				Encrypted:  ev.Loading.Encrypted,
				Bitrate:    ev.Loading.Bitrate,
				DurationMs: ev.Loading.Duration.Milliseconds(),
			},
		})
	case player.EventTypeSetupError:
		app.server.Emit(&ApiEvent{
			Type: ApiEventTypeSetupError,
			Data: ApiEventDataError{SessionId: ev.SessionId, Error: ev.Error.Error()},
		})
	case player.EventTypeFinishedPlaying:
		app.server.Emit(&ApiEvent{
			Type: ApiEventTypeFinishedPlaying,
			Data: ApiEventDataFinishedPlaying{SessionId: ev.SessionId},
		})
	case player.EventTypeStreamError:
		app.server.Emit(&ApiEvent{
			Type: ApiEventTypeStreamError,
			Data: ApiEventDataError{SessionId: ev.SessionId, Error: ev.Error.Error()},
		})
	}
}

// Run serves API requests until ctx is done.
func (app *App) Run(ctx context.Context) error {
	defer func() { _ = app.ctrl.Release() }()

	events := app.ctrl.Receive()
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-app.server.Receive():
			go func() {
				data, err := app.handleApiRequest(req)
				req.Reply(data, err)
			}()
		case ev, ok := <-events:
			if !ok {
				return ctrstream.ErrReleased
			}

			app.handlePlayerEvent(&ev)
		}
	}
}

// controllerReader exposes the current stream as an io.Reader.
type controllerReader struct {
	ctrl *player.Controller
}

func (r controllerReader) Read(p []byte) (int, error) {
	return r.ctrl.Read(p)
}

var _ io.Reader = controllerReader{}

func advertiseApiServer(cfg *Config, logger LogrusAdapter, server *ApiServer) (zeroconf.ServiceRegistrar, error) {
	backend, err := zeroconf.ParseBackend(cfg.Server.ZeroconfBackend)
	if err != nil {
		return nil, err
	} else if backend == zeroconf.BackendNone {
		return nil, nil
	}

	port := server.Addr().(*net.TCPAddr).Port
	return zeroconf.Advertise(logger.WithField("module", "zeroconf"), backend, zeroconf.Advertisement{
		Name: cfg.Server.ZeroconfName,
		Port: port,
		TLS:  len(cfg.Server.CertFile) > 0 && len(cfg.Server.KeyFile) > 0,
	})
}

func lockConfigDir(dir string) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(dir, "lockfile"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed acquiring lock: %w", err)
	} else if !locked {
		return nil, errors.New("another instance is already running with the same configuration directory")
	}

	return lock, nil
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("failed loading configuration")
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("failed configuring logger")
	}

	log.Infof("running %s (%s)", ctrstream.VersionString(), ctrstream.SystemInfoString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// fetch mode does not need the lock, it never touches shared state
	if len(cfg.Fetch.Url) > 0 {
		if err := runFetch(ctx, cfg, logger); err != nil {
			log.WithError(err).Fatal("failed fetching stream")
		}

		return
	}

	lock, err := lockConfigDir(cfg.ConfigDir)
	if err != nil {
		log.WithError(err).Fatal("failed locking configuration directory")
	}
	defer func() { _ = lock.Unlock() }()

	app, err := NewApp(cfg, logger)
	if err != nil {
		log.WithError(err).Fatal("failed creating app")
	}

	// create api server if needed
	if cfg.Server.Enabled {
		app.server, err = NewApiServer(cfg.Server.Address, cfg.Server.Port, cfg.Server.AllowOrigin, cfg.Server.CertFile, cfg.Server.KeyFile)
		if err != nil {
			log.WithError(err).Fatal("failed creating api server")
		}
	} else {
		app.server, _ = NewStubApiServer()
	}

	defer app.server.Close()

	if cfg.Server.Enabled {
		reg, err := advertiseApiServer(cfg, logger, app.server)
		if err != nil {
			log.WithError(err).Fatal("failed advertising api server")
		} else if reg != nil {
			defer reg.Shutdown()
		}
	}

	if err := app.Run(ctx); err != nil {
		log.WithError(err).Error("app exited")
	}
}
