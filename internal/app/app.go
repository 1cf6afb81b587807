package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	stdnet "net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"cohort/server/internal/config"
	"cohort/server/internal/game/sample"
	"cohort/server/internal/hub"
	servernet "cohort/server/internal/net"
	"cohort/server/internal/net/ws"
	"cohort/server/internal/observability"
	"cohort/server/internal/session"
	"cohort/server/internal/telemetry"
	"cohort/server/logging"
	loggingSinks "cohort/server/logging/sinks"
)

const (
	defaultJSONLogPath     = "cohort-events.ndjson"
	defaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	Logger   telemetry.Logger
	Settings config.Config
	// Factory builds the game module for each new session. Defaults to the
	// sample leaderboard.
	Factory session.GameModuleFactory
	// Listener overrides Settings.Addr when set.
	Listener stdnet.Listener
	// Stdout receives console sink output. Defaults to os.Stdout.
	Stdout io.Writer
}

func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}
	settings := cfg.Settings
	if settings.ShutdownTimeout <= 0 {
		settings.ShutdownTimeout = defaultShutdownTimeout
	}

	logConfig, err := settings.LoggingConfig()
	if err != nil {
		return err
	}
	sinks, closeFiles, err := buildSinks(logConfig, cfg.Stdout)
	if err != nil {
		return err
	}
	defer closeFiles()

	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	shutdownTracing, err := observability.Setup(ctx, settings.ObservabilityConfig())
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
		defer cancel()
		if serr := shutdownTracing(flushCtx); serr != nil {
			telemetryLogger.Printf("failed to flush traces: %v", serr)
		}
	}()

	factory := cfg.Factory
	if factory == nil {
		factory = sample.Factory()
	}
	metrics := &logging.Metrics{}
	sessions, err := hub.New(hub.Config{
		Session:   settings.SessionConfig(),
		Factory:   factory,
		Publisher: router,
		Metrics:   telemetry.WrapMetrics(metrics),
		Logger:    telemetryLogger,
	})
	if err != nil {
		return err
	}

	handler, err := servernet.NewHTTPHandler(sessions, servernet.HTTPHandlerConfig{
		Logger: telemetryLogger,
		WebSocket: ws.HandlerConfig{
			MinClientVersion: settings.MinClientVersion,
			HelloSecret:      settings.HelloSecret,
		},
		Metrics: metrics,
		Router:  router,
	})
	if err != nil {
		_ = sessions.Close(ctx)
		return err
	}

	listener := cfg.Listener
	if listener == nil {
		listener, err = stdnet.Listen("tcp", settings.Addr)
		if err != nil {
			_ = sessions.Close(ctx)
			return fmt.Errorf("listen %s: %w", settings.Addr, err)
		}
	}

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	telemetryLogger.Printf("server listening on %s", listener.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := sessions.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		telemetryLogger.Printf("server stopped")
		return errors.Join(errs...)
	})
	return g.Wait()
}

// buildSinks opens every sink enabled in cfg. The returned func closes files
// opened for the json sink after the router has flushed.
func buildSinks(cfg logging.Config, stdout io.Writer) ([]logging.NamedSink, func(), error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	var files []*os.File
	closeFiles := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	var sinks []logging.NamedSink
	for _, name := range cfg.EnabledSinks {
		switch name {
		case logging.SinkConsole:
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewConsoleSink(stdout)})
		case logging.SinkJSON:
			path := cfg.JSON.FilePath
			if path == "" {
				path = defaultJSONLogPath
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				closeFiles()
				return nil, nil, fmt.Errorf("open json log %s: %w", path, err)
			}
			files = append(files, f)
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewJSON(f, cfg.JSON.FlushInterval)})
		case logging.SinkMemory:
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewMemorySink()})
		default:
			closeFiles()
			return nil, nil, fmt.Errorf("unknown log sink %q", name)
		}
	}
	return sinks, closeFiles, nil
}
