package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/codyaverett/wasm-container/api"
	"github.com/codyaverett/wasm-container/image"
	"github.com/codyaverett/wasm-container/layerfs"
	"github.com/codyaverett/wasm-container/network"
	"github.com/codyaverett/wasm-container/runtime"
	"github.com/codyaverett/wasm-container/sandbox"
	"github.com/codyaverett/wasm-container/server"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	imageDir := flag.String("image-dir", "", "directory of images to load at startup")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		lg := zerolog.New(os.Stderr)
		lg.Fatal().Err(err).Msg("bad config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *imageDir != "" {
		cfg.ImageDir = *imageDir
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Str("component", "wasm-container").
		Logger()

	shutdownTracer, err := server.InitTracer("wasm-container")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	layers := layerfs.NewStore()
	images := image.NewStore(layers, logger)
	if cfg.ImageDir != "" {
		if err := images.LoadDir(cfg.ImageDir); err != nil {
			logger.Fatal().Err(err).Str("dir", cfg.ImageDir).Msg("loading images")
		}
	}

	var ctrl *runtime.Controller
	netOpts := []network.Option{
		network.WithEventSink(func(e api.Event) {
			if ctrl != nil {
				ctrl.Events().Publish(e)
			}
		}),
	}
	if cfg.HostProxies {
		netOpts = append(netOpts, network.WithHostProxies())
	}
	net := network.NewManager(logger, netOpts...)

	engine, err := sandbox.NewRuntime(ctx, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("starting engine")
	}
	defer engine.Close(context.Background())

	ctrl = runtime.NewController(logger, images, layers, net, engine,
		runtime.WithStopGrace(cfg.StopGrace))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(logger, ctrl, images, net, version).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.Addr).Str("version", version).Msg("starting wasm-container daemon")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("daemon stopped")
}
