package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mikeyg42/starfocus/internal/api"
	"github.com/mikeyg42/starfocus/internal/camera"
	"github.com/mikeyg42/starfocus/internal/config"
	"github.com/mikeyg42/starfocus/internal/focus"
	"github.com/mikeyg42/starfocus/internal/history"
	"github.com/mikeyg42/starfocus/internal/pipeline"
	"github.com/mikeyg42/starfocus/internal/settings"
	"github.com/mikeyg42/starfocus/internal/stream"
)

const shutdownTimeout = 5 * time.Second

// Application holds all long-lived components
type Application struct {
	config *config.Config
	store  *settings.Store
	hist   *history.Ring
	cast   *stream.Broadcaster
	hub    *api.Hub
	loop   *pipeline.Loop
	server *api.Server
	logger *zap.Logger
}

func main() {
	// A .env next to the binary can carry STARFOCUS_* variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "starfocus: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "starfocus: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	app, err := NewApplication(cfg)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}

	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func NewApplication(cfg *config.Config) (*Application, error) {
	format, err := camera.ParseFormat(cfg.Camera.Format)
	if err != nil {
		return nil, err
	}
	method, err := focus.ParseMethod(cfg.Focus.Method)
	if err != nil {
		return nil, err
	}

	var cam camera.Camera
	switch cfg.Camera.Source {
	case "sim":
		cam = camera.NewSim(cfg.Camera.Width, cfg.Camera.Height)
	default:
		cam = camera.NewUVC(cfg.Camera.Device, format, cfg.Camera.Width, cfg.Camera.Height)
	}

	store := settings.NewStore()
	hist := history.NewRing(cfg.Focus.History)
	cast := stream.NewBroadcaster()

	loop := pipeline.New(cam, store, hist, cast, pipeline.Options{
		Method:      method,
		JPEGQuality: cfg.Stream.JPEGQuality,
	})
	hub := api.NewHub(loop)
	loop.SetSampleSink(hub)

	server := api.NewServer(cfg.ListenAddr, store, hist, cast, loop, method, hub)

	return &Application{
		config: cfg,
		store:  store,
		hist:   hist,
		cast:   cast,
		hub:    hub,
		loop:   loop,
		server: server,
		logger: zap.L().Named("app"),
	}, nil
}

// Run starts every component and blocks until shutdown. A dead camera does
// not bring the process down: the API stays up so operators see the error
// frame and the terminated status instead of a connection refused.
func (app *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go app.hub.Run(ctx)
	app.server.StartInBackground()

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.loop.Run(ctx)
	}()

	var runErr error
	loopDone := false
	select {
	case sig := <-sigChan:
		app.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-errChan:
		loopDone = true
		if runErr != nil {
			app.logger.Error("capture loop failed, api stays up with the error frame",
				zap.Error(runErr))
			sig := <-sigChan
			app.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		}
	}

	cancel()
	if !loopDone {
		<-errChan
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("server shutdown failed", zap.Error(err))
	}

	app.logger.Info("starfocus stopped")
	return runErr
}
