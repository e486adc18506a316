package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/groupcall/internal/adapters/http"
	"github.com/dkeye/groupcall/internal/adapters/memmedia"
	"github.com/dkeye/groupcall/internal/adapters/rtc"
	wssignal "github.com/dkeye/groupcall/internal/adapters/signal"
	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/app/orch"
	"github.com/dkeye/groupcall/internal/config"
	"github.com/dkeye/groupcall/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, v, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	setLogLevel(cfg.LogLevel)

	media, err := newMediaService(cfg.Media)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media service")
	}

	opts := app.Options{
		ReleaseTimeout: cfg.Media.ReleaseTimeout,
		StopTimeout:    cfg.Media.StopTimeout,
	}
	rooms := app.NewRooms(media, app.SimplePolicy{}, opts)
	dispatcher := orch.NewDispatcher(rooms, opts, cfg.Media.OperationTimeout)
	limiter := wssignal.NewJoinLimiter(cfg.Join.Rate, cfg.Join.Burst)
	ctrl := wssignal.NewSignalWSController(dispatcher, limiter, wssignal.Options{
		ReadLimit:      cfg.WS.ReadLimit,
		PingPeriod:     cfg.WS.PingPeriod,
		PongWait:       cfg.WS.PongWait,
		WriteWait:      cfg.WS.WriteWait,
		SendBuffer:     cfg.WS.SendBuffer,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	})

	config.Watch(v, func(next *config.Config) {
		setLogLevel(next.LogLevel)
		limiter.SetRate(next.Join.Rate, next.Join.Burst)
	})

	r := router.SetupRouter(ctx, cfg, rooms, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("media", cfg.Media.Driver).Msg("groupcall server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func newMediaService(cfg config.MediaConfig) (core.MediaService, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn().Str("module", "main").Msg("memory media driver: no media will flow")
		return memmedia.New(), nil
	default:
		return rtc.NewService(rtc.Config{
			ICEServers: cfg.ICEServers,
			PublicIP:   cfg.PublicIP,
			UDPPortMin: cfg.UDPPortMin,
			UDPPortMax: cfg.UDPPortMax,
			RecordDir:  cfg.RecordDir,
		})
	}
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		log.Warn().Str("module", "main").Str("log_level", level).Msg("unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
