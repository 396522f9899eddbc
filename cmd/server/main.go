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
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/meet/internal/adapters/http"
	"github.com/dkeye/meet/internal/adapters/rtc"
	wssignal "github.com/dkeye/meet/internal/adapters/signal"
	"github.com/dkeye/meet/internal/app"
	"github.com/dkeye/meet/internal/app/orch"
	"github.com/dkeye/meet/internal/config"
	"github.com/dkeye/meet/internal/core"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("meet exited")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "meet",
		Short:         "Meeting SFU signaling server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogging(cfg.Log)
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	cmd.Flags().Int("port", 8080, "HTTP listen port")
	cmd.Flags().String("mode", "release", "gin mode: debug, release or test")
	return cmd
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	codecs, err := cfg.Media.RtpCodecs()
	if err != nil {
		return err
	}
	iceServers := make([]rtc.ICEServer, 0, len(cfg.Media.ICEServers))
	for _, s := range cfg.Media.ICEServers {
		iceServers = append(iceServers, rtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	engine, err := rtc.NewEngine(rtc.Config{
		UDPPort:       cfg.Media.UDPPort,
		AnnouncedIPs:  cfg.Media.AnnouncedIPs,
		ICEServers:    iceServers,
		GatherTimeout: cfg.Media.GatherTimeout,
	})
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	defer func() { _ = engine.Close() }()

	rooms := core.NewRoomManager(ctx, engine, core.RoomManagerOptions{
		MediaCodecs:        codecs,
		EvictionDelay:      cfg.Rooms.EvictionDelay,
		MaxSessionDuration: cfg.Rooms.MaxSessionDuration,
		UnusedRoomGrace:    cfg.Rooms.UnusedRoomGrace,
	})
	o := orch.New(app.NewRegistry(), rooms, app.SimplePolicy{}, core.WebRtcTransportOptions{
		MaxIncomingBitrate:              cfg.Media.MaxIncomingBitrate,
		InitialAvailableOutgoingBitrate: cfg.Media.InitialAvailableOutgoingBitrate,
	})
	limiter := wssignal.NewRoomRateLimiter(cfg.Rooms.JoinRateLimit, cfg.Rooms.JoinRateInterval)
	ctl := wssignal.NewController(o, limiter, wssignal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, ctl, rooms),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("meet server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Rooms.JoinRateInterval + time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.Prune()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		rooms.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
