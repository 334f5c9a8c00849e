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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Teleconsult/internal/adapters/device"
	router "github.com/dkeye/Teleconsult/internal/adapters/http"
	"github.com/dkeye/Teleconsult/internal/adapters/rtc"
	sigrelay "github.com/dkeye/Teleconsult/internal/adapters/signal"
	"github.com/dkeye/Teleconsult/internal/app/call"
	"github.com/dkeye/Teleconsult/internal/app/media"
	"github.com/dkeye/Teleconsult/internal/app/waiting"
	"github.com/dkeye/Teleconsult/internal/config"
	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/dkeye/Teleconsult/internal/metrics"
	"github.com/dkeye/Teleconsult/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	journal, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	capt, err := device.NewCapturer(device.Config{
		Width:        cfg.VideoWidth,
		Height:       cfg.VideoHeight,
		VideoBitRate: cfg.VideoBitRate,
	})
	if err != nil {
		return fmt.Errorf("capturer: %w", err)
	}
	api, err := rtc.NewAPI(capt.Populate, rtc.NewLoggerFactory(zerolog.WarnLevel))
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}
	peers := rtc.NewFactory(api, rtc.DefaultWebRTCConfig(cfg.ICEServers), &rtc.PacketCounter{})
	gw := media.NewGateway(capt, m)

	pid := cfg.ParticipantID
	if pid == "" {
		pid = uuid.NewString()
	}
	local, err := domain.NewParticipant(domain.ParticipantID(pid), cfg.DisplayName)
	if err != nil {
		return err
	}

	ws, err := sigrelay.Dial(ctx, sigrelay.Config{
		URL:         cfg.SignalingURL,
		Participant: local.ID,
		SendQueue:   cfg.SendQueue,
		ReadLimit:   cfg.ReadLimit,
		PingPeriod:  cfg.PingPeriod,
	})
	if err != nil {
		return err
	}

	calls := call.NewManager(call.Config{ReconnectGrace: cfg.ReconnectGrace}, call.Deps{
		Gateway: gw,
		NewPeer: peers,
		Journal: journal,
		Metrics: m,
	}, ws)
	defer calls.Close()

	rooms := waiting.NewRooms(waiting.Config{
		PollInterval: cfg.PresencePollInterval,
		Constraints: core.Constraints{
			Audio:  true,
			Video:  true,
			Width:  cfg.VideoWidth,
			Height: cfg.VideoHeight,
		},
	}, gw, ws)
	defer rooms.Close()

	r := router.SetupRouter(ctx, router.Options{
		Mode:   cfg.Mode,
		Secret: cfg.Secret,
		Local:  *local,
	}, &router.API{
		Rooms:       rooms,
		Calls:       calls,
		Transcripts: journal,
		Limiter:     router.NewRateLimiter(cfg.ChatRateLimit, cfg.ChatRateWindow),
		Gatherer:    reg,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("participant", pid).Msg("Teleconsult server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return ws.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		ws.Close()
		return nil
	})
	return g.Wait()
}
