package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Calls/internal/adapters/http"
	"github.com/dkeye/Calls/internal/adapters/media"
	"github.com/dkeye/Calls/internal/adapters/rtc"
	sig "github.com/dkeye/Calls/internal/adapters/signal"
	"github.com/dkeye/Calls/internal/app"
	"github.com/dkeye/Calls/internal/app/devices"
	"github.com/dkeye/Calls/internal/app/orch"
	"github.com/dkeye/Calls/internal/app/peers"
	"github.com/dkeye/Calls/internal/app/sfu"
	"github.com/dkeye/Calls/internal/app/soundboard"
	"github.com/dkeye/Calls/internal/app/vad"
	"github.com/dkeye/Calls/internal/app/voice"
	"github.com/dkeye/Calls/internal/app/volume"
	"github.com/dkeye/Calls/internal/config"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
)

// store is everything the engine needs from the signaling backend.
type store interface {
	core.InviteStore
	core.PresenceStore
	core.Rendezvous
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	self := domain.User{
		ID:          domain.UserID(cfg.Identity.UserID),
		DisplayName: cfg.Identity.DisplayName,
		PhotoURL:    cfg.Identity.PhotoURL,
		PeerID:      domain.PeerID(cfg.Identity.PeerID),
	}

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	selector, err := media.NewCodecSelector(cfg.Media)
	if err != nil {
		return err
	}
	rtcAPI, err := rtc.NewAPI(cfg.RTC, selector.Populate)
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}

	clk := clock.New()
	hub := app.NewHub()

	detector := vad.NewDetector(clk, cfg.VAD.Interval, cfg.VAD.Threshold)
	detector.OnChange(func(changed map[domain.PeerID]bool) {
		out := make(map[string]bool, len(changed))
		for id, speaking := range changed {
			out[string(id)] = speaking
		}
		hub.Speaking(out)
	})
	detector.Start(ctx)

	board := soundboard.NewBoard(hub, cfg.Soundboard.MaxClips, cfg.Soundboard.MaxClipKB*1024)

	dev := devices.NewManager(media.NewSource(selector, cfg.Media))
	pm := peers.NewManager(self.PeerID, rtcAPI.Link, st, dev)
	pm.Mixer = media.NewMixer(selector)
	pm.Caps = app.NewStaticCapabilities(cfg.Identity.PremiumUsers)
	pm.Channels = board
	pm.Levels = detector
	pm.Grace = cfg.Call.GracePeriod
	pm.ReconnectWait = cfg.Call.ReconnectWait

	o := orch.New(self, st, dev, pm, hub)
	o.Policy = app.PolicyFromName(cfg.Call.BusyPolicy)
	o.RingTimeout = cfg.Call.RingTimeout
	o.RenegotiateTimeout = cfg.Call.RenegotiateTimeout
	o.VAD = detector
	o.Tap = media.NewTapper()
	o.FFTSize = cfg.VAD.FFTSize

	issuer := sfu.NewTokenIssuer(cfg.SFU)
	presence := voice.NewPresence(self, st, issuer)
	presence.Gate = detector
	presence.Heartbeat = cfg.Voice.Heartbeat
	presence.StaleWindow = cfg.Voice.StaleWindow
	presence.OnRoster(hub.Roster)
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), cfg.Store.Timeout)
		defer cancel()
		if err := presence.Leave(leaveCtx); err != nil {
			log.Warn().Err(err).Msg("voice leave on shutdown")
		}
	}()

	volumes, err := volume.Open(cfg.VolumeFile)
	if err != nil {
		return err
	}

	api := &router.API{
		Orch:    o,
		Voice:   presence,
		Board:   board,
		Volumes: volumes,
		Limiter: router.NewCallRateLimiter(clk, cfg.Call.RateLimit, cfg.Call.RateWindow),
	}

	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		if err := o.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("orchestrator stopped")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(ctx, cfg, api),
	}
	go func() {
		log.Info().Str("addr", addr).Str("user", string(self.ID)).Bool("sfu", issuer.Configured()).Msg("Calls node started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	<-orchDone
	return nil
}

func openStore(ctx context.Context, cfg config.Store) (store, func(), error) {
	if cfg.Driver != "mongo" {
		log.Info().Str("module", "main").Msg("using in-memory signaling store")
		return sig.NewMemoryStore(), func() {}, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	s, err := sig.NewMongoStore(connectCtx, cfg.MongoURI, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			log.Warn().Err(err).Str("module", "main").Msg("mongo close")
		}
	}, nil
}
