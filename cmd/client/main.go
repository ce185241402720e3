package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/voxkit/voxkit/internal/adapters/http"
	"github.com/voxkit/voxkit/internal/adapters/media"
	"github.com/voxkit/voxkit/internal/adapters/rtc"
	"github.com/voxkit/voxkit/internal/app"
	"github.com/voxkit/voxkit/internal/app/session"
	"github.com/voxkit/voxkit/internal/config"
	"github.com/voxkit/voxkit/internal/core"
	"github.com/voxkit/voxkit/internal/domain"
	"github.com/voxkit/voxkit/internal/gateway"
)

type identifyPayload struct {
	Token  string        `json:"token"`
	User   domain.UserID `json:"user"`
	Client string        `json:"client"`
}

func main() {
	var (
		roomFlag    = flag.String("room", "", "room to join")
		channelFlag = flag.String("channel", "", "voice channel to join")
		userFlag    = flag.String("user", "", "local user id")
		authFlag    = flag.String("auth", "", "gateway auth token")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	cands, err := gateway.NewCandidateList(cfg.GatewayURLs)
	if err != nil {
		log.Fatal().Err(err).Msg("no gateway candidates configured")
	}

	self := domain.UserID(*userFlag)
	if self == "" {
		guest, err := domain.NewUser("guest")
		if err != nil {
			log.Fatal().Err(err).Msg("guest user")
		}
		self = guest.ID
		log.Info().Str("user", string(self)).Msg("no user id given, generated one")
	}
	conn := gateway.NewConn(gateway.Config{
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		HeartbeatFallback: cfg.HeartbeatFallback,
		SendQueue:         cfg.SendQueue,
		DialLimit:         cfg.DialLimit,
		DialInterval:      cfg.DialInterval,
	}, cands, identifyPayload{Token: *authFlag, User: self, Client: "voxkit"})

	waits := app.NewWaitRegistry()
	recon := app.NewReconciler()
	engine := rtc.NewEngine(rtc.DefaultConfig())
	ctrl := session.New(conn, waits, engine, media.SilentSource{}, media.NullSinkFactory{}, self, session.Config{
		AwaitTimeout: cfg.AwaitTimeout,
	})
	ctrl.OnJoined(recon.ApplySnapshot)
	ctrl.OnSpeaking(func(speaking bool) {
		log.Debug().Bool("speaking", speaking).Msg("local level")
	})

	// One worker keeps dispatch order per producer. Handling may itself
	// await gateway round trips (consume), so it must not run on the
	// read loop either.
	dispatches := make(chan core.Dispatch, 256)
	go func() {
		for d := range dispatches {
			ctrl.HandleDispatch(d)
		}
	}()
	conn.OnDispatch(func(d core.Dispatch) {
		waits.Resolve(d)
		recon.Apply(d)
		select {
		case dispatches <- d:
		default:
			log.Warn().Str("type", string(d.Type)).Msg("dispatch backlog full, event dropped")
		}
	})
	conn.OnClose(func(err error) {
		waits.RejectAll(err)
	})

	if err := conn.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("gateway connect")
	}

	var debugSrv *http.Server
	if cfg.DebugAddr != "" {
		r := router.SetupRouter(cfg.Mode, conn, ctrl, recon)
		debugSrv = &http.Server{Addr: cfg.DebugAddr, Handler: r}
		go func() {
			log.Info().Str("addr", cfg.DebugAddr).Msg("debug endpoint started")
			if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("debug server error")
			}
		}()
	}

	if *roomFlag != "" && *channelFlag != "" {
		if err := conn.WaitUntilReady(15 * time.Second); err != nil {
			log.Fatal().Err(err).Msg("gateway never became ready")
		}
		err := ctrl.Join(domain.RoomID(*roomFlag), domain.ChannelID(*channelFlag), domain.MediaPolicy{})
		if err != nil {
			log.Error().Err(err).Msg("join failed")
		}
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	ctrl.Leave()
	conn.Dispose()
	if debugSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := debugSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("debug server forced to shutdown")
		}
	}
	log.Info().Msg("exited gracefully")
}
