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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/coffeemeet/meet-app/internal/api"
	"github.com/coffeemeet/meet-app/internal/auth"
	"github.com/coffeemeet/meet-app/internal/config"
	"github.com/coffeemeet/meet-app/internal/history"
	"github.com/coffeemeet/meet-app/internal/logging"
	"github.com/coffeemeet/meet-app/internal/matching"
	"github.com/coffeemeet/meet-app/internal/messaging"
	"github.com/coffeemeet/meet-app/internal/otp"
	"github.com/coffeemeet/meet-app/internal/ratelimit"
	"github.com/coffeemeet/meet-app/internal/tracing"
	"github.com/coffeemeet/meet-app/internal/ws"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meetd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, listenAddr, logLevel string

	flagSet := pflag.NewFlagSet("meetd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides LISTEN_ADDR)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	log.Info().
		Str("version", version).
		Str("listen_addr", cfg.ListenAddr).
		Str("redis_addr", cfg.Redis.Addr).
		Bool("nats", cfg.NATS.URL != "").
		Bool("history_db", cfg.Database.URL != "").
		Dur("max_wait", cfg.Match.MaxWait).
		Dur("min_overlap", cfg.Match.MinOverlap).
		Msg("meetd starting")

	// --- Tracing ---
	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(context.Background(), tracing.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			Version:     version,
			SampleRatio: cfg.Tracing.SampleRatio,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize tracing")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(ctx); err != nil {
					log.Error().Err(err).Msg("tracer shutdown error")
				}
			}()
			log.Info().Str("endpoint", cfg.Tracing.Endpoint).Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("tracing initialized")
		}
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect to Redis at %s: %w", cfg.Redis.Addr, err)
	}

	tokens, err := auth.NewService(auth.Config{
		Secret: []byte(cfg.Auth.Secret),
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	}, rdb)
	if err != nil {
		return err
	}
	codes := otp.NewStore(rdb, cfg.Auth.CodeTTL, cfg.Auth.CodeMaxAttempts)
	limiter := ratelimit.NewLimiter(rdb)

	// --- History archive (optional) ---
	var (
		store    *history.Store
		archiver matching.Archiver
	)
	if cfg.Database.URL != "" {
		schemaVersion, err := history.Migrate(cfg.Database.URL)
		if err != nil {
			return err
		}
		openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := history.Open(openCtx, cfg.Database.URL)
		cancel()
		if err != nil {
			return err
		}
		defer db.Close()
		store = history.NewStore(db)
		archiver = store
		log.Info().Uint("schema_version", schemaVersion).Msg("history archive ready")
	}

	// --- WebSocket server ---
	dispatcher := ws.NewMessageDispatcher()
	socketCfg := ws.DefaultServerConfig()
	socketCfg.Heartbeat = ws.HeartbeatConfig{Interval: cfg.Socket.PingInterval, Timeout: cfg.Socket.PongTimeout}
	socket := ws.NewServer(socketCfg, dispatcher.Dispatch)

	// --- Events: through NATS when configured, straight to local sockets otherwise ---
	var (
		notifier matching.Notifier = socket
		sender   api.CodeSender
		nc       *messaging.NATSClient
	)
	if cfg.NATS.URL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		nc, err = messaging.NewNATSClient(natsCfg)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := nc.SubscribeMeetEvents(socket.Deliver); err != nil {
			return err
		}
		notifier = matching.NewPublisher(nc)
		sender = nc
	}

	coord := matching.NewCoordinator(cfg.Coordinator(), notifier, archiver)
	if store != nil {
		seedCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		sessions, err := store.LoadFinished(seedCtx, time.Now().Add(-cfg.Database.SeedWindow))
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("history seed failed, starting with an empty cache")
		} else {
			coord.Seed(sessions)
		}
	}
	lookup := history.NewLookup(coord, store, 0)

	ws.RegisterMeetHandlers(dispatcher, coord, lookup, limiter)
	if err := socket.Start(); err != nil {
		return err
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		coord.Run(runCtx)
	}()

	// --- HTTP ---
	handler := api.NewHandler(api.Deps{
		ServiceName: cfg.Tracing.ServiceName,
		Meet:        coord,
		History:     lookup,
		Tokens:      tokens,
		Codes:       codes,
		Sender:      sender,
		Limiter:     limiter,
		Socket:      socket,
		Ready: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			if store != nil {
				if err := store.Ping(ctx); err != nil {
					return fmt.Errorf("history: %w", err)
				}
			}
			return nil
		},
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// --- Graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	handler.SetShuttingDown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := socket.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("websocket shutdown error")
	}
	stopRun()
	<-runDone

	// Finished sessions still inside retention would otherwise be lost.
	if err := coord.Flush(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("history flush failed")
	}

	if nc != nil {
		if err := nc.UnsubscribeMeetEvents(); err != nil {
			log.Warn().Err(err).Msg("unsubscribe meet events")
		}
	}

	log.Info().Msg("graceful shutdown complete")
	return nil
}
