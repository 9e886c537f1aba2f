package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/jfarrow/channelchat/internal/api"
	"github.com/jfarrow/channelchat/internal/chat"
	"github.com/jfarrow/channelchat/internal/config"
	"github.com/jfarrow/channelchat/internal/database"
	"github.com/jfarrow/channelchat/internal/fanout"
	"github.com/jfarrow/channelchat/internal/identity"
	"github.com/jfarrow/channelchat/internal/presence"
	"github.com/jfarrow/channelchat/internal/stats"
	"github.com/jfarrow/channelchat/internal/token"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var (
	addr           string
	dsn            string
	redisAddr      string
	natsURL        string
	signingKey     string
	realtimeKey    string
	channels       string
	presenceMode   string
	heartbeat      time.Duration
	staleness      time.Duration
	echoMessages   bool
	allowedOrigins stringSliceFlag
)

func main() {
	// Local development keeps its settings in .env; a missing file is
	// not an error.
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("SERVER_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&redisAddr, "redis-addr", envOr("REDIS_ADDR", ""), "redis address for realtime presence")
	flag.StringVar(&natsURL, "nats-url", envOr("NATS_URL", ""), "NATS url for cross-instance fan-out; empty uses the in-process bus")
	flag.StringVar(&signingKey, "signing-key", envOr("SIGNING_KEY", ""), "base64 encoded session signing key")
	flag.StringVar(&realtimeKey, "realtime-key", envOr("REALTIME_KEY", ""), "capability token key in app-id:secret form")
	flag.StringVar(&channels, "channels", envOr("CHANNELS", "general,random,~announcements"), "comma-separated channel list; '~' prefix marks a channel read-only")
	flag.StringVar(&presenceMode, "presence-mode", envOr("PRESENCE_MODE", "polled"), "presence transport: polled or realtime")
	flag.DurationVar(&heartbeat, "heartbeat-interval", 30*time.Second, "presence heartbeat interval")
	flag.DurationVar(&staleness, "staleness-threshold", 0, "age after which a presence row counts offline; defaults to twice the heartbeat interval")
	flag.BoolVar(&echoMessages, "echo-messages", false, "deliver a publisher's own message back to it on the fan-out")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[channelchat] ", log.LstdFlags)

	cfg, err := config.NewConfig(config.Params{
		ServerAddr:         addr,
		DatabaseDSN:        dsn,
		RedisAddr:          redisAddr,
		NatsURL:            natsURL,
		Base64Secret:       signingKey,
		RealtimeKey:        realtimeKey,
		AllowedOrigins:     allowedOrigins,
		Channels:           channels,
		HeartbeatInterval:  heartbeat,
		StalenessThreshold: staleness,
		PresenceMode:       presenceMode,
		EchoMessages:       echoMessages,
	})
	if err != nil {
		logger.Fatal("config: ", err)
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open: ", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close: ", err)
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatal("db migrate: ", err)
	}

	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 10*time.Second)
	for _, ch := range cfg.Channels {
		if _, err := dbConn.EnsureChannel(seedCtx, ch.Name); err != nil {
			cancelSeed()
			logger.Fatalf("seed channel %q: %v", ch.Name, err)
		}
	}
	cancelSeed()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.RegisterMetric(stats.MetricActiveConnections)
	statsUpdater.RegisterMetric(stats.MetricMessagesPublished)
	statsUpdater.RegisterMetric(stats.MetricPresenceWrites)
	statsUpdater.RegisterMetric(stats.MetricStaleSweeps)

	var f fanout.Fanout
	if cfg.NatsURL != "" {
		natsFanout, err := fanout.NewNatsFanout(cfg.NatsURL, logger)
		if err != nil {
			logger.Fatal("nats: ", err)
		}
		defer natsFanout.Close()
		f = natsFanout
	} else {
		f = fanout.NewBus()
	}

	var transport presence.Transport
	if cfg.PresenceMode == config.PresenceRealtime {
		realtime := presence.NewRealtimeTransport(logger, cfg.RedisAddr, dbConn)
		defer func() {
			if err := realtime.Close(); err != nil {
				logger.Println("redis close: ", err)
			}
		}()
		transport = realtime
	} else {
		transport = presence.NewPolledTransport(logger, dbConn, statsUpdater)
	}

	reconciler := presence.NewReconciler(logger, transport, f, statsUpdater, cfg.StalenessThreshold)
	store := chat.NewStore(logger, dbConn, f, statsUpdater, cfg.Channels)

	issuer, err := token.NewIssuer(cfg.RealtimeKey, cfg.Channels)
	if err != nil {
		logger.Fatal("token issuer: ", err)
	}

	idp := identity.NewTokenProvider(cfg.SigningKey)

	hub := fanout.NewHub(logger, f, statsUpdater, cfg.EchoMessages)

	srv := api.NewChatApp(mux, logger, dbConn, store, reconciler, issuer, idp, hub, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go hub.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down hub...")
	hub.Shutdown()

	logger.Println("shutdown complete")
}
