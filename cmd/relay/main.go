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

	"github.com/campushub/chat-relay/internal/api"
	"github.com/campushub/chat-relay/internal/auth"
	"github.com/campushub/chat-relay/internal/config"
	"github.com/campushub/chat-relay/internal/files"
	"github.com/campushub/chat-relay/internal/gateway"
	"github.com/campushub/chat-relay/internal/stats"
	"github.com/campushub/chat-relay/internal/store"
)

const defaultSigningKey = "c2VjcmV0LXNpZ25pbmcta2V5LWZvci1sb2NhbC1kZXY="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr               string
	dsn                string
	signingKey         string
	issuer             string
	audience           string
	filesBaseURL       string
	migrationsDir      string
	runMigrations      bool
	allowedOrigins     stringSliceFlag
	idleTimeout        time.Duration
	malformedThreshold int
	outboundQueueSize  int
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.StringVar(&issuer, "token-issuer", "campushub-identity", "expected token issuer")
	flag.StringVar(&audience, "token-audience", "chat-relay", "expected token audience")
	flag.StringVar(&filesBaseURL, "files-base-url", "http://localhost:8000/files", "base URL for attachment downloads")
	flag.StringVar(&migrationsDir, "migrations-dir", "migrations", "schema migrations directory")
	flag.BoolVar(&runMigrations, "migrate", false, "apply pending schema migrations on startup")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&idleTimeout, "idle-timeout", config.DefaultIdleTimeout, "close connections with no inbound frame for this long")
	flag.IntVar(&malformedThreshold, "malformed-frame-threshold", config.DefaultMalformedFrameThreshold, "unparseable frames tolerated before the connection is closed")
	flag.IntVar(&outboundQueueSize, "outbound-queue-size", config.DefaultOutboundQueueSize, "per-connection outbound event queue capacity")
	flag.Parse()

	logger := log.New(os.Stderr, "[chat-relay] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, issuer, audience, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}
	cfg.IdleTimeout = idleTimeout
	cfg.MalformedFrameThreshold = malformedThreshold
	cfg.OutboundQueueSize = outboundQueueSize

	dbConn, err := store.NewPgRelayRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if runMigrations {
		if err := dbConn.Migrate("file://" + migrationsDir); err != nil {
			logger.Fatal("migrate:", err)
		}
		logger.Println("schema migrations applied")
	}

	resolver, err := files.NewBaseURLResolver(filesBaseURL)
	if err != nil {
		logger.Fatal("files resolver:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	validator := auth.NewValidator(cfg.SigningKey, cfg.TokenIssuer, cfg.TokenAudience)

	gw, err := gateway.NewGateway(logger, dbConn, resolver, statsUpdater, cfg)
	if err != nil {
		logger.Fatal("new gateway:", err)
	}

	srv := api.NewRelayApp(mux, logger, gw, dbConn, validator, resolver, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go gw.Run()

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

	logger.Println("shutting down gateway...")
	if err := gw.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("gateway shutdown:", err)
	}

	logger.Println("shutdown complete")
}
