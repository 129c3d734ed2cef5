package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"arbescrow/config"
	"arbescrow/core/events"
	"arbescrow/crypto"
	"arbescrow/native/arbitrator"
	"arbescrow/native/bank"
	"arbescrow/native/escrow"
	"arbescrow/observability/logging"
	"arbescrow/observability/metrics"
	telemetry "arbescrow/observability/otel"
	"arbescrow/services/escrowd/server"
	"arbescrow/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "escrowd.toml", "path to escrowd configuration file")
	flag.Parse()

	passphrase, err := newPassphraseSource(keystorePassEnv).Get()
	if err != nil {
		log.Fatalf("escrowd: %v", err)
	}
	cfg, err := config.Load(cfgPath, config.WithKeystorePassphrase(passphrase))
	if err != nil {
		log.Fatalf("escrowd: load config: %v", err)
	}

	logger := logging.SetupWithOptions("escrowd", cfg.Environment, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Level:      cfg.LogLevel(),
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("escrowd: init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	key, err := crypto.LoadFromKeystore(cfg.Arbitrator.KeystorePath, passphrase)
	if err != nil {
		log.Fatalf("escrowd: unlock arbitrator keystore: %v", err)
	}
	owner := key.PubKey().Address().Raw()

	db, err := storage.Open(cfg.Storage.Backend, cfg.DataDir)
	if err != nil {
		log.Fatalf("escrowd: open storage: %v", err)
	}
	defer db.Close()

	ledger := bank.NewLedger(db)
	cost, err := cfg.ArbitrationCost()
	if err != nil {
		log.Fatalf("escrowd: %v", err)
	}
	arb, err := arbitrator.New(owner, cost,
		arbitrator.WithStorage(db),
		arbitrator.WithSender(ledger),
		arbitrator.WithLogger(logger.With("component", "arbitrator")))
	if err != nil {
		log.Fatalf("escrowd: arbitrator: %v", err)
	}

	recorder := events.NewRecorder(cfg.HTTP.EventBufferSize)
	reclaimPeriod, feePeriod := cfg.Periods()
	registry, err := escrow.NewRegistry(escrow.RegistryConfig{
		Store:                       escrow.NewStore(db),
		Funds:                       ledger,
		Arbitrator:                  arb,
		Emitter:                     events.Fanout{recorder, eventLogger{logger: logger}},
		Logger:                      logger.With("component", "escrow"),
		Metrics:                     metrics.Escrow(),
		ReclamationPeriod:           reclaimPeriod,
		ArbitrationFeeDepositPeriod: feePeriod,
	})
	if err != nil {
		log.Fatalf("escrowd: registry: %v", err)
	}
	restored, err := registry.Load()
	if err != nil {
		log.Fatalf("escrowd: restore escrows: %v", err)
	}

	auth := server.NewAuthenticator(server.AuthConfig{
		HMACSecret: cfg.JWTSecret(),
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	}, logger)
	if !auth.TokensRequired() {
		logger.Warn("bearer authentication disabled; trusting " + server.CallerHeader + " header")
	}
	if cfg.Faucet && !strings.EqualFold(cfg.Environment, "dev") {
		log.Fatalf("escrowd: Faucet requires Environment = \"dev\"")
	}

	srv, err := server.New(server.Config{
		Registry:   registry,
		Arbitrator: arb,
		Ledger:     ledger,
		Events:     recorder,
		Auth:       auth,
		RateLimiter: server.NewRateLimiter(server.RateLimit{
			RatePerSecond: cfg.HTTP.RateLimitPerSecond,
			Burst:         cfg.HTTP.RateLimitBurst,
		}),
		Logger:  logger,
		Metrics: metrics.HTTP(),
		Faucet:  cfg.Faucet,
	})
	if err != nil {
		log.Fatalf("escrowd: server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), "escrowd"),
		ReadHeaderTimeout: time.Duration(cfg.HTTP.ReadHeaderTimeoutSecs) * time.Second,
	}

	listener, err := listen(cfg.ListenAddress, cfg.HTTP.MaxConnections)
	if err != nil {
		log.Fatalf("escrowd: listen: %v", err)
	}

	go func() {
		logger.Info("escrowd listening",
			"address", listener.Addr().String(),
			"arbitrator", crypto.FormatAddress(arb.Address()),
			"owner", crypto.FormatAddress(owner),
			"restored", restored,
			"max_connections", cfg.HTTP.MaxConnections)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("escrowd: listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down escrowd")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// listen binds addr and caps accepted connections when maxConns is positive.
func listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// eventLogger mirrors notifications into the structured log.
type eventLogger struct {
	logger *slog.Logger
}

func (l eventLogger) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		l.logger.Debug("event", "type", evt.EventType())
		return
	}
	rendered := payload.Event()
	args := make([]any, 0, 2*len(rendered.Attributes)+2)
	args = append(args, "type", rendered.Type)
	for key, value := range rendered.Attributes {
		args = append(args, logging.MaskField(key, value))
	}
	l.logger.Info("event", args...)
}
