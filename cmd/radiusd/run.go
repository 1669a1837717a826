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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codelaboratoryltd/radiusd/pkg/accounting"
	"github.com/codelaboratoryltd/radiusd/pkg/auth"
	"github.com/codelaboratoryltd/radiusd/pkg/coa"
	"github.com/codelaboratoryltd/radiusd/pkg/config"
	"github.com/codelaboratoryltd/radiusd/pkg/dictionary"
	"github.com/codelaboratoryltd/radiusd/pkg/events"
	"github.com/codelaboratoryltd/radiusd/pkg/metrics"
	"github.com/codelaboratoryltd/radiusd/pkg/server"
	"github.com/codelaboratoryltd/radiusd/pkg/session"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the RADIUS server",
	RunE:  runServer,
}

var (
	configFile  string
	logLevel    string
	metricsAddr string
	authAddr    string
	acctAddr    string
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/radiusd/config.yaml",
		"Path to the YAML config file")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "",
		"Log level (debug, info, warn, error), overrides the config file")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Prometheus metrics listen address, overrides the config file")
	runCmd.Flags().StringVar(&authAddr, "auth-addr", "",
		"Authentication listen address, overrides the config file")
	runCmd.Flags().StringVar(&acctAddr, "acct-addr", "",
		"Accounting listen address, overrides the config file")
}

// applyFlags copies explicitly set flags over cfg
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if cmd.Flags().Changed("auth-addr") {
		cfg.Listen.AuthAddr = authAddr
	}
	if cmd.Flags().Changed("acct-addr") {
		cfg.Listen.AcctAddr = acctAddr
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting radiusd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("config", configFile),
		zap.String("backend", cfg.Store.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	dict, err := loadDictionary(cfg.Dictionaries)
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	defer b.Close()

	sessions := session.NewStore(cfg.Accounting.SessionShards)

	m := metrics.New(sessions, logger)
	if err := m.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	bus := events.NewLocalBus(logger)
	defer bus.Close()
	bus.Subscribe(events.TopicSessionExpired, func(e events.Event) {
		if se, ok := e.Data.(events.SessionEvent); ok {
			logger.Info("Session out of balance",
				zap.String("account", se.AccountNumber),
				zap.String("nas_addr", se.NasAddr),
				zap.String("acct_session_id", se.AcctSessionID),
				zap.String("outcome", se.Outcome),
			)
		}
	})

	coaClient := coa.New(coa.Config{
		Timeout:    cfg.CoA.Timeout,
		Retries:    cfg.CoA.Retries,
		Backoff:    cfg.CoA.Backoff,
		DMVendorID: cfg.CoA.DMVendorID,
		Port:       cfg.CoA.Port,
	}, logger.Named("coa"), m)

	machine := accounting.New(accounting.Config{
		InterimInterval:   cfg.Accounting.InterimInterval,
		IdleMultiplier:    cfg.Accounting.IdleMultiplier,
		IdleGrace:         cfg.Accounting.IdleGrace,
		SweepInterval:     cfg.Accounting.SweepInterval,
		ClosedCacheSize:   cfg.Accounting.ClosedCacheSize,
		DisconnectTimeout: cfg.Accounting.DisconnectTimeout,
	}, accounting.Deps{
		Sessions: sessions,
		Accounts: b.accounts,
		Tickets:  b.tickets,
		Clients:  b.clients,
		CoA:      coaClient,
		Events:   bus,
		Metrics:  m,
		Logger:   logger.Named("accounting"),
	})

	authenticator := auth.New(auth.Config{
		InterimInterval: cfg.Accounting.InterimInterval,
		RateLimits:      cfg.Auth.RateLimits,
	}, auth.Deps{
		Accounts: b.accounts,
		Sessions: machine,
		Metrics:  m,
		Logger:   logger.Named("auth"),
	})

	chain := middleware(cfg, b.accounts)
	srv := server.New(server.Config{
		AuthAddr:                    cfg.Listen.AuthAddr,
		AcctAddr:                    cfg.Listen.AcctAddr,
		ReadTimeout:                 cfg.Listen.ReadTimeout,
		RequireMessageAuthenticator: cfg.Listen.RequireMessageAuthenticator,
	}, server.Deps{
		Clients:    b.clients,
		Dictionary: dict,
		Auth:       authenticator,
		Acct:       machine,
		Middleware: chain,
		Metrics:    m,
		Logger:     logger.Named("server"),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	g.Go(func() error { return machine.Run(ctx) })
	g.Go(func() error {
		m.StartCollector(5*time.Second, ctx.Done())
		return nil
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, m, logger) })
	}

	logger.Info("radiusd started successfully",
		zap.String("auth_addr", cfg.Listen.AuthAddr),
		zap.String("acct_addr", cfg.Listen.AcctAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Int("middleware", len(chain)),
	)
	logger.Info("Press Ctrl+C to stop")

	err = g.Wait()

	logger.Info("Waiting for pending disconnects")
	machine.Wait()

	if err != nil {
		return err
	}
	logger.Info("radiusd stopped")
	return nil
}

// middleware builds the request chain in the order it runs
func middleware(cfg *config.Config, accounts store.AccountRepository) []server.Middleware {
	var chain []server.Middleware
	if cfg.RateLimit.PerSecond > 0 {
		chain = append(chain, server.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}
	if cfg.Auth.StripDomain {
		chain = append(chain, server.StripDomain{})
	}
	if cfg.Auth.MACBinding {
		chain = append(chain, server.MACBinding{Accounts: accounts})
	}
	return chain
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop metrics server", zap.Error(err))
		}
	}()

	logger.Info("Starting metrics server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func loadDictionary(files []string) (*dictionary.Dictionary, error) {
	dict, err := dictionary.Default()
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in dictionary: %w", err)
	}
	for _, f := range files {
		if err := dict.LoadFile(f); err != nil {
			return nil, fmt.Errorf("failed to load dictionary %s: %w", f, err)
		}
	}
	return dict, nil
}
