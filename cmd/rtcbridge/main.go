package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rtcbridge/rtcbridge/internal/ami"
	"github.com/rtcbridge/rtcbridge/internal/api"
	"github.com/rtcbridge/rtcbridge/internal/bridge"
	"github.com/rtcbridge/rtcbridge/internal/config"
	"github.com/rtcbridge/rtcbridge/internal/database"
	"github.com/rtcbridge/rtcbridge/internal/database/models"
	"github.com/rtcbridge/rtcbridge/internal/identity"
	"github.com/rtcbridge/rtcbridge/internal/metrics"
	"github.com/rtcbridge/rtcbridge/internal/push"
	"github.com/rtcbridge/rtcbridge/internal/remote"
	sipsignal "github.com/rtcbridge/rtcbridge/internal/signal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting rtcbridge",
		"mode", cfg.Mode,
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
	)

	startTime := time.Now()

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	mappings := database.NewIdentityMappingRepository(db)
	callRecords := database.NewCallRecordRepository(db)
	operators := database.NewOperatorRepository(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := bootstrapOperator(appCtx, operators); err != nil {
		slog.Error("failed to bootstrap operator account", "error", err)
		os.Exit(1)
	}

	resolver := identity.NewResolver(mappings, logger)
	remoteClient := remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteApplicationID, cfg.RemoteAuthKey, logger)

	var wake bridge.WakeSender
	if cfg.FCMCredentialsFile != "" {
		sender, err := push.NewWakeSender(appCtx, cfg.FCMCredentialsFile, logger)
		if err != nil {
			slog.Error("failed to initialise wake-up push sender", "error", err)
			os.Exit(1)
		}
		wake = sender
	} else {
		slog.Info("wake-up pushes disabled, no fcm credentials configured")
	}

	// The hangup funcs close over clients created after the orchestrator.
	var amiClient *ami.Client
	var adapter *sipsignal.Adapter

	orch := bridge.NewOrchestrator(bridge.Options{
		Resolver:    resolver,
		Remote:      remoteClient,
		CallRecords: callRecords,
		Wake:        wake,
		ControlHangup: func(ctx context.Context, channel string, cause int) error {
			if amiClient == nil {
				return nil
			}
			return amiClient.Hangup(ctx, channel, cause)
		},
		SignalHangup: func(ctx context.Context, callID string, cause int) error {
			if adapter == nil {
				return nil
			}
			return adapter.HangupCall(ctx, callID, cause)
		},
		Logger: logger,
	})

	if cfg.AMIEnabled() {
		amiClient = ami.NewClient(ami.Config{
			Host:          cfg.AMIHost,
			Port:          cfg.AMIPort,
			Username:      cfg.AMIUsername,
			Secret:        cfg.AMISecret,
			EventMask:     cfg.AMIEventMask,
			ActionTimeout: cfg.AMIActionTimeout,
			KeepAlive:     cfg.AMIKeepAlive,
		}, orch.HandleChannelEvent, orch, logger)

		if err := amiClient.Start(appCtx); err != nil {
			slog.Error("failed to connect control channel", "error", err)
			os.Exit(1)
		}
	}

	if cfg.SIPEnabled() {
		adapter, err = sipsignal.NewAdapter(cfg, orch, logger)
		if err != nil {
			slog.Error("failed to create sip adapter", "error", err)
			os.Exit(1)
		}
		if err := adapter.Start(appCtx); err != nil {
			slog.Error("failed to start sip adapter", "error", err)
			os.Exit(1)
		}
	}

	// Prometheus collector over the live components.
	var transportStats metrics.TransportStatsProvider
	var channelCounter metrics.ChannelCounter
	if amiClient != nil {
		transportStats = amiClient
		channelCounter = amiClient.Registry()
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(orch, transportStats, channelCounter, callRecords, startTime))

	apiSecret, webhookSecret, err := loadSecrets(cfg)
	if err != nil {
		slog.Error("failed to load secrets", "error", err)
		os.Exit(1)
	}

	var control api.ControlChannel
	if amiClient != nil {
		control = amiClient
	}
	handler := api.NewServer(api.Options{
		Config:        cfg,
		Bridge:        orch,
		Control:       control,
		Operators:     operators,
		CallRecords:   callRecords,
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		APISecret:     apiSecret,
		WebhookSecret: webhookSecret,
		Logger:        logger,
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout. Order matters: stop intake first, then
	// drain live sessions, then drop the control channel.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	if adapter != nil {
		adapter.Stop()
	}
	if err := orch.Shutdown(ctx); err != nil {
		slog.Error("session drain incomplete", "error", err)
	}
	if amiClient != nil {
		amiClient.Stop()
	}

	slog.Info("rtcbridge stopped")
}

// bootstrapOperator creates a default admin account on first boot so the
// management API is reachable. The generated password is logged once; it
// should be rotated immediately.
func bootstrapOperator(ctx context.Context, operators database.OperatorRepository) error {
	count, err := operators.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting operators: %w", err)
	}
	if count > 0 {
		return nil
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating password: %w", err)
	}
	password := hex.EncodeToString(raw)

	hash, err := database.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if err := operators.Create(ctx, &models.Operator{Username: "admin", PasswordHash: hash}); err != nil {
		return fmt.Errorf("creating operator: %w", err)
	}

	slog.Warn("created initial operator account, rotate this password",
		"username", "admin",
		"password", password,
	)
	return nil
}

// loadSecrets decodes the operator token and webhook secrets. With no api
// secret configured an ephemeral one is generated; operator tokens then stop
// working across restarts.
func loadSecrets(cfg *config.Config) (apiSecret, webhookSecret []byte, err error) {
	apiSecret, err = cfg.APISecretBytes()
	if err != nil {
		return nil, nil, err
	}
	if apiSecret == nil {
		apiSecret = make([]byte, 32)
		if _, err := rand.Read(apiSecret); err != nil {
			return nil, nil, fmt.Errorf("generating api secret: %w", err)
		}
		slog.Warn("no api secret configured, operator tokens will not survive restarts")
	}

	webhookSecret, err = cfg.WebhookSecretBytes()
	if err != nil {
		return nil, nil, err
	}
	if webhookSecret == nil {
		slog.Warn("no webhook secret configured, remote callbacks are unauthenticated")
	}
	return apiSecret, webhookSecret, nil
}
