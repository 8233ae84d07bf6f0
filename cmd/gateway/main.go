// Command gateway runs the verification gateway: the HTTP surface in
// front of the decision pipeline, plus its operational endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/casf-systems/verifier-gateway/pkg/api"
	"github.com/casf-systems/verifier-gateway/pkg/audit"
	"github.com/casf-systems/verifier-gateway/pkg/config"
	"github.com/casf-systems/verifier-gateway/pkg/kvstore"
	"github.com/casf-systems/verifier-gateway/pkg/pipeline"
	"github.com/casf-systems/verifier-gateway/pkg/policy"
	"github.com/casf-systems/verifier-gateway/pkg/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("gateway exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.InitTracing("casf-verifier-gateway")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	auditLog, err := audit.Open(bootCtx, cfg.DurableStoreDSN)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	kv, err := kvstore.New(cfg.KVStoreURL)
	if err != nil {
		return err
	}
	defer kv.Close()

	policyClient := policy.New(cfg.PolicyEngineURL, cfg.PolicyTimeout)
	metrics := telemetry.New()

	overrides := make(map[string]pipeline.SMSLimit, len(cfg.SMSTenantOverrides))
	for tenant, l := range cfg.SMSTenantOverrides {
		overrides[tenant] = pipeline.SMSLimit{Limit: l.Limit, WindowSeconds: l.WindowSeconds}
	}

	pipe := pipeline.New(kv, policyClient, auditLog, metrics, pipeline.Config{
		AntiReplayEnabled:  cfg.AntiReplayEnabled,
		AntiReplayTTL:      cfg.AntiReplayTTL,
		SMSDefault:         pipeline.SMSLimit{Limit: cfg.SMSDefault.Limit, WindowSeconds: cfg.SMSDefault.WindowSeconds},
		SMSTenantOverrides: overrides,
	})

	server := api.NewServer(pipe, auditLog, kv, policyClient.Healthcheck, metrics)
	throttle := api.NewGlobalRateLimiter(100, 200)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           throttle.Middleware(server.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", httpServer.Addr, "anti_replay", cfg.AntiReplayEnabled)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelDrain()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		return err
	}
	return shutdownTracing(drainCtx)
}
