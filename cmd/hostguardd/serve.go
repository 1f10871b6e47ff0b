package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/duh17/hostguard/internal/audit"
	"github.com/duh17/hostguard/internal/authproxy"
	"github.com/duh17/hostguard/internal/config"
	"github.com/duh17/hostguard/internal/credentials"
	"github.com/duh17/hostguard/internal/docstore"
	"github.com/duh17/hostguard/internal/docstore/file"
	"github.com/duh17/hostguard/internal/docstore/pg"
	"github.com/duh17/hostguard/internal/liveactivity"
	"github.com/duh17/hostguard/internal/orchestrator"
	"github.com/duh17/hostguard/internal/policy"
	"github.com/duh17/hostguard/internal/policyconfig"
	"github.com/duh17/hostguard/internal/push"
	"github.com/duh17/hostguard/internal/rules"
	"github.com/duh17/hostguard/internal/streammux"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane: stream mux, auth proxy, and session orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runServe() error {
	log := newLogger()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	policyCfg, err := policyconfig.Load(cfg.Policy.ConfigPath)
	if err != nil {
		return fmt.Errorf("load policy config: %w", err)
	}
	engine := policy.Compile(policyCfg)

	ruleStore := rules.New(cfg.Policy.GlobalRulesPath, cfg.Policy.WorkspaceRuleDir, log)
	defer ruleStore.Close()

	auditLog, err := audit.Open(auditLogPath(cfg), log)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	var store docstore.Store
	if cfg.IsPostgresMode() {
		pgStore, err := pg.Open(cfg.Database.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres docstore: %w", err)
		}
		store = pgStore
	} else {
		fileStore, err := file.New(cfg.Docstore.Dir)
		if err != nil {
			return fmt.Errorf("open file docstore: %w", err)
		}
		store = fileStore
	}

	credStore := credentials.New(cfg.Credentials.Path)

	var sink push.Sink = push.NewNoopSink(log)

	idleTimeout := time.Duration(cfg.Orchestrator.IdleTimeoutMin) * time.Minute
	debounce := time.Duration(cfg.Orchestrator.DebounceMs) * time.Millisecond
	approvalTimeout := time.Duration(cfg.Gate.ApprovalTimeoutSec) * time.Second

	orc := orchestrator.New(store, ruleStore, engine, auditLog, sink, nil, idleTimeout, debounce, approvalTimeout, log)
	if cfg.LiveActivity.Enabled {
		orc.SetLiveActivity(liveactivity.New(sink, log))
	}

	mux := streammux.New(orc, log)
	authProxy := authproxy.New(credStore, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	streamSrv := &http.Server{Addr: cfg.StreamMux.ListenAddr, Handler: mux}
	go func() {
		log.Info("streammux listening", "addr", cfg.StreamMux.ListenAddr)
		if err := streamSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("streammux server: %w", err)
		}
	}()

	proxySrv := &http.Server{Addr: cfg.AuthProxy.ListenAddr, Handler: authProxy}
	go func() {
		log.Info("authproxy listening", "addr", cfg.AuthProxy.ListenAddr)
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("authproxy server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = streamSrv.Shutdown(shutdownCtx)
	_ = proxySrv.Shutdown(shutdownCtx)
	return nil
}

func auditLogPath(cfg *config.Config) string {
	return config.ExpandHome(cfg.Docstore.Dir + "/audit.jsonl")
}
