package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskward/internal/audit"
	"github.com/basket/taskward/internal/bus"
	"github.com/basket/taskward/internal/config"
	"github.com/basket/taskward/internal/coordination"
	"github.com/basket/taskward/internal/cron"
	"github.com/basket/taskward/internal/gateway"
	otelPkg "github.com/basket/taskward/internal/otel"
	"github.com/basket/taskward/internal/persistence"
	"github.com/basket/taskward/internal/policy"
	"github.com/basket/taskward/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination gateway (websocket RPC, REST and metrics)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().Bool("quiet", false, "Write logs to the log file only")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	quietLogs, _ := cmd.Flags().GetBool("quiet")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit only needs the home directory, so it comes up before the logger
	// and can record E_LOGGER_INIT.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_hash", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel, Version)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	policyPath := config.PolicyPath(cfg.HomeDir)
	polData, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	schemaPath := cfg.MetadataSchemaPath()
	meta, err := coordination.LoadMetadataValidator(schemaPath)
	if err != nil {
		fatalStartup(logger, "E_METADATA_SCHEMA", err)
	}

	limits, err := coordination.LimitsFromMinutes(cfg.Coordination.ClaimDefaultTTLMinutes, cfg.Coordination.ClaimMaxTTLMinutes)
	if err != nil {
		fatalStartup(logger, "E_CONFIG_LIMITS", err)
	}
	eventBus := bus.New()
	svc, err := coordination.New(coordination.Config{
		Store:    store,
		Limits:   limits,
		Logger:   logger,
		Bus:      eventBus,
		Tracer:   otelProvider.Tracer,
		Metrics:  metrics,
		Metadata: meta,
	})
	if err != nil {
		fatalStartup(logger, "E_SERVICE_INIT", err)
	}

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	var watchExtra []string
	if schemaPath != "" {
		watchExtra = append(watchExtra, schemaPath)
	}
	confWatcher := config.NewWatcher(cfg.HomeDir, logger, watchExtra...)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			switch {
			case filepath.Base(ev.Path) == "policy.yaml":
				if err := policy.ReloadFromFile(pol, ev.Path); err != nil {
					logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
				} else {
					logger.Info("policy.yaml hot-reloaded", "policy_version", pol.PolicyVersion())
				}
			case filepath.Base(ev.Path) == "config.yaml":
				newCfg, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					break
				}
				limits, err := coordination.LimitsFromMinutes(newCfg.Coordination.ClaimDefaultTTLMinutes, newCfg.Coordination.ClaimMaxTTLMinutes)
				if err == nil {
					err = svc.SetLimits(limits)
				}
				if err != nil {
					logger.Error("claim limits reload rejected", "error", err)
				}
				if newCfg.Fingerprint() != cfg.Fingerprint() {
					logger.Info("config.yaml changed; bind, database and backup settings apply on restart",
						"config_hash", newCfg.Fingerprint())
				}
			case schemaPath != "" && filepath.Clean(ev.Path) == filepath.Clean(schemaPath):
				v, err := coordination.LoadMetadataValidator(schemaPath)
				if err != nil {
					logger.Error("metadata schema reload rejected; retaining previous schema", "error", err)
					break
				}
				svc.SetMetadataValidator(v)
				logger.Info("metadata schema hot-reloaded", "path", schemaPath)
			}
		}
	}()

	gw := gateway.New(gateway.Config{
		Service:           svc,
		Store:             store,
		Policy:            pol,
		Bus:               eventBus,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
	})
	gw.Limiter().StartEviction(ctx, 5*time.Minute, 10*time.Minute)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws", "api", "/api")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched, err := cron.NewScheduler(cron.Config{
		Logger:         logger,
		Backuper:       store,
		BackupSchedule: cfg.Backup.Schedule,
		BackupDir:      cfg.Backup.Dir,
		BackupKeep:     cfg.Backup.Keep,
		Stats:          svc,
		Heartbeat:      time.Duration(cfg.StatsHeartbeatMinutes) * time.Minute,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "jobs", sched.Jobs())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// lsof identifies the occupant on macOS and Linux.
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}
