// Package daemon runs the long-lived orchestrator process: it wires the
// workspace, fleet, broker, dispatch, and API components from config, holds
// the singleton lock, and drives the dispatch and health-check loops.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lsadehaan/cloud-code/internal/broker"
	"github.com/lsadehaan/cloud-code/internal/config"
	"github.com/lsadehaan/cloud-code/internal/dispatch"
	"github.com/lsadehaan/cloud-code/internal/fleet"
	"github.com/lsadehaan/cloud-code/internal/httpapi"
	"github.com/lsadehaan/cloud-code/internal/otel"
	"github.com/lsadehaan/cloud-code/internal/routing"
	"github.com/lsadehaan/cloud-code/internal/secrets"
	"github.com/lsadehaan/cloud-code/internal/store"
	"github.com/lsadehaan/cloud-code/internal/store/postgres"
	"github.com/lsadehaan/cloud-code/internal/tracker"
	"github.com/lsadehaan/cloud-code/internal/workspace"
)

// defaultPort is the daemon's default API port.
const defaultPort = 4820

// buildComponents wires the daemon stack from config. Exposed to the scheduler
// and tests through the returned dispatcher and fleet manager.
func buildComponents(home string, cfg *config.Config, runtime string) (*dispatch.Dispatcher, *fleet.Manager, *broker.Broker, store.Store, error) {
	var st store.Store
	var err error
	if cfg.StoreDriver == "postgres" {
		st, err = postgres.Open(cfg.PostgresDSN)
	} else {
		st, err = store.Open(home)
	}
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var sec secrets.Store
	if cfg.SecretsBackend == "vault" {
		sec = &secrets.VaultStore{
			Addr:  cfg.VaultAddr,
			Mount: cfg.VaultMount,
			Token: os.Getenv("VAULT_TOKEN"),
		}
	} else {
		sec = &secrets.EnvStore{}
	}

	var ex fleet.Executor
	if runtime == "stub" {
		ex = fleet.NewStubExecutor()
	} else {
		ex = &fleet.DockerExecutor{}
	}

	var notifier tracker.Notifier
	switch cfg.Tracker {
	case "github":
		notifier = &tracker.GitHubTracker{
			Token:       cfg.GitHubToken,
			IssueFromID: tracker.IssueFromSuffix,
		}
	case "slack":
		notifier = &tracker.SlackNotifier{WebhookURL: cfg.SlackWebhook}
	default:
		notifier = &tracker.LogNotifier{Log: slog.Info}
	}

	fl := fleet.NewManager(ex, cfg.Classes, cfg.PoolCeiling)
	br := broker.New(sec, cfg.AutoApprovals, cfg.CredTTL, cfg.CredRenewWithin)
	d := dispatch.New(
		cfg,
		workspace.NewManager(home),
		fl,
		br,
		st,
		notifier,
		routing.KeywordResolver{Classes: cfg.Classes, Fallback: cfg.DefaultClass},
	)
	return d, fl, br, st, nil
}

func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	if opts.Port == 0 {
		opts.Port = defaultPort
	}
	cfg, err := config.Load(opts.Home)
	if err != nil {
		return err
	}

	// Ensure dirs exist.
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return err
	}

	// Acquire singleton lock (released on exit).
	lock, err := acquireLock(lockPath(opts.Home))
	if err != nil {
		return err
	}
	defer lock.release()

	// Optional pprof.
	startPprof(opts.PprofAddr)

	// Write PID + addr files.
	pid := os.Getpid()
	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	addr := fmt.Sprintf("0.0.0.0:%d", opts.Port)
	_ = os.WriteFile(addrPath(opts.Home), []byte(addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	// Early port check for clearer error.
	if err := checkPortAvailable(opts.Port); err != nil {
		return err
	}

	d, fl, br, st, err := buildComponents(opts.Home, cfg, opts.Runtime)
	if err != nil {
		return err
	}

	srvOpts := httpapi.ServerOptions{
		Home:   opts.Home,
		Addr:   addr,
		APIKey: cfg.APIKey,
	}
	if opts.EnableOtel {
		metricsHandler, err := otel.InitMeterProvider(ctx, "cloudcode")
		if err != nil {
			slog.Warn("otel init failed, using fallback metrics", "err", err)
		} else {
			srvOpts.MetricsHandler = metricsHandler
			srvOpts.UseOtelHTTP = true
		}
	}
	app, err := httpapi.NewApp(srvOpts, d, fl, br, st)
	if err != nil {
		_ = st.Close()
		return err
	}
	app.Server.RegisterOnShutdown(func() {
		_ = st.Close()
	})
	if opts.EnableOtel {
		_ = otel.InitMetricsWithItemCount(ctx, d.ItemCounts)
	}

	// Adopt workstations that survived a previous daemon run.
	if err := fl.Init(ctx); err != nil {
		slog.Warn("fleet reconcile failed", "err", err)
	}

	slog.Info("daemon starting", "addr", addr, "home", opts.Home, "runtime", opts.Runtime)
	errCh := make(chan error, 1)
	go func() {
		go runScheduler(ctx, cfg, d, fl)
		errCh <- app.Server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = app.Server.Shutdown(shutdownCtx)
		if err := fl.Teardown(shutdownCtx); err != nil {
			slog.Warn("fleet teardown failed", "err", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// runScheduler drives the dispatch loop until the context is cancelled.
// Workstation health checks run on their own goroutine so a long dispatch
// pass cannot delay them.
func runScheduler(ctx context.Context, cfg *config.Config, d *dispatch.Dispatcher, fl *fleet.Manager) {
	go runHealthChecks(ctx, cfg, d, fl)

	dispatchTicker := time.NewTicker(cfg.DispatchInterval)
	defer dispatchTicker.Stop()
	slog.Info("scheduler started", "dispatch_interval", cfg.DispatchInterval, "health_interval", cfg.HealthInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-dispatchTicker.C:
			d.Tick(ctx)
		}
	}
}

// runHealthChecks probes the fleet on its own ticker. Items orphaned by a
// recreated workstation are fed back to the dispatcher as failed attempts.
func runHealthChecks(ctx context.Context, cfg *config.Config, d *dispatch.Dispatcher, fl *fleet.Manager) {
	healthTicker := time.NewTicker(cfg.HealthInterval)
	defer healthTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-healthTicker.C:
			if orphaned := fl.HealthCheckAll(ctx); len(orphaned) > 0 {
				d.HandleOrphans(ctx, orphaned)
			}
		}
	}
}

func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	if opts.Port == 0 {
		opts.Port = defaultPort
	}

	// Ensure dirs exist before starting.
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return 0, err
	}

	// Best-effort: refuse to start if already running.
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("cloudcode already running (pid %d)", st.PID)
	}

	logFile := filepath.Join(protectedDir(opts.Home), "daemon.log")
	stderr, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Kept open for child lifetime; closing here may break writes on some platforms.

	args := []string{
		"daemon",
		"--home", opts.Home,
		"--port", strconv.Itoa(opts.Port),
	}
	if opts.Runtime != "" {
		args = append(args, "--runtime", opts.Runtime)
	}
	if opts.PprofAddr != "" {
		args = append(args, "--pprof", opts.PprofAddr)
	}
	if opts.EnableOtel {
		args = append(args, "--otel")
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	setDaemonSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Wait briefly for pid file to appear or process to die.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Fallback to started pid even if status isn't ready yet.
	return cmd.Process.Pid, nil
}

func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		// On unix FindProcess always succeeds; keep this for completeness.
		return false, errors.New("cloudcode is not running")
	}
	if err := signalTerm(proc); err != nil {
		return false, err
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Kill()
	return true, nil
}

func Status(_ context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pidStr := strings.TrimSpace(string(pb))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}

	if !processExists(pid) {
		_ = os.Remove(pidPath(home))
		return StatusInfo{Running: false}, nil
	}

	addr := ""
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("port %d is already in use", port)
	}
	_ = ln.Close()
	return nil
}
