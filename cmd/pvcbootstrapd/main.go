// Pvcbootstrapd is the bootstrap controller for PVC clusters.
// Copyright (C) 2025 The Parallel Virtual Cluster contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// pvcbootstrapd is the PVC bootstrap controller daemon. It supervises
// dnsmasq on the bootstrap network, serves the check-in API, and runs
// the orchestrator that walks nodes from their first DHCP lease to a
// configured cluster.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"pvcbootstrapd/internal/ansible"
	"pvcbootstrapd/internal/api"
	"pvcbootstrapd/internal/config"
	"pvcbootstrapd/internal/cspec"
	"pvcbootstrapd/internal/dnsmasq"
	"pvcbootstrapd/internal/hooks"
	"pvcbootstrapd/internal/logging"
	"pvcbootstrapd/internal/notifications"
	"pvcbootstrapd/internal/orchestrator"
	"pvcbootstrapd/internal/queue"
	"pvcbootstrapd/internal/store"
	"pvcbootstrapd/internal/tftp"
)

// version is reported in the startup log line.
const version = "0.1"

// shutdownTimeout bounds the graceful HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

func main() {
	initOnly := flag.Bool("init-only", false, "initialize the database, repository, and TFTP root, then exit")
	flag.Parse()

	if err := run(*initOnly); err != nil {
		fmt.Fprintf(os.Stderr, "pvcbootstrapd: %v\n", err)
		os.Exit(1)
	}
}

func run(initOnly bool) error {
	path, err := config.EnvPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	logger := logging.New(level)
	slog.SetDefault(logger)

	listen := net.JoinHostPort(cfg.API.Address, strconv.Itoa(cfg.API.Port))
	logger.Info("starting pvcbootstrapd",
		"version", version,
		"debug", cfg.Debug,
		"listen", listen,
		"config", path,
	)

	ctx := context.Background()
	notifier := notifications.New(cfg.Notifications, logger)
	notifier.Send(ctx, notifications.StatusInfo, "Initializing pvcbootstrapd")

	st, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = st.Close() }()

	loader := cspec.NewLoader(cfg.Ansible, logger, notifier)
	if err := loader.EnsureRepository(ctx); err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}

	renderer := tftp.NewRenderer(cfg, logger, notifier, execCommand)
	if err := renderer.InitRoot(ctx); err != nil {
		return fmt.Errorf("initialize tftp root: %w", err)
	}

	if initOnly {
		logger.Info("successfully initialized pvcbootstrapd; exiting")
		notifier.Send(ctx, notifications.StatusCompleted, "Successfully initialized pvcbootstrapd")
		return nil
	}

	leaseScript, err := leaseScriptPath()
	if err != nil {
		return err
	}
	super := dnsmasq.New(cfg, logger, leaseScript)
	dnsmasqDone, err := super.Start()
	if err != nil {
		return err
	}
	defer super.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	orch := orchestrator.New(
		st,
		loader,
		renderer,
		ansible.NewRunner(cfg.Ansible, logger, notifier, loader, execCommand),
		hooks.NewRunner(cfg, logger, notifier),
		notifier,
		logger,
	)
	dispatcher := queue.NewDispatcher(st, logger, queue.Config{})
	orch.Register(dispatcher)

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(runCtx)
	}()

	server := &http.Server{
		Addr:         listen,
		Handler:      api.NewRouter(st, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("serving check-in API", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	notifier.Send(ctx, notifications.StatusInfo, "Starting up pvcbootstrapd")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("received signal, exiting", "signal", sig)
		notifier.Send(ctx, notifications.StatusInfo, "Received TERM, exiting pvcbootstrapd")
	case err := <-serverErr:
		runErr = fmt.Errorf("api server: %w", err)
	case err := <-dnsmasqDone:
		if err == nil {
			err = errors.New("unexpected clean exit")
		}
		runErr = fmt.Errorf("dnsmasq: %w", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", "error", err)
	}

	// Stop pulling tasks before killing dnsmasq so in-flight check-ins
	// settle; queued ones survive in the database for the next start.
	cancel()
	<-dispatcherDone
	super.Stop()

	return runErr
}

// execCommand runs a subprocess and returns its combined output. It is
// the production ExecFunc for the TFTP renderer and the ansible runner.
func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// leaseScriptPath locates the pvcbootstrapd-lease helper, installed
// alongside the daemon binary, that dnsmasq invokes on lease events.
func leaseScriptPath() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	script := filepath.Join(filepath.Dir(self), "pvcbootstrapd-lease")
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("lease script: %w", err)
	}
	return script, nil
}
