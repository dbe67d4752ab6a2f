package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"sessionhost/internal/filelock"
	"sessionhost/internal/httpparse"
	"sessionhost/internal/logging"
	"sessionhost/internal/metrics"
	"sessionhost/internal/process"
	"sessionhost/internal/session"
	"sessionhost/internal/version"
)

// Lock files may sit on a network filesystem that stops answering.
const lockReleaseTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := loadConfig(args, nil)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if cfg.ShowVersion {
		fmt.Fprintln(os.Stdout, version.GetVersionInfo().String())
		return 0
	}

	logBuffer := logging.NewLogBuffer(logging.DefaultBufferSize)
	logger := logging.NewLogger(logBuffer, cfg.LogLevel)
	logVersionInfo(logger)
	logStartupConfig(logger, cfg)

	stateDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		logger.Error("resolve state dir failed", logging.Fields{"error": err.Error()})
		return 1
	}

	registry := metrics.New()
	locks := filelock.NewContext(filelock.Options{
		Strategy:     cfg.LockStrategy,
		StaleTimeout: cfg.StaleTimeout,
		Logger:       logger,
		Metrics:      registry,
	})
	supervisor := process.NewSupervisor(process.Options{Logger: logger, Metrics: registry})

	router, err := session.NewRouter(session.Options{
		StateDir: stateDir,
		Interpreter: process.LaunchSpec{
			Command: cfg.Interpreter[0],
			Args:    cfg.Interpreter[1:],
			PTY:     cfg.PTY,
		},
		Locks:      locks,
		Supervisor: supervisor,
		Logger:     logger,
		Metrics:    registry,
		Parser: httpparse.Options{
			MaxBodySize:    cfg.MaxBodySize,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
		MaxUploadSize:  cfg.MaxUploadSize,
		UploadQueue:    cfg.UploadQueue,
		IdleTimeout:    cfg.IdleTimeout,
		StopTimeout:    cfg.StopTimeout,
		LockRefresh:    cfg.LockRefresh,
		OutputLines:    cfg.OutputLines,
		HistorySize:    cfg.HistorySize,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		logger.Error("router setup failed", logging.Fields{"error": err.Error()})
		return 1
	}

	sessionListener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Error("session listen failed", logging.Fields{"addr": cfg.Listen, "error": err.Error()})
		shutdownRouter(logger, router, cfg.ShutdownTimeout)
		return 1
	}
	servers := []ManagedServer{{
		Name: "session",
		Serve: func() error {
			return router.Serve(context.Background(), sessionListener)
		},
		Shutdown: router.Shutdown,
	}}

	if cfg.ControlListen != "" {
		controlListener, err := net.Listen("tcp", cfg.ControlListen)
		if err != nil {
			logger.Error("control listen failed", logging.Fields{"addr": cfg.ControlListen, "error": err.Error()})
			_ = sessionListener.Close()
			shutdownRouter(logger, router, cfg.ShutdownTimeout)
			return 1
		}
		controlServer := &http.Server{
			Handler:           newControlMux(router, registry, logBuffer, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.Info("control listening", logging.Fields{"addr": controlListener.Addr().String()})
		servers = append(servers, ManagedServer{
			Name: "control",
			Serve: func() error {
				return controlServer.Serve(controlListener)
			},
			Shutdown: controlServer.Shutdown,
		})
	}

	stopContext, stop := context.WithCancel(context.Background())
	defer stop()
	stopSignals := make(chan os.Signal, 2)
	signal.Notify(stopSignals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stopSignals)
	signals := &shutdownSignals{
		logger:   logger,
		graceful: stop,
		force: func() {
			if err := supervisor.SignalAll(syscall.SIGKILL, true); err != nil {
				logger.Warn("killing interpreters failed", logging.Fields{"error": err.Error()})
			}
		},
	}
	stopWatching := signals.watch(stopSignals)
	defer stopWatching()

	runner := &ServerRunner{
		Logger:          logger,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	serverErr := runner.Run(stopContext, servers...)

	cleanup := newTeardown(logger)
	cleanup.Step("supervisor", 0, func(context.Context) error {
		supervisor.Close()
		return nil
	})
	cleanup.Step("locks", lockReleaseTimeout, func(context.Context) error {
		return locks.Close()
	})
	if err := cleanup.Run(context.Background()); err != nil {
		return 1
	}
	if serverErr != nil {
		return 1
	}
	logger.Info("sessionhost stopped", nil)
	return 0
}

func shutdownRouter(logger *logging.Logger, router *session.Router, timeout time.Duration) {
	cleanup := newTeardown(logger)
	cleanup.Step("router", timeout, router.Shutdown)
	_ = cleanup.Run(context.Background())
}
