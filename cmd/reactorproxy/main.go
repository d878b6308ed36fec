//go:build linux

// Command reactorproxy runs the intercepting HTTP/HTTPS forward proxy: an
// Acceptor goroutine feeding a single Worker's reactor loop, per spec.md
// §5's two-thread concurrency model.
package main

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/denisvmedia/reactorproxy/cert"
	"github.com/denisvmedia/reactorproxy/internal/acceptor"
	"github.com/denisvmedia/reactorproxy/internal/config"
	"github.com/denisvmedia/reactorproxy/internal/helper"
	"github.com/denisvmedia/reactorproxy/internal/session"
	"github.com/denisvmedia/reactorproxy/internal/worker"
	"github.com/denisvmedia/reactorproxy/version"
)

func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}

	logger, closeLog := setupLogger(cfg.LogFile)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("reactorproxy starting", "version", version.String(), "port", cfg.Port, "mitm", cfg.MITM)

	ca, err := loadCA(cfg)
	if err != nil {
		slog.Error("failed to initialize certificate authority", "error", err)
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}

	intercept := interceptFunc(cfg)

	w, err := worker.New(ca, cfg.MITM, intercept)
	if err != nil {
		slog.Error("failed to create worker", "error", err)
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}

	acc, err := acceptor.New(cfg.Port)
	if err != nil {
		slog.Error("failed to bind listener", "error", err)
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}

	stop := make(chan struct{})
	go trapShutdownSignal(stop, acc)

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- acc.Run(w) }()

	workerErr := make(chan error, 1)
	go func() { workerErr <- w.Run(stop) }()

	select {
	case err := <-acceptErr:
		if err != nil {
			slog.Error("acceptor exited", "error", err)
		}
		close(stop)
		<-workerErr
	case err := <-workerErr:
		if err != nil {
			slog.Error("worker exited", "error", err)
		}
		_ = acc.Close()
		<-acceptErr
	}

	slog.Info("reactorproxy stopped")
}

// loadCA requires MITM mode's root CA/leaf-key material to already exist
// on disk (spec.md §1: root-CA provisioning is out of scope); when MITM
// is disabled the proxy never touches cert.CA, so a missing cert dir is
// not fatal.
func loadCA(cfg *config.Config) (*cert.CA, error) {
	if !cfg.MITM {
		return nil, nil
	}
	return cert.NewCA(cfg.CertDir)
}

func interceptFunc(cfg *config.Config) session.Intercept {
	if len(cfg.IgnoreHosts) == 0 && len(cfg.AllowHosts) == 0 {
		return nil
	}
	return func(host string, port int) bool {
		addr := host + ":" + strconv.Itoa(port)
		if len(cfg.IgnoreHosts) > 0 && helper.MatchHost(addr, cfg.IgnoreHosts) {
			return false
		}
		if len(cfg.AllowHosts) > 0 {
			return helper.MatchHost(addr, cfg.AllowHosts)
		}
		return true
	}
}

// trapShutdownSignal closes stop and stops accepting new connections on
// SIGINT/SIGTERM. Signal delivery itself is an external collaborator per
// spec.md §1 ("the signal-handling shell that triggers shutdown"); this
// is just the minimal listener that reacts to it.
func trapShutdownSignal(stop chan struct{}, acc *acceptor.Acceptor) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received")
	_ = acc.Close()
	close(stop)
}

// setupLogger builds the slog logger spec.md §6 describes: a text handler
// writing to both stderr and a log file, INFO by default, with source
// location included so the "module, function, line" fields are populated.
func setupLogger(path string) (*slog.Logger, func()) {
	closeFn := func() {}
	writers := []io.Writer{os.Stderr}

	if path != "" {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("failed to open log file, logging to stderr only", "path", path, "error", err)
		} else {
			writers = append(writers, f)
			closeFn = func() { _ = f.Close() }
		}
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level:     slog.LevelInfo,
		AddSource: true,
	})
	return slog.New(handler).With("pid", os.Getpid()), closeFn
}
