// Command dummycert issues a single leaf certificate through cert.CA and
// prints it to stdout, for manually inspecting what the proxy would
// present for a given hostname.
package main

import (
	"encoding/pem"
	"flag"
	"log/slog"
	"os"

	"github.com/denisvmedia/reactorproxy/cert"
)

type toolConfig struct {
	certDir  string
	hostname string
}

func loadConfig() *toolConfig {
	cfg := new(toolConfig)
	flag.StringVar(&cfg.certDir, "cert-dir", "", "directory holding root CA and leaf cert material")
	flag.StringVar(&cfg.hostname, "hostname", "", "hostname to issue a leaf certificate for")
	flag.Parse() //revive:disable-line:deep-exit -- ok for cmd/*
	return cfg
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()
	if cfg.hostname == "" {
		slog.Error("hostname required")
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}

	ca, err := cert.NewCA(cfg.certDir)
	if err != nil {
		slog.Error("failed to load CA", "error", err)
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}

	path, err := ca.EnsureLeafCert(cfg.hostname)
	if err != nil {
		slog.Error("failed to issue leaf certificate", "error", err)
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}

	der, err := os.ReadFile(path)
	if err != nil {
		slog.Error("failed to read generated certificate", "error", err, "path", path)
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}

	block, _ := pem.Decode(der)
	if block == nil {
		os.Stdout.Write(der)
		return
	}
	if err := pem.Encode(os.Stdout, block); err != nil {
		slog.Error("failed to write certificate", "error", err)
		os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
	}
}
