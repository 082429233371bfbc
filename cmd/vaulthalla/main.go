package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/vaulthalla/vaulthalla/internal/config"
	"github.com/vaulthalla/vaulthalla/internal/daemon"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "/etc/vaulthalla/vaulthalla.yaml", "path to config file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vaulthalla %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Logging.ConsoleLogLevel),
	}))
	slog.SetDefault(log)

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Error("failed to create daemon", "error", err)
		os.Exit(1)
	}
	defer d.Close()

	if err := d.Run(); err != nil {
		log.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
