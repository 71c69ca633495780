package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wharflabs/wharf/internal/config"
	"github.com/wharflabs/wharf/internal/gateway"
	"github.com/wharflabs/wharf/internal/logging"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/wharf.yaml", "path to the gateway config file")
	validate := flag.Bool("validate", false, "validate configuration and catalogs, then exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wharf %s\n", version)
		return
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	gw, err := gateway.New(cfg)
	if err != nil {
		logging.Error("startup failed", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}

	if *validate {
		fmt.Println("configuration and catalogs OK")
		return
	}

	logging.Info("starting wharf",
		zap.String("version", version),
		zap.String("config", *configPath))

	if err := gw.Run(); err != nil {
		logging.Error("server error", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}
