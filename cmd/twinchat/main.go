package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"twinchat/internal/app"
	"twinchat/pkg/config"
	"twinchat/pkg/logger"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	addr, dbPath, cfgPath, setFlags := config.ParseCommandFlags()
	cfgPath = config.ResolveConfigPath(cfgPath, setFlags["config"])

	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	// explicit flags win over file and env
	if setFlags["addr"] {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			cfg.Server.Address = host
			if pi, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = pi
			}
		}
	}
	if setFlags["db"] {
		cfg.Server.DBPath = dbPath
	}

	logger.Init(cfg.Logging.Level)
	logger.Info("starting", "addr", cfg.Addr(), "db", cfg.Server.DBPath,
		"config", cfgPath, "env_overrides", envUsed,
		"retention_enabled", cfg.Retention.Enabled)

	a, err := app.New(cfg)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("run_failed", "error", err)
		os.Exit(1)
	}
}
