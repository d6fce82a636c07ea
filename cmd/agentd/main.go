package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/agentcore/agentcore/pkg/config"
	"github.com/agentcore/agentcore/pkg/logutil"
	"github.com/agentcore/agentcore/pkg/server"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the agentd configuration file")
	flag.Parse()

	logger := slog.Default()

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			logger.With("err", err).Error("failed to load configuration")
			os.Exit(1)
		}
	}
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	lvl, err := cfg.LogLevel()
	if err != nil {
		logger.With("err", err).Error("invalid logging level")
		os.Exit(1)
	}
	logutil.SetLevel(lvl)

	core, err := server.New(cfg)
	if err != nil {
		logger.With("err", err).Error("failed to assemble agentd")
		os.Exit(1)
	}

	logger.Info("agentd starting...")
	if err := core.Run(context.Background()); err != nil {
		logger.With("err", err).Error("agentd exited with failure")
		os.Exit(1)
	}
	logger.Info("agentd stopped")
}
