package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"reskit/internal/adapter/mcpserver"
	"reskit/internal/infra/config"
	"reskit/internal/infra/logger"
)

// runMCP serves the research tools to an MCP client over stdio. It needs no
// store or gateway; stdout carries the protocol, so logs go to stderr.
func runMCP() error {
	cfg, err := config.Load(configPath(os.Args[2:]))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Logger.Output == "" || cfg.Logger.Output == "stdout" {
		cfg.Logger.Output = "stderr"
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateways, _, err := initLLM(cfg, log)
	if err != nil {
		return err
	}
	tools, err := initTools(cfg, gateways, initPapers(cfg.Arxiv, log), nil, nil, log)
	if err != nil {
		return err
	}

	srv, err := mcpserver.New(tools, nil, version, log)
	if err != nil {
		return err
	}
	log.Info("mcp server listening on stdio", "version", version)
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
