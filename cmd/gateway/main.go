// Package main is the gateway entry point: it loads configuration, builds
// the collection pipeline and runs it until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/config"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/gateway"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Industrial data-acquisition gateway",
		Long:          "Polls field devices over pooled protocol connections and fans value updates out to live subscribers.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	return cmd
}

func run(parent context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	svc, err := gateway.New(cfg, logger)
	if err != nil {
		logger.Error("gateway build failed", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logger.Error("gateway start failed", "error", err)
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutdown signal received", "signal", s.String())
	case <-ctx.Done():
	}

	cancel()
	return svc.Stop(shutdownTimeout)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
