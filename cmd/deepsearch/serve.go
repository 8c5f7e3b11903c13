package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/memory"
	srv "github.com/mohammad-safakhou/deepsearch/internal/server"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.General.Listen = serveAddr
			}
			return srv.Run(cfg)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}

func cleanupCMD() *cobra.Command {
	var cfgPath string
	var cleanup = &cobra.Command{
		Use:   "cleanup",
		Short: "Run one memory tier demotion pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			mem, err := memory.NewManager(cfg.Memory, telemetry.NewTelemetry(cfg.Telemetry), nil)
			if err != nil {
				return err
			}
			defer mem.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			return mem.Cleanup(ctx)
		},
	}
	cleanup.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cleanup
}
