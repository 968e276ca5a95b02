package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/shsh-assist/internal/agent"
	"github.com/ashureev/shsh-assist/internal/config"
	"github.com/ashureev/shsh-assist/internal/domain"
)

func newHealthCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the backend once and report liveness",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, sectionStyle.Render("Backend health"))
			target := cfg.Backend.URL
			if cfg.Backend.Transport == config.TransportGRPC {
				target = cfg.Backend.GRPCAddr
			}
			fmt.Fprintln(out, infoStyle.Render(fmt.Sprintf("%s %s", cfg.Backend.Transport, target)))

			backend, err := agent.NewBackend(cfg.Backend, root.logger)
			if err != nil {
				printErr(out, "connect failed", err)
				return err
			}
			defer func() { _ = backend.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.HealthTimeout)
			defer cancel()

			start := time.Now()
			err = backend.Health(ctx)
			elapsed := time.Since(start).Milliseconds()
			if err != nil {
				printErr(out, "unhealthy ("+domain.Kind(err)+")", err)
				return fmt.Errorf("backend unhealthy: %w", err)
			}
			fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("✓ healthy in %d ms", elapsed)))
			return nil
		},
	}
}
