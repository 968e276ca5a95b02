package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/shsh-assist/internal/agent"
	"github.com/ashureev/shsh-assist/internal/assistant"
	"github.com/ashureev/shsh-assist/internal/config"
	"github.com/ashureev/shsh-assist/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	verbose bool
	envFile string
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "assistctl",
		Short: "Chat with and inspect the code assistant backend",
		Long: `assistctl drives the resilient assistant client from the terminal.

It reads the same environment as the server (BACKEND_URL, ASSIST_* and
TRANSCRIPT_* variables, optionally from a .env file).

Quick Start:
  assistctl chat "build a landing page"   # one-shot chat
  assistctl chat                          # interactive session
  assistctl health                        # probe the backend once
  assistctl diagnostics --format yaml     # inspect a running server`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.envFile != "" {
				if err := godotenv.Load(opts.envFile); err != nil {
					return fmt.Errorf("load %s: %w", opts.envFile, err)
				}
			} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}

			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Load environment from this file instead of ./.env")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(
		newChatCmd(opts),
		newHealthCmd(opts),
		newDiagnosticsCmd(opts),
	)
	return cmd
}

// session is an in-process assistant client plus the resources it owns.
type session struct {
	client *assistant.Client
	repo   store.Repository
}

func (s *session) Close() error {
	err := s.client.Close()
	if s.repo != nil {
		err = errors.Join(err, s.repo.Close())
	}
	return err
}

// openSession builds a client from the environment.
func openSession(ctx context.Context, opts *rootOptions) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	backend, err := agent.NewBackend(cfg.Backend, opts.logger.With("component", "backend"))
	if err != nil {
		return nil, fmt.Errorf("connect backend: %w", err)
	}

	repo, err := store.Open(ctx, cfg.Transcript, opts.logger.With("component", "store"))
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("open transcript store: %w", err)
	}

	var clientOpts []assistant.Option
	if repo != nil {
		clientOpts = append(clientOpts, assistant.WithTranscript(repo))
	}
	if cfg.Client.TokenEstimate {
		if tk, err := assistant.NewTokenizer(""); err == nil {
			clientOpts = append(clientOpts, assistant.WithTokenCounter(tk))
		} else {
			opts.logger.Warn("Token estimation disabled", "error", err)
		}
	}

	return &session{
		client: assistant.New(backend, cfg.Client, opts.logger, clientOpts...),
		repo:   repo,
	}, nil
}

func printErr(w io.Writer, msg string, err error) {
	fmt.Fprintln(w, errorStyle.Render("✗ "+msg+":"), err)
}
