package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/shsh-assist/internal/assistant"
	"github.com/ashureev/shsh-assist/internal/domain"
)

type chatOptions struct {
	code     bool
	language string
	stats    bool
}

func newChatCmd(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message, or start an interactive session when none is given",
		Long: `Send a message to the assistant and print the reply.

With no message, chat reads one message per line from stdin until EOF or
"/quit". Lines starting with "/" are commands:
  /clear   start a fresh backend session
  /stats   print diagnostics
  /reset   force the circuit breaker closed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(); err != nil {
					root.logger.Warn("Failed to close client", "error", err)
				}
			}()

			send := assistant.SendOptions{CodeExpected: opts.code, Language: opts.language}
			out := cmd.OutOrStdout()

			if len(args) > 0 {
				err := chatOnce(cmd.Context(), s.client, out, strings.Join(args, " "), send)
				if opts.stats {
					fmt.Fprintln(out)
					_ = renderDiagnostics(out, s.client.Diagnostics(), formatText)
				}
				return err
			}

			s.client.Start(cmd.Context())
			return chatLoop(cmd.Context(), s.client, cmd.InOrStdin(), out, send)
		},
	}

	cmd.Flags().BoolVar(&opts.code, "code", false, "Expect code in the reply (a placeholder is shown when none arrives)")
	cmd.Flags().StringVarP(&opts.language, "lang", "l", "", "Language for placeholder code")
	cmd.Flags().BoolVar(&opts.stats, "stats", false, "Print diagnostics after a one-shot message")
	return cmd
}

func chatLoop(ctx context.Context, c *assistant.Client, in io.Reader, out io.Writer, send assistant.SendOptions) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, dimStyle.Render("Type a message, /clear, /stats, /reset or /quit."))
	for {
		fmt.Fprint(out, infoStyle.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			c.ClearSession("cleared from cli")
			fmt.Fprintln(out, successStyle.Render("✓ session cleared"))
			continue
		case "/stats":
			_ = renderDiagnostics(out, c.Diagnostics(), formatText)
			continue
		case "/reset":
			c.ResetCircuitBreaker()
			fmt.Fprintln(out, successStyle.Render("✓ circuit closed"))
			continue
		}
		// Errors are already printed next to the fallback reply.
		_ = chatOnce(ctx, c, out, line, send)
	}
}

// chatOnce sends text, waiting out a throttle rejection once.
func chatOnce(ctx context.Context, c *assistant.Client, out io.Writer, text string, send assistant.SendOptions) error {
	reply, err := c.SendMessage(ctx, text, send)
	var throttled *domain.ThrottledError
	if errors.As(err, &throttled) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(throttled.RetryAfter):
		}
		reply, err = c.SendMessage(ctx, text, send)
	}
	if err != nil {
		printErr(out, domain.Kind(err), err)
	}
	renderReply(out, reply)
	return err
}

func renderReply(w io.Writer, r *domain.Reply) {
	if r == nil {
		return
	}
	if r.Narrative != "" {
		fmt.Fprintln(w, r.Narrative)
	}
	for _, b := range r.CodeBlocks {
		header := b.Language
		if b.Filename != "" {
			header += " · " + b.Filename
		}
		if b.IsFallback {
			header += " (placeholder)"
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, codeHeaderStyle.Render("── "+header+" ──"))
		fmt.Fprintln(w, b.Content)
	}
	meta := []string{}
	if r.Message.ProcessingTimeMs != nil {
		meta = append(meta, fmt.Sprintf("%d ms", *r.Message.ProcessingTimeMs))
	}
	if r.Message.TokenCount != nil {
		meta = append(meta, fmt.Sprintf("%d tokens", *r.Message.TokenCount))
	}
	if r.IsFallback {
		meta = append(meta, warningStyle.Render("fallback"))
	}
	if len(meta) > 0 {
		fmt.Fprintln(w, dimStyle.Render(strings.Join(meta, " · ")))
	}
}
