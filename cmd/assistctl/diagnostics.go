package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/shsh-assist/internal/domain"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"

	diagnosticsTimeout = 10 * time.Second
)

func newDiagnosticsCmd(_ *rootOptions) *cobra.Command {
	var (
		server string
		format string
	)

	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Show metrics, health and circuit state of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch format {
			case formatText, formatJSON, formatYAML:
			default:
				return fmt.Errorf("invalid --format %q (expected text, json or yaml)", format)
			}
			if server == "" {
				server = "http://localhost:" + envOr("PORT", "8080")
			}

			d, err := fetchDiagnostics(cmd.Context(), server)
			if err != nil {
				return err
			}
			return renderDiagnostics(cmd.OutOrStdout(), d, format)
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default http://localhost:$PORT)")
	cmd.Flags().StringVarP(&format, "format", "f", formatText, "Output format: text, json or yaml")
	return cmd
}

func fetchDiagnostics(ctx context.Context, server string) (domain.Diagnostics, error) {
	var d domain.Diagnostics

	ctx, cancel := context.WithTimeout(ctx, diagnosticsTimeout)
	defer cancel()

	url := strings.TrimRight(server, "/") + "/api/assistant/diagnostics"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return d, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return d, fmt.Errorf("fetch diagnostics: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return d, fmt.Errorf("fetch diagnostics: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return d, fmt.Errorf("decode diagnostics: %w", err)
	}
	return d, nil
}

func renderDiagnostics(w io.Writer, d domain.Diagnostics, format string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return err
		}
		return enc.Close()
	}

	fmt.Fprintln(w, sectionStyle.Render("Assistant diagnostics"))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	circuit := string(d.Circuit.State)
	switch d.Circuit.State {
	case domain.BreakerClosed:
		circuit = successStyle.Render(circuit)
	case domain.BreakerHalfOpen:
		circuit = warningStyle.Render(circuit)
	case domain.BreakerOpen:
		circuit = errorStyle.Render(circuit)
	}
	fmt.Fprintf(tw, "Circuit\t%s (%d consecutive failures)\n", circuit, d.Circuit.ConsecutiveFailures)

	switch {
	case !d.Health.Checked:
		fmt.Fprintf(tw, "Health\t%s\n", dimStyle.Render("not checked yet"))
	case d.Health.Healthy:
		fmt.Fprintf(tw, "Health\t%s (%d ms, %s)\n", successStyle.Render("healthy"),
			d.Health.LastResponseTimeMs, d.Health.LastCheckAt.Format(time.TimeOnly))
	default:
		fmt.Fprintf(tw, "Health\t%s (%s)\n", errorStyle.Render("unhealthy"), d.Health.LastError)
	}

	m := d.Metrics
	fmt.Fprintf(tw, "Requests\t%d total, %d ok, %d failed, %d retries\n",
		m.TotalRequests, m.SuccessCount, m.FailureCount, m.RetryCount)
	fmt.Fprintf(tw, "Avg latency\t%.1f ms\n", m.AverageResponseTimeMs)
	if m.LastErrorMessage != "" {
		at := ""
		if m.LastErrorAt != nil {
			at = " at " + m.LastErrorAt.Format(time.TimeOnly)
		}
		fmt.Fprintf(tw, "Last error\t%s%s\n", m.LastErrorMessage, at)
	}
	if d.Session != nil {
		fmt.Fprintf(tw, "Session\t%s (%d messages)\n", d.Session.ID, d.Session.MessageCount)
	} else {
		fmt.Fprintf(tw, "Session\t%s\n", dimStyle.Render("none"))
	}
	return tw.Flush()
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
