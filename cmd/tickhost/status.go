// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/holomush/tickhost/internal/config"
	"github.com/holomush/tickhost/internal/observability"
)

// statusConfig holds configuration for the status command.
type statusConfig struct {
	addr     string
	attempts uint64
	interval time.Duration
	timeout  time.Duration
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the readiness of a running host",
		Long: `Poll the readiness probe of a running host until it reports ready,
then print the started plugins. Exits non-zero if the host never becomes ready.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.addr, "addr", config.Default().MetricsAddr, "observability address of the host")
	cmd.Flags().Uint64Var(&cfg.attempts, "attempts", 10, "readiness attempts before giving up")
	cmd.Flags().DurationVar(&cfg.interval, "interval", 500*time.Millisecond, "delay between attempts")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 2*time.Second, "per-request timeout")

	return cmd
}

func runStatus(ctx context.Context, out io.Writer, cfg *statusConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client := &http.Client{Timeout: cfg.timeout}

	backoff := retry.WithMaxRetries(cfg.attempts, retry.NewConstant(cfg.interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := observability.CheckReady(ctx, client, cfg.addr); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return oops.Code("HOST_NOT_READY").With("addr", cfg.addr).Wrap(err)
	}

	plugins, err := fetchPlugins(ctx, client, cfg.addr)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "ready (%s)\n", cfg.addr)
	for _, name := range plugins {
		fmt.Fprintf(out, "  %s\n", name)
	}
	return nil
}

func fetchPlugins(ctx context.Context, client *http.Client, addr string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+observability.PluginsPath, nil)
	if err != nil {
		return nil, oops.Code("STATUS_REQUEST_FAILED").Wrap(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, oops.Code("STATUS_REQUEST_FAILED").With("addr", addr).Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	var payload struct {
		Plugins []string `json:"plugins"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, oops.Code("STATUS_DECODE_FAILED").With("addr", addr).Wrap(err)
	}
	return payload.Plugins, nil
}
