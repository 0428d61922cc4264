package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/pixperk/turnstile/pkg/client"
	"github.com/pixperk/turnstile/pkg/config"
	"github.com/pixperk/turnstile/pkg/logging"
	"github.com/spf13/cobra"
)

var errNotTurnstile = errors.New("status is only available for the turnstile backend")

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Print the raft and tree status of a turnstile node",
	Args:    cobra.NoArgs,
	PreRunE: bindFlags,
	RunE:    runStatus,
}

func init() {
	config.ClientFlags(statusCmd.Flags())
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.ClientFromViper(v)
	if err != nil {
		return err
	}
	if cfg.Backend != config.BackendTurnstile {
		return errNotTurnstile
	}

	c, err := client.NewClient(cfg.Endpoints[0], "status", client.WithLogger(logging.New("turnstile", cfg.LogLevel)))
	if err != nil {
		return err
	}
	defer c.Stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
	defer cancel()

	resp, err := c.Status(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
