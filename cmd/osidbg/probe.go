package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctagard/osidbg/internal/client"
	"github.com/ctagard/osidbg/internal/config"
	"github.com/ctagard/osidbg/internal/log"
	"github.com/ctagard/osidbg/internal/version"
)

func newProbeCommand() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Identify against a running debug server and print its version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runProbe(ctx, cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.DefaultListenAddress, "Debug server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Give up after this long")
	return cmd
}

func runProbe(ctx context.Context, cmd *cobra.Command, addr string) error {
	logger := log.New(&log.Config{Level: "warn", Output: cmd.ErrOrStderr()})

	c, err := client.Dial(ctx, addr, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	info, err := c.Identify(ctx, version.ProtocolVersion)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal version info: %w", err)
	}
	cmd.Println(string(data))

	if !version.Compatible(info.ProtocolVersion) {
		return fmt.Errorf("server speaks protocol %d, this client speaks %d", info.ProtocolVersion, version.ProtocolVersion)
	}
	return nil
}
