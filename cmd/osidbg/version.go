package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctagard/osidbg/internal/version"
)

type versionInfo struct {
	Version         string `json:"version"`
	ProtocolVersion uint32 `json:"protocol_version"`
}

func newVersionCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !asJSON {
				cmd.Println(version.String())
				return nil
			}
			data, err := json.MarshalIndent(versionInfo{
				Version:         version.GetVersion(),
				ProtocolVersion: version.ProtocolVersion,
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal version info: %w", err)
			}
			cmd.Println(string(data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
