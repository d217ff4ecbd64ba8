// steward-bridge speaks line-delimited JSON-RPC on stdio and forwards tool
// calls to a running steward-server over its websocket bus.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"steward/internal/bridge"
	"steward/internal/config"
	"steward/internal/logging"
)

func main() {
	var (
		busURL    string
		authToken string
	)

	root := &cobra.Command{
		Use:          "steward-bridge",
		Short:        "Stdio JSON-RPC adapter for the steward bus",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("configuration: %w", err)
			}
			if busURL == "" {
				busURL = fmt.Sprintf("ws://%s/ws", cfg.BusAddr())
			}
			if authToken == "" {
				authToken = cfg.AuthToken
			}

			// Stdout carries the protocol, so logs go only to the file.
			logging.SetMirror(false)
			if err := logging.Configure(logging.ParseLevel(cfg.LogLevel), cfg.LogFile); err != nil {
				return fmt.Errorf("logging: %w", err)
			}
			defer logging.Close()

			adapter := bridge.New(busURL, authToken, logging.NewComponentLogger("Bridge"))
			return adapter.Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	root.Flags().StringVar(&busURL, "url", "", "bus websocket URL (default ws://<host>:<port>/ws from config)")
	root.Flags().StringVar(&authToken, "token", "", "bus auth token (default AUTH_TOKEN from config)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
