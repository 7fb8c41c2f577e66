package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the backend URL in ~/.hubsync/config.toml",
	Long:  "Initialize the hubsync CLI by storing the backend URL and default storage settings in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		if cfg.Storage.Backend == "" {
			cfg.Storage.Backend = "sqlite"
		}
		if cfg.Realtime.Transport == "" {
			cfg.Realtime.Transport = "websocket"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Backend URL saved to %s\n", path)
		return nil
	},
}
