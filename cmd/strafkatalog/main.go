package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "strafkatalog",
	Short: "LSPD penalty catalog server",
	Long: `strafkatalog serves the LSPD penalty catalog.

Catalog edits are serialized by a lease-based advisory lock; every signed-in
session sees who holds it and for how long.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to config.yaml (default: built-in single-node defaults)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	return cfg, nil
}
