package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cocoabot/cocoa/internal/config"
	"github.com/cocoabot/cocoa/internal/gateway"
	"github.com/cocoabot/cocoa/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "cocoa",
	Short: "cocoa - conversational companion for group messaging",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + scheduler)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize the config file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cocoa status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	def := cfg.Profile(cfg.Agent.DefaultProfile)
	if def.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'cocoa onboard' or set COCOA_API_KEY")
	}
	if !cfg.Channels.Slack.Enabled && !cfg.Channels.Telegram.Enabled {
		return fmt.Errorf("no channel enabled. Edit %s", config.ConfigPath())
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Config already exists: %s\n", cfgPath)
		return nil
	}

	if err := config.SaveConfig(config.DefaultConfig()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Created config: %s\n", cfgPath)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and enable a channel\n", cfgPath)
	fmt.Println("  2. Run 'cocoa gateway' to start")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Default profile: %s\n", cfg.Agent.DefaultProfile)
	for name, p := range cfg.Agent.Profiles {
		fmt.Printf("  %s: %s (cost %d, vision %v)\n", name, p.Model, p.Cost, p.Vision)
	}
	def := cfg.Profile(cfg.Agent.DefaultProfile)
	if key := def.APIKey; key != "" && len(key) > 8 {
		fmt.Printf("API Key: %s...%s\n", key[:4], key[len(key)-4:])
	} else if key != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Slack: enabled=%v\n", cfg.Channels.Slack.Enabled)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Store: %s\n", cfg.Store.Backend)

	st, err := store.Open(cfg.Store)
	if err != nil {
		fmt.Printf("Store: open error (%v)\n", err)
		return nil
	}
	if closer, ok := st.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	users := store.NewUsers(st).All()
	fmt.Printf("Users: %d\n", len(users))
	return nil
}
