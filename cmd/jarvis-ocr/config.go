package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jarvishome/jarvis-ocr/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and scaffold configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Long: `Write a default config file.

Every key in the file can also be set through its uppercase environment
variable; the environment always wins.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		fmt.Printf("redis_addr: %s\n", cfg.RedisAddr())
		fmt.Printf("tiers: %v\n", cfg.ConfiguredTiers())
		fmt.Printf("max_text_bytes: %d\n", cfg.MaxTextBytes)
		fmt.Printf("max_attempts: %d\n", cfg.MaxAttempts)
		fmt.Printf("language_default: %s\n", cfg.LanguageDefault)
		fmt.Printf("validation_model: %s\n", cfg.ValidationModel)
		fmt.Printf("state_ttl_seconds: %d\n", cfg.StateTTLSeconds)
		fmt.Printf("tier_timeout_seconds: %d\n", cfg.TierTimeoutSeconds)
		fmt.Printf("local_image_root: %s\n", cfg.LocalImageRoot)
		fmt.Printf("public_url: %s\n", cfg.PublicURL)
		fmt.Printf("port: %d\n", cfg.Port)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
