package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-proxy-go/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the proxy configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long:  `Write a configuration file with defaults. Credentials come from the environment or can be edited in afterwards.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().String("provider", config.DefaultPreferredProvider, "preferred backend provider (openai/gemini/anthropic)")
	configInitCmd.Flags().String("big-model", config.DefaultBigModel, "model serving the sonnet/opus tier")
	configInitCmd.Flags().String("small-model", config.DefaultSmallModel, "model serving the haiku tier")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing configuration file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")
	if cfgMgr.Exists() && !force {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", cfgMgr.GetPath())
	}

	preferred, _ := cmd.Flags().GetString("provider")
	bigModel, _ := cmd.Flags().GetString("big-model")
	smallModel, _ := cmd.Flags().GetString("small-model")

	cfg := &config.Config{
		Host: config.DefaultHost,
		Port: config.DefaultPort,
		Providers: []config.Provider{
			{Name: preferred},
		},
		Router: config.RouterConfig{
			PreferredProvider: preferred,
			BigModel:          bigModel,
			SmallModel:        smallModel,
		},
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration written to: %s", cfgMgr.GetPath())
	color.Yellow("Add provider API keys to the file, or set OPENAI_API_KEY / GEMINI_API_KEY / ANTHROPIC_API_KEY")
	color.Cyan("You can now start the proxy with: ccp start")

	return nil
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run 'ccp config init' to create one.")
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-15s: %s\n", "Host", cfg.Host)
	fmt.Printf("  %-15s: %d\n", "Port", cfg.Port)
	fmt.Printf("  %-15s: %s\n", "API Key", maskString(cfg.APIKey))
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nProviders:")
	for _, provider := range cfg.Providers {
		fmt.Printf("  - Name: %s\n", provider.Name)
		if provider.APIBase != "" {
			fmt.Printf("    API Base: %s\n", provider.APIBase)
		}
		fmt.Printf("    API Key: %s\n", maskString(provider.APIKey))
		fmt.Println()
	}

	fmt.Println("Router Configuration:")
	fmt.Printf("  %-20s: %s\n", "Preferred Provider", cfg.Router.PreferredProvider)
	fmt.Printf("  %-20s: %s\n", "Big Model", cfg.Router.BigModel)
	fmt.Printf("  %-20s: %s\n", "Small Model", cfg.Router.SmallModel)
	if cfg.Router.Default != "" {
		fmt.Printf("  %-20s: %s\n", "Default", cfg.Router.Default)
	}
	if cfg.Router.LongContext != "" {
		fmt.Printf("  %-20s: %s (over %d tokens)\n", "Long Context", cfg.Router.LongContext, cfg.Router.LongContextThreshold)
	}
	for alias, target := range cfg.Router.Aliases {
		fmt.Printf("  %-20s: %s -> %s\n", "Alias", alias, target)
	}

	return nil
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var problems []string

	knownFamilies := map[string]bool{"openai": true, "gemini": true, "anthropic": true}

	if !knownFamilies[cfg.Router.PreferredProvider] {
		problems = append(problems, fmt.Sprintf("preferred provider %q is not a known family", cfg.Router.PreferredProvider))
	}

	for i, provider := range cfg.Providers {
		if provider.Name == "" {
			problems = append(problems, fmt.Sprintf("provider %d: name is required", i))
		} else if !knownFamilies[provider.Name] {
			problems = append(problems, fmt.Sprintf("provider %d: unknown family %q", i, provider.Name))
		}
	}

	if _, ok := cfg.ProviderByName(cfg.Router.PreferredProvider); !ok {
		problems = append(problems, fmt.Sprintf("no credentials configured for preferred provider %q", cfg.Router.PreferredProvider))
	}

	if cfg.Router.BigModel == "" || cfg.Router.SmallModel == "" {
		problems = append(problems, "big and small models are required")
	}

	if len(problems) > 0 {
		color.Red("Configuration validation failed:")
		for _, problem := range problems {
			fmt.Printf("  - %s\n", problem)
		}

		return fmt.Errorf("configuration validation failed")
	}

	color.Green("Configuration is valid!")

	return nil
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}

	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}

	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
