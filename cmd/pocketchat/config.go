package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/pocketchat/internal/chat"
	"github.com/kalambet/pocketchat/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("# %s\n", config.FilePath())
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(tw, "  %s\t= %s\t%s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		tw.Flush()

		for _, id := range chat.Providers[1:] {
			state := "not set"
			if cfg.ProviderFor(id).APIKey != "" {
				state = "set"
			}
			fmt.Printf("  %s api key: %s\n", id, state)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

API keys and the server token are read from the environment only
(PCHAT_OPENAI_API_KEY, PCHAT_ANTHROPIC_API_KEY, PCHAT_OPENROUTER_API_KEY,
PCHAT_SERVER_TOKEN).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}
		if _, err := config.Load(); err != nil {
			printWarning("config is now invalid: %v", err)
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
