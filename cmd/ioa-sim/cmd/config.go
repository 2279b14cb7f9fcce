package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print every configuration key with the value the engine would use, after
merging the config file, IOA_* environment variables and flags.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := v.AllKeys()
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%-26s %v\n", k, v.Get(k))
		}
		if f := v.ConfigFileUsed(); f != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "\n# from %s\n", f)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# termination code %d\n", cfg.Termination())
		return nil
	},
}
