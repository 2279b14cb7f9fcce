package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-ioa/internal/config"
	"github.com/ehrlich-b/go-ioa/internal/logging"
)

var (
	cfgFile string
	verbose bool

	v   = config.New()
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "ioa-sim",
	Short:         "Exercise the IOA engine against a simulated adapter",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = c

		lc := logging.DefaultConfig()
		lc.Level = logging.ParseLevel(c.Log.Level)
		if verbose {
			lc.Level = logging.LevelDebug
		}
		lc.Format = c.Log.Format
		logging.SetDefault(logging.NewLogger(lc))

		if f := v.ConfigFileUsed(); f != "" {
			logging.Debug("using config file", "path", f)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// The simulator finishes its self test almost at once
	v.SetDefault("timeouts.bist", 10*time.Millisecond)
	v.SetDefault("timeouts.poll", time.Millisecond)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./ioa.yaml, $HOME/.ioa, /etc/ioa)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text or json)")
	rootCmd.PersistentFlags().Int("arena", 0, "command contexts in the arena (overrides arena.size)")

	v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	v.BindPFlag("arena.size", rootCmd.PersistentFlags().Lookup("arena"))
}
