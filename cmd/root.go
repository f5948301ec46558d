package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ddn0/cloudpickle-generators/generators"
	"github.com/ddn0/cloudpickle-generators/internal/config"
	"github.com/ddn0/cloudpickle-generators/internal/logging"
)

var (
	cfgFile  string
	logLevel string
	trace    bool

	cfg = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "genpickle",
	Short: "Run, snapshot and resume generator programs",
	Long: `genpickle runs generator programs written in the .gasm assembly format.

A generator can be stopped after any number of steps and saved to a file.
The saved snapshot is resumed later, in another process, with the exact
locals, operand stack and exception handlers it had when it was saved.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.LogLevel = logLevel
		}
		if cmd.Flags().Changed("trace") {
			loaded.Trace = trace
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		logging.InitWriter(cmd.ErrOrStderr(), cfg.LogLevel)
		return generators.SetLayoutCacheSize(cfg.LayoutCacheSize)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&trace, "trace", false, "print every executed instruction")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(disasmCmd)
	rootCmd.AddCommand(versionCmd)
}
