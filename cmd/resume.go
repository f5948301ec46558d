package cmd

import (
	"github.com/spf13/cobra"
)

var (
	resumeSteps int
	resumeSave  string
)

var resumeCmd = &cobra.Command{
	Use:   "resume <snapshot>",
	Short: "Load a saved generator and continue it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := loadSnapshot(cmd, args[0])
		if err != nil {
			return err
		}
		return advance(cmd.OutOrStdout(), g, resumeSteps, resumeSave)
	},
}

func init() {
	resumeCmd.Flags().IntVar(&resumeSteps, "steps", -1, "number of values to pull from the generator")
	resumeCmd.Flags().StringVar(&resumeSave, "save", "", "write the generator to this file afterwards")
}
