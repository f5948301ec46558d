package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ddn0/cloudpickle-generators/asm"
	"github.com/ddn0/cloudpickle-generators/runtime"
)

var (
	runEntry string
	runArgs  []string
	runSteps int
	runSave  string
)

var runCmd = &cobra.Command{
	Use:   "run <file.gasm>",
	Short: "Assemble a program and call its entry function",
	Long: `Assemble a program and call its entry function with the given arguments.

When the entry function returns a generator, it is advanced --steps times
(all the way when negative) and optionally saved with --save.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prog, err := assembleFile(args[0])
		if err != nil {
			return err
		}
		fn, err := prog.Function(runEntry)
		if err != nil {
			return err
		}
		values := make([]runtime.Value, len(runArgs))
		for i, a := range runArgs {
			v, err := asm.ParseValue(a)
			if err != nil {
				return fmt.Errorf("argument %d: %w", i+1, err)
			}
			values[i] = v
		}

		result, err := newMachine(cmd).Call(fn, values, nil)
		if err != nil {
			return err
		}
		g, ok := result.(*runtime.Generator)
		if !ok {
			if runSave != "" {
				return fmt.Errorf("%s returned %s, not a generator", runEntry, runtime.TypeName(result))
			}
			fmt.Fprintln(cmd.OutOrStdout(), runtime.Repr(result))
			return nil
		}
		return advance(cmd.OutOrStdout(), g, runSteps, runSave)
	},
}

func init() {
	runCmd.Flags().StringVar(&runEntry, "entry", "main", "function to call")
	runCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "positional argument literal (repeatable)")
	runCmd.Flags().IntVar(&runSteps, "steps", -1, "number of values to pull from the generator")
	runCmd.Flags().StringVar(&runSave, "save", "", "write the generator to this file afterwards")
}
