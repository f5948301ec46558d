package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ddn0/cloudpickle-generators/runtime"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm <file.gasm | snapshot>",
	Short: "Print the bytecode of a program or a saved generator",
	Long: `Print the bytecode of every function in a .gasm program.

Any other file is loaded as a saved generator; its paused instruction
pointer, locals and operand stack are printed before its code.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if filepath.Ext(args[0]) == ".gasm" {
			prog, err := assembleFile(args[0])
			if err != nil {
				return err
			}
			for _, name := range prog.QualNames() {
				runtime.Disassemble(out, prog.Codes[name])
			}
			return nil
		}

		g, err := loadSnapshot(cmd, args[0])
		if err != nil {
			return err
		}
		if g.Exhausted() {
			fmt.Fprintf(out, "%s: exhausted\n", g.QualName)
			return nil
		}
		state, err := runtime.InspectFrame(g)
		if err != nil {
			return err
		}
		data, err := runtime.PrivateFrameData(g)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: ip %d\n", g.QualName, state.IP)
		fmt.Fprintf(out, "locals: %s\n", runtime.Repr(state.Locals))
		fmt.Fprintf(out, "stack:  %s\n", runtime.Repr(runtime.Tuple(data.Stack)))
		runtime.Disassemble(out, state.Code)
		return nil
	},
}
