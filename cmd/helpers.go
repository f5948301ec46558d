package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ddn0/cloudpickle-generators/asm"
	"github.com/ddn0/cloudpickle-generators/generators"
	"github.com/ddn0/cloudpickle-generators/internal/logging"
	"github.com/ddn0/cloudpickle-generators/pickle"
	"github.com/ddn0/cloudpickle-generators/runtime"
)

func newMachine(cmd *cobra.Command) *runtime.Machine {
	m := runtime.NewReleaseMachine()
	m.SetOutput(cmd.OutOrStdout())
	m.TraceExecution = cfg.Trace
	return m
}

func assembleFile(path string) (*asm.Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prog, err := asm.Assemble(name, string(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prog, nil
}

func loadSnapshot(cmd *cobra.Command, path string) (*runtime.Generator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	v, err := pickle.Loads(data, newMachine(cmd), pickle.WithLogger(logging.Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	g, ok := v.(*runtime.Generator)
	if !ok {
		return nil, fmt.Errorf("%s holds a %s, not a generator", path, runtime.TypeName(v))
	}
	logging.Debug("loaded snapshot", "path", path, "generator", g.QualName, "exhausted", g.Exhausted())
	return g, nil
}

// advance resumes g up to steps times, or until it finishes when steps is
// negative, printing what it yields. The generator is then saved to path
// unless path is empty.
func advance(out io.Writer, g *runtime.Generator, steps int, path string) error {
	for i := 0; steps < 0 || i < steps; i++ {
		v, err := g.Next()
		if err != nil {
			ret, ok := runtime.StopValue(err)
			if !ok {
				return err
			}
			fmt.Fprintf(out, "returned %s\n", runtime.Repr(ret))
			break
		}
		fmt.Fprintf(out, "yielded %s\n", runtime.Repr(v))
	}
	if path == "" {
		return nil
	}
	return saveSnapshot(g, path)
}

func saveSnapshot(g *runtime.Generator, path string) error {
	d := pickle.NewDispatch()
	generators.Register(d)
	data, err := pickle.Dumps(g,
		pickle.WithDispatch(d),
		pickle.WithCompression(cfg.CompressionType()),
		pickle.WithLogger(logging.Logger()))
	if err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", g.QualName, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	logging.Info("saved generator", "generator", g.QualName, "path", path, "bytes", len(data), "exhausted", g.Exhausted())
	return nil
}
