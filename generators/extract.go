package generators

import (
	"errors"
	"fmt"

	"github.com/ddn0/cloudpickle-generators/runtime"
)

// Snapshot is the execution state of a paused generator. Locals holds every
// bound local and every non-empty cell by name; a name that is absent was
// unset or empty when the snapshot was taken.
type Snapshot struct {
	InstructionPointer int
	Locals             *runtime.Dict
	FrameData          runtime.FrameData
}

// Capture pairs a snapshot with the carrier: a function sharing the
// generator's code, globals and names whose closure cells are all empty.
// The carrier travels through the ordinary function reducer; the captured
// cell contents travel in the snapshot.
type Capture struct {
	Carrier  *runtime.Function
	Snapshot Snapshot
}

// frameError maps a frame capability error onto this package's errors. A
// frame released after the exhausted check means the generator finished in
// between, which is the exhausted case.
func frameError(g *runtime.Generator, err error) error {
	switch {
	case errors.Is(err, runtime.ErrFrameReleased):
		return fmt.Errorf("%w: %s: %v", ErrExhausted, g.QualName, err)
	case errors.Is(err, runtime.ErrGeneratorRunning):
		return fmt.Errorf("%w: %s: %v", ErrUnsupportedState, g.QualName, err)
	}
	return err
}

// Extract reads the state of g. It returns ErrExhausted when g has finished,
// including when the frame is released between the check and the read.
func Extract(g *runtime.Generator) (*Capture, error) {
	if g.Running() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedState, g.QualName)
	}
	if g.Exhausted() {
		return nil, fmt.Errorf("%w: %s", ErrExhausted, g.QualName)
	}

	state, err := runtime.InspectFrame(g)
	if err != nil {
		return nil, frameError(g, err)
	}
	data, err := runtime.PrivateFrameData(g)
	if err != nil {
		return nil, frameError(g, err)
	}

	closure := make([]*runtime.Cell, len(state.Code.FreeVars))
	for i := range closure {
		closure[i] = runtime.NewEmptyCell()
	}
	carrier, err := runtime.NewFunction(state.Code, state.Globals, g.Name, closure)
	if err != nil {
		return nil, err
	}
	carrier.QualName = g.QualName

	return &Capture{
		Carrier: carrier,
		Snapshot: Snapshot{
			InstructionPointer: state.IP,
			Locals:             state.Locals,
			FrameData:          data,
		},
	}, nil
}
