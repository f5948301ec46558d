package generators

import (
	"fmt"

	"github.com/ddn0/cloudpickle-generators/runtime"
)

// Fill writes a captured state into a skeleton from CreateSkeleton and
// returns it. Direct locals missing from locals are left unset; cell slots
// get a fresh cell each, empty when the name is missing. Either the whole
// state is written or, on ErrShapeMismatch, none of it.
func Fill(gen *runtime.Generator, ip int, locals *runtime.Dict, data runtime.FrameData) (*runtime.Generator, error) {
	state, err := runtime.InspectFrame(gen)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrShapeMismatch, gen.QualName, err)
	}
	layout := layoutFor(state.Code)

	if locals == nil {
		locals = runtime.NewDict()
	}
	for _, name := range locals.Keys() {
		if !layout.names[name] {
			return nil, fmt.Errorf("%w: %s has no slot %q", ErrShapeMismatch, state.Code.QualName, name)
		}
	}

	slots := make([]runtime.Value, 0, layout.size())
	for _, name := range layout.direct {
		if v, ok := locals.Get(name); ok && !layout.inCell[name] {
			slots = append(slots, v)
		} else {
			slots = append(slots, runtime.Unset)
		}
	}
	for _, name := range layout.cells {
		if v, ok := locals.Get(name); ok && v != runtime.Unset {
			slots = append(slots, runtime.NewCell(v))
		} else {
			slots = append(slots, runtime.NewEmptyCell())
		}
	}

	if err := runtime.RestoreFrame(gen, ip, slots, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	return gen, nil
}
