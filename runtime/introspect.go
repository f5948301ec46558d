package runtime

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// FrameDataVersion tags the layout of FrameData. Streams written with a
// different version are rejected by RestoreFrame.
const FrameDataVersion = 1

// FrameState is the public part of a suspended frame.
type FrameState struct {
	Code    *Code
	Globals *Module
	IP      int
	// Locals holds bound fast slots in VarNames order followed by the
	// contents of non-empty cells. Unbound slots and empty cells are absent.
	Locals *Dict
}

// FrameData is everything else a paused frame needs to resume: the operand
// stack and the active exception blocks.
type FrameData struct {
	Version int
	Stack   []Value
	Blocks  []Block
}

// FreshFrameData is the frame data of a frame that has not started.
func FreshFrameData() FrameData {
	return FrameData{Version: FrameDataVersion}
}

func pausedFrame(g *Generator) (*Frame, error) {
	if g.running {
		return nil, ErrGeneratorRunning
	}
	if g.frame == nil {
		return nil, ErrFrameReleased
	}
	return g.frame, nil
}

func InspectFrame(g *Generator) (FrameState, error) {
	f, err := pausedFrame(g)
	if err != nil {
		return FrameState{}, err
	}
	locals := NewDict()
	for i, name := range f.code.VarNames {
		if f.fast[i] != Unset {
			locals.Set(name, f.fast[i])
		}
	}
	for i, name := range f.code.CellSlots() {
		if v, ok := f.cells[i].Get(); ok {
			locals.Set(name, v)
		}
	}
	return FrameState{Code: f.code, Globals: f.globals, IP: f.ip, Locals: locals}, nil
}

func PrivateFrameData(g *Generator) (FrameData, error) {
	f, err := pausedFrame(g)
	if err != nil {
		return FrameData{}, err
	}
	return FrameData{
		Version: FrameDataVersion,
		Stack:   slices.Clone(f.values),
		Blocks:  slices.Clone(f.blocks),
	}, nil
}

// RestoreFrame overwrites the state of a generator that has not started
// yet. slots holds one value per VarNames entry (Unset for unbound) followed
// by one *Cell per cell slot. Nothing is written unless every check passes.
func RestoreFrame(g *Generator, ip int, slots []Value, data FrameData) error {
	f, err := pausedFrame(g)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFrameShape, err)
	}
	if f.ip != NotStarted {
		return fmt.Errorf("%w: %s has already started", ErrFrameShape, g.QualName)
	}
	code := f.code
	nfast := len(code.VarNames)
	ncells := len(code.CellVars) + len(code.FreeVars)
	if len(slots) != nfast+ncells {
		return fmt.Errorf("%w: %s expects %d slots, got %d", ErrFrameShape, code.QualName, nfast+ncells, len(slots))
	}
	cells := make([]*Cell, ncells)
	for i, v := range slots[nfast:] {
		c, ok := v.(*Cell)
		if !ok {
			return fmt.Errorf("%w: slot %d of %s must be a cell, not %s", ErrFrameShape, nfast+i, code.QualName, TypeName(v))
		}
		cells[i] = c
	}
	if data.Version != FrameDataVersion {
		return fmt.Errorf("%w: frame data version %d, want %d", ErrFrameShape, data.Version, FrameDataVersion)
	}
	if ip != NotStarted && (ip < 0 || ip > len(code.Instructions)) {
		return fmt.Errorf("%w: instruction pointer %d outside %s", ErrFrameShape, ip, code.QualName)
	}
	if ip == NotStarted && (len(data.Stack) > 0 || len(data.Blocks) > 0) {
		return fmt.Errorf("%w: unstarted frame carries stack state", ErrFrameShape)
	}
	for _, b := range data.Blocks {
		if b.Kind != BlockExcept || b.Handler < 0 || b.Handler >= len(code.Instructions) || b.Level < 0 || b.Level > len(data.Stack) {
			return fmt.Errorf("%w: bad block %+v in %s", ErrFrameShape, b, code.QualName)
		}
	}

	f.ip = ip
	copy(f.fast, slots[:nfast])
	f.cells = cells
	f.values = slices.Clone(data.Stack)
	f.blocks = slices.Clone(data.Blocks)
	return nil
}
