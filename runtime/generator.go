package runtime

import "errors"

// Generator is a suspended computation: a frame that has been created by
// calling generator code and advances only when resumed. Once the body
// finishes, the frame is released and every further resume stops at once.
type Generator struct {
	Name     string
	QualName string

	machine *Machine
	frame   *Frame
	running bool
}

func (g *Generator) Machine() *Machine {
	return g.machine
}

func (g *Generator) Started() bool {
	return g.frame == nil || g.frame.ip != NotStarted
}

func (g *Generator) Running() bool {
	return g.running
}

func (g *Generator) Exhausted() bool {
	return g.frame == nil
}

func (g *Generator) Next() (Value, error) {
	return g.Send(nil)
}

// Send resumes the generator with v as the result of the paused yield. A
// generator that returns reports a StopIteration carrying the return value.
func (g *Generator) Send(v Value) (Value, error) {
	if g.running {
		return nil, NewException(ErrValueError.Kind, "generator already executing")
	}
	if g.frame == nil {
		return nil, stopIteration(nil)
	}
	if g.frame.ip == NotStarted && v != nil {
		return nil, NewException(ErrTypeError.Kind, "can't send non-None value to a just-started generator")
	}
	return g.resume(v, nil)
}

// Throw raises exc at the point where the generator is paused.
func (g *Generator) Throw(exc *Exception) (Value, error) {
	if g.running {
		return nil, NewException(ErrValueError.Kind, "generator already executing")
	}
	if g.frame == nil {
		return nil, exc
	}
	if g.frame.ip == NotStarted {
		g.frame = nil
		return nil, exc
	}
	return g.resume(nil, exc)
}

// Close raises GeneratorExit inside the generator and releases its frame. A
// generator that yields instead stays suspended and Close reports a
// RuntimeError.
func (g *Generator) Close() error {
	if g.running {
		return NewException(ErrValueError.Kind, "generator already executing")
	}
	if g.frame == nil {
		return nil
	}
	if g.frame.ip == NotStarted {
		g.frame = nil
		return nil
	}
	_, err := g.resume(nil, NewException(ErrGeneratorExit.Kind, ""))
	switch {
	case err == nil:
		return NewException(ErrRuntimeException.Kind, "generator ignored GeneratorExit")
	case errors.Is(err, ErrGeneratorExit), errors.Is(err, ErrStopIteration):
		return nil
	default:
		return err
	}
}

func (g *Generator) resume(sent Value, thrown *Exception) (Value, error) {
	g.running = true
	result, yielded, err := g.machine.execute(g.frame, sent, thrown)
	g.running = false

	if err != nil {
		g.frame = nil
		if errors.Is(err, ErrStopIteration) {
			return nil, NewException(ErrRuntimeException.Kind, "generator raised StopIteration")
		}
		return nil, err
	}
	if yielded {
		return result, nil
	}
	g.frame = nil
	return nil, stopIteration(result)
}
