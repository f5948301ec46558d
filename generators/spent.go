package generators

import (
	"errors"
	"fmt"

	"github.com/ddn0/cloudpickle-generators/runtime"
)

var (
	spentCode   = buildSpentCode()
	spentModule = runtime.NewModule("generators")
)

// buildSpentCode assembles a generator body that returns None at once.
func buildSpentCode() *runtime.Code {
	b := runtime.NewCodeBuilder("spent")
	b.Code().Flags = runtime.FlagGenerator
	b.WriteOpU16(runtime.LOAD_CONST, b.AddConst(nil), 1)
	b.WriteOp(runtime.RETURN_VALUE, 1)
	code, err := b.Finish()
	if err != nil {
		panic(err)
	}
	return code
}

// RestoreSpent returns an exhausted generator carrying name and qualname.
// The generator is run once so that its frame is released, the same state a
// finished generator is in.
func RestoreSpent(m *runtime.Machine, name string, qualname string) (*runtime.Generator, error) {
	fn, err := runtime.NewFunction(spentCode, spentModule, name, nil)
	if err != nil {
		return nil, err
	}
	fn.QualName = qualname

	v, err := m.Call(fn, nil, nil)
	if err != nil {
		return nil, err
	}
	gen := v.(*runtime.Generator)
	if _, err := gen.Next(); !errors.Is(err, runtime.ErrStopIteration) {
		return nil, fmt.Errorf("spent generator %s did not stop: %v", qualname, err)
	}
	return gen, nil
}
