package generators

import (
	"fmt"

	"github.com/ddn0/cloudpickle-generators/runtime"
)

// CreateSkeleton calls carrier with None for every positional and
// keyword-only parameter. Calling generator code runs none of the body, so
// the result is a not-started generator with the carrier's slot layout.
// *args and **kw are left empty.
func CreateSkeleton(m *runtime.Machine, carrier *runtime.Function) (*runtime.Generator, error) {
	code := carrier.Code
	if !code.IsGenerator() {
		return nil, fmt.Errorf("%w: %s is not generator code", ErrShapeMismatch, code.QualName)
	}

	args := make([]runtime.Value, code.ArgCount)
	kwargs := make(map[string]runtime.Value, code.KwOnlyCount)
	for _, name := range code.KwOnlyNames() {
		kwargs[name] = nil
	}

	v, err := m.Call(carrier, args, kwargs)
	if err != nil {
		return nil, fmt.Errorf("create skeleton for %s: %w", carrier.QualName, err)
	}
	gen, ok := v.(*runtime.Generator)
	if !ok {
		return nil, fmt.Errorf("%w: calling %s returned %s", ErrShapeMismatch, carrier.QualName, runtime.TypeName(v))
	}
	gen.Name = carrier.Name
	gen.QualName = carrier.QualName
	return gen, nil
}
