package generators

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/ddn0/cloudpickle-generators/pickle"
	"github.com/ddn0/cloudpickle-generators/runtime"
)

// Reconstructor names written into streams. They must not change.
const (
	FillName           = "generators.fill_generator"
	CreateSkeletonName = "generators.create_skeleton_generator"
	RestoreSpentName   = "generators.restore_spent_generator"
)

func init() {
	pickle.Register(FillName, fillGenerator)
	pickle.Register(CreateSkeletonName, createSkeletonGenerator)
	pickle.Register(RestoreSpentName, restoreSpentGenerator)
}

var generatorType = reflect.TypeOf((*runtime.Generator)(nil))

// Handler is the pickle.Handler for *runtime.Generator.
type Handler struct{}

var handler = &Handler{}

// Register installs the generator handler into d, which must not be nil.
// Registering again leaves a single handler in place.
func Register(d *pickle.Dispatch) {
	d.Set(generatorType, handler)
}

// Unregister removes the handler if d still holds it and reports whether it
// did. A handler installed by someone else is left alone.
func Unregister(d *pickle.Dispatch) bool {
	current, ok := d.Get(generatorType)
	if !ok || current != pickle.Handler(handler) {
		return false
	}
	d.Delete(generatorType)
	return true
}

// Registered reports whether d currently holds the generator handler.
func Registered(d *pickle.Dispatch) bool {
	current, ok := d.Get(generatorType)
	return ok && current == pickle.Handler(handler)
}

// Reduce writes
//
//	fill_generator(create_skeleton_generator(carrier), ip, locals, frame_data)
//
// with the skeleton memoized as gen before ip, locals and frame data are
// written, so locals that refer back to gen resolve to the restored object.
func (h *Handler) Reduce(p *pickle.Pickler, v runtime.Value) error {
	gen, ok := v.(*runtime.Generator)
	if !ok {
		return fmt.Errorf("generator handler called with %s", runtime.TypeName(v))
	}

	capture, err := Extract(gen)
	if errors.Is(err, ErrExhausted) {
		p.Logger().Debug("pickling exhausted generator", "qualname", gen.QualName)
		return p.SaveReduce(RestoreSpentName, runtime.Tuple{gen.Name, gen.QualName}, gen)
	}
	if err != nil {
		return err
	}

	snap := capture.Snapshot
	p.Logger().Debug("pickling suspended generator",
		"qualname", gen.QualName, "ip", snap.InstructionPointer, "locals", snap.Locals.Len(), "stack", len(snap.FrameData.Stack))
	return p.SaveMakeFill(FillName, CreateSkeletonName, runtime.Tuple{capture.Carrier}, gen,
		int64(snap.InstructionPointer), snap.Locals, encodeFrameData(snap.FrameData))
}

// encodeFrameData flattens frame data to (version, (stack...), ((kind,
// handler, level)...)).
func encodeFrameData(d runtime.FrameData) runtime.Tuple {
	blocks := make(runtime.Tuple, len(d.Blocks))
	for i, b := range d.Blocks {
		blocks[i] = runtime.Tuple{int64(b.Kind), int64(b.Handler), int64(b.Level)}
	}
	return runtime.Tuple{int64(d.Version), runtime.Tuple(d.Stack), blocks}
}

func decodeFrameData(v runtime.Value) (runtime.FrameData, error) {
	bad := func(what string) (runtime.FrameData, error) {
		return runtime.FrameData{}, fmt.Errorf("%w: malformed frame data: %s", ErrShapeMismatch, what)
	}
	t, ok := v.(runtime.Tuple)
	if !ok || len(t) != 3 {
		return bad("not a 3-tuple")
	}
	version, ok := t[0].(int64)
	if !ok {
		return bad("version")
	}
	stack, ok := t[1].(runtime.Tuple)
	if !ok {
		return bad("stack")
	}
	rawBlocks, ok := t[2].(runtime.Tuple)
	if !ok {
		return bad("blocks")
	}
	d := runtime.FrameData{Version: int(version), Stack: []runtime.Value(stack)}
	for _, rb := range rawBlocks {
		b, ok := rb.(runtime.Tuple)
		if !ok || len(b) != 3 {
			return bad("block entry")
		}
		kind, ok1 := b[0].(int64)
		target, ok2 := b[1].(int64)
		level, ok3 := b[2].(int64)
		if !ok1 || !ok2 || !ok3 {
			return bad("block field")
		}
		if kind < 0 || kind > math.MaxUint8 {
			return bad(fmt.Sprintf("block kind %d", kind))
		}
		d.Blocks = append(d.Blocks, runtime.Block{Kind: runtime.BlockKind(kind), Handler: int(target), Level: int(level)})
	}
	return d, nil
}

func fillGenerator(u *pickle.Unpickler, args runtime.Tuple) (runtime.Value, error) {
	if len(args) != 4 {
		return nil, fmt.Errorf("%s takes 4 arguments, got %d", FillName, len(args))
	}
	gen, ok := args[0].(*runtime.Generator)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects a generator, not %s", ErrShapeMismatch, FillName, runtime.TypeName(args[0]))
	}
	ip, ok := args[1].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: instruction pointer is %s", ErrShapeMismatch, runtime.TypeName(args[1]))
	}
	locals, ok := args[2].(*runtime.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: locals are %s", ErrShapeMismatch, runtime.TypeName(args[2]))
	}
	data, err := decodeFrameData(args[3])
	if err != nil {
		return nil, err
	}
	restored, err := Fill(gen, int(ip), locals, data)
	if err != nil {
		return nil, err
	}
	return restored, nil
}

func createSkeletonGenerator(u *pickle.Unpickler, args runtime.Tuple) (runtime.Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s takes 1 argument, got %d", CreateSkeletonName, len(args))
	}
	carrier, ok := args[0].(*runtime.Function)
	if !ok {
		return nil, fmt.Errorf("%w: carrier is %s", ErrShapeMismatch, runtime.TypeName(args[0]))
	}
	skeleton, err := CreateSkeleton(u.Machine(), carrier)
	if err != nil {
		return nil, err
	}
	return skeleton, nil
}

func restoreSpentGenerator(u *pickle.Unpickler, args runtime.Tuple) (runtime.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%s takes 2 arguments, got %d", RestoreSpentName, len(args))
	}
	name, ok1 := args[0].(string)
	qualname, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s expects two names", RestoreSpentName)
	}
	u.Logger().Debug("restoring exhausted generator", "qualname", qualname)
	gen, err := RestoreSpent(u.Machine(), name, qualname)
	if err != nil {
		return nil, err
	}
	return gen, nil
}
