package generators_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ddn0/cloudpickle-generators/asm"
	"github.com/ddn0/cloudpickle-generators/generators"
	"github.com/ddn0/cloudpickle-generators/pickle"
	"github.com/ddn0/cloudpickle-generators/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const source = `
; the concrete scenario: x bound locally, y captured from outer
.func outer(y)
.cellvars y
    LOAD_CLOSURE y
    BUILD_TUPLE 1
    LOAD_CONST @outer.gen
    LOAD_CONST "outer.<locals>.gen"
    MAKE_FUNCTION 1
    CALL 0
    RETURN_VALUE
.end

.func outer.gen() generator
.locals x
.freevars y
    LOAD_CONST 1
    STORE_FAST x
    LOAD_FAST x
    LOAD_DEREF y
    ADD
    YIELD_VALUE
    POP_TOP
    LOAD_FAST x
    LOAD_DEREF y
    MUL
    LOAD_CONST 10
    MUL
    YIELD_VALUE
    POP_TOP
    LOAD_CONST "finished"
    RETURN_VALUE
.end

.func slots() generator
.locals a b
    LOAD_CONST None
    STORE_FAST a
    LOAD_CONST "paused"
    YIELD_VALUE
    POP_TOP
    LOAD_FAST a
    YIELD_VALUE
    POP_TOP
    LOAD_FAST b
    RETURN_VALUE
.end

.func cells(p) generator
.cellvars p kept empty
.locals tmp
    LOAD_CONST 5
    STORE_DEREF kept
    LOAD_CLOSURE p
    LOAD_CLOSURE kept
    BUILD_TUPLE 2
    LOAD_CONST @cells.inner
    LOAD_CONST "cells.inner"
    MAKE_FUNCTION 1
    STORE_FAST tmp
    LOAD_CONST "paused"
    YIELD_VALUE
    POP_TOP
    LOAD_FAST tmp
    CALL 0
    YIELD_VALUE
    POP_TOP
    LOAD_DEREF empty
    RETURN_VALUE
.end

.func cells.inner()
.freevars p kept
    LOAD_DEREF p
    LOAD_DEREF kept
    ADD
    RETURN_VALUE
.end

.func guarded() generator
    LOAD_CONST "outer"
    SETUP_EXCEPT handler
    LOAD_CONST 1
    YIELD_VALUE
    POP_TOP
    POP_BLOCK
    RETURN_VALUE
handler:
    DUP_TOP
    LOAD_CONST "ValueError"
    COMPARE exc_match
    JUMP_FALSE reraise
    POP_TOP
    LOAD_CONST "caught"
    BUILD_TUPLE 2
    YIELD_VALUE
    POP_TOP
    LOAD_CONST None
    RETURN_VALUE
reraise:
    RAISE
.end

.func walk(items) generator
.locals item
    LOAD_FAST items
    GET_ITER
loop:
    FOR_ITER done
    STORE_FAST item
    LOAD_FAST item
    YIELD_VALUE
    POP_TOP
    JUMP loop
done:
    LOAD_CONST "done"
    RETURN_VALUE
.end

.func pipeline(n) generator
.locals inner v
    LOAD_GLOBAL walk
    LOAD_GLOBAL range
    LOAD_FAST n
    CALL 1
    CALL 1
    STORE_FAST inner
    LOAD_FAST inner
    GET_ITER
loop:
    FOR_ITER done
    STORE_FAST v
    LOAD_FAST v
    LOAD_CONST 100
    ADD
    YIELD_VALUE
    POP_TOP
    JUMP loop
done:
    LOAD_CONST None
    RETURN_VALUE
.end

.func selfref(box) generator
    LOAD_FAST box
    YIELD_VALUE
    POP_TOP
    LOAD_FAST box
    LOAD_CONST 0
    INDEX
    YIELD_VALUE
    POP_TOP
    LOAD_CONST None
    RETURN_VALUE
.end

.func variadic(a, *rest, k, **kw) generator
    LOAD_FAST a
    LOAD_FAST rest
    LOAD_FAST k
    LOAD_FAST kw
    BUILD_TUPLE 4
    YIELD_VALUE
    POP_TOP
    LOAD_FAST rest
    YIELD_VALUE
    RETURN_VALUE
.end

.func introspective() generator
    LOAD_GLOBAL capture
    LOAD_GLOBAL me
    CALL 1
    YIELD_VALUE
    RETURN_VALUE
.end

.func empty() generator
    LOAD_CONST None
    RETURN_VALUE
.end

.func plain()
    LOAD_CONST None
    RETURN_VALUE
.end
`

type fixture struct {
	prog    *asm.Program
	machine *runtime.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	prog, err := asm.Assemble("scenarios", source)
	require.NoError(t, err)
	return &fixture{prog: prog, machine: runtime.NewReleaseMachine()}
}

func (f *fixture) call(t *testing.T, name string, args []runtime.Value, kwargs map[string]runtime.Value) runtime.Value {
	t.Helper()
	fn, err := f.prog.Function(name)
	require.NoError(t, err)
	v, err := f.machine.Call(fn, args, kwargs)
	require.NoError(t, err)
	return v
}

func (f *fixture) generator(t *testing.T, name string, args ...runtime.Value) *runtime.Generator {
	t.Helper()
	g, ok := f.call(t, name, args, nil).(*runtime.Generator)
	require.True(t, ok, "%s did not return a generator", name)
	return g
}

func next(t *testing.T, g *runtime.Generator) runtime.Value {
	t.Helper()
	v, err := g.Next()
	require.NoError(t, err)
	return v
}

func newDispatch() *pickle.Dispatch {
	d := pickle.NewDispatch()
	generators.Register(d)
	return d
}

// roundTrip pickles v with the generator handler installed and loads it into
// a fresh machine.
func roundTrip(t *testing.T, v runtime.Value) runtime.Value {
	t.Helper()
	data, err := pickle.Dumps(v, pickle.WithDispatch(newDispatch()))
	require.NoError(t, err)
	out, err := pickle.Loads(data, runtime.NewReleaseMachine())
	require.NoError(t, err)
	return out
}

func restore(t *testing.T, g *runtime.Generator) *runtime.Generator {
	t.Helper()
	restored, ok := roundTrip(t, g).(*runtime.Generator)
	require.True(t, ok)
	require.NotSame(t, g, restored)
	return restored
}

type outcome struct {
	yields []runtime.Value
	final  string
}

// drain resumes g with each send in turn and then with None until it stops.
func drain(g *runtime.Generator, sends ...runtime.Value) outcome {
	var out outcome
	for i := 0; i < 100; i++ {
		var send runtime.Value
		if i < len(sends) {
			send = sends[i]
		}
		v, err := g.Send(send)
		if err != nil {
			if ret, ok := runtime.StopValue(err); ok {
				out.final = "return " + runtime.Repr(ret)
			} else {
				out.final = err.Error()
			}
			return out
		}
		out.yields = append(out.yields, v)
	}
	out.final = "still running"
	return out
}

func TestConcreteScenario(t *testing.T) {
	f := newFixture(t)
	g := f.generator(t, "outer", int64(2))
	assert.Equal(t, int64(3), next(t, g))

	capture, err := generators.Extract(g)
	require.NoError(t, err)
	snap := capture.Snapshot
	assert.NotEqual(t, runtime.NotStarted, snap.InstructionPointer)
	assert.Equal(t, []string{"x", "y"}, snap.Locals.Keys())
	x, _ := snap.Locals.Get("x")
	y, _ := snap.Locals.Get("y")
	assert.Equal(t, int64(1), x)
	assert.Equal(t, int64(2), y)

	require.Len(t, capture.Carrier.Closure, 1)
	assert.True(t, capture.Carrier.Closure[0].Empty(), "carrier cells are placeholders")
	assert.Equal(t, "gen", capture.Carrier.Name)
	assert.Equal(t, "outer.<locals>.gen", capture.Carrier.QualName)

	restored := restore(t, g)
	assert.Equal(t, "gen", restored.Name)
	assert.Equal(t, "outer.<locals>.gen", restored.QualName)
	state, err := runtime.InspectFrame(restored)
	require.NoError(t, err)
	assert.Equal(t, snap.InstructionPointer, state.IP)

	expected := outcome{yields: []runtime.Value{int64(20)}, final: `return "finished"`}
	assert.Equal(t, expected, drain(restored))
	assert.Equal(t, expected, drain(g))
}

func TestUnstartedPreservation(t *testing.T) {
	f := newFixture(t)
	g := f.generator(t, "outer", int64(4))

	capture, err := generators.Extract(g)
	require.NoError(t, err)
	assert.Equal(t, runtime.NotStarted, capture.Snapshot.InstructionPointer)
	assert.Empty(t, capture.Snapshot.FrameData.Stack)
	_, hasX := capture.Snapshot.Locals.Get("x")
	assert.False(t, hasX, "no direct locals before the first resume")

	restored := restore(t, g)
	assert.False(t, restored.Started())
	_, err = restored.Send("not yet")
	assert.True(t, errors.Is(err, runtime.ErrTypeError))

	assert.Equal(t, drain(g), drain(restored))
}

func TestExhaustedFastPath(t *testing.T) {
	f := newFixture(t)
	g := f.generator(t, "empty")
	_, err := g.Next()
	require.True(t, errors.Is(err, runtime.ErrStopIteration))

	_, err = generators.Extract(g)
	assert.ErrorIs(t, err, generators.ErrExhausted)

	restored := restore(t, g)
	assert.True(t, restored.Exhausted())
	assert.Equal(t, "empty", restored.Name)
	assert.Equal(t, "empty", restored.QualName)
	_, err = restored.Next()
	assert.True(t, errors.Is(err, runtime.ErrStopIteration))
}

func TestRestoreSpent(t *testing.T) {
	gen, err := generators.RestoreSpent(runtime.NewReleaseMachine(), "items", "Store.items")
	require.NoError(t, err)
	assert.True(t, gen.Exhausted())
	assert.Equal(t, "items", gen.Name)
	assert.Equal(t, "Store.items", gen.QualName)
	_, err = runtime.InspectFrame(gen)
	assert.ErrorIs(t, err, runtime.ErrFrameReleased)
}

func TestUnsetIsNotNone(t *testing.T) {
	f := newFixture(t)
	g := f.generator(t, "slots")
	assert.Equal(t, "paused", next(t, g))

	restored := restore(t, g)
	state, err := runtime.InspectFrame(restored)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, state.Locals.Keys())

	assert.Nil(t, next(t, restored))
	_, err = restored.Next()
	assert.True(t, errors.Is(err, runtime.ErrUnboundLocal), "got %v", err)

	assert.Nil(t, next(t, g))
	_, err = g.Next()
	assert.True(t, errors.Is(err, runtime.ErrUnboundLocal))
}

func TestCellShape(t *testing.T) {
	f := newFixture(t)
	g := f.generator(t, "cells", int64(3))
	assert.Equal(t, "paused", next(t, g))

	restored := restore(t, g)
	state, err := runtime.InspectFrame(restored)
	require.NoError(t, err)
	assert.Equal(t, []string{"tmp", "p", "kept"}, state.Locals.Keys())
	p, _ := state.Locals.Get("p")
	kept, _ := state.Locals.Get("kept")
	assert.Equal(t, int64(3), p)
	assert.Equal(t, int64(5), kept)

	expected := drain(g)
	assert.Equal(t, []runtime.Value{int64(8)}, expected.yields)
	assert.Contains(t, expected.final, "NameError")
	assert.Equal(t, expected, drain(restored))
}

func TestSelfReferenceThroughLocals(t *testing.T) {
	f := newFixture(t)
	box := runtime.NewList()
	g := f.generator(t, "selfref", box)
	box.Append(g)
	require.Same(t, box, next(t, g))

	restored := restore(t, g)
	state, err := runtime.InspectFrame(restored)
	require.NoError(t, err)
	v, _ := state.Locals.Get("box")
	restoredBox := v.(*runtime.List)
	assert.Same(t, restored, restoredBox.Elements[0])

	assert.Same(t, restored, next(t, restored))
}

func TestSelfReferenceThroughGlobals(t *testing.T) {
	f := newFixture(t)
	g := f.generator(t, "slots")
	f.prog.Module.Vars["current"] = g
	assert.Equal(t, "paused", next(t, g))

	restored := restore(t, g)
	state, err := runtime.InspectFrame(restored)
	require.NoError(t, err)
	assert.Same(t, restored, state.Globals.Vars["current"])
	assert.Equal(t, drain(g), drain(restored))
}

func TestSharedGeneratorKeepsIdentity(t *testing.T) {
	f := newFixture(t)
	g := f.generator(t, "walk", runtime.NewList(int64(1), int64(2)))
	next(t, g)

	out := roundTrip(t, runtime.Tuple{g, runtime.NewList(g), g})
	tuple := out.(runtime.Tuple)
	assert.Same(t, tuple[0], tuple[2])
	assert.Same(t, tuple[0], tuple[1].(*runtime.List).Elements[0])
}

func TestExceptionBlockState(t *testing.T) {
	f := newFixture(t)

	t.Run("handled", func(t *testing.T) {
		g := f.generator(t, "guarded")
		assert.Equal(t, int64(1), next(t, g))
		restored := restore(t, g)

		data, err := runtime.PrivateFrameData(restored)
		require.NoError(t, err)
		assert.Equal(t, []runtime.Value{"outer"}, data.Stack)
		require.Len(t, data.Blocks, 1)

		for _, gen := range []*runtime.Generator{g, restored} {
			v, err := gen.Throw(runtime.NewException("ValueError", "boom"))
			require.NoError(t, err)
			assert.Equal(t, runtime.Tuple{"outer", "caught"}, v)
		}
	})

	t.Run("unhandled", func(t *testing.T) {
		g := f.generator(t, "guarded")
		next(t, g)
		restored := restore(t, g)
		for _, gen := range []*runtime.Generator{g, restored} {
			_, err := gen.Throw(runtime.NewException("KeyError", "k"))
			assert.EqualError(t, err, "KeyError: k")
			assert.True(t, gen.Exhausted())
		}
	})

	t.Run("normal exit", func(t *testing.T) {
		g := f.generator(t, "guarded")
		next(t, g)
		restored := restore(t, g)
		expected := outcome{final: `return "outer"`}
		assert.Equal(t, expected, drain(g))
		assert.Equal(t, expected, drain(restored))
	})
}

func TestForIterOverList(t *testing.T) {
	f := newFixture(t)
	items := runtime.NewList(int64(1), int64(2), int64(3))
	g := f.generator(t, "walk", items)
	assert.Equal(t, int64(1), next(t, g))

	restored := restore(t, g)
	data, err := runtime.PrivateFrameData(restored)
	require.NoError(t, err)
	require.Len(t, data.Stack, 1)
	it := data.Stack[0].(*runtime.ListIterator)
	state, err := runtime.InspectFrame(restored)
	require.NoError(t, err)
	restoredItems, _ := state.Locals.Get("items")
	assert.Same(t, restoredItems, it.Seq, "iterator and local share the list")

	expected := outcome{yields: []runtime.Value{int64(2), int64(3)}, final: `return "done"`}
	assert.Equal(t, expected, drain(restored))
	assert.Equal(t, expected, drain(g))
}

func TestNestedGeneratorIsALeaf(t *testing.T) {
	f := newFixture(t)
	g := f.generator(t, "pipeline", int64(5))
	assert.Equal(t, int64(100), next(t, g))
	assert.Equal(t, int64(101), next(t, g))

	restored := restore(t, g)
	state, err := runtime.InspectFrame(restored)
	require.NoError(t, err)
	inner, _ := state.Locals.Get("inner")
	data, err := runtime.PrivateFrameData(restored)
	require.NoError(t, err)
	assert.Same(t, inner, data.Stack[0], "the inner generator is restored once")

	expected := drain(g)
	assert.Equal(t, []runtime.Value{int64(102), int64(103), int64(104)}, expected.yields)
	assert.Equal(t, expected, drain(restored))
}

func TestVariadicSkeleton(t *testing.T) {
	f := newFixture(t)
	v := f.call(t, "variadic", []runtime.Value{int64(1), int64(2), int64(3)}, map[string]runtime.Value{"k": int64(4), "z": int64(5)})
	g := v.(*runtime.Generator)
	first := next(t, g).(runtime.Tuple)
	assert.Equal(t, runtime.Tuple{int64(2), int64(3)}, first[1])

	capture, err := generators.Extract(g)
	require.NoError(t, err)
	skeleton, err := generators.CreateSkeleton(runtime.NewReleaseMachine(), capture.Carrier)
	require.NoError(t, err)
	assert.False(t, skeleton.Started())
	assert.Equal(t, "variadic", skeleton.QualName)

	restored := restore(t, g)
	expected := outcome{yields: []runtime.Value{runtime.Tuple{int64(2), int64(3)}}, final: "return None"}
	assert.Equal(t, expected, drain(restored))
	assert.Equal(t, expected, drain(g))
}

func TestRunningGeneratorIsUnsupported(t *testing.T) {
	f := newFixture(t)
	d := newDispatch()
	f.machine.RegisterNative("capture", func(m *runtime.Machine, args []runtime.Value) (runtime.Value, error) {
		g := args[0].(*runtime.Generator)
		_, extractErr := generators.Extract(g)
		_, dumpErr := pickle.Dumps(g, pickle.WithDispatch(d))
		return runtime.Tuple{
			errors.Is(extractErr, generators.ErrUnsupportedState),
			errors.Is(dumpErr, generators.ErrUnsupportedState),
		}, nil
	})
	g := f.generator(t, "introspective")
	f.prog.Module.Vars["me"] = g

	assert.Equal(t, runtime.Tuple{true, true}, next(t, g))
}

func TestShapeMismatch(t *testing.T) {
	f := newFixture(t)

	t.Run("unknown local", func(t *testing.T) {
		g := f.generator(t, "slots")
		locals := runtime.NewDict()
		locals.Set("bogus", int64(1))
		_, err := generators.Fill(g, runtime.NotStarted, locals, runtime.FreshFrameData())
		assert.ErrorIs(t, err, generators.ErrShapeMismatch)
		assert.False(t, g.Started())
	})

	t.Run("frame data version", func(t *testing.T) {
		g := f.generator(t, "slots")
		_, err := generators.Fill(g, runtime.NotStarted, runtime.NewDict(), runtime.FrameData{Version: 7})
		assert.ErrorIs(t, err, generators.ErrShapeMismatch)
	})

	t.Run("started skeleton", func(t *testing.T) {
		g := f.generator(t, "slots")
		next(t, g)
		_, err := generators.Fill(g, runtime.NotStarted, runtime.NewDict(), runtime.FreshFrameData())
		assert.ErrorIs(t, err, generators.ErrShapeMismatch)
	})

	t.Run("snapshot from other code", func(t *testing.T) {
		g := f.generator(t, "outer", int64(2))
		next(t, g)
		capture, err := generators.Extract(g)
		require.NoError(t, err)

		other := f.generator(t, "slots")
		snap := capture.Snapshot
		_, err = generators.Fill(other, snap.InstructionPointer, snap.Locals, snap.FrameData)
		assert.ErrorIs(t, err, generators.ErrShapeMismatch)
	})

	t.Run("carrier without generator code", func(t *testing.T) {
		plain, err := f.prog.Function("plain")
		require.NoError(t, err)
		_, err = generators.CreateSkeleton(f.machine, plain)
		assert.ErrorIs(t, err, generators.ErrShapeMismatch)
	})
}

type foreignHandler struct{}

func (foreignHandler) Reduce(p *pickle.Pickler, v runtime.Value) error {
	return p.Save("foreign")
}

func TestRegistration(t *testing.T) {
	f := newFixture(t)
	g := f.generator(t, "slots")
	genType := reflect.TypeOf(g)

	d := pickle.NewDispatch()
	generators.Register(d)
	generators.Register(d)
	assert.Len(t, d.Types(), 1)
	assert.True(t, generators.Registered(d))

	assert.True(t, generators.Unregister(d))
	assert.False(t, generators.Registered(d))
	assert.False(t, generators.Unregister(d), "second unregister is a no-op")

	_, err := pickle.Dumps(g, pickle.WithDispatch(d))
	assert.ErrorIs(t, err, pickle.ErrPickling, "default behaviour after unregister")

	assert.False(t, generators.Registered(nil))
	assert.False(t, generators.Unregister(nil))

	foreign := &foreignHandler{}
	d.Set(genType, foreign)
	assert.False(t, generators.Unregister(d))
	current, ok := d.Get(genType)
	require.True(t, ok)
	assert.Same(t, foreign, current, "someone else's handler is left in place")
}

func TestCompressedRoundTrip(t *testing.T) {
	f := newFixture(t)
	g := f.generator(t, "walk", runtime.NewList(int64(1), int64(2), int64(3)))
	next(t, g)

	data, err := pickle.Dumps(g, pickle.WithDispatch(newDispatch()), pickle.WithCompression(pickle.ZstdCompression))
	require.NoError(t, err)
	out, err := pickle.Loads(data, runtime.NewReleaseMachine())
	require.NoError(t, err)

	assert.Equal(t, drain(g), drain(out.(*runtime.Generator)))
}
