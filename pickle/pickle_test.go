package pickle_test

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/ddn0/cloudpickle-generators/asm"
	"github.com/ddn0/cloudpickle-generators/pickle"
	"github.com/ddn0/cloudpickle-generators/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v runtime.Value, opts ...pickle.Option) runtime.Value {
	t.Helper()
	data, err := pickle.Dumps(v, opts...)
	require.NoError(t, err)
	out, err := pickle.Loads(data, runtime.NewReleaseMachine(), opts...)
	require.NoError(t, err)
	return out
}

func TestScalars(t *testing.T) {
	tests := []struct {
		name  string
		value runtime.Value
	}{
		{"none", nil},
		{"true", true},
		{"false", false},
		{"zero", int64(0)},
		{"negative", int64(-123456789)},
		{"min int", int64(math.MinInt64)},
		{"float", 3.25},
		{"string", "héllo"},
		{"empty string", ""},
		{"bytes", []byte{0, 1, 2}},
		{"nested tuple", runtime.Tuple{int64(1), runtime.Tuple{"a", nil}, runtime.Tuple{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.value, roundTrip(t, tt.value))
		})
	}
}

func TestUnsetSurvives(t *testing.T) {
	out := roundTrip(t, runtime.Tuple{runtime.Unset, nil})
	tuple := out.(runtime.Tuple)
	assert.Same(t, runtime.Unset, tuple[0])
	assert.Nil(t, tuple[1])
}

func TestSharedAndCyclicContainers(t *testing.T) {
	shared := runtime.NewList(int64(1))
	self := runtime.NewList()
	self.Append(self)
	d := runtime.NewDict()
	d.Set("b", shared)
	d.Set("a", shared)

	out := roundTrip(t, runtime.Tuple{shared, self, d})
	tuple := out.(runtime.Tuple)

	gotShared := tuple[0].(*runtime.List)
	gotSelf := tuple[1].(*runtime.List)
	gotDict := tuple[2].(*runtime.Dict)

	assert.Equal(t, []runtime.Value{int64(1)}, gotShared.Elements)
	assert.Same(t, gotSelf, gotSelf.Elements[0])
	assert.Equal(t, []string{"b", "a"}, gotDict.Keys(), "insertion order is kept")
	b, _ := gotDict.Get("b")
	a, _ := gotDict.Get("a")
	assert.Same(t, gotShared, b)
	assert.Same(t, gotShared, a)
}

const recursiveSource = `
.func fact(n)
    LOAD_FAST n
    LOAD_CONST 1
    COMPARE <=
    JUMP_FALSE recurse
    LOAD_CONST 1
    RETURN_VALUE
recurse:
    LOAD_FAST n
    LOAD_GLOBAL fact
    LOAD_FAST n
    LOAD_CONST 1
    SUB
    CALL 1
    MUL
    RETURN_VALUE
.end

.func adder(k)
.cellvars k
    LOAD_CLOSURE k
    BUILD_TUPLE 1
    LOAD_CONST @adder.add
    LOAD_CONST "adder.add"
    MAKE_FUNCTION 1
    RETURN_VALUE
.end

.func adder.add(x)
.freevars k
    LOAD_FAST x
    LOAD_DEREF k
    ADD
    RETURN_VALUE
.end
`

func TestFunctionsAndModules(t *testing.T) {
	prog, err := asm.Assemble("maths", recursiveSource)
	require.NoError(t, err)
	fact, err := prog.Function("fact")
	require.NoError(t, err)
	adder, err := prog.Function("adder")
	require.NoError(t, err)

	m := runtime.NewReleaseMachine()
	add, err := m.Call(adder, []runtime.Value{int64(10)}, nil)
	require.NoError(t, err)

	out := roundTrip(t, runtime.Tuple{fact, add})
	tuple := out.(runtime.Tuple)
	gotFact := tuple[0].(*runtime.Function)
	gotAdd := tuple[1].(*runtime.Function)

	assert.NotSame(t, fact, gotFact)
	assert.Equal(t, "maths", gotFact.Globals.Name)
	assert.Same(t, gotFact, gotFact.Globals.Vars["fact"], "module cycle resolves to the same function")
	assert.Same(t, gotFact.Globals, gotAdd.Globals)
	assert.Equal(t, "adder.add", gotAdd.QualName)

	target := runtime.NewReleaseMachine()
	v, err := target.Call(gotFact, []runtime.Value{int64(5)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(120), v)

	v, err = target.Call(gotAdd, []runtime.Value{int64(5)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(15), v)
}

func TestCellsKeepEmptiness(t *testing.T) {
	empty := runtime.NewEmptyCell()
	none := runtime.NewCell(nil)
	self := runtime.NewEmptyCell()
	self.Set(self)

	out := roundTrip(t, runtime.Tuple{empty, none, self, empty})
	tuple := out.(runtime.Tuple)

	assert.True(t, tuple[0].(*runtime.Cell).Empty())
	v, ok := tuple[1].(*runtime.Cell).Get()
	assert.True(t, ok)
	assert.Nil(t, v)
	inner, _ := tuple[2].(*runtime.Cell).Get()
	assert.Same(t, tuple[2], inner)
	assert.Same(t, tuple[0], tuple[3])
}

func TestNativesAndExceptions(t *testing.T) {
	m := runtime.NewReleaseMachine()
	length, ok := m.Builtin("len")
	require.True(t, ok)

	target := runtime.NewReleaseMachine()
	data, err := pickle.Dumps(runtime.Tuple{length, runtime.NewException("ValueError", "bad %d", 1)})
	require.NoError(t, err)
	out, err := pickle.Loads(data, target)
	require.NoError(t, err)
	tuple := out.(runtime.Tuple)

	targetLen, _ := target.Builtin("len")
	assert.Same(t, targetLen, tuple[0])
	exc := tuple[1].(*runtime.Exception)
	assert.True(t, errors.Is(exc, runtime.ErrValueError))
	assert.Equal(t, "ValueError: bad 1", exc.Error())
}

func TestListIterator(t *testing.T) {
	seq := runtime.NewList(int64(1), int64(2), int64(3))
	it := &runtime.ListIterator{Seq: seq, Index: 2}

	out := roundTrip(t, runtime.Tuple{it, seq})
	tuple := out.(runtime.Tuple)
	gotIt := tuple[0].(*runtime.ListIterator)
	assert.Equal(t, 2, gotIt.Index)
	assert.Same(t, tuple[1], gotIt.Seq)
}

func TestGeneratorNeedsHandler(t *testing.T) {
	prog, err := asm.Assemble("gens", ".func g() generator\n    LOAD_CONST None\n    RETURN_VALUE\n.end\n")
	require.NoError(t, err)
	fn, err := prog.Function("g")
	require.NoError(t, err)
	gen, err := runtime.NewReleaseMachine().Call(fn, nil, nil)
	require.NoError(t, err)

	_, err = pickle.Dumps(gen)
	assert.ErrorIs(t, err, pickle.ErrPickling)
}

type replaceHandler struct {
	with string
}

func (h *replaceHandler) Reduce(p *pickle.Pickler, v runtime.Value) error {
	return p.Save(h.with)
}

func TestDispatchOverridesBuiltins(t *testing.T) {
	d := pickle.NewDispatch()
	listType := reflect.TypeOf(&runtime.List{})
	h := &replaceHandler{with: "replaced"}
	d.Set(listType, h)

	got, ok := d.Get(listType)
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, []reflect.Type{listType}, d.Types())

	out := roundTrip(t, runtime.NewList(int64(1)), pickle.WithDispatch(d))
	assert.Equal(t, "replaced", out)

	d.Delete(listType)
	out = roundTrip(t, runtime.NewList(int64(1)), pickle.WithDispatch(d))
	assert.IsType(t, &runtime.List{}, out)
}

func TestNilDispatchIsEmpty(t *testing.T) {
	var d *pickle.Dispatch
	listType := reflect.TypeOf(&runtime.List{})

	_, ok := d.Get(listType)
	assert.False(t, ok)
	assert.Empty(t, d.Types())
	assert.NotPanics(t, func() { d.Delete(listType) })
	assert.PanicsWithValue(t, "pickle: Set on nil Dispatch", func() {
		d.Set(listType, &replaceHandler{with: "x"})
	})

	out := roundTrip(t, runtime.NewList(int64(1)), pickle.WithDispatch(d))
	assert.IsType(t, &runtime.List{}, out)
}

func TestZstdCompression(t *testing.T) {
	big := runtime.NewList()
	for i := 0; i < 500; i++ {
		big.Append("repetitive payload")
	}

	plain, err := pickle.Dumps(big)
	require.NoError(t, err)
	packed, err := pickle.Dumps(big, pickle.WithCompression(pickle.ZstdCompression))
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(packed, []byte{0x28, 0xb5, 0x2f, 0xfd}))
	assert.Less(t, len(packed), len(plain))

	out, err := pickle.Loads(packed, runtime.NewReleaseMachine())
	require.NoError(t, err)
	assert.Len(t, out.(*runtime.List).Elements, 500)
}

func TestParseCompression(t *testing.T) {
	c, err := pickle.ParseCompression("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, pickle.ZstdCompression, c)
	assert.Equal(t, "zstd", c.String())

	c, err = pickle.ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, pickle.NoCompression, c)

	_, err = pickle.ParseCompression("lz4")
	assert.Error(t, err)
}

func TestMalformedStreams(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad protocol", []byte{pickle.PROTO, 9, pickle.NONE, pickle.STOP}},
		{"unknown opcode", []byte{pickle.PROTO, 1, 0xff, pickle.STOP}},
		{"truncated string", []byte{pickle.PROTO, 1, pickle.STRING, 10, 'a', pickle.STOP}},
		{"memo miss", []byte{pickle.PROTO, 1, pickle.GET, 3, pickle.STOP}},
		{"unknown global", []byte{pickle.PROTO, 1, pickle.GLOBAL, 3, 'x', 'y', 'z', pickle.STOP}},
		{"underflow", []byte{pickle.PROTO, 1, pickle.POP, pickle.STOP}},
		{"open mark", []byte{pickle.PROTO, 1, pickle.MARK, pickle.NONE, pickle.STOP}},
		{"reduce non-global", []byte{pickle.PROTO, 1, pickle.NONE, pickle.MARK, pickle.TUPLE, pickle.REDUCE, pickle.STOP}},
		{"leftover values", []byte{pickle.PROTO, 1, pickle.NONE, pickle.NONE, pickle.STOP}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pickle.Loads(tt.data, runtime.NewReleaseMachine())
			assert.ErrorIs(t, err, pickle.ErrUnpickling)
		})
	}
}

type missingBuiltin struct{}

type missingBuiltinHandler struct{}

func (h *missingBuiltinHandler) Reduce(p *pickle.Pickler, v runtime.Value) error {
	return p.SaveReduce(pickle.LookupNative, runtime.Tuple{"no_such_builtin"}, v)
}

func TestReconstructorFailureIsWrapped(t *testing.T) {
	d := pickle.NewDispatch()
	d.Set(reflect.TypeOf(&missingBuiltin{}), &missingBuiltinHandler{})
	data, err := pickle.Dumps(&missingBuiltin{}, pickle.WithDispatch(d))
	require.NoError(t, err)

	_, err = pickle.Loads(data, runtime.NewReleaseMachine())
	var upErr *pickle.UnpicklingError
	require.True(t, errors.As(err, &upErr), "got %v", err)
	assert.Contains(t, upErr.Error(), "no_such_builtin")
	assert.ErrorIs(t, err, pickle.ErrUnpickling)
}

// rawCode writes a code recipe with arbitrary fields, the way a damaged or
// hand-built stream would.
type rawCode struct {
	args runtime.Tuple
}

type rawCodeHandler struct{}

func (h *rawCodeHandler) Reduce(p *pickle.Pickler, v runtime.Value) error {
	return p.SaveReduce(pickle.NewCode, v.(*rawCode).args, v)
}

func codeFields(varNames, cellVars, labels runtime.Tuple) runtime.Tuple {
	return runtime.Tuple{
		"f", "f", int64(0), int64(0), int64(0),
		varNames, cellVars, runtime.Tuple{},
		runtime.Tuple{}, runtime.Tuple{},
		[]byte{}, runtime.Tuple{}, labels,
	}
}

func TestMalformedCodeIsRejected(t *testing.T) {
	testCases := []struct {
		name string
		args runtime.Tuple
		msg  string
	}{
		{"odd labels", codeFields(runtime.Tuple{}, runtime.Tuple{}, runtime.Tuple{int64(0), "start", int64(4)}), "odd number of label items"},
		{"local is also a cell", codeFields(runtime.Tuple{"x"}, runtime.Tuple{"x"}, runtime.Tuple{}), `local "x" is also a cell variable`},
		{"duplicate cell", codeFields(runtime.Tuple{}, runtime.Tuple{"c", "c"}, runtime.Tuple{}), `duplicate cell variable "c"`},
	}

	d := pickle.NewDispatch()
	d.Set(reflect.TypeOf(&rawCode{}), &rawCodeHandler{})
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := pickle.Dumps(&rawCode{args: tc.args}, pickle.WithDispatch(d))
			require.NoError(t, err)
			_, err = pickle.Loads(data, runtime.NewReleaseMachine())
			assert.ErrorIs(t, err, pickle.ErrUnpickling)
			assert.ErrorContains(t, err, tc.msg)
		})
	}

	data, err := pickle.Dumps(&rawCode{args: codeFields(runtime.Tuple{}, runtime.Tuple{}, runtime.Tuple{})}, pickle.WithDispatch(d))
	require.NoError(t, err)
	out, err := pickle.Loads(data, runtime.NewReleaseMachine())
	require.NoError(t, err)
	assert.IsType(t, &runtime.Code{}, out)
}

func TestRegisteredNames(t *testing.T) {
	names := pickle.Registered()
	assert.Contains(t, names, pickle.FillFunction)
	assert.Contains(t, names, pickle.NewCode)
	assert.Panics(t, func() {
		pickle.Register(pickle.NewCode, nil)
	})
}
