package generators

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ddn0/cloudpickle-generators/runtime"
)

const DefaultLayoutCacheSize = 256

// slotLayout is the frame layout of one code object: direct locals in
// VarNames order, then cell variables, then free variables. A parameter
// that is also a cell variable lives in its cell; its direct slot stays
// unset.
type slotLayout struct {
	direct []string
	cells  []string
	names  map[string]bool
	inCell map[string]bool
}

func newSlotLayout(code *runtime.Code) *slotLayout {
	l := &slotLayout{
		direct: code.VarNames,
		cells:  code.CellSlots(),
		names:  make(map[string]bool),
		inCell: make(map[string]bool),
	}
	for _, name := range l.direct {
		l.names[name] = true
	}
	for _, name := range l.cells {
		l.names[name] = true
		l.inCell[name] = true
	}
	return l
}

func (l *slotLayout) size() int {
	return len(l.direct) + len(l.cells)
}

var (
	layoutMu sync.RWMutex
	layouts  = mustLayoutCache(DefaultLayoutCacheSize)
)

func mustLayoutCache(size int) *lru.Cache {
	c, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return c
}

// SetLayoutCacheSize replaces the layout cache with an empty one holding at
// most size code objects.
func SetLayoutCacheSize(size int) error {
	c, err := lru.New(size)
	if err != nil {
		return err
	}
	layoutMu.Lock()
	layouts = c
	layoutMu.Unlock()
	return nil
}

func layoutFor(code *runtime.Code) *slotLayout {
	layoutMu.RLock()
	cache := layouts
	layoutMu.RUnlock()

	if v, ok := cache.Get(code); ok {
		return v.(*slotLayout)
	}
	l := newSlotLayout(code)
	cache.Add(code, l)
	return l
}

func cachedLayouts() int {
	layoutMu.RLock()
	defer layoutMu.RUnlock()
	return layouts.Len()
}
