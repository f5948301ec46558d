package pickle

import (
	"fmt"
	"sync"

	"github.com/ddn0/cloudpickle-generators/runtime"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Reconstructor rebuilds a value from the argument tuple a REDUCE carries.
type Reconstructor func(u *Unpickler, args runtime.Tuple) (runtime.Value, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Reconstructor)
)

// Register makes a reconstructor reachable from GLOBAL opcodes. Names are
// part of the stream format, so they must stay stable. Packages register in
// init; registering a name twice panics.
func Register(name string, r Reconstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("pickle: reconstructor %q registered twice", name))
	}
	registry[name] = r
}

func Lookup(name string) (Reconstructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[name]
	return r, ok
}

// Registered lists every reconstructor name in sorted order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := maps.Keys(registry)
	slices.Sort(names)
	return names
}
