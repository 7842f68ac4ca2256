package chain

import (
	"sort"
	"sync"
)

// Factory builds one layer's Ops and initial Load/Unload hooks from
// its configured parameters. It is invoked once per configured export
// chain entry (not per connection); per-connection state lives in the
// Context the dispatcher creates via Ops.Open.
type Factory func(params map[string]string) (Ops, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterLayer registers a layer factory under name, for use in
// export chain configuration. Grounded on the teacher's
// RegisterBackend/BackendMap (nbd/connection.go), generalised from
// "one backend per export" to "one factory per chain position".
func RegisterLayer(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// ListLayerNames returns all registered layer factory names, sorted.
// Grounded on the teacher's GetBackendNames.
func ListLayerNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BuildChain resolves a list of (instance name, factory name, params)
// entries, innermost first, into a ready Descriptor chain. Each
// Descriptor's Filename records, as provenance only, the factory name
// it was built from.
func BuildChain(entries []ChainEntry) (*Descriptor, error) {
	descs := make([]*Descriptor, 0, len(entries))
	for _, e := range entries {
		factoriesMu.RLock()
		factory, ok := factories[e.Factory]
		factoriesMu.RUnlock()
		if !ok {
			return nil, rangeErrf("no such layer %q", e.Factory)
		}
		ops, err := factory(e.Params)
		if err != nil {
			return nil, err
		}
		if ops.Load != nil {
			if err := ops.Load(); err != nil {
				return nil, err
			}
		}
		descs = append(descs, &Descriptor{
			Name:     e.Name,
			Filename: e.Factory,
			Ops:      ops,
		})
	}
	return NewChain(descs)
}

// ChainEntry is one configured position in an export's layer chain.
type ChainEntry struct {
	Name    string // layer instance name, must pass ValidateName
	Factory string // registered factory name
	Params  map[string]string
}

// UnloadChain calls Unload on every layer in the chain, outermost
// first, under the process-wide unload lock.
func UnloadChain(outermost *Descriptor) {
	for d := outermost; d != nil; d = d.Next {
		if d.Ops.Unload != nil {
			withUnloadLock(d.Ops.Unload)
		}
	}
}
