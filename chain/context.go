package chain

// State is the per-context state flag set, per spec.md section 3.
type State int

const (
	StateOpen State = 1 << iota
	StateConnected
	StateFailed
)

// unknown is the sentinel for "not yet queried" on cached int
// answers (exportsize and the can_X caches), matching spec.md's -1.
const unknown = -1

// Context is per-connection, per-layer state: the opaque handle
// produced by the layer's Open, a state flag set, a cached export
// size, and one cached answer per capability. Grounded on
// original_source/server/backend.c's struct context.
type Context struct {
	Layer  *Descriptor
	Handle any
	State  State

	exportsize int64 // unknown (-1) until first get_size

	canWrite     int // tri-state: unknown/0/1
	canFlush     int
	isRotational int
	canTrim      int
	canZero      int // NONE/EMULATE/NATIVE, or unknown
	canFastZero  int
	canFua       int // NONE/EMULATE/NATIVE, or unknown
	canMultiConn int
	canCache     int // NONE/EMULATE/NATIVE, or unknown
	canExtents   int
}

// newContext allocates a fresh Context for layer, forcing can_write
// to 0 when the connection was opened read-only (spec.md section
// 4.3's open()).
func newContext(layer *Descriptor, readonly bool) *Context {
	c := &Context{
		Layer:        layer,
		exportsize:   unknown,
		canWrite:     unknown,
		canFlush:     unknown,
		isRotational: unknown,
		canTrim:      unknown,
		canZero:      unknown,
		canFastZero:  unknown,
		canFua:       unknown,
		canMultiConn: unknown,
		canCache:     unknown,
		canExtents:   unknown,
	}
	if readonly {
		c.canWrite = 0
	}
	return c
}

// Failed reports whether the context has latched HANDLE_FAILED.
func (c *Context) Failed() bool { return c.State&StateFailed != 0 }

// Connected reports whether the context is in its CONNECTED window,
// the only time data-path calls are legal.
func (c *Context) Connected() bool { return c.State&StateConnected != 0 }
