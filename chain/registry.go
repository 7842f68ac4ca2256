package chain

import "log"

// Connection is the Connection-scope Registry of spec.md section 2.6
// / section 3: a dense array of per-layer Contexts plus a parallel
// cache of each layer's default-export answer, indexed by the layer's
// stable Index. Grounded on original_source/server/backend.c's
// get_context/set_context and struct connection's
// default_exportname[] array.
type Connection struct {
	Outermost *Descriptor
	UsingTLS  bool
	Export    string
	Logger    *log.Logger // optional control/data-path debug sink

	contexts          []*Context
	defaultExportname []*string
}

// debugf logs a control-path debug line if a Logger is attached,
// mirroring the teacher's "[DEBUG] ..." bracketed-level convention.
func (conn *Connection) debugf(format string, args ...any) {
	if conn.Logger == nil {
		return
	}
	conn.Logger.Printf("[DEBUG] "+format, args...)
}

// NewConnection builds a registry sized for the chain rooted at
// outermost (Index runs 0..outermost.Index).
func NewConnection(outermost *Descriptor, usingTLS bool) *Connection {
	n := outermost.Index + 1
	return &Connection{
		Outermost:         outermost,
		UsingTLS:          usingTLS,
		contexts:          make([]*Context, n),
		defaultExportname: make([]*string, n),
	}
}

// getContext returns the live Context for layer within the
// connection, or nil if none is open.
func (conn *Connection) getContext(layer *Descriptor) *Context {
	return conn.contexts[layer.Index]
}

// setContext installs (or clears, with c == nil) the Context for
// layer.
func (conn *Connection) setContext(layer *Descriptor, c *Context) {
	conn.contexts[layer.Index] = c
}

// ContextFor exposes getContext to callers outside the package (the
// nbd package's connection needs the outermost context to drive data
// path calls).
func (conn *Connection) ContextFor(layer *Descriptor) *Context {
	return conn.getContext(layer)
}
