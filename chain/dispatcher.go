package chain

import "golang.org/x/net/context"

// Chain Dispatcher: open/prepare/finalize/close/reopen,
// list_exports/default_export, and the seven data-path wrappers.
// Grounded on original_source/server/backend.c's backend_open ..
// backend_cache, translated from recursive-pointer-chasing C into Go
// functions over (*Connection, *Descriptor).

// Open allocates a fresh Context for layer within conn, resolving the
// default export name if exportname is empty, and invokes the
// layer's Open. If the layer's Open fails and layer is not innermost,
// any already-open inner context is torn down to avoid stranding it.
// Grounded on backend_open.
func Open(ctx context.Context, conn *Connection, layer *Descriptor, readonly bool, exportname string) (*Context, error) {
	if conn.getContext(layer) != nil {
		return nil, rangeErrf("layer %s already has an open context on this connection", layer.Name)
	}
	conn.debugf("%s: open readonly=%v exportname=%q tls=%v", layer.Name, readonly, exportname, conn.UsingTLS)

	c := newContext(layer, readonly)

	if exportname == "" {
		name, err := DefaultExport(ctx, conn, layer, readonly)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, rangeErrf("default export (\"\") not permitted")
		}
		exportname = name
	}

	var handle any
	var err error
	switch {
	case layer.Ops.Open != nil:
		handle, err = layer.Ops.Open(ctx, nextOpsFor(conn, layer), readonly, exportname)
	case layer.Kind == KindFilter:
		err = nextOpsFor(conn, layer).Open(ctx, readonly, exportname)
	default:
		err = rangeErrf("plugin %s does not implement open", layer.Name)
	}

	if err != nil {
		if layer.Index != 0 {
			if c2 := conn.getContext(layer.Next); c2 != nil {
				_ = closeContext(ctx, conn, layer.Next, c2)
			}
		}
		return nil, err
	}

	c.Handle = handle
	c.State |= StateOpen
	conn.setContext(layer, c)
	return c, nil
}

// prepare walks inner-to-outer: it first recurses into the inner
// context (if one exists) then invokes the current layer, passing the
// derived readonly signal (can_write == 0). Grounded on
// backend_prepare.
func prepare(ctx context.Context, conn *Connection, layer *Descriptor, c *Context) error {
	if layer.Index != 0 {
		if c2 := conn.getContext(layer.Next); c2 != nil {
			if err := prepare(ctx, conn, layer.Next, c2); err != nil {
				return err
			}
		}
	}

	cw, err := canWrite(ctx, conn, layer)
	if err != nil {
		return err
	}
	readonly := cw == 0

	conn.debugf("%s: prepare readonly=%v", layer.Name, readonly)

	if layer.Ops.Prepare != nil {
		if err := layer.Ops.Prepare(ctx, nextOpsFor(conn, layer), c.Handle, readonly); err != nil {
			return err
		}
	}
	c.State |= StateConnected
	return nil
}

// Prepare is the exported entry point for the outermost (or any)
// layer's context.
func Prepare(ctx context.Context, conn *Connection, layer *Descriptor) error {
	c := conn.getContext(layer)
	if c == nil {
		return rangeErrf("no open context for layer %s", layer.Name)
	}
	return prepare(ctx, conn, layer, c)
}

// finalize walks outer-to-inner (reverse of prepare). If FAILED is
// already set, returns an error without calling the layer; otherwise,
// if CONNECTED, calls the layer and marks FAILED on failure. Grounded
// on backend_finalize.
func finalize(ctx context.Context, conn *Connection, layer *Descriptor, c *Context) error {
	if c.Failed() {
		return rangeErrf("context for layer %s already failed", layer.Name)
	}

	if c.Connected() {
		conn.debugf("%s: finalize", layer.Name)
		if layer.Ops.Finalize != nil {
			if err := layer.Ops.Finalize(ctx, nextOpsFor(conn, layer), c.Handle); err != nil {
				c.State |= StateFailed
				return err
			}
		}
	}

	if layer.Index != 0 {
		if c2 := conn.getContext(layer.Next); c2 != nil {
			return finalize(ctx, conn, layer.Next, c2)
		}
	}
	return nil
}

// Finalize is the exported entry point.
func Finalize(ctx context.Context, conn *Connection, layer *Descriptor) error {
	c := conn.getContext(layer)
	if c == nil {
		return rangeErrf("no open context for layer %s", layer.Name)
	}
	return finalize(ctx, conn, layer, c)
}

// closeContext is outer-to-inner, symmetric to Open. Grounded on
// backend_close.
func closeContext(ctx context.Context, conn *Connection, layer *Descriptor, c *Context) error {
	if c.State&StateOpen == 0 {
		return rangeErrf("context for layer %s is not open", layer.Name)
	}
	conn.debugf("%s: close", layer.Name)
	if layer.Ops.Close != nil {
		_ = layer.Ops.Close(ctx, nextOpsFor(conn, layer), c.Handle)
	}
	conn.setContext(layer, nil)
	if layer.Index != 0 {
		if c2 := conn.getContext(layer.Next); c2 != nil {
			return closeContext(ctx, conn, layer.Next, c2)
		}
	}
	return nil
}

// Close is the exported entry point.
func Close(ctx context.Context, conn *Connection, layer *Descriptor) error {
	c := conn.getContext(layer)
	if c == nil {
		return rangeErrf("no open context for layer %s", layer.Name)
	}
	return closeContext(ctx, conn, layer, c)
}

// Reopen finalizes and closes any existing context for layer, then
// opens and prepares a fresh one. On failure of either stage, the
// partially created context is finalized and closed before the error
// propagates. Grounded on backend_reopen (the retry filter's use
// case, spec.md section 4.3/section 7).
//
// Per spec.md section 9's open question, the default-export cache
// (conn.defaultExportname) is deliberately not invalidated here.
func Reopen(ctx context.Context, conn *Connection, layer *Descriptor, readonly bool, exportname string) error {
	conn.debugf("%s: reopen readonly=%v exportname=%q", layer.Name, readonly, exportname)

	if c := conn.getContext(layer); c != nil {
		if err := finalize(ctx, conn, layer, c); err != nil {
			return err
		}
		if err := closeContext(ctx, conn, layer, c); err != nil {
			return err
		}
	}

	c2, err := Open(ctx, conn, layer, readonly, exportname)
	if err != nil {
		return err
	}
	if err := prepare(ctx, conn, layer, c2); err != nil {
		_ = finalize(ctx, conn, layer, c2)
		_ = closeContext(ctx, conn, layer, c2)
		return err
	}
	// The fresh context's exportsize cache starts unknown; re-warm it
	// now so range checks against this layer keep working without
	// requiring every caller of Reopen to know to re-query get_size.
	if _, err := getSize(ctx, conn, layer); err != nil {
		_ = finalize(ctx, conn, layer, c2)
		_ = closeContext(ctx, conn, layer, c2)
		return err
	}
	return nil
}

// ListExports invokes layer's own list_exports (called with no open
// context), then applies the default-export resolution pass of
// spec.md section 4.4: an empty result is replaced with a synthetic
// entry for the layer's default export. Over-length names are
// dropped. Grounded on backend_list_exports /
// exports_resolve_default.
func ListExports(ctx context.Context, conn *Connection, layer *Descriptor, readonly bool) ([]ExportInfo, error) {
	conn.debugf("%s: list_exports readonly=%v tls=%v", layer.Name, readonly, conn.UsingTLS)

	var list []ExportInfo
	var err error
	switch {
	case layer.Ops.ListExports != nil:
		list, err = layer.Ops.ListExports(ctx, nextOpsFor(conn, layer), readonly)
	case layer.Kind == KindFilter:
		list, err = ListExports(ctx, conn, layer.Next, readonly)
	}
	if err != nil {
		return nil, err
	}

	if len(list) == 0 {
		name, derr := DefaultExport(ctx, conn, layer, readonly)
		if derr == nil && name != "" {
			list = []ExportInfo{{Name: name}}
		}
	}

	out := make([]ExportInfo, 0, len(list))
	for _, e := range list {
		if len(e.Name) <= maxString {
			out = append(out, e)
		}
	}
	return out, nil
}

// DefaultExport is memoised in conn.defaultExportname[layer.Index].
// On miss it invokes the layer, discards over-length strings, and
// best-effort caches the result. Grounded on backend_default_export.
func DefaultExport(ctx context.Context, conn *Connection, layer *Descriptor, readonly bool) (string, error) {
	if s := conn.defaultExportname[layer.Index]; s != nil {
		return *s, nil
	}

	conn.debugf("%s: default_export readonly=%v tls=%v", layer.Name, readonly, conn.UsingTLS)

	var s string
	var err error
	switch {
	case layer.Ops.DefaultExport != nil:
		s, err = layer.Ops.DefaultExport(ctx, nextOpsFor(conn, layer), readonly)
	case layer.Kind == KindFilter:
		s, err = DefaultExport(ctx, conn, layer.Next, readonly)
	}
	if err != nil {
		return "", err
	}
	if len(s) > maxString {
		conn.debugf("%s: default_export: ignoring invalid string", layer.Name)
		s = ""
	}
	if s != "" {
		v := s
		conn.defaultExportname[layer.Index] = &v // best-effort: a failed cache write is not fatal
	}
	return s, nil
}
