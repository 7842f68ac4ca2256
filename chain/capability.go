package chain

import "golang.org/x/net/context"

// Capability Resolver: the memoised per-context answers to the ten
// can_X/is_X/get_size queries, with the inter-dependency rules and
// safe defaults of spec.md section 4.5. Grounded on
// original_source/server/backend.c's backend_can_write .. backend_can_cache.
//
// Each resolver follows the same pattern: return the cached answer if
// set, otherwise resolve a fresh one and cache it. A resolution
// failure is never cached (mirrors the C dispatcher, where a -1
// "error" answer from the layer collides with the -1 "unknown"
// sentinel and so is naturally re-queried on the next call).
//
// When the layer leaves an Ops field nil, a filter forwards to its
// inner neighbour; a plugin falls back to the safe default named in
// the comment on each resolver.

func canWrite(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	c := conn.getContext(layer)
	if c.canWrite != unknown {
		return c.canWrite, nil
	}
	v, err := resolveCanWrite(ctx, conn, layer, c)
	if err != nil {
		return 0, err
	}
	c.canWrite = v
	return v, nil
}

// resolveCanWrite's plugin default is writable (1): a plugin that
// implements Pwrite but not CanWrite is assumed to support writes.
func resolveCanWrite(ctx context.Context, conn *Connection, layer *Descriptor, c *Context) (int, error) {
	if layer.Ops.CanWrite != nil {
		ok, err := layer.Ops.CanWrite(ctx, nextOpsFor(conn, layer), c.Handle)
		if err != nil {
			return 0, err
		}
		return boolToInt(ok), nil
	}
	if layer.Kind == KindFilter {
		return canWrite(ctx, conn, layer.Next)
	}
	return 1, nil // plugin default: writable
}

func canFlush(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	c := conn.getContext(layer)
	if c.canFlush != unknown {
		return c.canFlush, nil
	}
	var v int
	var err error
	if layer.Ops.CanFlush != nil {
		var ok bool
		ok, err = layer.Ops.CanFlush(ctx, nextOpsFor(conn, layer), c.Handle)
		v = boolToInt(ok)
	} else if layer.Kind == KindFilter {
		v, err = canFlush(ctx, conn, layer.Next)
	} else {
		v = 0 // plugin default: no flush
	}
	if err != nil {
		return 0, err
	}
	c.canFlush = v
	return v, nil
}

func isRotational(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	c := conn.getContext(layer)
	if c.isRotational != unknown {
		return c.isRotational, nil
	}
	var v int
	var err error
	if layer.Ops.IsRotational != nil {
		var ok bool
		ok, err = layer.Ops.IsRotational(ctx, nextOpsFor(conn, layer), c.Handle)
		v = boolToInt(ok)
	} else if layer.Kind == KindFilter {
		v, err = isRotational(ctx, conn, layer.Next)
	} else {
		v = 0 // plugin default: not rotational
	}
	if err != nil {
		return 0, err
	}
	c.isRotational = v
	return v, nil
}

// canTrim is forced to 0 if can_write != 1, per spec.md section 4.5.
func canTrim(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	c := conn.getContext(layer)
	if c.canTrim != unknown {
		return c.canTrim, nil
	}
	cw, err := canWrite(ctx, conn, layer)
	if err != nil {
		return 0, err
	}
	if cw != 1 {
		c.canTrim = 0
		return 0, nil
	}
	var v int
	if layer.Ops.CanTrim != nil {
		var ok bool
		ok, err = layer.Ops.CanTrim(ctx, nextOpsFor(conn, layer), c.Handle)
		v = boolToInt(ok)
	} else if layer.Kind == KindFilter {
		v, err = canTrim(ctx, conn, layer.Next)
	} else {
		v = 0 // plugin default: no trim
	}
	if err != nil {
		return 0, err
	}
	c.canTrim = v
	return v, nil
}

// canZero is forced to ZeroNone if can_write != 1, per spec.md
// section 4.5.
func canZero(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	c := conn.getContext(layer)
	if c.canZero != unknown {
		return c.canZero, nil
	}
	cw, err := canWrite(ctx, conn, layer)
	if err != nil {
		return 0, err
	}
	if cw != 1 {
		c.canZero = ZeroNone
		return ZeroNone, nil
	}
	var v int
	if layer.Ops.CanZero != nil {
		v, err = layer.Ops.CanZero(ctx, nextOpsFor(conn, layer), c.Handle)
	} else if layer.Kind == KindFilter {
		v, err = canZero(ctx, conn, layer.Next)
	} else {
		v = ZeroNone // plugin default: no zero
	}
	if err != nil {
		return 0, err
	}
	c.canZero = v
	return v, nil
}

// canFastZero is forced to 0 if can_zero < ZeroEmulate, per spec.md
// section 4.5.
func canFastZero(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	c := conn.getContext(layer)
	if c.canFastZero != unknown {
		return c.canFastZero, nil
	}
	cz, err := canZero(ctx, conn, layer)
	if err != nil {
		return 0, err
	}
	if cz < ZeroEmulate {
		c.canFastZero = 0
		return 0, nil
	}
	var v int
	if layer.Ops.CanFastZero != nil {
		var ok bool
		ok, err = layer.Ops.CanFastZero(ctx, nextOpsFor(conn, layer), c.Handle)
		v = boolToInt(ok)
	} else if layer.Kind == KindFilter {
		v, err = canFastZero(ctx, conn, layer.Next)
	} else {
		v = 0 // plugin default: fast zero not possible
	}
	if err != nil {
		return 0, err
	}
	c.canFastZero = v
	return v, nil
}

// canFua is forced to FuaNone if can_write != 1, per spec.md section
// 4.5.
func canFua(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	c := conn.getContext(layer)
	if c.canFua != unknown {
		return c.canFua, nil
	}
	cw, err := canWrite(ctx, conn, layer)
	if err != nil {
		return 0, err
	}
	if cw != 1 {
		c.canFua = FuaNone
		return FuaNone, nil
	}
	var v int
	if layer.Ops.CanFua != nil {
		v, err = layer.Ops.CanFua(ctx, nextOpsFor(conn, layer), c.Handle)
	} else if layer.Kind == KindFilter {
		v, err = canFua(ctx, conn, layer.Next)
	} else {
		v = FuaNone // plugin default: no FUA
	}
	if err != nil {
		return 0, err
	}
	c.canFua = v
	return v, nil
}

func canMultiConn(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	c := conn.getContext(layer)
	if c.canMultiConn != unknown {
		return c.canMultiConn, nil
	}
	var v int
	var err error
	if layer.Ops.CanMultiConn != nil {
		var ok bool
		ok, err = layer.Ops.CanMultiConn(ctx, nextOpsFor(conn, layer), c.Handle)
		v = boolToInt(ok)
	} else if layer.Kind == KindFilter {
		v, err = canMultiConn(ctx, conn, layer.Next)
	} else {
		v = 0 // plugin default: not safe for multiple connections
	}
	if err != nil {
		return 0, err
	}
	c.canMultiConn = v
	return v, nil
}

func canCache(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	c := conn.getContext(layer)
	if c.canCache != unknown {
		return c.canCache, nil
	}
	var v int
	var err error
	if layer.Ops.CanCache != nil {
		v, err = layer.Ops.CanCache(ctx, nextOpsFor(conn, layer), c.Handle)
	} else if layer.Kind == KindFilter {
		v, err = canCache(ctx, conn, layer.Next)
	} else {
		v = CacheNone // plugin default: no cache hinting
	}
	if err != nil {
		return 0, err
	}
	c.canCache = v
	return v, nil
}

func canExtents(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	c := conn.getContext(layer)
	if c.canExtents != unknown {
		return c.canExtents, nil
	}
	var v int
	var err error
	if layer.Ops.CanExtents != nil {
		var ok bool
		ok, err = layer.Ops.CanExtents(ctx, nextOpsFor(conn, layer), c.Handle)
		v = boolToInt(ok)
	} else if layer.Kind == KindFilter {
		v, err = canExtents(ctx, conn, layer.Next)
	} else {
		v = 0 // plugin default: extents unsupported, dispatcher synthesises
	}
	if err != nil {
		return 0, err
	}
	c.canExtents = v
	return v, nil
}

// getSize is cached in exportsize on first successful call and
// reused; subsequent data-path range checks reference the cached
// value. GetSize must be implemented by something in the chain --
// there is no safe default for "how big is this export".
func getSize(ctx context.Context, conn *Connection, layer *Descriptor) (int64, error) {
	c := conn.getContext(layer)
	if c.exportsize != unknown {
		return c.exportsize, nil
	}
	var v int64
	var err error
	if layer.Ops.GetSize != nil {
		v, err = layer.Ops.GetSize(ctx, nextOpsFor(conn, layer), c.Handle)
	} else if layer.Kind == KindFilter {
		v, err = getSize(ctx, conn, layer.Next)
	} else {
		return 0, rangeErrf("plugin %s does not implement get_size", layer.Name)
	}
	if err != nil {
		return 0, err
	}
	c.exportsize = v
	return v, nil
}

// description is deliberately not cached: its value may legitimately
// change across calls. Over-length strings are dropped to "".
func description(ctx context.Context, conn *Connection, layer *Descriptor) (string, error) {
	c := conn.getContext(layer)
	var s string
	var err error
	if layer.Ops.Description != nil {
		s, err = layer.Ops.Description(ctx, nextOpsFor(conn, layer), c.Handle)
	} else if layer.Kind == KindFilter {
		s, err = description(ctx, conn, layer.Next)
	}
	if err != nil {
		return "", err
	}
	if len(s) > maxString {
		return "", nil
	}
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
