package chain

import "golang.org/x/net/context"

// MaxRequestSize bounds a single emulated-cache pread during Cache's
// EMULATE fallback, per spec.md section 4.6 ("no larger than the
// protocol's max request size").
const MaxRequestSize = 32 * 1024 * 1024

// requireConnected enforces "handle is present and the context is
// CONNECTED" and that a FAILED context refuses further data-path
// calls, per spec.md sections 3 and 7.
func requireConnected(c *Context, layerName string) error {
	if c == nil || !c.Connected() {
		return rangeErrf("%s: data-path call on a context that is not connected", layerName)
	}
	if c.Failed() {
		return ESHUTDOWN
	}
	return nil
}

// checkRange enforces spec.md section 4.6's (offset, count) range
// check against the cached export size.
func checkRange(exportsize int64, offset uint64, count uint32) error {
	if exportsize == unknown {
		return rangeErrf("export size is not known yet; negotiation must complete before data-path calls")
	}
	if count == 0 {
		return rangeErrf("count must be > 0")
	}
	size := uint64(exportsize)
	if offset > size || offset+uint64(count) > size {
		// spec.md section 8's S1: a request past the export size is a
		// client protocol violation, reported as EINVAL rather than EIO.
		return EINVAL
	}
	return nil
}

// checkFlags enforces that flags is a subset of allowed, per spec.md
// section 4.6's per-operation flag table.
func checkFlags(flags, allowed uint32) error {
	if flags&^allowed != 0 {
		return rangeErrf("flags %#x not a subset of allowed %#x", flags, allowed)
	}
	return nil
}

// Pread reads count bytes (len(buf)) at offset. Grounded on
// backend_pread.
func Pread(ctx context.Context, conn *Connection, layer *Descriptor, buf []byte, offset uint64, flags uint32) error {
	c := conn.getContext(layer)
	if err := requireConnected(c, layer.Name); err != nil {
		return err
	}
	if err := checkFlags(flags, allowedPread); err != nil {
		return err
	}
	if err := checkRange(c.exportsize, offset, uint32(len(buf))); err != nil {
		return err
	}

	conn.debugf("%s: pread count=%d offset=%d", layer.Name, len(buf), offset)

	switch {
	case layer.Ops.Pread != nil:
		return layer.Ops.Pread(ctx, nextOpsFor(conn, layer), c.Handle, buf, offset, flags)
	case layer.Kind == KindFilter:
		return nextOpsFor(conn, layer).Pread(ctx, buf, offset, flags)
	default:
		return rangeErrf("plugin %s does not implement pread", layer.Name)
	}
}

// Pwrite writes len(buf) bytes at offset. Grounded on backend_pwrite.
func Pwrite(ctx context.Context, conn *Connection, layer *Descriptor, buf []byte, offset uint64, flags uint32) error {
	c := conn.getContext(layer)
	if err := requireConnected(c, layer.Name); err != nil {
		return err
	}
	if err := checkFlags(flags, allowedPwrite); err != nil {
		return err
	}
	if cw, err := canWrite(ctx, conn, layer); err != nil {
		return err
	} else if cw != 1 {
		return EROFS
	}
	if err := checkRange(c.exportsize, offset, uint32(len(buf))); err != nil {
		return err
	}
	if flags&Fua != 0 {
		fua, err := canFua(ctx, conn, layer)
		if err != nil {
			return err
		}
		if fua <= FuaNone {
			return rangeErrf("FUA requested but layer %s does not support it", layer.Name)
		}
	}

	conn.debugf("%s: pwrite count=%d offset=%d fua=%v", layer.Name, len(buf), offset, flags&Fua != 0)

	switch {
	case layer.Ops.Pwrite != nil:
		return layer.Ops.Pwrite(ctx, nextOpsFor(conn, layer), c.Handle, buf, offset, flags)
	case layer.Kind == KindFilter:
		return nextOpsFor(conn, layer).Pwrite(ctx, buf, offset, flags)
	default:
		return rangeErrf("plugin %s does not implement pwrite", layer.Name)
	}
}

// Flush asks for all prior writes to reach stable storage. Grounded
// on backend_flush.
func Flush(ctx context.Context, conn *Connection, layer *Descriptor, flags uint32) error {
	c := conn.getContext(layer)
	if err := requireConnected(c, layer.Name); err != nil {
		return err
	}
	if err := checkFlags(flags, allowedFlush); err != nil {
		return err
	}
	if cf, err := canFlush(ctx, conn, layer); err != nil {
		return err
	} else if cf != 1 {
		return rangeErrf("flush requested but layer %s does not support it", layer.Name)
	}

	conn.debugf("%s: flush", layer.Name)

	switch {
	case layer.Ops.Flush != nil:
		return layer.Ops.Flush(ctx, nextOpsFor(conn, layer), c.Handle, flags)
	case layer.Kind == KindFilter:
		return nextOpsFor(conn, layer).Flush(ctx, flags)
	default:
		return rangeErrf("plugin %s does not implement flush", layer.Name)
	}
}

// Trim discards count bytes at offset. Grounded on backend_trim.
func Trim(ctx context.Context, conn *Connection, layer *Descriptor, count uint32, offset uint64, flags uint32) error {
	c := conn.getContext(layer)
	if err := requireConnected(c, layer.Name); err != nil {
		return err
	}
	if err := checkFlags(flags, allowedTrim); err != nil {
		return err
	}
	if cw, err := canWrite(ctx, conn, layer); err != nil {
		return err
	} else if cw != 1 {
		return EROFS
	}
	if ct, err := canTrim(ctx, conn, layer); err != nil {
		return err
	} else if ct != 1 {
		return rangeErrf("trim requested but layer %s does not support it", layer.Name)
	}
	if err := checkRange(c.exportsize, offset, count); err != nil {
		return err
	}
	if flags&Fua != 0 {
		fua, err := canFua(ctx, conn, layer)
		if err != nil {
			return err
		}
		if fua <= FuaNone {
			return rangeErrf("FUA requested but layer %s does not support it", layer.Name)
		}
	}

	conn.debugf("%s: trim count=%d offset=%d", layer.Name, count, offset)

	switch {
	case layer.Ops.Trim != nil:
		return layer.Ops.Trim(ctx, nextOpsFor(conn, layer), c.Handle, count, offset, flags)
	case layer.Kind == KindFilter:
		return nextOpsFor(conn, layer).Trim(ctx, count, offset, flags)
	default:
		return rangeErrf("plugin %s does not implement trim", layer.Name)
	}
}

// Zero writes count zero bytes at offset. The EMULATE case is the
// layer's own responsibility (it calls Pwrite of zeroes internally);
// the dispatcher only enforces preconditions and the fast-zero
// sanctioned-error rule. Grounded on backend_zero.
func Zero(ctx context.Context, conn *Connection, layer *Descriptor, count uint32, offset uint64, flags uint32) error {
	c := conn.getContext(layer)
	if err := requireConnected(c, layer.Name); err != nil {
		return err
	}
	if err := checkFlags(flags, allowedZero); err != nil {
		return err
	}
	if cw, err := canWrite(ctx, conn, layer); err != nil {
		return err
	} else if cw != 1 {
		return EROFS
	}
	cz, err := canZero(ctx, conn, layer)
	if err != nil {
		return err
	}
	if cz <= ZeroNone {
		return rangeErrf("zero requested but layer %s does not support it", layer.Name)
	}
	if err := checkRange(c.exportsize, offset, count); err != nil {
		return err
	}
	fast := flags&FastZero != 0
	if fast {
		cfz, err := canFastZero(ctx, conn, layer)
		if err != nil {
			return err
		}
		if cfz != 1 {
			return rangeErrf("fast zero requested but layer %s does not support it", layer.Name)
		}
	}
	if flags&Fua != 0 {
		fua, err := canFua(ctx, conn, layer)
		if err != nil {
			return err
		}
		if fua <= FuaNone {
			return rangeErrf("FUA requested but layer %s does not support it", layer.Name)
		}
	}

	conn.debugf("%s: zero count=%d offset=%d may_trim=%v fua=%v fast=%v",
		layer.Name, count, offset, flags&MayTrim != 0, flags&Fua != 0, fast)

	var zerr error
	switch {
	case layer.Ops.Zero != nil:
		zerr = layer.Ops.Zero(ctx, nextOpsFor(conn, layer), c.Handle, count, offset, flags)
	case layer.Kind == KindFilter:
		zerr = nextOpsFor(conn, layer).Zero(ctx, count, offset, flags)
	default:
		zerr = rangeErrf("plugin %s does not implement zero", layer.Name)
	}
	if zerr != nil && !fast {
		// Fast-zero is the only sanctioned channel for "not supported";
		// anything else reporting it is a layer bug, surfaced as EIO
		// rather than silently accepted as a normal zero failure.
		if zerr == ENOTSUP || zerr == EOPNOTSUP {
			conn.debugf("%s: zero returned ENOTSUP without FAST_ZERO set", layer.Name)
			return EIO
		}
	}
	return zerr
}

// ExtentsOp reports the allocation status of count bytes at offset.
// When the layer's can_extents is 0, the dispatcher synthesises a
// single all-allocated record instead of forwarding, per spec.md
// section 4.6. Grounded on backend_extents.
func ExtentsOp(ctx context.Context, conn *Connection, layer *Descriptor, count uint32, offset uint64, flags uint32, exts *Extents) error {
	c := conn.getContext(layer)
	if err := requireConnected(c, layer.Name); err != nil {
		return err
	}
	if err := checkFlags(flags, allowedExtents); err != nil {
		return err
	}
	ce, err := canExtents(ctx, conn, layer)
	if err != nil {
		return err
	}
	if err := checkRange(c.exportsize, offset, count); err != nil {
		return err
	}

	conn.debugf("%s: extents count=%d offset=%d req_one=%v", layer.Name, count, offset, flags&ReqOne != 0)

	if ce == 0 {
		return exts.Add(offset, uint64(count), 0) // safe worst case: allocated data
	}

	switch {
	case layer.Ops.Extents != nil:
		return layer.Ops.Extents(ctx, nextOpsFor(conn, layer), c.Handle, count, offset, flags, exts)
	case layer.Kind == KindFilter:
		return nextOpsFor(conn, layer).Extents(ctx, count, offset, flags, exts)
	default:
		return rangeErrf("plugin %s claims can_extents but implements no extents", layer.Name)
	}
}

// Cache hints that count bytes at offset should be faulted into a
// faster tier. When can_cache is EMULATE, the dispatcher loops issuing
// Pread into a throwaway buffer across the full range. Grounded on
// backend_cache.
func Cache(ctx context.Context, conn *Connection, layer *Descriptor, count uint32, offset uint64, flags uint32) error {
	c := conn.getContext(layer)
	if err := requireConnected(c, layer.Name); err != nil {
		return err
	}
	if err := checkFlags(flags, allowedCache); err != nil {
		return err
	}
	cc, err := canCache(ctx, conn, layer)
	if err != nil {
		return err
	}
	if cc <= CacheNone {
		return rangeErrf("cache requested but layer %s does not support it", layer.Name)
	}
	if err := checkRange(c.exportsize, offset, count); err != nil {
		return err
	}

	conn.debugf("%s: cache count=%d offset=%d", layer.Name, count, offset)

	if cc == CacheEmulate {
		buf := make([]byte, MaxRequestSize)
		remaining := count
		addr := offset
		for remaining > 0 {
			limit := remaining
			if uint32(len(buf)) < limit {
				limit = uint32(len(buf))
			}
			if err := Pread(ctx, conn, layer, buf[:limit], addr, 0); err != nil {
				return err
			}
			remaining -= limit
			addr += uint64(limit)
		}
		return nil
	}

	switch {
	case layer.Ops.Cache != nil:
		return layer.Ops.Cache(ctx, nextOpsFor(conn, layer), c.Handle, count, offset, flags)
	case layer.Kind == KindFilter:
		return nextOpsFor(conn, layer).Cache(ctx, count, offset, flags)
	default:
		return rangeErrf("plugin %s claims can_cache but implements no cache", layer.Name)
	}
}
