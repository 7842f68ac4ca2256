package chain

import "golang.org/x/net/context"

// Exported capability queries, for callers outside the package (the
// nbd package's negotiation code needs these to build the wire
// export-flags bitmask; layer authors reach the same resolvers
// through NextOps instead).

func CanWrite(ctx context.Context, conn *Connection, layer *Descriptor) (bool, error) {
	v, err := canWrite(ctx, conn, layer)
	return v == 1, err
}

func CanFlush(ctx context.Context, conn *Connection, layer *Descriptor) (bool, error) {
	v, err := canFlush(ctx, conn, layer)
	return v == 1, err
}

func IsRotational(ctx context.Context, conn *Connection, layer *Descriptor) (bool, error) {
	v, err := isRotational(ctx, conn, layer)
	return v == 1, err
}

func CanTrim(ctx context.Context, conn *Connection, layer *Descriptor) (bool, error) {
	v, err := canTrim(ctx, conn, layer)
	return v == 1, err
}

// CanZero returns one of ZeroNone/ZeroEmulate/ZeroNative.
func CanZero(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	return canZero(ctx, conn, layer)
}

func CanFastZero(ctx context.Context, conn *Connection, layer *Descriptor) (bool, error) {
	v, err := canFastZero(ctx, conn, layer)
	return v == 1, err
}

// CanFua returns one of FuaNone/FuaEmulate/FuaNative.
func CanFua(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	return canFua(ctx, conn, layer)
}

func CanMultiConn(ctx context.Context, conn *Connection, layer *Descriptor) (bool, error) {
	v, err := canMultiConn(ctx, conn, layer)
	return v == 1, err
}

// CanCache returns one of CacheNone/CacheEmulate/CacheNative.
func CanCache(ctx context.Context, conn *Connection, layer *Descriptor) (int, error) {
	return canCache(ctx, conn, layer)
}

func CanExtents(ctx context.Context, conn *Connection, layer *Descriptor) (bool, error) {
	v, err := canExtents(ctx, conn, layer)
	return v == 1, err
}

// GetSize returns the export size, querying and caching it on first
// call.
func GetSize(ctx context.Context, conn *Connection, layer *Descriptor) (int64, error) {
	return getSize(ctx, conn, layer)
}

// Description returns the (never cached) export description.
func Description(ctx context.Context, conn *Connection, layer *Descriptor) (string, error) {
	return description(ctx, conn, layer)
}
