package chain

import "golang.org/x/net/context"

// maxString is the protocol's cap on export names and descriptions,
// per spec.md section 6.
const maxString = 4096

// NextOps is the "next ops" handle a filter receives, bound to the
// context of its inner neighbour for the current connection. Calling
// it invokes the dispatcher recursively against that inner context,
// per spec.md section 6's "Downward" interface.
type NextOps struct {
	conn  *Connection
	layer *Descriptor
}

// nextOpsFor returns the NextOps a filter at layer should be given,
// or nil for the innermost plugin (Index == 0, no inner neighbour).
func nextOpsFor(conn *Connection, layer *Descriptor) *NextOps {
	if layer.Next == nil {
		return nil
	}
	return &NextOps{conn: conn, layer: layer.Next}
}

// Open opens the inner layer's context. Matches nbdkit's
// next_open: the filter doesn't receive a handle back (the
// registry tracks the inner context itself); it only learns whether
// opening succeeded.
func (n *NextOps) Open(ctx context.Context, readonly bool, exportname string) error {
	_, err := Open(ctx, n.conn, n.layer, readonly, exportname)
	return err
}

func (n *NextOps) Prepare(ctx context.Context) error {
	c := n.conn.getContext(n.layer)
	return prepare(ctx, n.conn, n.layer, c)
}

func (n *NextOps) Finalize(ctx context.Context) error {
	c := n.conn.getContext(n.layer)
	return finalize(ctx, n.conn, n.layer, c)
}

func (n *NextOps) Close(ctx context.Context) error {
	c := n.conn.getContext(n.layer)
	return closeContext(ctx, n.conn, n.layer, c)
}

// Reopen closes and reopens the inner layer's context, for filters
// such as the retry filter that recover from a dead connection by
// re-establishing it. Matches nbdkit's next_ops->reopen.
func (n *NextOps) Reopen(ctx context.Context, readonly bool, exportname string) error {
	return Reopen(ctx, n.conn, n.layer, readonly, exportname)
}

func (n *NextOps) ListExports(ctx context.Context, readonly bool) ([]ExportInfo, error) {
	return ListExports(ctx, n.conn, n.layer, readonly)
}

func (n *NextOps) DefaultExport(ctx context.Context, readonly bool) (string, error) {
	return DefaultExport(ctx, n.conn, n.layer, readonly)
}

func (n *NextOps) CanWrite(ctx context.Context) (bool, error) {
	v, err := canWrite(ctx, n.conn, n.layer)
	return v == 1, err
}

func (n *NextOps) CanFlush(ctx context.Context) (bool, error) {
	v, err := canFlush(ctx, n.conn, n.layer)
	return v == 1, err
}

func (n *NextOps) IsRotational(ctx context.Context) (bool, error) {
	v, err := isRotational(ctx, n.conn, n.layer)
	return v == 1, err
}

func (n *NextOps) CanTrim(ctx context.Context) (bool, error) {
	v, err := canTrim(ctx, n.conn, n.layer)
	return v == 1, err
}

func (n *NextOps) CanZero(ctx context.Context) (int, error) {
	return canZero(ctx, n.conn, n.layer)
}

func (n *NextOps) CanFastZero(ctx context.Context) (bool, error) {
	v, err := canFastZero(ctx, n.conn, n.layer)
	return v == 1, err
}

func (n *NextOps) CanFua(ctx context.Context) (int, error) {
	return canFua(ctx, n.conn, n.layer)
}

func (n *NextOps) CanMultiConn(ctx context.Context) (bool, error) {
	v, err := canMultiConn(ctx, n.conn, n.layer)
	return v == 1, err
}

func (n *NextOps) CanCache(ctx context.Context) (int, error) {
	return canCache(ctx, n.conn, n.layer)
}

func (n *NextOps) CanExtents(ctx context.Context) (bool, error) {
	v, err := canExtents(ctx, n.conn, n.layer)
	return v == 1, err
}

func (n *NextOps) GetSize(ctx context.Context) (int64, error) {
	return getSize(ctx, n.conn, n.layer)
}

func (n *NextOps) Description(ctx context.Context) (string, error) {
	return description(ctx, n.conn, n.layer)
}

func (n *NextOps) Pread(ctx context.Context, buf []byte, offset uint64, flags uint32) error {
	return Pread(ctx, n.conn, n.layer, buf, offset, flags)
}

func (n *NextOps) Pwrite(ctx context.Context, buf []byte, offset uint64, flags uint32) error {
	return Pwrite(ctx, n.conn, n.layer, buf, offset, flags)
}

func (n *NextOps) Flush(ctx context.Context, flags uint32) error {
	return Flush(ctx, n.conn, n.layer, flags)
}

func (n *NextOps) Trim(ctx context.Context, count uint32, offset uint64, flags uint32) error {
	return Trim(ctx, n.conn, n.layer, count, offset, flags)
}

func (n *NextOps) Zero(ctx context.Context, count uint32, offset uint64, flags uint32) error {
	return Zero(ctx, n.conn, n.layer, count, offset, flags)
}

// Extents implements extentsQuerier so NextOps can be passed straight
// to AlignedQuery.
func (n *NextOps) Extents(ctx context.Context, count uint32, offset uint64, flags uint32, exts *Extents) error {
	return ExtentsOp(ctx, n.conn, n.layer, count, offset, flags, exts)
}

func (n *NextOps) Cache(ctx context.Context, count uint32, offset uint64, flags uint32) error {
	return Cache(ctx, n.conn, n.layer, count, offset, flags)
}
