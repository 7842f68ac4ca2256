// Package memory implements a chain.Ops plugin that serves a
// RAM-backed export, useful for tests and ephemeral exports. It
// answers zero/trim/extents natively instead of falling back to the
// dispatcher's emulation.
package memory

import (
	"sync"

	"github.com/nbdchain/nbdchain/chain"
	"golang.org/x/net/context"
)

type handle struct {
	mu   sync.Mutex
	data []byte
	// allocated tracks, per block of blockSize bytes, whether the
	// block has been written since it was last trimmed or zeroed
	// (false means a hole: all zero).
	allocated []bool
}

const blockSize = 4096

func (h *handle) blockOf(offset uint64) int { return int(offset / blockSize) }

func (h *handle) markAllocated(offset, length uint64) {
	start := h.blockOf(offset)
	end := h.blockOf(offset + length - 1)
	for b := start; b <= end; b++ {
		h.allocated[b] = true
	}
}

func (h *handle) pread(ctx context.Context, next *chain.NextOps, buf []byte, offset uint64, flags uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	copy(buf, h.data[offset:offset+uint64(len(buf))])
	return nil
}

func (h *handle) pwrite(ctx context.Context, next *chain.NextOps, buf []byte, offset uint64, flags uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	copy(h.data[offset:offset+uint64(len(buf))], buf)
	h.markAllocated(offset, uint64(len(buf)))
	return nil
}

func (h *handle) trim(ctx context.Context, next *chain.NextOps, count uint32, offset uint64, flags uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := offset; i < offset+uint64(count); i++ {
		h.data[i] = 0
	}
	start := h.blockOf(offset)
	end := h.blockOf(offset + uint64(count) - 1)
	for b := start; b <= end; b++ {
		h.allocated[b] = false
	}
	return nil
}

func (h *handle) zero(ctx context.Context, next *chain.NextOps, count uint32, offset uint64, flags uint32) error {
	return h.trim(ctx, next, count, offset, flags)
}

func (h *handle) extents(ctx context.Context, next *chain.NextOps, count uint32, offset uint64, flags uint32, exts *chain.Extents) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	end := offset + uint64(count)
	pos := offset
	for pos < end {
		b := h.blockOf(pos)
		blockEnd := uint64(b+1) * blockSize
		if blockEnd > end {
			blockEnd = end
		}
		var typ uint32
		if !h.allocated[b] {
			typ = chain.ExtentHole | chain.ExtentZero
		}
		if err := exts.Add(pos, blockEnd-pos, typ); err != nil {
			return err
		}
		pos = blockEnd
	}
	return nil
}

// New builds a chain.Ops for the memory plugin. Recognised params:
// "size" (required, bytes, decimal).
func New(params map[string]string) (chain.Ops, error) {
	size, err := parseSize(params["size"])
	if err != nil {
		return chain.Ops{}, err
	}

	open := func(_ context.Context, _ *chain.NextOps, _ bool, _ string) (any, error) {
		return &handle{
			data:      make([]byte, size),
			allocated: make([]bool, (size+blockSize-1)/blockSize),
		}, nil
	}

	return chain.Ops{
		Open: open,
		GetSize: func(ctx context.Context, next *chain.NextOps, hh any) (int64, error) {
			return int64(len(hh.(*handle).data)), nil
		},
		CanWrite: func(ctx context.Context, next *chain.NextOps, hh any) (bool, error) {
			return true, nil
		},
		CanTrim: func(ctx context.Context, next *chain.NextOps, hh any) (bool, error) {
			return true, nil
		},
		CanZero: func(ctx context.Context, next *chain.NextOps, hh any) (int, error) {
			return chain.ZeroNative, nil
		},
		CanFastZero: func(ctx context.Context, next *chain.NextOps, hh any) (bool, error) {
			return true, nil
		},
		CanExtents: func(ctx context.Context, next *chain.NextOps, hh any) (bool, error) {
			return true, nil
		},
		CanMultiConn: func(ctx context.Context, next *chain.NextOps, hh any) (bool, error) {
			return true, nil
		},
		Pread: func(ctx context.Context, next *chain.NextOps, hh any, buf []byte, offset uint64, flags uint32) error {
			return hh.(*handle).pread(ctx, next, buf, offset, flags)
		},
		Pwrite: func(ctx context.Context, next *chain.NextOps, hh any, buf []byte, offset uint64, flags uint32) error {
			return hh.(*handle).pwrite(ctx, next, buf, offset, flags)
		},
		Trim: func(ctx context.Context, next *chain.NextOps, hh any, count uint32, offset uint64, flags uint32) error {
			return hh.(*handle).trim(ctx, next, count, offset, flags)
		},
		Zero: func(ctx context.Context, next *chain.NextOps, hh any, count uint32, offset uint64, flags uint32) error {
			return hh.(*handle).zero(ctx, next, count, offset, flags)
		},
		Extents: func(ctx context.Context, next *chain.NextOps, hh any, count uint32, offset uint64, flags uint32, exts *chain.Extents) error {
			return hh.(*handle).extents(ctx, next, count, offset, flags, exts)
		},
	}, nil
}

func parseSize(v string) (int64, error) {
	if v == "" {
		return 0, chain.ErrMissingParam("memory", "size")
	}
	var n int64
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, chain.ErrBadParam("memory", "size", v)
		}
		n = n*10 + int64(v[i]-'0')
	}
	if n <= 0 {
		return 0, chain.ErrBadParam("memory", "size", v)
	}
	return n, nil
}

func init() {
	chain.RegisterLayer("memory", New)
}
