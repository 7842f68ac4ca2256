// Package file implements a chain.Ops plugin that serves a single
// regular file or block device as the innermost layer of an export
// chain.
package file

import (
	"os"
	"sync"

	"github.com/nbdchain/nbdchain/chain"
	"golang.org/x/net/context"
)

type handle struct {
	mu   sync.Mutex
	file *os.File
	size int64
	sync bool
}

func (h *handle) pread(ctx context.Context, next *chain.NextOps, buf []byte, offset uint64, flags uint32) error {
	_, err := h.file.ReadAt(buf, int64(offset))
	return err
}

func (h *handle) pwrite(ctx context.Context, next *chain.NextOps, buf []byte, offset uint64, flags uint32) error {
	if _, err := h.file.WriteAt(buf, int64(offset)); err != nil {
		return err
	}
	if flags&chain.Fua != 0 {
		return h.file.Sync()
	}
	return nil
}

func (h *handle) flush(ctx context.Context, next *chain.NextOps, flags uint32) error {
	return h.file.Sync()
}

func (h *handle) trim(ctx context.Context, next *chain.NextOps, count uint32, offset uint64, flags uint32) error {
	// A plain file has no discard primitive; trim is a no-op hint.
	if flags&chain.Fua != 0 {
		return h.file.Sync()
	}
	return nil
}

func (h *handle) zero(ctx context.Context, next *chain.NextOps, count uint32, offset uint64, flags uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := make([]byte, 64*1024)
	remaining := count
	addr := offset
	for remaining > 0 {
		n := uint32(len(buf))
		if n > remaining {
			n = remaining
		}
		if _, err := h.file.WriteAt(buf[:n], int64(addr)); err != nil {
			return err
		}
		addr += uint64(n)
		remaining -= n
	}
	if flags&chain.Fua != 0 {
		return h.file.Sync()
	}
	return nil
}

func (h *handle) getSize(ctx context.Context, next *chain.NextOps) (int64, error) {
	return h.size, nil
}

func (h *handle) canFua(ctx context.Context, next *chain.NextOps) (int, error) {
	return chain.FuaNative, nil
}

func (h *handle) canFlush(ctx context.Context, next *chain.NextOps) (bool, error) {
	return true, nil
}

func (h *handle) close(ctx context.Context, next *chain.NextOps) error {
	return h.file.Close()
}

// New builds a chain.Ops for the file plugin. Recognised params:
// "path" (required), "sync" (bool-ish, opens O_SYNC). The export size
// is the file's length when it is opened; there is no size override.
func New(params map[string]string) (chain.Ops, error) {
	path := params["path"]
	if path == "" {
		return chain.Ops{}, chain.ErrMissingParam("file", "path")
	}
	syncOpen, err := chain.ParseBool(params["sync"])
	if err != nil {
		return chain.Ops{}, err
	}

	var readonly bool
	var h *handle

	open := func(_ context.Context, _ *chain.NextOps, ro bool, _ string) (any, error) {
		perms := os.O_RDWR
		if ro {
			perms = os.O_RDONLY
		}
		if syncOpen {
			perms |= os.O_SYNC
		}
		f, err := os.OpenFile(path, perms, 0666)
		if err != nil {
			return nil, err
		}
		stat, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		readonly = ro
		h = &handle{file: f, size: stat.Size(), sync: syncOpen}
		return h, nil
	}

	return chain.Ops{
		Open: open,
		Close: func(ctx context.Context, next *chain.NextOps, hh any) error {
			return hh.(*handle).close(ctx, next)
		},
		GetSize: func(ctx context.Context, next *chain.NextOps, hh any) (int64, error) {
			return hh.(*handle).getSize(ctx, next)
		},
		CanWrite: func(ctx context.Context, next *chain.NextOps, hh any) (bool, error) {
			return !readonly, nil
		},
		CanFlush: func(ctx context.Context, next *chain.NextOps, hh any) (bool, error) {
			return hh.(*handle).canFlush(ctx, next)
		},
		CanFua: func(ctx context.Context, next *chain.NextOps, hh any) (int, error) {
			return hh.(*handle).canFua(ctx, next)
		},
		CanTrim: func(ctx context.Context, next *chain.NextOps, hh any) (bool, error) {
			return true, nil
		},
		CanZero: func(ctx context.Context, next *chain.NextOps, hh any) (int, error) {
			return chain.ZeroNative, nil
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
		Flush: func(ctx context.Context, next *chain.NextOps, hh any, flags uint32) error {
			return hh.(*handle).flush(ctx, next, flags)
		},
		Trim: func(ctx context.Context, next *chain.NextOps, hh any, count uint32, offset uint64, flags uint32) error {
			return hh.(*handle).trim(ctx, next, count, offset, flags)
		},
		Zero: func(ctx context.Context, next *chain.NextOps, hh any, count uint32, offset uint64, flags uint32) error {
			return hh.(*handle).zero(ctx, next, count, offset, flags)
		},
	}, nil
}

func init() {
	chain.RegisterLayer("file", New)
}
