// Package cache implements a chain.Ops filter that promotes an inner
// layer's can_cache answer to CACHE_NATIVE by keeping a bounded,
// block-granularity read cache in memory, invalidated on write.
package cache

import (
	"container/list"
	"sync"

	"github.com/nbdchain/nbdchain/chain"
	"golang.org/x/net/context"
)

const defaultBlockSize = 4096
const defaultMaxBlocks = 4096 // 16 MiB at the default block size

type entry struct {
	block uint64
	data  []byte
}

type state struct {
	mu        sync.Mutex
	blockSize uint64
	maxBlocks int
	blocks    map[uint64]*list.Element
	order     *list.List // front = most recently used
}

func newState(blockSize uint64, maxBlocks int) *state {
	return &state{
		blockSize: blockSize,
		maxBlocks: maxBlocks,
		blocks:    make(map[uint64]*list.Element),
		order:     list.New(),
	}
}

func (s *state) get(block uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.blocks[block]
	if !ok {
		return nil, false
	}
	s.order.MoveToFront(el)
	return el.Value.(*entry).data, true
}

func (s *state) put(block uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.blocks[block]; ok {
		el.Value.(*entry).data = data
		s.order.MoveToFront(el)
		return
	}
	el := s.order.PushFront(&entry{block: block, data: data})
	s.blocks[block] = el
	for len(s.blocks) > s.maxBlocks {
		back := s.order.Back()
		if back == nil {
			break
		}
		s.order.Remove(back)
		delete(s.blocks, back.Value.(*entry).block)
	}
}

func (s *state) invalidateRange(offset, length uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := offset / s.blockSize
	end := (offset + length - 1) / s.blockSize
	for b := start; b <= end; b++ {
		if el, ok := s.blocks[b]; ok {
			s.order.Remove(el)
			delete(s.blocks, b)
		}
	}
}

// fetchBlock returns the block's data, populating the cache from next
// on a miss. The final block of an export whose size isn't a multiple
// of blockSize is short; fetchBlock clamps its read to the bytes that
// actually exist so it doesn't run past the export size.
func (s *state) fetchBlock(ctx context.Context, next *chain.NextOps, block uint64) ([]byte, error) {
	if data, ok := s.get(block); ok {
		return data, nil
	}
	size, err := next.GetSize(ctx)
	if err != nil {
		return nil, err
	}
	start := block * s.blockSize
	length := s.blockSize
	if start+length > uint64(size) {
		length = uint64(size) - start
	}
	data := make([]byte, length)
	if err := next.Pread(ctx, data, start, 0); err != nil {
		return nil, err
	}
	s.put(block, data)
	return data, nil
}

// New builds a chain.Ops for the cache filter. Recognised params:
// "blocksize" (bytes, default 4096), "blocks" (max cached blocks,
// default 4096).
func New(params map[string]string) (chain.Ops, error) {
	blockSize := uint64(defaultBlockSize)
	if v := params["blocksize"]; v != "" {
		n, err := parseUint(v)
		if err != nil {
			return chain.Ops{}, chain.ErrBadParam("cache", "blocksize", v)
		}
		blockSize = n
	}
	maxBlocks := defaultMaxBlocks
	if v := params["blocks"]; v != "" {
		n, err := parseUint(v)
		if err != nil || n == 0 {
			return chain.Ops{}, chain.ErrBadParam("cache", "blocks", v)
		}
		maxBlocks = int(n)
	}

	s := newState(blockSize, maxBlocks)

	return chain.Ops{
		CanCache: func(ctx context.Context, next *chain.NextOps, handle any) (int, error) {
			return chain.CacheNative, nil
		},
		Pread: func(ctx context.Context, next *chain.NextOps, handle any, buf []byte, offset uint64, flags uint32) error {
			remaining := buf
			addr := offset
			for len(remaining) > 0 {
				block := addr / blockSize
				blockOff := addr % blockSize
				data, err := s.fetchBlock(ctx, next, block)
				if err != nil {
					return err
				}
				n := copy(remaining, data[blockOff:])
				remaining = remaining[n:]
				addr += uint64(n)
			}
			return nil
		},
		Pwrite: func(ctx context.Context, next *chain.NextOps, handle any, buf []byte, offset uint64, flags uint32) error {
			if err := next.Pwrite(ctx, buf, offset, flags); err != nil {
				return err
			}
			s.invalidateRange(offset, uint64(len(buf)))
			return nil
		},
		Trim: func(ctx context.Context, next *chain.NextOps, handle any, count uint32, offset uint64, flags uint32) error {
			if err := next.Trim(ctx, count, offset, flags); err != nil {
				return err
			}
			s.invalidateRange(offset, uint64(count))
			return nil
		},
		Zero: func(ctx context.Context, next *chain.NextOps, handle any, count uint32, offset uint64, flags uint32) error {
			if err := next.Zero(ctx, count, offset, flags); err != nil {
				return err
			}
			s.invalidateRange(offset, uint64(count))
			return nil
		},
		Cache: func(ctx context.Context, next *chain.NextOps, handle any, count uint32, offset uint64, flags uint32) error {
			end := offset + uint64(count)
			for addr := offset; addr < end; addr += blockSize {
				if _, err := s.fetchBlock(ctx, next, addr/blockSize); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

func parseUint(v string) (uint64, error) {
	var n uint64
	if v == "" {
		return 0, chain.ErrBadParam("cache", "value", v)
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, chain.ErrBadParam("cache", "value", v)
		}
		n = n*10 + uint64(v[i]-'0')
	}
	return n, nil
}

func init() {
	chain.RegisterLayer("cache", New)
}
