// Package swab implements a chain.Ops filter that byte-swaps data in
// fixed-size groups on both the read and write paths, leaving control
// operations and capability answers untouched.
package swab

import (
	"github.com/nbdchain/nbdchain/chain"
	"golang.org/x/net/context"
)

func swapInto(dst, src []byte, groupSize int) {
	for i := 0; i+groupSize <= len(src); i += groupSize {
		// Swap mirrored pairs so dst and src may be the same slice.
		for j := 0; j < groupSize/2; j++ {
			a, b := src[i+j], src[i+groupSize-1-j]
			dst[i+j], dst[i+groupSize-1-j] = b, a
		}
	}
}

// New builds a chain.Ops for the swab filter. Recognised params:
// "size" (bytes per swap group: "2", "4", or "8"; default "2").
func New(params map[string]string) (chain.Ops, error) {
	groupSize := 2
	switch params["size"] {
	case "", "2":
		groupSize = 2
	case "4":
		groupSize = 4
	case "8":
		groupSize = 8
	default:
		return chain.Ops{}, chain.ErrBadParam("swab", "size", params["size"])
	}

	return chain.Ops{
		Pread: func(ctx context.Context, next *chain.NextOps, handle any, buf []byte, offset uint64, flags uint32) error {
			if err := next.Pread(ctx, buf, offset, flags); err != nil {
				return err
			}
			swapInto(buf, buf, groupSize)
			return nil
		},
		Pwrite: func(ctx context.Context, next *chain.NextOps, handle any, buf []byte, offset uint64, flags uint32) error {
			swapped := make([]byte, len(buf))
			swapInto(swapped, buf, groupSize)
			return next.Pwrite(ctx, swapped, offset, flags)
		},
	}, nil
}

func init() {
	chain.RegisterLayer("swab", New)
}
