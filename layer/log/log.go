// Package log implements a chain.Ops filter that logs every data-path
// call to a *log.Logger, forwarding unchanged to its inner neighbour.
// Grounded on the teacher's bracketed-level log.Logger idiom
// (nbd/connection.go's "[DEBUG] ..."/"[INFO] ..." calls).
package log

import (
	"log"

	"github.com/nbdchain/nbdchain/chain"
	"golang.org/x/net/context"
)

type state struct {
	logger *log.Logger
}

// New builds a chain.Ops for the log filter. Recognised params: none;
// the logger is always the standard library's default logger
// (log.Default()).
func New(params map[string]string) (chain.Ops, error) {
	s := &state{logger: log.Default()}

	return chain.Ops{
		Open: func(ctx context.Context, next *chain.NextOps, readonly bool, exportname string) (any, error) {
			s.logger.Printf("[INFO] log: open export=%q readonly=%v", exportname, readonly)
			if err := next.Open(ctx, readonly, exportname); err != nil {
				return nil, err
			}
			return s, nil
		},
		Pread: func(ctx context.Context, next *chain.NextOps, handle any, buf []byte, offset uint64, flags uint32) error {
			err := next.Pread(ctx, buf, offset, flags)
			s.logger.Printf("[DEBUG] log: pread count=%d offset=%d err=%v", len(buf), offset, err)
			return err
		},
		Pwrite: func(ctx context.Context, next *chain.NextOps, handle any, buf []byte, offset uint64, flags uint32) error {
			err := next.Pwrite(ctx, buf, offset, flags)
			s.logger.Printf("[DEBUG] log: pwrite count=%d offset=%d fua=%v err=%v", len(buf), offset, flags&chain.Fua != 0, err)
			return err
		},
		Flush: func(ctx context.Context, next *chain.NextOps, handle any, flags uint32) error {
			err := next.Flush(ctx, flags)
			s.logger.Printf("[DEBUG] log: flush err=%v", err)
			return err
		},
		Trim: func(ctx context.Context, next *chain.NextOps, handle any, count uint32, offset uint64, flags uint32) error {
			err := next.Trim(ctx, count, offset, flags)
			s.logger.Printf("[DEBUG] log: trim count=%d offset=%d err=%v", count, offset, err)
			return err
		},
		Zero: func(ctx context.Context, next *chain.NextOps, handle any, count uint32, offset uint64, flags uint32) error {
			err := next.Zero(ctx, count, offset, flags)
			s.logger.Printf("[DEBUG] log: zero count=%d offset=%d err=%v", count, offset, err)
			return err
		},
		Extents: func(ctx context.Context, next *chain.NextOps, handle any, count uint32, offset uint64, flags uint32, exts *chain.Extents) error {
			err := next.Extents(ctx, count, offset, flags, exts)
			s.logger.Printf("[DEBUG] log: extents count=%d offset=%d records=%d err=%v", count, offset, exts.Count(), err)
			return err
		},
		Cache: func(ctx context.Context, next *chain.NextOps, handle any, count uint32, offset uint64, flags uint32) error {
			err := next.Cache(ctx, count, offset, flags)
			s.logger.Printf("[DEBUG] log: cache count=%d offset=%d err=%v", count, offset, err)
			return err
		},
	}, nil
}

func init() {
	chain.RegisterLayer("log", New)
}
