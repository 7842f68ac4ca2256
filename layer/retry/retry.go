// Package retry implements a chain.Ops filter that retries a failed
// data-path call a bounded number of times, reopening the inner layer
// between attempts when the failure looks like a dropped connection
// (EIO). Grounded on spec.md section 4.3/7's reopen use case and
// nbdkit's retry filter idiom.
package retry

import (
	"time"

	"github.com/nbdchain/nbdchain/chain"
	"golang.org/x/net/context"
)

const defaultRetries = 2

type openParams struct {
	readonly   bool
	exportname string
}

type state struct {
	retries int
	delay   time.Duration
	open    openParams
}

func retryable(err error) bool {
	return err == chain.EIO
}

func (s *state) withRetry(ctx context.Context, next *chain.NextOps, attempt func() error) error {
	var err error
	for try := 0; try <= s.retries; try++ {
		err = attempt()
		if err == nil || !retryable(err) || try == s.retries {
			return err
		}
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rerr := next.Reopen(ctx, s.open.readonly, s.open.exportname); rerr != nil {
			return err
		}
	}
	return err
}

// New builds a chain.Ops for the retry filter. Recognised params:
// "retries" (decimal, default 2), "delay-ms" (decimal, default 0).
func New(params map[string]string) (chain.Ops, error) {
	retries := defaultRetries
	if v := params["retries"]; v != "" {
		n, err := parseUint(v)
		if err != nil {
			return chain.Ops{}, chain.ErrBadParam("retry", "retries", v)
		}
		retries = int(n)
	}
	var delay time.Duration
	if v := params["delay-ms"]; v != "" {
		n, err := parseUint(v)
		if err != nil {
			return chain.Ops{}, chain.ErrBadParam("retry", "delay-ms", v)
		}
		delay = time.Duration(n) * time.Millisecond
	}

	s := &state{retries: retries, delay: delay}

	return chain.Ops{
		Open: func(ctx context.Context, next *chain.NextOps, readonly bool, exportname string) (any, error) {
			s.open = openParams{readonly: readonly, exportname: exportname}
			if err := next.Open(ctx, readonly, exportname); err != nil {
				return nil, err
			}
			return s, nil
		},
		Pread: func(ctx context.Context, next *chain.NextOps, handle any, buf []byte, offset uint64, flags uint32) error {
			return s.withRetry(ctx, next, func() error { return next.Pread(ctx, buf, offset, flags) })
		},
		Pwrite: func(ctx context.Context, next *chain.NextOps, handle any, buf []byte, offset uint64, flags uint32) error {
			return s.withRetry(ctx, next, func() error { return next.Pwrite(ctx, buf, offset, flags) })
		},
		Flush: func(ctx context.Context, next *chain.NextOps, handle any, flags uint32) error {
			return s.withRetry(ctx, next, func() error { return next.Flush(ctx, flags) })
		},
		Trim: func(ctx context.Context, next *chain.NextOps, handle any, count uint32, offset uint64, flags uint32) error {
			return s.withRetry(ctx, next, func() error { return next.Trim(ctx, count, offset, flags) })
		},
		Zero: func(ctx context.Context, next *chain.NextOps, handle any, count uint32, offset uint64, flags uint32) error {
			return s.withRetry(ctx, next, func() error { return next.Zero(ctx, count, offset, flags) })
		},
	}, nil
}

func parseUint(v string) (uint64, error) {
	var n uint64
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, chain.ErrBadParam("retry", "value", v)
		}
		n = n*10 + uint64(v[i]-'0')
	}
	return n, nil
}

func init() {
	chain.RegisterLayer("retry", New)
}
