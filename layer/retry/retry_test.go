package retry

import (
	"testing"

	"github.com/nbdchain/nbdchain/chain"
	"golang.org/x/net/context"
)

// flaky is a plugin fixture whose Pread fails with EIO exactly once,
// then succeeds, so a test can observe the retry filter's reopen-and-
// replay behaviour end to end.
type flaky struct {
	opens, closes, attempts int
	data                    []byte
}

func buildFlakyChain(t *testing.T) (context.Context, *chain.Connection, *chain.Descriptor, *flaky) {
	t.Helper()
	f := &flaky{data: []byte("0123456789012345678901234567890123456789")}

	pluginOps := chain.Ops{
		Open: func(ctx context.Context, next *chain.NextOps, readonly bool, exportname string) (any, error) {
			f.opens++
			return f, nil
		},
		Close: func(ctx context.Context, next *chain.NextOps, handle any) error {
			f.closes++
			return nil
		},
		CanWrite: func(ctx context.Context, next *chain.NextOps, handle any) (bool, error) {
			return true, nil
		},
		GetSize: func(ctx context.Context, next *chain.NextOps, handle any) (int64, error) {
			return int64(len(f.data)), nil
		},
		Pread: func(ctx context.Context, next *chain.NextOps, handle any, buf []byte, offset uint64, flags uint32) error {
			f.attempts++
			if f.attempts == 1 {
				return chain.EIO
			}
			copy(buf, f.data[offset:])
			return nil
		},
	}
	retryOps, err := New(map[string]string{"retries": "2"})
	if err != nil {
		t.Fatalf("retry.New: %v", err)
	}

	plugin := &chain.Descriptor{Name: "flaky", Ops: pluginOps}
	front := &chain.Descriptor{Name: "retry", Ops: retryOps}
	root, err := chain.NewChain([]*chain.Descriptor{plugin, front})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	conn := chain.NewConnection(root, false)
	ctx := context.Background()
	if _, err := chain.Open(ctx, conn, root, false, "default"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := chain.Prepare(ctx, conn, root); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := chain.GetSize(ctx, conn, root); err != nil {
		t.Fatalf("GetSize: %v", err)
	}
	return ctx, conn, root, f
}

// A Pread that fails with EIO once must be retried transparently: the
// retry filter reopens the inner layer and replays the call, so the
// caller only ever sees the eventual success.
func TestRetryRecoversFromEIO(t *testing.T) {
	ctx, conn, root, f := buildFlakyChain(t)

	got := make([]byte, 10)
	if err := chain.Pread(ctx, conn, root, got, 0, 0); err != nil {
		t.Fatalf("Pread: %v", err)
	}
	if string(got) != string(f.data[:10]) {
		t.Fatalf("got %q, want %q", got, f.data[:10])
	}
	if f.attempts != 2 {
		t.Fatalf("attempts = %d, want 2", f.attempts)
	}
	if f.opens != 2 {
		t.Fatalf("opens = %d, want 2 (initial + one reopen)", f.opens)
	}
	if f.closes != 1 {
		t.Fatalf("closes = %d, want 1", f.closes)
	}
}

// A failure that persists past the retry budget must surface to the
// caller as an error, not loop forever.
func TestRetryGivesUpAfterBudget(t *testing.T) {
	f := &flaky{data: make([]byte, 16)}
	pluginOps := chain.Ops{
		Open: func(ctx context.Context, next *chain.NextOps, readonly bool, exportname string) (any, error) {
			f.opens++
			return f, nil
		},
		Close: func(ctx context.Context, next *chain.NextOps, handle any) error {
			f.closes++
			return nil
		},
		CanWrite: func(ctx context.Context, next *chain.NextOps, handle any) (bool, error) {
			return true, nil
		},
		GetSize: func(ctx context.Context, next *chain.NextOps, handle any) (int64, error) {
			return int64(len(f.data)), nil
		},
		Pread: func(ctx context.Context, next *chain.NextOps, handle any, buf []byte, offset uint64, flags uint32) error {
			f.attempts++
			return chain.EIO
		},
	}
	retryOps, err := New(map[string]string{"retries": "2"})
	if err != nil {
		t.Fatalf("retry.New: %v", err)
	}
	plugin := &chain.Descriptor{Name: "flaky", Ops: pluginOps}
	front := &chain.Descriptor{Name: "retry", Ops: retryOps}
	root, err := chain.NewChain([]*chain.Descriptor{plugin, front})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	conn := chain.NewConnection(root, false)
	ctx := context.Background()
	if _, err := chain.Open(ctx, conn, root, false, "default"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := chain.Prepare(ctx, conn, root); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := chain.GetSize(ctx, conn, root); err != nil {
		t.Fatalf("GetSize: %v", err)
	}

	buf := make([]byte, 4)
	if err := chain.Pread(ctx, conn, root, buf, 0, 0); err != chain.EIO {
		t.Fatalf("got err %v, want chain.EIO", err)
	}
	if f.attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", f.attempts)
	}
}

// An error that isn't EIO must not trigger a reopen/retry at all.
func TestRetryDoesNotRetryNonEIOErrors(t *testing.T) {
	f := &flaky{}
	pluginOps := chain.Ops{
		Open: func(ctx context.Context, next *chain.NextOps, readonly bool, exportname string) (any, error) {
			f.opens++
			return f, nil
		},
		CanWrite: func(ctx context.Context, next *chain.NextOps, handle any) (bool, error) {
			return true, nil
		},
		GetSize: func(ctx context.Context, next *chain.NextOps, handle any) (int64, error) {
			return 16, nil
		},
		Pread: func(ctx context.Context, next *chain.NextOps, handle any, buf []byte, offset uint64, flags uint32) error {
			f.attempts++
			return chain.EINVAL
		},
	}
	retryOps, err := New(map[string]string{"retries": "2"})
	if err != nil {
		t.Fatalf("retry.New: %v", err)
	}
	plugin := &chain.Descriptor{Name: "flaky", Ops: pluginOps}
	front := &chain.Descriptor{Name: "retry", Ops: retryOps}
	root, err := chain.NewChain([]*chain.Descriptor{plugin, front})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	conn := chain.NewConnection(root, false)
	ctx := context.Background()
	if _, err := chain.Open(ctx, conn, root, false, "default"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := chain.Prepare(ctx, conn, root); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := chain.GetSize(ctx, conn, root); err != nil {
		t.Fatalf("GetSize: %v", err)
	}

	buf := make([]byte, 4)
	if err := chain.Pread(ctx, conn, root, buf, 0, 0); err != chain.EINVAL {
		t.Fatalf("got err %v, want chain.EINVAL", err)
	}
	if f.attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on a non-EIO error)", f.attempts)
	}
	if f.opens != 1 {
		t.Fatalf("opens = %d, want 1 (no reopen on a non-EIO error)", f.opens)
	}
}
