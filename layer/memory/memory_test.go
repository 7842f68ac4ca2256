package memory

import (
	"testing"

	"github.com/nbdchain/nbdchain/chain"
	"golang.org/x/net/context"
)

func buildChain(t *testing.T, size string) (context.Context, *chain.Connection, *chain.Descriptor) {
	t.Helper()
	ops, err := New(map[string]string{"size": size})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	root, err := chain.NewChain([]*chain.Descriptor{{Name: "mem", Ops: ops}})
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
	return ctx, conn, root
}

func TestMemoryWriteReadRoundTrip(t *testing.T) {
	ctx, conn, root := buildChain(t, "65536")

	want := []byte("the quick brown fox jumps over the lazy dog")
	if err := chain.Pwrite(ctx, conn, root, want, 100, 0); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}
	got := make([]byte, len(want))
	if err := chain.Pread(ctx, conn, root, got, 100, 0); err != nil {
		t.Fatalf("Pread: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("read back %q, want %q", got, want)
	}
}

func TestMemoryMissingSizeParam(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected an error for a missing size param")
	}
	if _, err := New(map[string]string{"size": "not-a-number"}); err == nil {
		t.Fatalf("expected an error for a non-numeric size param")
	}
}

// A never-written region reports as a hole extent; once
// written, the same region reports as ordinary allocated data.
func TestMemoryExtentsHoleThenAllocated(t *testing.T) {
	ctx, conn, root := buildChain(t, "16384")

	exts, err := chain.NewExtents(0, 4096)
	if err != nil {
		t.Fatalf("NewExtents: %v", err)
	}
	if err := chain.ExtentsOp(ctx, conn, root, 4096, 0, 0, exts); err != nil {
		t.Fatalf("ExtentsOp (unwritten): %v", err)
	}
	if exts.Count() != 1 || exts.At(0).Type&chain.ExtentHole == 0 {
		t.Fatalf("expected a single hole record, got %+v", exts.All())
	}

	if err := chain.Pwrite(ctx, conn, root, make([]byte, 4096), 0, 0); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}
	exts2, err := chain.NewExtents(0, 4096)
	if err != nil {
		t.Fatalf("NewExtents: %v", err)
	}
	if err := chain.ExtentsOp(ctx, conn, root, 4096, 0, 0, exts2); err != nil {
		t.Fatalf("ExtentsOp (written): %v", err)
	}
	if exts2.Count() != 1 || exts2.At(0).Type != 0 {
		t.Fatalf("expected a single allocated record after write, got %+v", exts2.All())
	}
}

// Trim punches a hole back out of previously-written data.
func TestMemoryTrimPunchesHole(t *testing.T) {
	ctx, conn, root := buildChain(t, "16384")

	if err := chain.Pwrite(ctx, conn, root, []byte{1, 2, 3, 4}, 0, 0); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}
	if err := chain.Trim(ctx, conn, root, 4096, 0, 0); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	buf := make([]byte, 4)
	if err := chain.Pread(ctx, conn, root, buf, 0, 0); err != nil {
		t.Fatalf("Pread: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d is %d after trim, want 0", i, b)
		}
	}
}
