package swab

import (
	"testing"

	"github.com/nbdchain/nbdchain/chain"
	"github.com/nbdchain/nbdchain/layer/memory"
	"golang.org/x/net/context"
)

func buildChain(t *testing.T, size string) (context.Context, *chain.Connection, *chain.Descriptor, *chain.Descriptor) {
	t.Helper()
	storeOps, err := memory.New(map[string]string{"size": size})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	swabOps, err := New(map[string]string{"size": "4"})
	if err != nil {
		t.Fatalf("swab.New: %v", err)
	}
	store := &chain.Descriptor{Name: "store", Ops: storeOps}
	front := &chain.Descriptor{Name: "swab", Ops: swabOps}
	root, err := chain.NewChain([]*chain.Descriptor{store, front})
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
	return ctx, conn, store, root
}

// A write through the swab filter then a read back through it must
// return the original bytes: the write swaps on the way in, the read
// swaps on the way back out.
func TestSwabRoundTrip(t *testing.T) {
	ctx, conn, _, root := buildChain(t, "65536")

	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	if err := chain.Pwrite(ctx, conn, root, want, 0, 0); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}
	got := make([]byte, len(want))
	if err := chain.Pread(ctx, conn, root, got, 0, 0); err != nil {
		t.Fatalf("Pread: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, got[i], want[i])
		}
	}
}

// Reading the raw (unswapped) store directly shows the bytes really
// were reordered in the inner store, 4 bytes at a time.
func TestSwabActuallyReordersOnTheWire(t *testing.T) {
	storeOps, err := memory.New(map[string]string{"size": "65536"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	swabOps, err := New(map[string]string{"size": "4"})
	if err != nil {
		t.Fatalf("swab.New: %v", err)
	}
	store := &chain.Descriptor{Name: "store", Ops: storeOps}
	front := &chain.Descriptor{Name: "swab", Ops: swabOps}
	root, err := chain.NewChain([]*chain.Descriptor{store, front})
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

	in := []byte{0x01, 0x02, 0x03, 0x04}
	if err := chain.Pwrite(ctx, conn, root, in, 0, 0); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}
	raw := make([]byte, 4)
	if err := chain.Pread(ctx, conn, store, raw, 0, 0); err != nil {
		t.Fatalf("Pread direct from store: %v", err)
	}
	want := []byte{0x04, 0x03, 0x02, 0x01}
	for i := range want {
		if raw[i] != want[i] {
			t.Fatalf("raw store byte %d: got %#x, want %#x", i, raw[i], want[i])
		}
	}
}

func TestSwabRejectsBadGroupSize(t *testing.T) {
	if _, err := New(map[string]string{"size": "3"}); err == nil {
		t.Fatalf("expected an error for an unsupported group size")
	}
}
