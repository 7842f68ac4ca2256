package log

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/nbdchain/nbdchain/chain"
	"github.com/nbdchain/nbdchain/layer/memory"
	"golang.org/x/net/context"
)

func buildChain(t *testing.T) (context.Context, *chain.Connection, *chain.Descriptor) {
	t.Helper()
	storeOps, err := memory.New(map[string]string{"size": "65536"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	logOps, err := New(nil)
	if err != nil {
		t.Fatalf("log.New: %v", err)
	}
	store := &chain.Descriptor{Name: "store", Ops: storeOps}
	front := &chain.Descriptor{Name: "log", Ops: logOps}
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
	return ctx, conn, root
}

// The log filter must forward every data-path call unchanged: wrapping
// a layer in it must not alter the data actually read or written.
func TestLogForwardsDataUnchanged(t *testing.T) {
	ctx, conn, root := buildChain(t)

	want := []byte("hello from behind the log filter")
	if err := chain.Pwrite(ctx, conn, root, want, 10, 0); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}
	got := make([]byte, len(want))
	if err := chain.Pread(ctx, conn, root, got, 10, 0); err != nil {
		t.Fatalf("Pread: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	if err := chain.Trim(ctx, conn, root, 4096, 4096, 0); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if err := chain.Zero(ctx, conn, root, 4096, 8192, 0); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	exts, err := chain.NewExtents(0, 16384)
	if err != nil {
		t.Fatalf("NewExtents: %v", err)
	}
	if err := chain.ExtentsOp(ctx, conn, root, 16384, 0, 0, exts); err != nil {
		t.Fatalf("ExtentsOp: %v", err)
	}
}

// Each wrapped call emits a log line carrying its outcome, matching
// the teacher's bracketed-level idiom.
func TestLogEmitsBracketedLines(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Default().Writer()
	prevFlags := log.Default().Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(prev)
		log.SetFlags(prevFlags)
	}()

	ctx, conn, root := buildChain(t)
	if err := chain.Pwrite(ctx, conn, root, []byte{1, 2, 3, 4}, 0, 0); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}
	got := make([]byte, 4)
	if err := chain.Pread(ctx, conn, root, got, 0, 0); err != nil {
		t.Fatalf("Pread: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "[INFO] log: open") {
		t.Fatalf("missing open log line: %q", out)
	}
	if !strings.Contains(out, "[DEBUG] log: pwrite") {
		t.Fatalf("missing pwrite log line: %q", out)
	}
	if !strings.Contains(out, "[DEBUG] log: pread") {
		t.Fatalf("missing pread log line: %q", out)
	}
}
