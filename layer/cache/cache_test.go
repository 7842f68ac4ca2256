package cache

import (
	"testing"

	"github.com/nbdchain/nbdchain/chain"
	"github.com/nbdchain/nbdchain/layer/memory"
	"golang.org/x/net/context"
)

// buildChain wires a memory-backed store behind a cache filter, the
// same shape nbdchaind builds from a "memory"+"cache" LayerConfig
// list.
func buildChain(t *testing.T, params map[string]string) (context.Context, *chain.Connection, *chain.Descriptor) {
	t.Helper()
	storeOps, err := memory.New(map[string]string{"size": "65536"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	cacheOps, err := New(params)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	store := &chain.Descriptor{Name: "store", Ops: storeOps}
	front := &chain.Descriptor{Name: "front", Ops: cacheOps}
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

// buildChainSized is buildChain with a caller-chosen export size, for
// exercising the cache's handling of a final partial block.
func buildChainSized(t *testing.T, size string, params map[string]string) (context.Context, *chain.Connection, *chain.Descriptor) {
	t.Helper()
	storeOps, err := memory.New(map[string]string{"size": size})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	cacheOps, err := New(params)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	store := &chain.Descriptor{Name: "store", Ops: storeOps}
	front := &chain.Descriptor{Name: "front", Ops: cacheOps}
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

func TestCachePromotesToNative(t *testing.T) {
	ctx, conn, root := buildChain(t, nil)
	cc, err := chain.CanCache(ctx, conn, root)
	if err != nil {
		t.Fatalf("CanCache: %v", err)
	}
	if cc != chain.CacheNative {
		t.Fatalf("got can_cache %d, want CacheNative", cc)
	}
}

func TestCacheReadThroughAndHit(t *testing.T) {
	ctx, conn, root := buildChain(t, map[string]string{"blocksize": "4096"})

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	if err := chain.Pwrite(ctx, conn, root, data, 0, 0); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}

	got := make([]byte, 4096)
	if err := chain.Pread(ctx, conn, root, got, 0, 0); err != nil {
		t.Fatalf("first Pread (populates cache): %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("first read mismatch")
	}
	// second read should be served from cache, same content either way
	if err := chain.Pread(ctx, conn, root, got, 0, 0); err != nil {
		t.Fatalf("second Pread (cache hit): %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("cached read mismatch")
	}
}

// A write through the cache must invalidate the cached block so a
// later read doesn't return stale data.
func TestCacheInvalidatesOnWrite(t *testing.T) {
	ctx, conn, root := buildChain(t, map[string]string{"blocksize": "4096"})

	first := make([]byte, 4096)
	for i := range first {
		first[i] = 0xAA
	}
	if err := chain.Pwrite(ctx, conn, root, first, 0, 0); err != nil {
		t.Fatalf("Pwrite first: %v", err)
	}
	buf := make([]byte, 4096)
	if err := chain.Pread(ctx, conn, root, buf, 0, 0); err != nil {
		t.Fatalf("Pread (warm cache): %v", err)
	}

	second := make([]byte, 4096)
	for i := range second {
		second[i] = 0xBB
	}
	if err := chain.Pwrite(ctx, conn, root, second, 0, 0); err != nil {
		t.Fatalf("Pwrite second: %v", err)
	}
	if err := chain.Pread(ctx, conn, root, buf, 0, 0); err != nil {
		t.Fatalf("Pread after overwrite: %v", err)
	}
	if string(buf) != string(second) {
		t.Fatalf("read stale cached data after write invalidation")
	}
}

func TestCacheHintPopulatesWithoutReturningData(t *testing.T) {
	ctx, conn, root := buildChain(t, map[string]string{"blocksize": "4096"})

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(255 - i%256)
	}
	if err := chain.Pwrite(ctx, conn, root, data, 0, 0); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}
	if err := chain.Cache(ctx, conn, root, 4096, 0, 0); err != nil {
		t.Fatalf("Cache hint: %v", err)
	}
	got := make([]byte, 4096)
	if err := chain.Pread(ctx, conn, root, got, 0, 0); err != nil {
		t.Fatalf("Pread after hint: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("read mismatch after cache hint")
	}
}

// An export whose size isn't a multiple of blocksize has a short
// final block; reading, caching, and writing into it must not send
// the inner layer a read that overruns the export size.
func TestCacheHandlesPartialFinalBlock(t *testing.T) {
	const size = 6000 // blocksize 4096 leaves a 1904-byte tail block
	ctx, conn, root := buildChainSized(t, "6000", map[string]string{"blocksize": "4096"})

	want := []byte("the last bytes of a short tail block")
	off := uint64(size - len(want))
	if err := chain.Pwrite(ctx, conn, root, want, off, 0); err != nil {
		t.Fatalf("Pwrite near end of export: %v", err)
	}

	got := make([]byte, len(want))
	if err := chain.Pread(ctx, conn, root, got, off, 0); err != nil {
		t.Fatalf("first Pread of tail block (populates cache): %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("tail read mismatch: got %q, want %q", got, want)
	}
	// second read should hit the cached (short) block
	if err := chain.Pread(ctx, conn, root, got, off, 0); err != nil {
		t.Fatalf("second Pread of tail block (cache hit): %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("cached tail read mismatch: got %q, want %q", got, want)
	}

	if err := chain.Cache(ctx, conn, root, uint32(len(want)), off, 0); err != nil {
		t.Fatalf("Cache hint over tail block: %v", err)
	}
}
