package chain

import (
	"testing"

	"golang.org/x/net/context"
)

func mustExtents(t *testing.T, start, end uint64) *Extents {
	t.Helper()
	e, err := NewExtents(start, end)
	if err != nil {
		t.Fatalf("NewExtents(%d, %d): %v", start, end, err)
	}
	return e
}

func assertRecords(t *testing.T, e *Extents, want []Extent) {
	t.Helper()
	got := e.All()
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

// S4: a single range fully covered by two adjacent same-type adds
// coalesces into one record.
func TestExtentsCoalesce(t *testing.T) {
	e := mustExtents(t, 0, 100)
	if err := e.Add(0, 60, 1); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := e.Add(60, 40, 1); err != nil {
		t.Fatalf("second add: %v", err)
	}
	assertRecords(t, e, []Extent{{Offset: 0, Length: 100, Type: 1}})
}

// S5: records outside [start, end) are clipped at both ends.
func TestExtentsClipBothEnds(t *testing.T) {
	e := mustExtents(t, 50, 150)
	if err := e.Add(40, 30, 2); err != nil { // [40,70) overlaps head
		t.Fatalf("add 1: %v", err)
	}
	if err := e.Add(70, 50, 3); err != nil { // [70,120)
		t.Fatalf("add 2: %v", err)
	}
	if err := e.Add(120, 40, 4); err != nil { // [120,160) overlaps tail
		t.Fatalf("add 3: %v", err)
	}
	assertRecords(t, e, []Extent{
		{Offset: 50, Length: 20, Type: 2},
		{Offset: 70, Length: 50, Type: 3},
		{Offset: 120, Length: 30, Type: 4},
	})
}

// Extent clipping: a record straddling the start of the range is
// truncated to begin at start; one straddling the end is truncated to
// end there.
func TestExtentsClipSingleRecord(t *testing.T) {
	start, end := uint64(1000), uint64(2000)

	head := mustExtents(t, start, end)
	if err := head.Add(start-10, 20, 7); err != nil {
		t.Fatalf("head add: %v", err)
	}
	assertRecords(t, head, []Extent{{Offset: start, Length: 10, Type: 7}})

	tail := mustExtents(t, start, end)
	if err := tail.Add(start, end-5-start, 9); err != nil {
		t.Fatalf("tail add (leading record): %v", err)
	}
	if err := tail.Add(end-5, 20, 7); err != nil {
		t.Fatalf("tail add: %v", err)
	}
	assertRecords(t, tail, []Extent{
		{Offset: start, Length: end - 5 - start, Type: 9},
		{Offset: end - 5, Length: 5, Type: 7},
	})
}

// Extent API violation: a gap between successive adds is rejected.
func TestExtentsRejectsGap(t *testing.T) {
	e := mustExtents(t, 0, 100)
	if err := e.Add(0, 10, 0); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := e.Add(12, 10, 0); err == nil {
		t.Fatalf("expected an error for a non-contiguous add, got nil")
	}
}

// Extent-list contiguity: every record in a built-up list is strictly
// ascending, contiguous, and no two adjacent records share a type.
func TestExtentsContiguityInvariant(t *testing.T) {
	e := mustExtents(t, 0, 30)
	for _, add := range []struct {
		offset, length uint64
		typ            uint32
	}{
		{0, 10, 0},
		{10, 5, ExtentHole},
		{15, 5, ExtentHole}, // same type as previous: must coalesce
		{20, 10, 0},
	} {
		if err := e.Add(add.offset, add.length, add.typ); err != nil {
			t.Fatalf("add(%d,%d,%d): %v", add.offset, add.length, add.typ, err)
		}
	}
	recs := e.All()
	var pos uint64
	for i, r := range recs {
		if r.Offset != pos {
			t.Fatalf("record %d starts at %d, want %d (gap)", i, r.Offset, pos)
		}
		if i > 0 && recs[i-1].Type == r.Type {
			t.Fatalf("records %d and %d share type %d, should have coalesced", i-1, i, r.Type)
		}
		pos = r.Offset + r.Length
	}
	if pos != e.End() {
		t.Fatalf("records end at %d, want %d", pos, e.End())
	}
}

// fakeExtentsQuerier answers AlignedQuery's inner Extents calls with
// canned records keyed by offset, to exercise both the in-list merge
// path and the query-for-more path in a single aligned bucket.
type fakeExtentsQuerier struct{}

func (fakeExtentsQuerier) Extents(ctx context.Context, count uint32, offset uint64, flags uint32, exts *Extents) error {
	switch offset {
	case 0:
		if err := exts.Add(0, 40, ExtentHole); err != nil {
			return err
		}
		return exts.Add(40, 30, ExtentHole|ExtentZero)
	case 70:
		return exts.Add(70, 30, ExtentHole)
	default:
		return rangeErrf("fakeExtentsQuerier: unexpected offset %d", offset)
	}
}

// Property 8: AlignedQuery re-buckets an inner layer's extents into a
// single record exactly align bytes long, merging across records (and
// querying further when the buffered records fall short) with the
// merged type equal to the bitwise AND of every contributing record's
// type.
func TestAlignedQueryMergesToSingleAlignedRecord(t *testing.T) {
	align := uint64(100)
	exts := mustExtents(t, 0, align)

	if err := AlignedQuery(context.Background(), fakeExtentsQuerier{}, 100, 0, 0, align, exts); err != nil {
		t.Fatalf("AlignedQuery: %v", err)
	}
	assertRecords(t, exts, []Extent{{Offset: 0, Length: align, Type: ExtentHole}})
}

// S3 / the default extents fallback (ExtentsOp synthesising a single
// {offset, count, 0} record when can_extents == 0) is exercised at the
// dispatcher level by TestExtentsDefaultFallback in dispatcher_test.go.

func TestNewExtentsRejectsInvertedRange(t *testing.T) {
	if _, err := NewExtents(100, 50); err == nil {
		t.Fatalf("expected an error for start > end")
	}
}

func TestNewExtentsAllowsEmptyRange(t *testing.T) {
	e, err := NewExtents(42, 42)
	if err != nil {
		t.Fatalf("NewExtents with start == end: %v", err)
	}
	if e.Count() != 0 {
		t.Fatalf("expected no records in an empty range, got %d", e.Count())
	}
}

func TestExtentsIgnoresZeroLengthAdd(t *testing.T) {
	e := mustExtents(t, 0, 100)
	if err := e.Add(0, 0, 5); err != nil {
		t.Fatalf("zero-length add: %v", err)
	}
	if e.Count() != 0 {
		t.Fatalf("zero-length add should not produce a record, got %d", e.Count())
	}
	// the next add must still be contiguous with the zero-length one's offset
	if err := e.Add(0, 5, 5); err != nil {
		t.Fatalf("add after zero-length add: %v", err)
	}
	assertRecords(t, e, []Extent{{Offset: 0, Length: 5, Type: 5}})
}
