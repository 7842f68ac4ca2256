package chain

import "golang.org/x/net/context"

// Extent-type bits, per spec.md section 6. Future bits must keep 0 as
// the safe "allocated data" default.
const (
	ExtentHole = 1 << 0
	ExtentZero = 1 << 1
)

// MaxExtents caps the number of records a reply may carry, both to
// bound the wire reply and to stop a chatty layer from exhausting
// memory.
const MaxExtents = 1 * 1024 * 1024

// Extent is one {offset, length, type} record.
type Extent struct {
	Offset uint64
	Length uint64
	Type   uint32
}

// Extents is an append-only, contiguity-checked list of Extent
// records over a half-open range [start, end). Grounded on
// original_source/server/extents.c's struct nbdkit_extents.
type Extents struct {
	start, end uint64
	list       []Extent

	// next is the only legal offset for the next Add call; -1 (via
	// haveNext==false) until the first Add.
	next     uint64
	haveNext bool
}

// NewExtents creates an extent list over [start, end). Fails with a
// *RangeErr if either endpoint is too large, or start > end. An empty
// range (start == end) is legal.
func NewExtents(start, end uint64) (*Extents, error) {
	const int64Max = uint64(1)<<63 - 1
	if start > int64Max || end > int64Max {
		return nil, rangeErrf("start (%d) or end (%d) > INT64_MAX", start, end)
	}
	if start > end {
		return nil, rangeErrf("start (%d) > end (%d)", start, end)
	}
	return &Extents{start: start, end: end}, nil
}

// Start returns the list's range start.
func (e *Extents) Start() uint64 { return e.start }

// End returns the list's range end (one byte beyond the range).
func (e *Extents) End() uint64 { return e.end }

// Count returns the number of records currently stored.
func (e *Extents) Count() int { return len(e.list) }

// At returns the i'th record.
func (e *Extents) At(i int) Extent { return e.list[i] }

// All returns the stored records. The slice is owned by e and must
// not be mutated by the caller.
func (e *Extents) All() []Extent { return e.list }

// Add appends a record, enforcing contiguity, range clamping,
// coalescing and the MAX_EXTENTS cap. Grounded on
// original_source/server/extents.c's nbdkit_add_extent, translated
// line for line.
func (e *Extents) Add(offset, length uint64, typ uint32) error {
	// Extents must be added in strictly ascending, contiguous order.
	if e.haveNext && e.next != offset {
		return rangeErrf("extents must be added in ascending order and must be contiguous")
	}
	e.next = offset + length
	e.haveNext = true

	// Ignore zero-length extents.
	if length == 0 {
		return nil
	}

	// Ignore extents beyond the end of the range, or if the list is full.
	if offset >= e.end || len(e.list) >= MaxExtents {
		return nil
	}

	// Shorten extents that overlap the end of the range.
	if offset+length > e.end {
		overlap := offset + length - e.end
		length -= overlap
	}

	if len(e.list) == 0 {
		// If there are no existing extents, and the new extent is
		// entirely before start, ignore it.
		if offset+length <= e.start {
			return nil
		}
		// If there are no existing extents, and the new extent is
		// after start, this is a bug in the layer.
		if offset > e.start {
			return rangeErrf("first extent must not be > start (%d)", e.start)
		}
		// Overlaps start: truncate so it begins at start.
		overlap := e.start - offset
		length -= overlap
		offset += overlap
	}

	if n := len(e.list); n > 0 && e.list[n-1].Type == typ {
		// Coalesce with the last extent.
		e.list[n-1].Length += length
		return nil
	}
	e.list = append(e.list, Extent{Offset: offset, Length: length, Type: typ})
	return nil
}

// extentsQuerier is the subset of NextOps an aligned query needs.
type extentsQuerier interface {
	Extents(ctx context.Context, count uint32, offset uint64, flags uint32, exts *Extents) error
}

// AlignedQuery delivers the inner layer's extents re-bucketised to a
// multiple of align bytes: it issues the first inner Extents query
// itself (into exts, which must be empty on entry), then scans
// forward merging/truncating — issuing further inner queries as
// needed — until the first record is exactly align bytes, discards
// everything else, and returns. A merged record's type is the
// bitwise AND of every contributing record's type, so only attributes
// every contributor agrees on survive. Grounded on
// original_source/server/extents.c's nbdkit_extents_aligned.
func AlignedQuery(ctx context.Context, next extentsQuerier, count uint32, offset uint64, flags uint32, align uint64, exts *Extents) error {
	if err := next.Extents(ctx, count, offset, flags, exts); err != nil {
		return err
	}
	for i := 0; i < len(exts.list); i++ {
		ent := exts.list[i]
		if ent.Length%align == 0 {
			continue
		}
		// If the unalignment runs past align, truncate and return early.
		if ent.Offset+ent.Length > offset+align {
			newLen := (ent.Length / align) * align
			if newLen == 0 {
				exts.list = exts.list[:i]
			} else {
				exts.list[i].Length = newLen
				exts.list = exts.list[:i+1]
			}
			exts.next = ent.Offset + newLen
			exts.haveNext = true
			return nil
		}

		// Otherwise coalesce successive records (querying further if
		// the current list is exhausted) until we have >= align bytes.
		merged := ent
		for merged.Length < align {
			if i+1 < len(exts.list) {
				nxt := exts.list[i+1]
				merged.Length += nxt.Length
				merged.Type &= nxt.Type
				exts.list = append(exts.list[:i+1], exts.list[i+2:]...)
				continue
			}
			more, err := NewExtents(merged.Offset+merged.Length, offset+align)
			if err != nil {
				return err
			}
			if err := next.Extents(ctx, uint32(align-merged.Length), merged.Offset+merged.Length, flags&^ReqOne, more); err != nil {
				return err
			}
			if len(more.list) == 0 {
				return rangeErrf("aligned query: inner layer returned no extents")
			}
			first := more.list[0]
			merged.Length += first.Length
			merged.Type &= first.Type
			exts.list[i] = merged
		}
		merged.Length = align
		exts.list = exts.list[:i+1]
		exts.list[i] = merged
		exts.next = merged.Offset + merged.Length
		exts.haveNext = true
		return nil
	}
	// All extents were already aligned.
	return nil
}
