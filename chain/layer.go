package chain

import (
	"golang.org/x/net/context"
)

// Kind distinguishes an innermost data source from a transforming
// interposer. A filter is given a NextOps bound to its inner
// neighbour's context; a plugin's equivalent slot is always nil.
type Kind int

const (
	KindPlugin Kind = iota
	KindFilter
)

// Ops is the uniform operation surface every layer exposes, per
// spec.md section 4.1. A layer may leave any field nil; the
// dispatcher treats absence as "forward to inner neighbour" for
// filters (via next) and as the safe default (spec.md sections
// 4.5/4.6) for plugins.
//
// next is nil for the innermost (plugin) layer and non-nil for every
// filter, bound per-connection to the layer's inner neighbour. handle
// is the opaque value the layer's own Open returned.
type Ops struct {
	// Chain control.
	Load          func() error
	Unload        func()
	ListExports   func(ctx context.Context, next *NextOps, readonly bool) ([]ExportInfo, error)
	DefaultExport func(ctx context.Context, next *NextOps, readonly bool) (string, error)
	Open          func(ctx context.Context, next *NextOps, readonly bool, exportname string) (handle any, err error)
	Prepare       func(ctx context.Context, next *NextOps, handle any, readonly bool) error
	Finalize      func(ctx context.Context, next *NextOps, handle any) error
	Close         func(ctx context.Context, next *NextOps, handle any) error

	// Capability queries.
	CanWrite     func(ctx context.Context, next *NextOps, handle any) (bool, error)
	CanFlush     func(ctx context.Context, next *NextOps, handle any) (bool, error)
	IsRotational func(ctx context.Context, next *NextOps, handle any) (bool, error)
	CanTrim      func(ctx context.Context, next *NextOps, handle any) (bool, error)
	CanZero      func(ctx context.Context, next *NextOps, handle any) (int, error)
	CanFastZero  func(ctx context.Context, next *NextOps, handle any) (bool, error)
	CanFua       func(ctx context.Context, next *NextOps, handle any) (int, error)
	CanMultiConn func(ctx context.Context, next *NextOps, handle any) (bool, error)
	CanCache     func(ctx context.Context, next *NextOps, handle any) (int, error)
	CanExtents   func(ctx context.Context, next *NextOps, handle any) (bool, error)
	GetSize      func(ctx context.Context, next *NextOps, handle any) (int64, error)
	Description  func(ctx context.Context, next *NextOps, handle any) (string, error)

	// Data path. Each returns a non-nil error (ideally Errno) on
	// failure.
	Pread   func(ctx context.Context, next *NextOps, handle any, buf []byte, offset uint64, flags uint32) error
	Pwrite  func(ctx context.Context, next *NextOps, handle any, buf []byte, offset uint64, flags uint32) error
	Flush   func(ctx context.Context, next *NextOps, handle any, flags uint32) error
	Trim    func(ctx context.Context, next *NextOps, handle any, count uint32, offset uint64, flags uint32) error
	Zero    func(ctx context.Context, next *NextOps, handle any, count uint32, offset uint64, flags uint32) error
	Extents func(ctx context.Context, next *NextOps, handle any, count uint32, offset uint64, flags uint32, exts *Extents) error
	Cache   func(ctx context.Context, next *NextOps, handle any, count uint32, offset uint64, flags uint32) error
}

// ExportInfo is one entry in a list_exports reply.
type ExportInfo struct {
	Name        string
	Description string
}

// Descriptor is an immutable-after-registration Layer Descriptor, per
// spec.md section 3. Within a chain the sequence of Index values is
// 0..k-1; exactly one layer (Index == 0) has Next == nil.
type Descriptor struct {
	Name     string
	Filename string
	Kind     Kind
	Index    int
	Next     *Descriptor
	Ops      Ops
}

// validNameByte reports whether b is legal in a layer name at
// position i (first byte must be alphanumeric, the rest alphanumeric
// or '-'), per spec.md section 6.
func validNameByte(b byte, first bool) bool {
	alnum := (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
	if first {
		return alnum
	}
	return alnum || b == '-'
}

// ValidateName checks a layer name against spec.md section 6/3:
// non-empty ASCII, first byte alphanumeric, remainder alphanumeric or
// dash.
func ValidateName(name string) error {
	if len(name) == 0 {
		return rangeErrf("layer name must not be empty")
	}
	for i := 0; i < len(name); i++ {
		if !validNameByte(name[i], i == 0) {
			return rangeErrf("layer name %q must be ASCII alphanumeric, with '-' only after the first character", name)
		}
	}
	return nil
}

// NewChain builds a chain of Descriptors from descs (innermost
// first), validating names and wiring Next/Index/Kind per spec.md
// section 3's invariant. Returns the outermost Descriptor.
func NewChain(descs []*Descriptor) (*Descriptor, error) {
	if len(descs) == 0 {
		return nil, rangeErrf("a chain needs at least one layer")
	}
	var next *Descriptor
	for i, d := range descs {
		if err := ValidateName(d.Name); err != nil {
			return nil, err
		}
		d.Index = i
		d.Next = next
		if i == 0 {
			d.Kind = KindPlugin
		} else {
			d.Kind = KindFilter
		}
		next = d
	}
	return next, nil // outermost
}
