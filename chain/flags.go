package chain

// Request flag bits, stable wire values per spec.md section 6.
const (
	Fua      = uint32(1 << 0)
	MayTrim  = uint32(1 << 1)
	ReqOne   = uint32(1 << 2)
	FastZero = uint32(1 << 3)
)

// Zero/FUA/Cache capability tri-states, per spec.md section 6.
const (
	ZeroNone    = 0
	ZeroEmulate = 1
	ZeroNative  = 2

	FuaNone    = 0
	FuaEmulate = 1
	FuaNative  = 2

	CacheNone    = 0
	CacheEmulate = 1
	CacheNative  = 2
)

// allowedFlags maps each data-path operation to its legal flag subset,
// per spec.md section 4.6's table.
var (
	allowedPread   = uint32(0)
	allowedPwrite  = Fua
	allowedTrim    = Fua
	allowedZero    = Fua | MayTrim | FastZero
	allowedExtents = ReqOne
	allowedFlush   = uint32(0)
	allowedCache   = uint32(0)
)
