package fixupchains

import "fmt"

// DyldChainedFixupsHeader object is the header of the LC_DYLD_CHAINED_FIXUPS payload
type DyldChainedFixupsHeader struct {
	FixupsVersion uint32          // 0
	StartsOffset  uint32          // offset of DyldChainedStartsInImage in chain_data
	ImportsOffset uint32          // offset of imports table in chain_data
	SymbolsOffset uint32          // offset of symbol strings in chain_data
	ImportsCount  uint32          // number of imported symbol names
	ImportsFormat DCImportsFormat // DYLD_CHAINED_IMPORT*
	SymbolsFormat DCSymbolsFormat // 0 => uncompressed, 1 => zlib compressed
}

type DCImportsFormat uint32

const (
	DC_IMPORT          DCImportsFormat = 1
	DC_IMPORT_ADDEND   DCImportsFormat = 2
	DC_IMPORT_ADDEND64 DCImportsFormat = 3
)

type DCSymbolsFormat uint32

const (
	DC_SFORMAT_UNCOMPRESSED    DCSymbolsFormat = 0
	DC_SFORMAT_ZLIB_COMPRESSED DCSymbolsFormat = 1
)

// DCPtrKind are values for dyld_chained_starts_in_segment.pointer_format
type DCPtrKind uint16

const (
	DYLD_CHAINED_PTR_ARM64E              DCPtrKind = 1 // stride 8, unauth target is vmaddr
	DYLD_CHAINED_PTR_64                  DCPtrKind = 2 // target is vmaddr
	DYLD_CHAINED_PTR_32                  DCPtrKind = 3
	DYLD_CHAINED_PTR_32_CACHE            DCPtrKind = 4
	DYLD_CHAINED_PTR_32_FIRMWARE         DCPtrKind = 5
	DYLD_CHAINED_PTR_64_OFFSET           DCPtrKind = 6 // target is vm offset
	DYLD_CHAINED_PTR_ARM64E_KERNEL       DCPtrKind = 7 // stride 4, unauth target is vm offset
	DYLD_CHAINED_PTR_64_KERNEL_CACHE     DCPtrKind = 8
	DYLD_CHAINED_PTR_ARM64E_USERLAND     DCPtrKind = 9  // stride 8, unauth target is vm offset
	DYLD_CHAINED_PTR_ARM64E_FIRMWARE     DCPtrKind = 10 // stride 4, unauth target is vmaddr
	DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE DCPtrKind = 11 // stride 1, x86_64 kernel caches
	DYLD_CHAINED_PTR_ARM64E_USERLAND24   DCPtrKind = 12 // stride 8, unauth target is vm offset, 24-bit bind
)

func (k DCPtrKind) String() string {
	switch k {
	case DYLD_CHAINED_PTR_ARM64E:
		return "DYLD_CHAINED_PTR_ARM64E"
	case DYLD_CHAINED_PTR_64:
		return "DYLD_CHAINED_PTR_64"
	case DYLD_CHAINED_PTR_32:
		return "DYLD_CHAINED_PTR_32"
	case DYLD_CHAINED_PTR_32_CACHE:
		return "DYLD_CHAINED_PTR_32_CACHE"
	case DYLD_CHAINED_PTR_32_FIRMWARE:
		return "DYLD_CHAINED_PTR_32_FIRMWARE"
	case DYLD_CHAINED_PTR_64_OFFSET:
		return "DYLD_CHAINED_PTR_64_OFFSET"
	case DYLD_CHAINED_PTR_ARM64E_KERNEL:
		return "DYLD_CHAINED_PTR_ARM64E_KERNEL"
	case DYLD_CHAINED_PTR_64_KERNEL_CACHE:
		return "DYLD_CHAINED_PTR_64_KERNEL_CACHE"
	case DYLD_CHAINED_PTR_ARM64E_USERLAND:
		return "DYLD_CHAINED_PTR_ARM64E_USERLAND"
	case DYLD_CHAINED_PTR_ARM64E_FIRMWARE:
		return "DYLD_CHAINED_PTR_ARM64E_FIRMWARE"
	case DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		return "DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE"
	case DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return "DYLD_CHAINED_PTR_ARM64E_USERLAND24"
	}
	return fmt.Sprintf("DCPtrKind(%d)", uint16(k))
}

func (k DCPtrKind) stride() uint64 {
	switch k {
	case DYLD_CHAINED_PTR_ARM64E, DYLD_CHAINED_PTR_ARM64E_USERLAND, DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return 8
	case DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		return 1
	}
	return 4
}

func (k DCPtrKind) is32() bool {
	switch k {
	case DYLD_CHAINED_PTR_32, DYLD_CHAINED_PTR_32_CACHE, DYLD_CHAINED_PTR_32_FIRMWARE:
		return true
	}
	return false
}

func (k DCPtrKind) isArm64e() bool {
	switch k {
	case DYLD_CHAINED_PTR_ARM64E, DYLD_CHAINED_PTR_ARM64E_KERNEL, DYLD_CHAINED_PTR_ARM64E_USERLAND,
		DYLD_CHAINED_PTR_ARM64E_FIRMWARE, DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return true
	}
	return false
}

// unauthVMAddr reports whether a plain rebase target is an absolute vmaddr
// rather than an offset from the image base.
func (k DCPtrKind) unauthVMAddr() bool {
	switch k {
	case DYLD_CHAINED_PTR_ARM64E, DYLD_CHAINED_PTR_64, DYLD_CHAINED_PTR_32, DYLD_CHAINED_PTR_ARM64E_FIRMWARE:
		return true
	}
	return false
}

// DyldChainedStartsInSegment object is embedded in dyld_chain_starts_in_image
// and passed down to the kernel for page-in linking
type DyldChainedStartsInSegment struct {
	Size            uint32    // size of this (amount kernel needs to copy)
	PageSize        uint16    // 0x1000 or 0x4000
	PointerFormat   DCPtrKind // DYLD_CHAINED_PTR_*
	SegmentOffset   uint64    // offset in memory to start of segment
	MaxValidPointer uint32    // for 32-bit OS, any value beyond this is not a pointer
	PageCount       uint16    // how many pages are in array
}

type DCPtrStart uint16

const (
	DYLD_CHAINED_PTR_START_NONE  DCPtrStart = 0xFFFF // used in page_start[] to denote a page with no fixups
	DYLD_CHAINED_PTR_START_MULTI DCPtrStart = 0x8000 // used in page_start[] to denote a page which has multiple starts
	DYLD_CHAINED_PTR_START_LAST  DCPtrStart = 0x8000 // used in chain_starts[] to denote last start in list for page
)

// DyldChainedStarts is one segment's starts plus the fixups walked from them.
type DyldChainedStarts struct {
	DyldChainedStartsInSegment
	PageStarts []DCPtrStart
	Fixups     []Fixup
}

// Import is a resolved entry of the imports table.
type Import struct {
	Name       string
	LibOrdinal int
	Weak       bool
	Addend     int64
}

func (i Import) String() string {
	if i.Addend != 0 {
		return fmt.Sprintf("%s+%#x (lib %d)", i.Name, i.Addend, i.LibOrdinal)
	}
	return fmt.Sprintf("%s (lib %d)", i.Name, i.LibOrdinal)
}

// A Fixup is a decoded chained pointer.
type Fixup interface {
	// Offset is the location of the pointer as an offset from the image base.
	Offset() uint64
	Raw() uint64
	String() string
}

// Rebase is a chained pointer to a location inside the image.
type Rebase struct {
	Location uint64
	Pointer  uint64
	Format   DCPtrKind
	// Target is an absolute vmaddr when VMAddr is set, otherwise an offset from the image base.
	Target uint64
	VMAddr bool
	High8  uint64
	Auth   bool
	Key    uint64
	// Diversity is only meaningful for authenticated pointers.
	Diversity uint64
}

func (r Rebase) Offset() uint64 { return r.Location }
func (r Rebase) Raw() uint64    { return r.Pointer }

// Address returns the rebased vmaddr given the image's preferred load address.
func (r Rebase) Address(base uint64) uint64 {
	target := r.Target
	if !r.VMAddr {
		target += base
	}
	return target | r.High8<<56
}

func (r Rebase) String() string {
	if r.Auth {
		return fmt.Sprintf("%#08x:  auth-rebase target: %#x, key: %s, diversity: %#04x", r.Location, r.Target, KeyName(r.Key), r.Diversity)
	}
	return fmt.Sprintf("%#08x:  rebase target: %#x, high8: %#x", r.Location, r.Target, r.High8)
}

// Bind is a chained pointer to an imported symbol.
type Bind struct {
	Location uint64
	Pointer  uint64
	Format   DCPtrKind
	Ordinal  uint32
	Addend   int64
	Import   string
	Auth     bool
}

func (b Bind) Offset() uint64 { return b.Location }
func (b Bind) Raw() uint64    { return b.Pointer }

func (b Bind) String() string {
	kind := "bind"
	if b.Auth {
		kind = "auth-bind"
	}
	if b.Addend != 0 {
		return fmt.Sprintf("%#08x:  %s ordinal: %d, addend: %d, %s", b.Location, kind, b.Ordinal, b.Addend, b.Import)
	}
	return fmt.Sprintf("%#08x:  %s ordinal: %d, %s", b.Location, kind, b.Ordinal, b.Import)
}

// KeyName returns the chained pointer's key name
func KeyName(key uint64) string {
	name := []string{"IA", "IB", "DA", "DB"}
	if key >= 4 {
		return "ERROR"
	}
	return name[key]
}

// ExtractBits extracts nbits bits of x starting at bit start.
func ExtractBits(x uint64, start, nbits int32) uint64 {
	return (x >> start) & ((1 << nbits) - 1)
}

func signExtend(x uint64, nbits int32) int64 {
	shift := 64 - nbits
	return int64(x<<shift) >> shift
}
