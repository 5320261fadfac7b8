package objc

import (
	"fmt"
	"strings"
)

type ImageInfoFlag uint32

const (
	DyldCategoriesOptimized    ImageInfoFlag = 1 << 0 // categories were optimized by dyld
	SupportsGC                 ImageInfoFlag = 1 << 1 // image supports GC
	RequiresGC                 ImageInfoFlag = 1 << 2 // image requires GC
	OptimizedByDyld            ImageInfoFlag = 1 << 3 // image is from an optimized shared cache
	SignedClassRO              ImageInfoFlag = 1 << 4 // class_ro_t pointers are signed
	IsSimulated                ImageInfoFlag = 1 << 5 // image compiled for a simulator platform
	HasCategoryClassProperties ImageInfoFlag = 1 << 6 // class properties in category_t
	OptimizedByDyldClosure     ImageInfoFlag = 1 << 7 // dyld (not the shared cache) optimized this.

	// 1 byte Swift unstable ABI version number
	SwiftUnstableVersionMaskShift = 8
	SwiftUnstableVersionMask      = 0xff << SwiftUnstableVersionMaskShift
)

// HasCategoryClassProperties
//
//	New ABI: category_t.classProperties fields are present.
//	Old ABI: Set by some compilers. Not used by the runtime.
func (f ImageInfoFlag) HasCategoryClassProperties() bool {
	return f&HasCategoryClassProperties != 0
}

// IsSimulated
//
//	Image was compiled for a simulator platform. Not used by the runtime.
func (f ImageInfoFlag) IsSimulated() bool {
	return f&IsSimulated != 0
}

func (f ImageInfoFlag) List() []string {
	var flags []string
	names := []struct {
		flag ImageInfoFlag
		name string
	}{
		{DyldCategoriesOptimized, "DyldCategoriesOptimized"},
		{SupportsGC, "SupportsGC"},
		{RequiresGC, "RequiresGC"},
		{OptimizedByDyld, "OptimizedByDyld"},
		{SignedClassRO, "SignedClassRO"},
		{IsSimulated, "IsSimulated"},
		{HasCategoryClassProperties, "HasCategoryClassProperties"},
		{OptimizedByDyldClosure, "OptimizedByDyldClosure"},
	}
	for _, n := range names {
		if f&n.flag != 0 {
			flags = append(flags, n.name)
		}
	}
	return flags
}

func (f ImageInfoFlag) String() string {
	return fmt.Sprintf("Flags = %s, Swift = %s", strings.Join(f.List(), ", "), f.SwiftVersion())
}

func (f ImageInfoFlag) SwiftVersion() string {
	swiftVersion := (f & SwiftUnstableVersionMask) >> SwiftUnstableVersionMaskShift
	switch swiftVersion {
	case 0:
		return "not swift"
	case 1:
		return "Swift 1.0"
	case 2:
		return "Swift 1.2"
	case 3:
		return "Swift 2.0"
	case 4:
		return "Swift 3.0"
	case 5:
		return "Swift 4.0"
	case 6:
		return "Swift 4.1/4.2"
	case 7:
		return "Swift 5 or later"
	default:
		return fmt.Sprintf("Unknown future Swift version: %d", swiftVersion)
	}
}

// ImageInfo is the __objc_imageinfo record.
type ImageInfo struct {
	Version uint32
	Flags   ImageInfoFlag
}

func (i ImageInfo) HasSwift() bool {
	return i.Flags&SwiftUnstableVersionMask != 0
}

/*******************************************************************************
 * RUNTIME RECORDS
 *
 * Pointer fields are widened to uint64 so one shape serves 32 and 64-bit images.
 *******************************************************************************/

const (
	relativeMethodSelectorsAreDirectFlag uint32 = 0x40000000
	smallMethodListFlag                  uint32 = 0x80000000
	// The size is bits 2 through 16 of the entsize field
	// The low 2 bits are uniqued/sorted as above.  The upper 16-bits
	// are reserved for other flags
	METHOD_LIST_SIZE_MASK uint32 = 0x0000FFFC
)

// MethodList is the method_list_t header.
type MethodList struct {
	EntSizeAndFlags uint32
	Count           uint32
}

func (ml MethodList) UsesDirectOffsetsToSelectors() bool {
	return (ml.EntSizeAndFlags & relativeMethodSelectorsAreDirectFlag) != 0
}
func (ml MethodList) UsesRelativeOffsets() bool {
	return (ml.EntSizeAndFlags & smallMethodListFlag) != 0
}
func (ml MethodList) EntSize() uint32 {
	return ml.EntSizeAndFlags & METHOD_LIST_SIZE_MASK
}

func (ml MethodList) String() string {
	var kind string
	if ml.UsesRelativeOffsets() {
		kind = "small"
		if ml.UsesDirectOffsetsToSelectors() {
			kind += "|direct"
		}
	} else {
		kind = "big"
	}
	return fmt.Sprintf("count=%d, entsiz=%d, kind=%s", ml.Count, ml.EntSize(), kind)
}

type MethodT struct {
	NameVMAddr  uint64 // SEL
	TypesVMAddr uint64 // const char *
	ImpVMAddr   uint64 // IMP
}

type RelativeMethodT struct {
	NameOffset  int32 // SEL
	TypesOffset int32 // const char *
	ImpOffset   int32 // IMP
}

type PropertyList struct {
	EntSize uint32
	Count   uint32
}

type PropertyT struct {
	NameVMAddr       uint64
	AttributesVMAddr uint64
}

type IvarList struct {
	EntSize uint32
	Count   uint32
}

type IvarT struct {
	OffsetVMAddr uint64 // uint32_t*  (uint64_t* on x86_64)
	NameVMAddr   uint64 // const char*
	TypesVMAddr  uint64 // const char*
	AlignmentRaw uint32
	Size         uint32
}

// Alignment returns the alignment in bytes for a pointer size of ptrSize.
func (i IvarT) Alignment(ptrSize int) uint32 {
	if i.AlignmentRaw == ^uint32(0) {
		return uint32(ptrSize)
	}
	return 1 << i.AlignmentRaw
}

const (
	FAST_IS_SWIFT_LEGACY = 1 << 0 // < 5
	FAST_IS_SWIFT_STABLE = 1 << 1 // 5.X
)

const (
	FAST_DATA_MASK   = 0xfffffffc
	FAST_DATA_MASK64 = 0x00007ffffffffff8
)

/*******************************************************************************
 * MEMBERS
 *******************************************************************************/

// Method is a decoded method_t.
type Method struct {
	Name          string
	Types         string
	Type          *MethodType
	IsClassMethod bool
	ImpVMAddr     uint64
}

// NumberOfArguments returns the number of method arguments, self and _cmd included.
func (m *Method) NumberOfArguments() int {
	if m == nil || m.Type == nil {
		return 0
	}
	return len(m.Type.Params)
}

// Property is a decoded property_t.
type Property struct {
	Name              string
	EncodedAttributes string
	Attributes        PropertyAttributes
	Type              *Node
}

// Ivar is a decoded ivar_t.
type Ivar struct {
	Name      string
	Encoding  string
	Type      *Node
	Offset    uint32
	Size      uint32
	Alignment uint32
}

// BitWidth returns the bitfield width of the ivar, or 0.
func (i *Ivar) BitWidth() int {
	if i.Type != nil && i.Type.Kind == KindBitfield {
		return i.Type.Bits
	}
	return 0
}

func (i *Ivar) String() string {
	return i.Type.Decl(i.Name) + ";"
}
