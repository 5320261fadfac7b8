package objc

import (
	"fmt"
	"strings"
)

// ClassT is objc_class with pointer fields widened to 64 bits.
type ClassT struct {
	IsaVMAddr              uint64
	SuperclassVMAddr       uint64
	MethodCacheBuckets     uint64
	MethodCacheProperties  uint64
	DataVMAddrAndFastFlags uint64
}

// IsSwiftLegacy reports the pre-stable-ABI Swift bit of the data word.
func (c ClassT) IsSwiftLegacy() bool {
	return c.DataVMAddrAndFastFlags&FAST_IS_SWIFT_LEGACY != 0
}

// IsSwiftStable reports the stable-ABI Swift bit of the data word.
func (c ClassT) IsSwiftStable() bool {
	return c.DataVMAddrAndFastFlags&FAST_IS_SWIFT_STABLE != 0
}

// DataVMAddr returns the class_ro_t address with the fast flags masked off.
func (c ClassT) DataVMAddr(is64 bool) uint64 {
	if is64 {
		return c.DataVMAddrAndFastFlags & FAST_DATA_MASK64
	}
	return c.DataVMAddrAndFastFlags & FAST_DATA_MASK
}

type ClassRoFlags uint32

const (
	// class is a metaclass
	RO_META ClassRoFlags = (1 << 0)
	// class is a root class
	RO_ROOT ClassRoFlags = (1 << 1)
	// class has .cxx_construct/destruct implementations
	RO_HAS_CXX_STRUCTORS ClassRoFlags = (1 << 2)
	// class has visibility=hidden set
	RO_HIDDEN ClassRoFlags = (1 << 4)
	// class has attribute(objc_exception): OBJC_EHTYPE_$_ThisClass is non-weak
	RO_EXCEPTION ClassRoFlags = (1 << 5)
	// class has ro field for Swift metadata initializer callback
	RO_HAS_SWIFT_INITIALIZER ClassRoFlags = (1 << 6)
	// class compiled with ARC
	RO_IS_ARC ClassRoFlags = (1 << 7)
	// class is unrealized future class - must never be set by compiler
	RO_FUTURE ClassRoFlags = (1 << 30)
	// class is realized - must never be set by compiler
	RO_REALIZED ClassRoFlags = (1 << 31)
)

func (f ClassRoFlags) IsMeta() bool {
	return (f & RO_META) != 0
}
func (f ClassRoFlags) IsRoot() bool {
	return (f & RO_ROOT) != 0
}
func (f ClassRoFlags) HasCxxStructors() bool {
	return (f & RO_HAS_CXX_STRUCTORS) != 0
}
func (f ClassRoFlags) IsARC() bool {
	return (f & RO_IS_ARC) != 0
}
func (f ClassRoFlags) String() string {
	var out []string
	if f.IsMeta() {
		out = append(out, "META")
	}
	if f.IsRoot() {
		out = append(out, "ROOT")
	}
	if f.HasCxxStructors() {
		out = append(out, "HAS_CXX_STRUCTORS")
	}
	if f&RO_HIDDEN != 0 {
		out = append(out, "HIDDEN")
	}
	if f.IsARC() {
		out = append(out, "ARC")
	}
	return strings.Join(out, " | ")
}

// ClassRO is class_ro_t with pointer fields widened to 64 bits.
type ClassRO struct {
	Flags                ClassRoFlags
	InstanceStart        uint32
	InstanceSize         uint32
	IvarLayoutVMAddr     uint64
	NameVMAddr           uint64
	BaseMethodsVMAddr    uint64
	BaseProtocolsVMAddr  uint64
	IvarsVMAddr          uint64
	WeakIvarLayoutVMAddr uint64
	BasePropertiesVMAddr uint64
}

// Class is an Objective-C class. SuperClass and Protocols are names, resolved
// against the model when needed.
type Class struct {
	Name            string
	SuperClass      string
	Protocols       []string
	Ivars           []Ivar
	ClassMethods    []Method
	InstanceMethods []Method
	Properties      []Property
	ClassProperties []Property
	IsSwiftLegacy   bool
	IsSwiftStable   bool
	// MetadataOnly marks Swift classes that expose no Objective-C members.
	MetadataOnly bool
	Flags        ClassRoFlags
	InstanceSize uint32
	VMAddr       uint64
}

// IsSwift returns true if the class is a Swift class.
func (c *Class) IsSwift() bool {
	return c.IsSwiftLegacy || c.IsSwiftStable
}

// IsRoot reports whether the class has no superclass by design.
func (c *Class) IsRoot() bool {
	return c.Flags.IsRoot()
}

func (c *Class) String() string {
	s := "@interface " + c.Name
	if c.SuperClass != "" {
		s += " : " + c.SuperClass
	}
	if len(c.Protocols) > 0 {
		s += fmt.Sprintf(" <%s>", strings.Join(c.Protocols, ", "))
	}
	return s
}
