package objc

import (
	"fmt"
	"strings"
)

const (
	// Values for protocol_t->flags
	PROTOCOL_FIXED_UP_2   = (1 << 31) // must never be set by compiler
	PROTOCOL_FIXED_UP_1   = (1 << 30) // must never be set by compiler
	PROTOCOL_IS_CANONICAL = (1 << 29) // must never be set by compiler
	// Bits 0..15 are reserved for Swift's use.
	PROTOCOL_FIXED_UP_MASK = (PROTOCOL_FIXED_UP_1 | PROTOCOL_FIXED_UP_2)
)

// ProtocolT is protocol_t with pointer fields widened to 64 bits.
type ProtocolT struct {
	IsaVMAddr                     uint64
	NameVMAddr                    uint64
	ProtocolsVMAddr               uint64
	InstanceMethodsVMAddr         uint64
	ClassMethodsVMAddr            uint64
	OptionalInstanceMethodsVMAddr uint64
	OptionalClassMethodsVMAddr    uint64
	InstancePropertiesVMAddr      uint64
	Size                          uint32
	Flags                         uint32
	// Fields below this point are not always present on disk.
	ExtendedMethodTypesVMAddr uint64
	DemangledNameVMAddr       uint64
	ClassPropertiesVMAddr     uint64
}

// Protocol is an Objective-C protocol. Protocols names the adopted protocols.
type Protocol struct {
	Name                    string
	Protocols               []string
	InstanceMethods         []Method
	ClassMethods            []Method
	OptionalInstanceMethods []Method
	OptionalClassMethods    []Method
	Properties              []Property
	ClassProperties         []Property
	DemangledName           string
	VMAddr                  uint64
}

func (p *Protocol) String() string {
	s := "@protocol " + p.Name
	if len(p.Protocols) > 0 {
		s += fmt.Sprintf(" <%s>", strings.Join(p.Protocols, ", "))
	}
	return s
}
