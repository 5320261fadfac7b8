package objc

import (
	"fmt"
	"strings"
)

// CategoryT is category_t with pointer fields widened to 64 bits.
// ClassPropertiesVMAddr is only on disk when the image info says so.
type CategoryT struct {
	NameVMAddr               uint64
	ClsVMAddr                uint64
	InstanceMethodsVMAddr    uint64
	ClassMethodsVMAddr       uint64
	ProtocolsVMAddr          uint64
	InstancePropertiesVMAddr uint64
	ClassPropertiesVMAddr    uint64
}

// Category represents an Objective-C category. Class names the extended class.
type Category struct {
	Name            string
	Class           string
	Protocols       []string
	ClassMethods    []Method
	InstanceMethods []Method
	Properties      []Property
	ClassProperties []Property
	VMAddr          uint64
}

// Key is the name the category is merged under, e.g. "NSString(Extras)".
func (c *Category) Key() string {
	return fmt.Sprintf("%s(%s)", c.Class, c.Name)
}

func (c *Category) String() string {
	s := fmt.Sprintf("@interface %s (%s)", c.Class, c.Name)
	if len(c.Protocols) > 0 {
		s += fmt.Sprintf(" <%s>", strings.Join(c.Protocols, ", "))
	}
	return s
}
