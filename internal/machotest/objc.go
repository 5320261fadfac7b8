package machotest

import "github.com/appsworld/macho/types"

// Method is a method list entry.
type Method struct {
	Name, Types string
}

// Ivar is an ivar list entry.
type Ivar struct {
	Name, Type string
	Offset     uint32
	Size       uint32
}

// Property is a property list entry.
type Property struct {
	Name, Attributes string
}

// MethodListKind selects the on-disk method list layout.
type MethodListKind int

const (
	BigMethods MethodListKind = iota
	SmallMethods
	SmallDirectMethods
)

// Class describes a class and its metaclass.
type Class struct {
	Name            string
	Super           uint64 // address of the superclass class_t
	Root            bool
	Swift           bool
	Kind            MethodListKind
	InstanceMethods []Method
	ClassMethods    []Method
	Ivars           []Ivar
	Properties      []Property
	Protocols       []uint64
	// Unlisted keeps the class out of __objc_classlist.
	Unlisted bool
}

// Protocol describes a protocol_t.
type Protocol struct {
	Name                    string
	Protocols               []uint64
	InstanceMethods         []Method
	ClassMethods            []Method
	OptionalInstanceMethods []Method
	Properties              []Property
	// ExtendedTypes, when set, holds one encoding per method in list order.
	ExtendedTypes []string
}

// Category describes a category_t.
type Category struct {
	Name            string
	Class           uint64
	InstanceMethods []Method
	ClassMethods    []Method
	Protocols       []uint64
	Properties      []Property
}

const (
	roMeta = 1 << 0
	roRoot = 1 << 1

	smallMethodListFlag = 0x80000000
	directSelectorsFlag = 0x40000000
)

func (im *Image) record(b []byte) uint64 {
	c := im.Const()
	c.Align(8)
	return c.Append(b)
}

// MethodList writes a method_list_t and returns its address, or 0 when empty.
func (im *Image) MethodList(kind MethodListKind, methods []Method) uint64 {
	if len(methods) == 0 {
		return 0
	}
	if kind == BigMethods || !im.Is64 {
		ps := uint32(im.PtrSize())
		b := im.U32s(3*ps, uint32(len(methods)))
		for _, m := range methods {
			b = append(b, im.Ptrs(im.CString(m.Name), im.CString(m.Types), im.Text().Addr)...)
		}
		return im.record(b)
	}

	flags := uint32(12 | smallMethodListFlag)
	if kind == SmallDirectMethods {
		flags |= directSelectorsFlag
	}
	// resolve targets before fixing the list address
	names := make([]uint64, len(methods))
	typs := make([]uint64, len(methods))
	for i, m := range methods {
		names[i] = im.CString(m.Name)
		if kind == SmallMethods {
			names[i] = im.SelRefs().Append(im.Ptrs(names[i]))
		}
		typs[i] = im.CString(m.Types)
	}
	c := im.Const()
	c.Align(8)
	addr := c.Addr + c.Size()
	b := im.U32s(flags, uint32(len(methods)))
	for i := range methods {
		ent := addr + 8 + uint64(i)*12
		b = append(b, im.U32s(
			uint32(int32(int64(names[i])-int64(ent))),
			uint32(int32(int64(typs[i])-int64(ent+4))),
			uint32(int32(int64(im.Text().Addr)-int64(ent+8))),
		)...)
	}
	return c.Append(b)
}

// IvarList writes an ivar_list_t.
func (im *Image) IvarList(ivars []Ivar) uint64 {
	if len(ivars) == 0 {
		return 0
	}
	ps := uint32(im.PtrSize())
	offsets := make([]uint64, len(ivars))
	for i, iv := range ivars {
		offsets[i] = im.record(im.U32s(iv.Offset, 0))
	}
	b := im.U32s(3*ps+8, uint32(len(ivars)))
	for i, iv := range ivars {
		b = append(b, im.Ptrs(offsets[i], im.CString(iv.Name), im.CString(iv.Type))...)
		b = append(b, im.U32s(2, iv.Size)...)
	}
	return im.record(b)
}

// PropertyList writes a property_list_t.
func (im *Image) PropertyList(props []Property) uint64 {
	if len(props) == 0 {
		return 0
	}
	b := im.U32s(uint32(2*im.PtrSize()), uint32(len(props)))
	for _, p := range props {
		b = append(b, im.Ptrs(im.CString(p.Name), im.CString(p.Attributes))...)
	}
	return im.record(b)
}

// ProtocolList writes a protocol_list_t.
func (im *Image) ProtocolList(protos []uint64) uint64 {
	if len(protos) == 0 {
		return 0
	}
	return im.record(im.Ptrs(append([]uint64{uint64(len(protos))}, protos...)...))
}

func (im *Image) classRO(flags uint32, name string, methods, protocols, ivars, props uint64) uint64 {
	b := im.U32s(flags, 0, 0)
	if im.Is64 {
		b = append(b, im.U32s(0)...)
	}
	b = append(b, im.Ptrs(0, im.CString(name), methods, protocols, ivars, 0, props)...)
	return im.record(b)
}

// AddClass writes the class, its metaclass and their class_ro_t records and
// returns the class address.
func (im *Image) AddClass(c Class) uint64 {
	flags := uint32(0)
	if c.Root {
		flags |= roRoot
	}
	metaRO := im.classRO(flags|roMeta, c.Name, im.MethodList(c.Kind, c.ClassMethods), 0, 0, 0)
	ro := im.classRO(flags, c.Name,
		im.MethodList(c.Kind, c.InstanceMethods),
		im.ProtocolList(c.Protocols),
		im.IvarList(c.Ivars),
		im.PropertyList(c.Properties))

	d := im.Data()
	d.Align(8)
	meta := d.Append(im.Ptrs(0, 0, 0, 0, metaRO))
	data := ro
	if c.Swift {
		data |= 2
	}
	addr := d.Append(im.Ptrs(meta, c.Super, 0, 0, data))
	if !c.Unlisted {
		im.ClassList().Append(im.Ptrs(addr))
	}
	return addr
}

// AddProtocol writes a protocol_t and lists it.
func (im *Image) AddProtocol(p Protocol) uint64 {
	var ext uint64
	if len(p.ExtendedTypes) > 0 {
		addrs := make([]uint64, len(p.ExtendedTypes))
		for i, e := range p.ExtendedTypes {
			addrs[i] = im.CString(e)
		}
		ext = im.record(im.Ptrs(addrs...))
	}
	ps := im.PtrSize()
	b := im.Ptrs(0, im.CString(p.Name),
		im.ProtocolList(p.Protocols),
		im.MethodList(BigMethods, p.InstanceMethods),
		im.MethodList(BigMethods, p.ClassMethods),
		im.MethodList(BigMethods, p.OptionalInstanceMethods),
		0,
		im.PropertyList(p.Properties))
	b = append(b, im.U32s(uint32(8*ps+8+3*ps), 0)...)
	b = append(b, im.Ptrs(ext, 0, 0)...)
	d := im.Data()
	d.Align(8)
	addr := d.Append(b)
	im.ProtoList().Append(im.Ptrs(addr))
	return addr
}

// AddCategory writes a category_t and lists it.
func (im *Image) AddCategory(c Category) uint64 {
	addr := im.record(im.Ptrs(im.CString(c.Name), c.Class,
		im.MethodList(BigMethods, c.InstanceMethods),
		im.MethodList(BigMethods, c.ClassMethods),
		im.ProtocolList(c.Protocols),
		im.PropertyList(c.Properties)))
	im.CatList().Append(im.Ptrs(addr))
	return addr
}

// ImageInfo writes __objc_imageinfo.
func (im *Image) ImageInfo(flags uint32) {
	im.Section("__DATA_CONST", "__objc_imageinfo").Append(im.U32s(0, flags))
}

// Sample type encodings used by Sample.
const (
	GreetTypes         = "v24@0:8@16"
	GreetExtendedTypes = `v24@0:8@"NSString"16`
)

// Sample builds an image with a protocol, a root class, a subclass adopting
// the protocol and a category on the subclass:
//
//	@protocol Greeter - (void)greet:(id)name; @property (copy) NSString *name;
//	@interface Base { int _count; } + (id)shared; - (int)count; @property (readonly) int count;
//	@interface Derived : Base <Greeter> { CGRect _frame; } - (void)greet:(id)name;
//	@interface Derived (Extras) - (void)extra;
func Sample(cpu types.CPU, sub types.CPUSubtype, kind MethodListKind) *Image {
	im := New(cpu, sub)
	im.ImageInfo(0)
	greeter := im.AddProtocol(Protocol{
		Name:            "Greeter",
		InstanceMethods: []Method{{"greet:", GreetTypes}},
		Properties:      []Property{{"name", `T@"NSString",C,N`}},
		ExtendedTypes:   []string{GreetExtendedTypes},
	})
	base := im.AddClass(Class{
		Name:            "Base",
		Root:            true,
		Kind:            kind,
		InstanceMethods: []Method{{"count", "i16@0:8"}},
		ClassMethods:    []Method{{"shared", "@16@0:8"}},
		Ivars:           []Ivar{{Name: "_count", Type: "i", Offset: 8, Size: 4}},
		Properties:      []Property{{"count", "Ti,R,N,V_count"}},
	})
	derived := im.AddClass(Class{
		Name:            "Derived",
		Super:           base,
		Kind:            kind,
		InstanceMethods: []Method{{"greet:", GreetTypes}},
		Ivars:           []Ivar{{Name: "_frame", Type: "{CGRect={CGPoint=dd}{CGSize=dd}}", Offset: 16, Size: 32}},
		Protocols:       []uint64{greeter},
	})
	im.AddCategory(Category{
		Name:            "Extras",
		Class:           derived,
		InstanceMethods: []Method{{"extra", "v16@0:8"}},
	})
	return im
}
