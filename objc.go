package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/apex/log"

	"github.com/appsworld/macho/types"
	"github.com/appsworld/macho/types/objc"
)

const (
	classSymbolPrefix    = "_OBJC_CLASS_$_"
	protocolSymbolPrefix = "_OBJC_PROTOCOL_$_"
)

// ObjC is the Objective-C metadata of one image.
type ObjC struct {
	ImageInfo  *objc.ImageInfo
	Classes    []*objc.Class
	Categories []*objc.Category
	Protocols  []*objc.Protocol
	// Skipped holds one error per record that could not be read.
	Skipped []error
}

// HasRuntimeInfo reports whether at least one class or protocol was decoded.
func (o *ObjC) HasRuntimeInfo() bool {
	return len(o.Classes) > 0 || len(o.Protocols) > 0
}

// ObjCConfig configures GetObjC.
type ObjCConfig struct {
	// Decoder decodes type encodings; objc.DefaultDecoder when nil.
	Decoder objc.Decoder
}

func (f *File) objcSections(name string) []*Section {
	var secs []*Section
	for _, sec := range f.Sections {
		if strings.HasPrefix(sec.Seg, "__DATA") && sec.Name == name {
			secs = append(secs, sec)
		}
	}
	return secs
}

// HasObjC reports whether the image carries Objective-C runtime metadata.
func (f *File) HasObjC() bool {
	for _, name := range []string{"__objc_imageinfo", "__objc_classlist", "__objc_catlist", "__objc_protolist"} {
		if len(f.objcSections(name)) > 0 {
			return true
		}
	}
	if f.CPU == types.CPU386 {
		if sec := f.Section("__OBJC", "__image_info"); sec != nil {
			return true
		}
	}
	return false
}

func (f *File) GetObjCImageInfo() (*objc.ImageInfo, error) {
	var imgInfo objc.ImageInfo
	for _, sec := range f.objcSections("__objc_imageinfo") {
		if sec.Size == 0 {
			return nil, fmt.Errorf("%s.%s section has size 0", sec.Seg, sec.Name)
		}
		dat, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("failed to read __objc_imageinfo: %w", err)
		}
		if err := binary.Read(bytes.NewReader(dat), f.ByteOrder, &imgInfo); err != nil {
			return nil, fmt.Errorf("failed to read ObjCImageInfo: %v", err)
		}
		return &imgInfo, nil
	}
	return nil, fmt.Errorf("macho does not contain a __objc_imageinfo section")
}

// GetObjC reads every class, category and protocol in the image. Records with
// dangling pointers or encrypted contents are recorded in Skipped and
// dropped; a read past the end of the slice aborts.
func (f *File) GetObjC(config ...ObjCConfig) (*ObjC, error) {
	r := &objcReader{
		f:          f,
		dec:        objc.DefaultDecoder,
		ptrSize:    f.PointerSize(),
		out:        &ObjC{},
		classNames: make(map[uint64]string),
		protoNames: make(map[uint64]string),
	}
	if len(config) > 0 && config[0].Decoder != nil {
		r.dec = config[0].Decoder
	}

	if !f.HasObjC() {
		return r.out, nil
	}
	if f.Section("__OBJC", "__image_info") != nil {
		log.WithField("arch", f.Arch().String()).Warn("legacy __OBJC runtime metadata is not supported")
	}
	if info, err := f.GetObjCImageInfo(); err == nil {
		r.out.ImageInfo = info
	} else {
		var ee *EncryptedSectionError
		if errors.As(err, &ee) {
			r.out.Skipped = append(r.out.Skipped, ee)
		}
	}

	if err := r.walkList("__objc_protolist", "protocol_t", func(addr uint64) error {
		proto, err := r.readProtocol(addr)
		if err != nil {
			return err
		}
		r.out.Protocols = append(r.out.Protocols, proto)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := r.walkList("__objc_classlist", "class_t", func(addr uint64) error {
		class, err := r.readClass(addr)
		if err != nil {
			return err
		}
		r.out.Classes = append(r.out.Classes, class)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := r.walkList("__objc_catlist", "category_t", func(addr uint64) error {
		cat, err := r.readCategory(addr)
		if err != nil {
			return err
		}
		r.out.Categories = append(r.out.Categories, cat)
		return nil
	}); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"arch":       f.Arch().String(),
		"classes":    len(r.out.Classes),
		"categories": len(r.out.Categories),
		"protocols":  len(r.out.Protocols),
		"skipped":    len(r.out.Skipped),
	}).Debug("parsed objc metadata")

	return r.out, nil
}

type objcReader struct {
	f       *File
	dec     objc.Decoder
	ptrSize uint64
	out     *ObjC

	classNames map[uint64]string
	protoNames map[uint64]string
}

// skip records err against a record and reports whether extraction can go on.
func (r *objcReader) skip(err error, record string) error {
	var te *TruncatedImageError
	if errors.As(err, &te) {
		return err
	}
	err = annotate(err, record, "")
	r.out.Skipped = append(r.out.Skipped, err)
	log.WithError(err).Debug("skipping objc record")
	return nil
}

// walkList visits every pointer of each named list section.
func (r *objcReader) walkList(section, record string, visit func(addr uint64) error) error {
	for _, sec := range r.f.objcSections(section) {
		if sec.Encrypted {
			if err := r.skip(&EncryptedSectionError{Segment: sec.Seg, Section: sec.Name, Addr: sec.Addr}, sec.Seg+"."+sec.Name); err != nil {
				return err
			}
			continue
		}
		for i := uint64(0); i+r.ptrSize <= sec.Size; i += r.ptrSize {
			loc := sec.Addr + i
			addr, bind, err := r.f.ReadPointerAtAddr(loc)
			if err != nil {
				if err := r.skip(err, fmt.Sprintf("%s.%s[%d]", sec.Seg, sec.Name, i/r.ptrSize)); err != nil {
					return err
				}
				continue
			}
			if bind != "" || addr == 0 {
				continue
			}
			if err := visit(addr); err != nil {
				if err := r.skip(err, fmt.Sprintf("%s %#x", record, addr)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *objcReader) uint32At(addr uint64) (uint32, error) {
	var b [4]byte
	if _, err := r.f.ReadAtAddr(b[:], addr); err != nil {
		return 0, err
	}
	return r.f.ByteOrder.Uint32(b[:]), nil
}

func (r *objcReader) ptr(addr uint64) (uint64, error) {
	v, _, err := r.f.ReadPointerAtAddr(addr)
	return v, err
}

// ptrs reads n consecutive pointers, returning bound symbol names alongside.
func (r *objcReader) ptrs(addr uint64, n int) ([]uint64, []string, error) {
	if err := r.checkRange(addr, uint64(n)*r.ptrSize); err != nil {
		return nil, nil, err
	}
	vals := make([]uint64, n)
	binds := make([]string, n)
	for i := range vals {
		v, bind, err := r.f.ReadPointerAtAddr(addr + uint64(i)*r.ptrSize)
		if err != nil {
			return nil, nil, err
		}
		vals[i], binds[i] = v, bind
	}
	return vals, binds, nil
}

func (r *objcReader) str(addr uint64) (string, error) {
	if addr == 0 {
		return "", nil
	}
	return r.f.GetCString(addr)
}

// checkRange validates that [addr, addr+size) lies inside one readable section.
func (r *objcReader) checkRange(addr, size uint64) error {
	sec := r.f.FindSectionForVMAddr(addr)
	if sec == nil || addr+size < addr || addr+size > sec.Addr+sec.Size {
		return &DanglingPointerError{Addr: addr}
	}
	if sec.Encrypted {
		return &EncryptedSectionError{Segment: sec.Seg, Section: sec.Name, Addr: addr}
	}
	return nil
}

// listHeader reads an entsize/count list header and bounds-checks its entries.
func (r *objcReader) listHeader(addr uint64, minEntSize uint32) (entSizeAndFlags, count uint32, err error) {
	if entSizeAndFlags, err = r.uint32At(addr); err != nil {
		return 0, 0, err
	}
	if count, err = r.uint32At(addr + 4); err != nil {
		return 0, 0, err
	}
	entSize := entSizeAndFlags & objc.METHOD_LIST_SIZE_MASK
	if entSize < minEntSize {
		return 0, 0, &FormatError{int64(addr), "invalid list entry size", entSize}
	}
	if err := r.checkRange(addr, 8+uint64(count)*uint64(entSize)); err != nil {
		return 0, 0, err
	}
	return entSizeAndFlags, count, nil
}

/*******************************************************************************
 * CLASSES
 *******************************************************************************/

func (r *objcReader) readClassT(addr uint64) (objc.ClassT, []string, error) {
	vals, binds, err := r.ptrs(addr, 5)
	if err != nil {
		return objc.ClassT{}, nil, err
	}
	return objc.ClassT{
		IsaVMAddr:              vals[0],
		SuperclassVMAddr:       vals[1],
		MethodCacheBuckets:     vals[2],
		MethodCacheProperties:  vals[3],
		DataVMAddrAndFastFlags: vals[4],
	}, binds, nil
}

func (r *objcReader) readClassRO(addr uint64) (*objc.ClassRO, error) {
	var ro objc.ClassRO
	var err error
	if ro.Flags, err = r.classROFlags(addr); err != nil {
		return nil, err
	}
	if ro.InstanceStart, err = r.uint32At(addr + 4); err != nil {
		return nil, err
	}
	if ro.InstanceSize, err = r.uint32At(addr + 8); err != nil {
		return nil, err
	}
	start := addr + 12
	if r.ptrSize == 8 {
		start = addr + 16 // reserved
	}
	vals, _, err := r.ptrs(start, 7)
	if err != nil {
		return nil, err
	}
	ro.IvarLayoutVMAddr = vals[0]
	ro.NameVMAddr = vals[1]
	ro.BaseMethodsVMAddr = vals[2]
	ro.BaseProtocolsVMAddr = vals[3]
	ro.IvarsVMAddr = vals[4]
	ro.WeakIvarLayoutVMAddr = vals[5]
	ro.BasePropertiesVMAddr = vals[6]
	return &ro, nil
}

func (r *objcReader) classROFlags(addr uint64) (objc.ClassRoFlags, error) {
	v, err := r.uint32At(addr)
	return objc.ClassRoFlags(v), err
}

// className resolves the name of the class_t at addr.
func (r *objcReader) className(addr uint64) (string, error) {
	if name, ok := r.classNames[addr]; ok {
		return name, nil
	}
	ct, _, err := r.readClassT(addr)
	if err != nil {
		return "", err
	}
	ro, err := r.readClassRO(ct.DataVMAddr(r.ptrSize == 8))
	if err != nil {
		return "", err
	}
	name, err := r.str(ro.NameVMAddr)
	if err != nil {
		return "", err
	}
	r.classNames[addr] = name
	return name, nil
}

// classRef resolves a class pointer that is either local or bound to an import.
func (r *objcReader) classRef(addr uint64, bind string) (string, error) {
	if bind != "" {
		return strings.TrimPrefix(strings.TrimPrefix(bind, "_"+classSymbolPrefix), classSymbolPrefix), nil
	}
	if addr == 0 {
		return "", nil
	}
	return r.className(addr)
}

func (r *objcReader) readClass(addr uint64) (*objc.Class, error) {
	ct, binds, err := r.readClassT(addr)
	if err != nil {
		return nil, err
	}
	ro, err := r.readClassRO(ct.DataVMAddr(r.ptrSize == 8))
	if err != nil {
		return nil, annotate(err, "", "data")
	}

	class := &objc.Class{
		IsSwiftLegacy: ct.IsSwiftLegacy(),
		IsSwiftStable: ct.IsSwiftStable(),
		Flags:         ro.Flags,
		InstanceSize:  ro.InstanceSize,
		VMAddr:        addr,
	}
	if class.Name, err = r.str(ro.NameVMAddr); err != nil {
		return nil, annotate(err, "", "name")
	}
	record := "class " + class.Name
	r.classNames[addr] = class.Name

	if !ro.Flags.IsRoot() {
		if class.SuperClass, err = r.classRef(ct.SuperclassVMAddr, binds[1]); err != nil {
			return nil, annotate(err, record, "superclass")
		}
	}
	if class.InstanceMethods, err = r.readMethods(ro.BaseMethodsVMAddr, false); err != nil {
		return nil, annotate(err, record, "baseMethods")
	}
	if class.Protocols, err = r.readProtocolNames(ro.BaseProtocolsVMAddr); err != nil {
		return nil, annotate(err, record, "baseProtocols")
	}
	if class.Ivars, err = r.readIvars(ro.IvarsVMAddr); err != nil {
		return nil, annotate(err, record, "ivars")
	}
	if class.Properties, err = r.readProperties(ro.BasePropertiesVMAddr); err != nil {
		return nil, annotate(err, record, "baseProperties")
	}

	// metaclass members are the class members
	if ct.IsaVMAddr != 0 && binds[0] == "" {
		meta, _, err := r.readClassT(ct.IsaVMAddr)
		if err != nil {
			return nil, annotate(err, record, "isa")
		}
		mro, err := r.readClassRO(meta.DataVMAddr(r.ptrSize == 8))
		if err != nil {
			return nil, annotate(err, record, "isa")
		}
		if mro.Flags.IsMeta() {
			if class.ClassMethods, err = r.readMethods(mro.BaseMethodsVMAddr, true); err != nil {
				return nil, annotate(err, record, "isa.baseMethods")
			}
			if class.ClassProperties, err = r.readProperties(mro.BasePropertiesVMAddr); err != nil {
				return nil, annotate(err, record, "isa.baseProperties")
			}
		}
	}

	class.MetadataOnly = class.IsSwift() &&
		len(class.InstanceMethods) == 0 && len(class.ClassMethods) == 0 &&
		len(class.Ivars) == 0 && len(class.Properties) == 0 && len(class.ClassProperties) == 0

	return class, nil
}

/*******************************************************************************
 * METHODS, IVARS AND PROPERTIES
 *******************************************************************************/

func (r *objcReader) readMethods(addr uint64, isClass bool) ([]objc.Method, error) {
	if addr == 0 {
		return nil, nil
	}
	minEnt := uint32(3 * r.ptrSize)
	ent, err := r.uint32At(addr)
	if err != nil {
		return nil, err
	}
	ml := objc.MethodList{EntSizeAndFlags: ent}
	if ml.UsesRelativeOffsets() {
		minEnt = 12
	}
	if ml.EntSizeAndFlags, ml.Count, err = r.listHeader(addr, minEnt); err != nil {
		return nil, err
	}

	methods := make([]objc.Method, 0, ml.Count)
	for i := uint32(0); i < ml.Count; i++ {
		entAddr := addr + 8 + uint64(i)*uint64(ml.EntSize())
		var m objc.Method
		if ml.UsesRelativeOffsets() {
			m, err = r.readSmallMethod(entAddr, ml.UsesDirectOffsetsToSelectors())
		} else {
			m, err = r.readBigMethod(entAddr)
		}
		if err != nil {
			return nil, err
		}
		m.IsClassMethod = isClass
		m.Type = r.dec.Method(m.Types)
		methods = append(methods, m)
	}
	return methods, nil
}

func (r *objcReader) readBigMethod(addr uint64) (objc.Method, error) {
	var m objc.Method
	vals, _, err := r.ptrs(addr, 3)
	if err != nil {
		return m, err
	}
	mt := objc.MethodT{NameVMAddr: vals[0], TypesVMAddr: vals[1], ImpVMAddr: vals[2]}
	if m.Name, err = r.str(mt.NameVMAddr); err != nil {
		return m, err
	}
	if m.Types, err = r.str(mt.TypesVMAddr); err != nil {
		return m, err
	}
	m.ImpVMAddr = mt.ImpVMAddr
	return m, nil
}

func (r *objcReader) readSmallMethod(addr uint64, directSelectors bool) (objc.Method, error) {
	var m objc.Method
	var raw [12]byte
	if _, err := r.f.ReadAtAddr(raw[:], addr); err != nil {
		return m, err
	}
	rm := objc.RelativeMethodT{
		NameOffset:  int32(r.f.ByteOrder.Uint32(raw[0:])),
		TypesOffset: int32(r.f.ByteOrder.Uint32(raw[4:])),
		ImpOffset:   int32(r.f.ByteOrder.Uint32(raw[8:])),
	}

	nameAddr := uint64(int64(addr) + int64(rm.NameOffset))
	if !directSelectors {
		// the offset points at a selector reference
		sel, err := r.ptr(nameAddr)
		if err != nil {
			return m, err
		}
		nameAddr = sel
	}
	var err error
	if m.Name, err = r.str(nameAddr); err != nil {
		return m, err
	}
	if m.Types, err = r.str(uint64(int64(addr) + 4 + int64(rm.TypesOffset))); err != nil {
		return m, err
	}
	if rm.ImpOffset != 0 {
		m.ImpVMAddr = uint64(int64(addr) + 8 + int64(rm.ImpOffset))
	}
	return m, nil
}

func (r *objcReader) readIvars(addr uint64) ([]objc.Ivar, error) {
	if addr == 0 {
		return nil, nil
	}
	entSize, count, err := r.listHeader(addr, uint32(3*r.ptrSize+8))
	if err != nil {
		return nil, err
	}
	entSize &= objc.METHOD_LIST_SIZE_MASK
	ivars := make([]objc.Ivar, 0, count)
	for i := uint32(0); i < count; i++ {
		entAddr := addr + 8 + uint64(i)*uint64(entSize)
		vals, _, err := r.ptrs(entAddr, 3)
		if err != nil {
			return nil, err
		}
		it := objc.IvarT{OffsetVMAddr: vals[0], NameVMAddr: vals[1], TypesVMAddr: vals[2]}
		if it.AlignmentRaw, err = r.uint32At(entAddr + 3*r.ptrSize); err != nil {
			return nil, err
		}
		if it.Size, err = r.uint32At(entAddr + 3*r.ptrSize + 4); err != nil {
			return nil, err
		}

		iv := objc.Ivar{Size: it.Size, Alignment: it.Alignment(int(r.ptrSize))}
		if it.OffsetVMAddr != 0 {
			if iv.Offset, err = r.uint32At(it.OffsetVMAddr); err != nil {
				return nil, err
			}
		}
		if iv.Name, err = r.str(it.NameVMAddr); err != nil {
			return nil, err
		}
		if iv.Encoding, err = r.str(it.TypesVMAddr); err != nil {
			return nil, err
		}
		iv.Type = r.dec.Type(iv.Encoding)
		ivars = append(ivars, iv)
	}
	return ivars, nil
}

func (r *objcReader) readProperties(addr uint64) ([]objc.Property, error) {
	if addr == 0 {
		return nil, nil
	}
	entSize, count, err := r.listHeader(addr, uint32(2*r.ptrSize))
	if err != nil {
		return nil, err
	}
	props := make([]objc.Property, 0, count)
	for i := uint32(0); i < count; i++ {
		vals, _, err := r.ptrs(addr+8+uint64(i)*uint64(entSize&objc.METHOD_LIST_SIZE_MASK), 2)
		if err != nil {
			return nil, err
		}
		pt := objc.PropertyT{NameVMAddr: vals[0], AttributesVMAddr: vals[1]}
		var p objc.Property
		if p.Name, err = r.str(pt.NameVMAddr); err != nil {
			return nil, err
		}
		if p.EncodedAttributes, err = r.str(pt.AttributesVMAddr); err != nil {
			return nil, err
		}
		p.Attributes = objc.ParsePropertyAttributes(p.EncodedAttributes)
		if p.Attributes.TypeEncoding != "" {
			p.Attributes.Type = r.dec.Type(p.Attributes.TypeEncoding)
		}
		p.Type = p.Attributes.Type
		props = append(props, p)
	}
	return props, nil
}

/*******************************************************************************
 * PROTOCOLS
 *******************************************************************************/

// readProtocolNames reads a protocol_list_t and returns the protocol names.
func (r *objcReader) readProtocolNames(addr uint64) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}
	count, err := r.ptr(addr)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	if count > math.MaxUint32 {
		return nil, &DanglingPointerError{Addr: addr}
	}
	vals, binds, err := r.ptrs(addr+r.ptrSize, int(count))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, count)
	for i, p := range vals {
		if binds[i] != "" {
			names = append(names, strings.TrimPrefix(strings.TrimPrefix(binds[i], "_"+protocolSymbolPrefix), protocolSymbolPrefix))
			continue
		}
		name, err := r.protocolName(p)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (r *objcReader) protocolName(addr uint64) (string, error) {
	if name, ok := r.protoNames[addr]; ok {
		return name, nil
	}
	nameAddr, err := r.ptr(addr + r.ptrSize)
	if err != nil {
		return "", err
	}
	name, err := r.str(nameAddr)
	if err != nil {
		return "", err
	}
	r.protoNames[addr] = name
	return name, nil
}

func (r *objcReader) readProtocolT(addr uint64) (*objc.ProtocolT, error) {
	vals, _, err := r.ptrs(addr, 8)
	if err != nil {
		return nil, err
	}
	pt := &objc.ProtocolT{
		IsaVMAddr:                     vals[0],
		NameVMAddr:                    vals[1],
		ProtocolsVMAddr:               vals[2],
		InstanceMethodsVMAddr:         vals[3],
		ClassMethodsVMAddr:            vals[4],
		OptionalInstanceMethodsVMAddr: vals[5],
		OptionalClassMethodsVMAddr:    vals[6],
		InstancePropertiesVMAddr:      vals[7],
	}
	base := addr + 8*r.ptrSize
	if pt.Size, err = r.uint32At(base); err != nil {
		return nil, err
	}
	if pt.Flags, err = r.uint32At(base + 4); err != nil {
		return nil, err
	}
	// optional trailing fields, present when size covers them
	ext := []*uint64{&pt.ExtendedMethodTypesVMAddr, &pt.DemangledNameVMAddr, &pt.ClassPropertiesVMAddr}
	for i, field := range ext {
		off := 8*r.ptrSize + 8 + uint64(i)*r.ptrSize
		if uint64(pt.Size) < off+r.ptrSize {
			break
		}
		if *field, err = r.ptr(addr + off); err != nil {
			return nil, err
		}
	}
	return pt, nil
}

func (r *objcReader) readProtocol(addr uint64) (*objc.Protocol, error) {
	pt, err := r.readProtocolT(addr)
	if err != nil {
		return nil, err
	}
	proto := &objc.Protocol{VMAddr: addr}
	if proto.Name, err = r.str(pt.NameVMAddr); err != nil {
		return nil, annotate(err, "", "name")
	}
	r.protoNames[addr] = proto.Name
	record := "protocol " + proto.Name

	if proto.Protocols, err = r.readProtocolNames(pt.ProtocolsVMAddr); err != nil {
		return nil, annotate(err, record, "protocols")
	}
	lists := []struct {
		addr    uint64
		isClass bool
		dst     *[]objc.Method
		field   string
	}{
		{pt.InstanceMethodsVMAddr, false, &proto.InstanceMethods, "instanceMethods"},
		{pt.ClassMethodsVMAddr, true, &proto.ClassMethods, "classMethods"},
		{pt.OptionalInstanceMethodsVMAddr, false, &proto.OptionalInstanceMethods, "optionalInstanceMethods"},
		{pt.OptionalClassMethodsVMAddr, true, &proto.OptionalClassMethods, "optionalClassMethods"},
	}
	for _, l := range lists {
		if *l.dst, err = r.readMethods(l.addr, l.isClass); err != nil {
			return nil, annotate(err, record, l.field)
		}
	}
	if proto.Properties, err = r.readProperties(pt.InstancePropertiesVMAddr); err != nil {
		return nil, annotate(err, record, "instanceProperties")
	}
	if proto.ClassProperties, err = r.readProperties(pt.ClassPropertiesVMAddr); err != nil {
		return nil, annotate(err, record, "classProperties")
	}
	if pt.DemangledNameVMAddr != 0 {
		if proto.DemangledName, err = r.str(pt.DemangledNameVMAddr); err != nil {
			return nil, annotate(err, record, "demangledName")
		}
	}

	if pt.ExtendedMethodTypesVMAddr != 0 {
		if err := r.applyExtendedTypes(pt.ExtendedMethodTypesVMAddr, lists[0].dst, lists[1].dst, lists[2].dst, lists[3].dst); err != nil {
			var te *TruncatedImageError
			if errors.As(err, &te) {
				return nil, err
			}
			log.WithError(annotate(err, record, "extendedMethodTypes")).Debug("keeping plain method types")
		}
	}
	return proto, nil
}

// applyExtendedTypes replaces method type strings with the protocol's
// extended types, which are laid out in method list order.
func (r *objcReader) applyExtendedTypes(addr uint64, lists ...*[]objc.Method) error {
	var total int
	for _, l := range lists {
		total += len(*l)
	}
	if total == 0 {
		return nil
	}
	vals, _, err := r.ptrs(addr, total)
	if err != nil {
		return err
	}
	encs := make([]string, total)
	for i, p := range vals {
		if encs[i], err = r.str(p); err != nil {
			return err
		}
	}
	i := 0
	for _, l := range lists {
		for j := range *l {
			if encs[i] != "" {
				(*l)[j].Types = encs[i]
				(*l)[j].Type = r.dec.Method(encs[i])
			}
			i++
		}
	}
	return nil
}

/*******************************************************************************
 * CATEGORIES
 *******************************************************************************/

func (r *objcReader) readCategory(addr uint64) (*objc.Category, error) {
	n := 6
	if r.out.ImageInfo != nil && r.out.ImageInfo.Flags.HasCategoryClassProperties() {
		n = 7
	}
	vals, binds, err := r.ptrs(addr, n)
	if err != nil {
		return nil, err
	}
	ct := objc.CategoryT{
		NameVMAddr:               vals[0],
		ClsVMAddr:                vals[1],
		InstanceMethodsVMAddr:    vals[2],
		ClassMethodsVMAddr:       vals[3],
		ProtocolsVMAddr:          vals[4],
		InstancePropertiesVMAddr: vals[5],
	}
	if n == 7 {
		ct.ClassPropertiesVMAddr = vals[6]
	}

	cat := &objc.Category{VMAddr: addr}
	if cat.Name, err = r.str(ct.NameVMAddr); err != nil {
		return nil, annotate(err, "", "name")
	}
	record := "category " + cat.Name
	if cat.Class, err = r.classRef(ct.ClsVMAddr, binds[1]); err != nil {
		return nil, annotate(err, record, "cls")
	}
	record = "category " + cat.Key()
	if cat.InstanceMethods, err = r.readMethods(ct.InstanceMethodsVMAddr, false); err != nil {
		return nil, annotate(err, record, "instanceMethods")
	}
	if cat.ClassMethods, err = r.readMethods(ct.ClassMethodsVMAddr, true); err != nil {
		return nil, annotate(err, record, "classMethods")
	}
	if cat.Protocols, err = r.readProtocolNames(ct.ProtocolsVMAddr); err != nil {
		return nil, annotate(err, record, "protocols")
	}
	if cat.Properties, err = r.readProperties(ct.InstancePropertiesVMAddr); err != nil {
		return nil, annotate(err, record, "instanceProperties")
	}
	if cat.ClassProperties, err = r.readProperties(ct.ClassPropertiesVMAddr); err != nil {
		return nil, annotate(err, record, "classProperties")
	}
	return cat, nil
}
