// Package machotest assembles small synthetic Mach-O images for tests.
package machotest

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/appsworld/macho/types"
)

const (
	slotSize = 0x1000
	// SlotSize is the space reserved for each section.
	SlotSize = slotSize
)

type slot struct {
	seg, name string
	index     int // slot index from the image base
	flags     types.SectionFlag
}

// layout: __TEXT holds the header, __text and __cstring; __DATA_CONST holds
// the lists; __DATA holds the records.
var slots = []slot{
	{"__TEXT", "__text", 1, 0},
	{"__TEXT", "__cstring", 2, types.CstringLiterals},
	{"__TEXT", "__objc_methname", 3, types.CstringLiterals},
	{"__DATA_CONST", "__objc_classlist", 4, 0},
	{"__DATA_CONST", "__objc_catlist", 5, 0},
	{"__DATA_CONST", "__objc_protolist", 6, 0},
	{"__DATA_CONST", "__objc_imageinfo", 7, 0},
	{"__DATA", "__objc_selrefs", 8, 0},
	{"__DATA", "__objc_const", 9, 0},
	{"__DATA", "__objc_data", 10, 0},
	{"__DATA", "__bss", 11, types.Zerofill},
}

var segments = []struct {
	name        string
	first, last int
	prot        types.VmProtection
}{
	{"__TEXT", 0, 3, 5},
	{"__DATA_CONST", 4, 7, 3},
	{"__DATA", 8, 11, 3},
}

const numSlots = 12

// A Section is a growable section at a fixed address.
type Section struct {
	Seg, Name string
	Addr      uint64
	Offset    uint64
	flags     types.SectionFlag
	fixedSize uint64
	buf       bytes.Buffer
}

// Append writes b at the end of the section and returns its address.
func (s *Section) Append(b []byte) uint64 {
	addr := s.Addr + uint64(s.buf.Len())
	s.buf.Write(b)
	if s.buf.Len() > slotSize {
		panic("machotest: section " + s.Name + " overflows its slot")
	}
	return addr
}

// Align pads the section to a multiple of n.
func (s *Section) Align(n int) {
	for s.buf.Len()%n != 0 {
		s.buf.WriteByte(0)
	}
}

// Size returns the section size.
func (s *Section) Size() uint64 {
	if s.fixedSize > 0 {
		return s.fixedSize
	}
	return uint64(s.buf.Len())
}

// Patch overwrites bytes already written at addr.
func (s *Section) Patch(addr uint64, b []byte) {
	copy(s.buf.Bytes()[addr-s.Addr:], b)
}

// Image is a synthetic single-architecture Mach-O image.
type Image struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Is64   bool
	BO     binary.ByteOrder
	Base   uint64

	sections map[string]*Section
	loads    [][]byte
	crypt    []cryptRange
	strings  map[string]uint64
}

type cryptRange struct {
	sec     *Section
	cryptid uint32
}

// New returns an empty little-endian image for cpu.
func New(cpu types.CPU, sub types.CPUSubtype) *Image {
	im := &Image{
		CPU:      cpu,
		SubCPU:   sub,
		Is64:     cpu.Is64Bit(),
		BO:       binary.LittleEndian,
		sections: make(map[string]*Section),
		strings:  make(map[string]uint64),
	}
	im.Base = 0x10000
	if im.Is64 {
		im.Base = 0x100000000
	}
	for _, s := range slots {
		addr := im.Base + uint64(s.index)*slotSize
		im.sections[s.seg+"."+s.name] = &Section{
			Seg:    s.seg,
			Name:   s.name,
			Addr:   addr,
			Offset: uint64(s.index) * slotSize,
			flags:  s.flags,
		}
	}
	im.Text().Append([]byte{0xc0, 0x03, 0x5f, 0xd6}) // ret
	return im
}

// PtrSize returns the pointer size of the image.
func (im *Image) PtrSize() uint64 {
	if im.Is64 {
		return 8
	}
	return 4
}

// Section returns the named section.
func (im *Image) Section(seg, name string) *Section {
	return im.sections[seg+"."+name]
}

func (im *Image) Text() *Section      { return im.Section("__TEXT", "__text") }
func (im *Image) CStrings() *Section  { return im.Section("__TEXT", "__cstring") }
func (im *Image) Const() *Section     { return im.Section("__DATA", "__objc_const") }
func (im *Image) Data() *Section      { return im.Section("__DATA", "__objc_data") }
func (im *Image) ClassList() *Section { return im.Section("__DATA_CONST", "__objc_classlist") }
func (im *Image) CatList() *Section   { return im.Section("__DATA_CONST", "__objc_catlist") }
func (im *Image) ProtoList() *Section { return im.Section("__DATA_CONST", "__objc_protolist") }
func (im *Image) SelRefs() *Section   { return im.Section("__DATA", "__objc_selrefs") }

// ZeroFill gives the __DATA,__bss section a size without file contents.
func (im *Image) ZeroFill(size uint64) *Section {
	s := im.Section("__DATA", "__bss")
	s.fixedSize = size
	return s
}

// CString interns str in __TEXT,__cstring and returns its address.
func (im *Image) CString(str string) uint64 {
	if addr, ok := im.strings[str]; ok {
		return addr
	}
	addr := im.CStrings().Append(append([]byte(str), 0))
	im.strings[str] = addr
	return addr
}

// Ptrs encodes pointer sized values.
func (im *Image) Ptrs(vals ...uint64) []byte {
	out := make([]byte, len(vals)*int(im.PtrSize()))
	for i, v := range vals {
		if im.Is64 {
			im.BO.PutUint64(out[i*8:], v)
		} else {
			im.BO.PutUint32(out[i*4:], uint32(v))
		}
	}
	return out
}

// U32s encodes uint32 values.
func (im *Image) U32s(vals ...uint32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		im.BO.PutUint32(out[i*4:], v)
	}
	return out
}

// Encrypt covers the section's file range with an encryption info command.
func (im *Image) Encrypt(sec *Section, cryptid uint32) {
	im.crypt = append(im.crypt, cryptRange{sec, cryptid})
}

// AddLoad appends a raw load command.
func (im *Image) AddLoad(cmd []byte) {
	im.loads = append(im.loads, cmd)
}

// AddUUID appends an LC_UUID command.
func (im *Image) AddUUID(uuid [16]byte) {
	cmd := im.U32s(uint32(types.LC_UUID), 24)
	im.AddLoad(append(cmd, uuid[:]...))
}

func name16(s string) []byte {
	var b [16]byte
	copy(b[:], s)
	return b[:]
}

func (im *Image) segmentCmd(name string, addr, size, off, filesz uint64, prot types.VmProtection, secs []*Section) []byte {
	var buf bytes.Buffer
	w := func(v any) { binary.Write(&buf, im.BO, v) }
	if im.Is64 {
		w(uint32(types.LC_SEGMENT_64))
		w(uint32(72 + 80*len(secs)))
		buf.Write(name16(name))
		w([]uint64{addr, size, off, filesz})
	} else {
		w(uint32(types.LC_SEGMENT))
		w(uint32(56 + 68*len(secs)))
		buf.Write(name16(name))
		w([]uint32{uint32(addr), uint32(size), uint32(off), uint32(filesz)})
	}
	w([]int32{int32(prot), int32(prot)})
	w([]uint32{uint32(len(secs)), 0})
	for _, s := range secs {
		buf.Write(name16(s.Name))
		buf.Write(name16(s.Seg))
		off := uint32(s.Offset)
		if s.flags == types.Zerofill {
			off = 0
		}
		if im.Is64 {
			w([]uint64{s.Addr, s.Size()})
		} else {
			w([]uint32{uint32(s.Addr), uint32(s.Size())})
		}
		w([]uint32{off, 3, 0, 0, uint32(s.flags), 0, 0})
		if im.Is64 {
			w(uint32(0))
		}
	}
	return buf.Bytes()
}

// Bytes serializes the image.
func (im *Image) Bytes() []byte {
	var cmds [][]byte

	// __PAGEZERO
	cmds = append(cmds, im.segmentCmd("__PAGEZERO", 0, im.Base, 0, 0, 0, nil))

	for _, seg := range segments {
		var secs []*Section
		for _, s := range slots {
			if s.seg != seg.name {
				continue
			}
			if sec := im.sections[s.seg+"."+s.name]; sec.Size() > 0 {
				secs = append(secs, sec)
			}
		}
		sort.Slice(secs, func(i, j int) bool { return secs[i].Addr < secs[j].Addr })
		start := uint64(seg.first) * slotSize
		size := uint64(seg.last-seg.first+1) * slotSize
		filesz := size
		if seg.name == "__DATA" {
			filesz -= slotSize // __bss
		}
		cmds = append(cmds, im.segmentCmd(seg.name, im.Base+start, size, start, filesz, seg.prot, secs))
	}

	for _, c := range im.crypt {
		if im.Is64 {
			cmds = append(cmds, im.U32s(uint32(types.LC_ENCRYPTION_INFO_64), 24, uint32(c.sec.Offset), uint32(c.sec.Size()), c.cryptid, 0))
		} else {
			cmds = append(cmds, im.U32s(uint32(types.LC_ENCRYPTION_INFO), 20, uint32(c.sec.Offset), uint32(c.sec.Size()), c.cryptid))
		}
	}
	cmds = append(cmds, im.loads...)

	var sizeofcmds int
	for _, c := range cmds {
		sizeofcmds += len(c)
	}

	out := make([]byte, (numSlots-1)*slotSize)
	var hdr bytes.Buffer
	if im.Is64 {
		binary.Write(&hdr, im.BO, uint32(types.Magic64))
	} else {
		binary.Write(&hdr, im.BO, uint32(types.Magic32))
	}
	binary.Write(&hdr, im.BO, []uint32{uint32(im.CPU), uint32(im.SubCPU), uint32(types.MH_EXECUTE), uint32(len(cmds)), uint32(sizeofcmds), 0})
	if im.Is64 {
		binary.Write(&hdr, im.BO, uint32(0))
	}
	for _, c := range cmds {
		hdr.Write(c)
	}
	if hdr.Len() > slotSize {
		panic("machotest: load commands overflow the header slot")
	}
	copy(out, hdr.Bytes())

	for _, sec := range im.sections {
		if sec.flags == types.Zerofill {
			continue
		}
		copy(out[sec.Offset:], sec.buf.Bytes())
	}
	return out
}

// A FatSlice is one architecture of a fat file.
type FatSlice struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Data   []byte
}

// Fat wraps slices in a big-endian fat header, each slice aligned to 4K.
func Fat(slices ...FatSlice) []byte {
	const align = 12
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.BigEndian, []uint32{uint32(types.MagicFat), uint32(len(slices))})
	off := uint32(1 << align)
	for _, s := range slices {
		binary.Write(&hdr, binary.BigEndian, []uint32{uint32(s.CPU), uint32(s.SubCPU), off, uint32(len(s.Data)), align})
		off += (uint32(len(s.Data)) + (1<<align - 1)) &^ (1<<align - 1)
	}
	out := make([]byte, off)
	copy(out, hdr.Bytes())
	off = 1 << align
	for _, s := range slices {
		copy(out[off:], s.Data)
		off += (uint32(len(s.Data)) + (1<<align - 1)) &^ (1<<align - 1)
	}
	return out
}
