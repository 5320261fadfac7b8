// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package macho

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"strings"

	"github.com/appsworld/macho/types"
)

const (
	fatArchHeaderSize = 5 * 4
	maxFatArches      = 128
)

// A FatFile is a Mach-O universal binary that contains at least one architecture.
type FatFile struct {
	Magic  uint32
	Arches []FatArch
	closer io.Closer
}

// A FatArchHeader represents a fat header for a specific image architecture.
type FatArchHeader struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Offset uint32
	Size   uint32
	Align  uint32
}

// A FatArch is a Mach-O File inside a FatFile.
type FatArch struct {
	FatArchHeader
	*File
}

// NewFatFile creates a new FatFile for accessing all the Mach-O images in a
// universal binary. The Mach-O binary is expected to start at position 0 in
// the ReaderAt.
func NewFatFile(r io.ReaderAt) (*FatFile, error) {
	return newFatFile(r, readerSize(r))
}

// readFatArches reads and validates the fat header and its arch table
// without touching any slice contents.
func readFatArches(r io.ReaderAt, size int64) ([]FatArchHeader, error) {
	sr := io.NewSectionReader(r, 0, 1<<63-1)

	// Read the fat_header struct, which is always in big endian.
	// Start with the magic number.
	var magic uint32
	err := binary.Read(sr, binary.BigEndian, &magic)
	if err != nil {
		return nil, &NotMachOError{}
	} else if magic != uint32(types.MagicFat) {
		// See if this is a Mach-O file via its magic number. The magic
		// must be converted to little endian first though.
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], magic)
		leMagic := binary.LittleEndian.Uint32(buf[:])
		if leMagic&^1 == types.Magic32.Int()&^1 || magic&^1 == types.Magic32.Int()&^1 {
			return nil, ErrNotFat
		}
		return nil, &NotMachOError{Magic: magic}
	}
	offset := int64(4)

	// Read the number of FatArchHeaders that come after the fat_header.
	var narch uint32
	err = binary.Read(sr, binary.BigEndian, &narch)
	if err != nil {
		return nil, &FormatError{offset, "invalid fat_header", nil}
	}
	offset += 4

	if narch < 1 {
		return nil, &FormatError{offset, "file contains no images", nil}
	}
	if narch > maxFatArches {
		return nil, &FormatError{offset, "too many fat architectures", narch}
	}

	// Combine the Cpu and SubCpu (both uint32) into a uint64 to make sure
	// there are not duplicate architectures.
	seenArches := make(map[uint64]bool, narch)

	hdrs := make([]FatArchHeader, narch)
	for i := range hdrs {
		fa := &hdrs[i]
		err = binary.Read(sr, binary.BigEndian, fa)
		if err != nil {
			return nil, &FormatError{offset, "invalid fat_arch header", nil}
		}
		offset += fatArchHeaderSize

		if fa.Size == 0 {
			return nil, &FormatError{offset, "empty fat_arch", nil}
		}
		if size >= 0 && int64(fa.Offset)+int64(fa.Size) > size {
			return nil, &FormatError{offset, "fat_arch extends past end of file", fmt.Sprintf("%#x+%#x", fa.Offset, fa.Size)}
		}

		// Make sure the architecture for this image is not duplicate.
		seenArch := (uint64(fa.CPU) << 32) | uint64(fa.SubCPU)
		if o, k := seenArches[seenArch]; o || k {
			return nil, &FormatError{offset, "duplicate architecture", fmt.Sprintf("%s/%s", fa.CPU, fa.SubCPU.String(fa.CPU))}
		}
		seenArches[seenArch] = true
	}
	return hdrs, nil
}

func newFatFile(r io.ReaderAt, size int64) (*FatFile, error) {
	hdrs, err := readFatArches(r, size)
	if err != nil {
		return nil, err
	}
	ff := FatFile{Magic: uint32(types.MagicFat)}

	// Make sure that all images are for the same MH_ type.
	var machoType types.HeaderFileType

	// Following the fat_header comes narch fat_arch structs that index
	// Mach-O images further in the file.
	ff.Arches = make([]FatArch, len(hdrs))
	for i, hdr := range hdrs {
		fa := &ff.Arches[i]
		fa.FatArchHeader = hdr
		fa.File, err = Slice{FatArchHeader: hdr, r: r}.Open()
		if err != nil {
			return nil, err
		}
		// Make sure the Mach-O type matches that of the first image.
		if i == 0 {
			machoType = fa.Type
		} else if fa.Type != machoType {
			return nil, &FormatError{int64(8 + i*fatArchHeaderSize), "Mach-O type for architecture does not match first", fa.Type}
		}
	}

	return &ff, nil
}

// OpenFat opens the named file using os.Open and prepares it for use as a Mach-O
// universal binary.
func OpenFat(name string) (*FatFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ff, err := NewFatFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

func (ff *FatFile) Close() error {
	var err error
	if ff.closer != nil {
		err = ff.closer.Close()
		ff.closer = nil
	}
	return err
}

/*******************************************************************************
 * ARCH SELECTION
 *******************************************************************************/

// An Arch names a cpu type and subtype pair, e.g. arm64e.
type Arch struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
}

var archNames = []struct {
	name string
	arch Arch
}{
	{"arm64", Arch{types.CPUArm64, types.CPUSubtypeArm64All}},
	{"arm64e", Arch{types.CPUArm64, types.CPUSubtypeArm64E}},
	{"arm64_32", Arch{types.CPUArm6432, types.CPUSubtypeArm64V8}},
	{"x86_64", Arch{types.CPUAmd64, types.CPUSubtypeX8664All}},
	{"x86_64h", Arch{types.CPUAmd64, types.CPUSubtypeX86_64H}},
	{"i386", Arch{types.CPU386, types.CPUSubtypeX86All}},
	{"armv6", Arch{types.CPUArm, types.CPUSubtypeArmV6}},
	{"armv7", Arch{types.CPUArm, types.CPUSubtypeArmV7}},
	{"armv7s", Arch{types.CPUArm, types.CPUSubtypeArmV7S}},
	{"armv7k", Arch{types.CPUArm, types.CPUSubtypeArmV7K}},
	{"ppc", Arch{types.CPUPpc, types.CPUSubtypePowerPCAll}},
	{"ppc64", Arch{types.CPUPpc64, types.CPUSubtypePowerPCAll}},
}

// ParseArch parses an architecture name such as "arm64" or "x86_64".
func ParseArch(s string) (Arch, error) {
	for _, a := range archNames {
		if strings.EqualFold(a.name, s) {
			return a.arch, nil
		}
	}
	return Arch{}, fmt.Errorf("unknown architecture %q", s)
}

func (a Arch) String() string {
	for _, n := range archNames {
		if n.arch == a {
			return n.name
		}
	}
	return fmt.Sprintf("%s/%s", a.CPU, a.SubCPU.String(a.CPU))
}

// Matches reports whether the cpu pair names this architecture; subtype
// capability bits are ignored.
func (a Arch) Matches(cpu types.CPU, sub types.CPUSubtype) bool {
	return a.CPU == cpu && a.SubCPU&types.CpuSubtypeMask == sub&types.CpuSubtypeMask
}

// Arch returns the image's architecture.
func (f *File) Arch() Arch {
	return Arch{CPU: f.CPU, SubCPU: f.SubCPU & types.CpuSubtypeMask}
}

func hostCPU() types.CPU {
	switch runtime.GOARCH {
	case "arm64":
		return types.CPUArm64
	case "amd64":
		return types.CPUAmd64
	case "386":
		return types.CPU386
	case "arm":
		return types.CPUArm
	}
	return 0
}

// A Slice locates one architecture image inside a thin or fat file. Opening
// a slice only reads bytes inside its range.
type Slice struct {
	FatArchHeader
	r io.ReaderAt
}

// Arch returns the slice architecture.
func (s Slice) Arch() Arch {
	return Arch{CPU: s.CPU, SubCPU: s.SubCPU & types.CpuSubtypeMask}
}

// Open parses the slice as a Mach-O image.
func (s Slice) Open() (*File, error) {
	fr := io.NewSectionReader(s.r, int64(s.Offset), int64(s.Size))
	return NewFile(fr, FileConfig{Size: int64(s.Size), Offset: int64(s.Offset)})
}

// Slices lists the architecture slices of r; a thin image yields one.
func Slices(r io.ReaderAt, size int64) ([]Slice, error) {
	hdrs, err := readFatArches(r, size)
	if err == ErrNotFat {
		return thinSlice(r, size)
	} else if err != nil {
		return nil, err
	}
	slices := make([]Slice, 0, len(hdrs))
	for _, h := range hdrs {
		slices = append(slices, Slice{FatArchHeader: h, r: r})
	}
	return slices, nil
}

func thinSlice(r io.ReaderAt, size int64) ([]Slice, error) {
	var hdr [12]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, &NotMachOError{}
	}
	bo := binary.ByteOrder(binary.LittleEndian)
	if binary.BigEndian.Uint32(hdr[:])&^1 == types.Magic32.Int()&^1 {
		bo = binary.BigEndian
	} else if binary.LittleEndian.Uint32(hdr[:])&^1 != types.Magic32.Int()&^1 {
		return nil, &NotMachOError{Magic: binary.BigEndian.Uint32(hdr[:])}
	}
	if size < 0 {
		size = readerSize(r)
	}
	if size < 0 || size > math.MaxUint32 {
		size = math.MaxUint32
	}
	return []Slice{{
		FatArchHeader: FatArchHeader{
			CPU:    types.CPU(bo.Uint32(hdr[4:])),
			SubCPU: types.CPUSubtype(bo.Uint32(hdr[8:])),
			Size:   uint32(size),
		},
		r: r,
	}}, nil
}

// SelectSlice picks the slice to analyze: the first slice matching one of
// want, in order, otherwise 64-bit before 32-bit, the host cpu among equals
// and then the first listed.
func SelectSlice(slices []Slice, want ...Arch) (Slice, error) {
	if len(slices) == 0 {
		return Slice{}, ErrNoMatchingArch
	}
	if len(want) > 0 {
		for _, w := range want {
			for _, s := range slices {
				if w.Matches(s.CPU, s.SubCPU) {
					return s, nil
				}
			}
		}
		names := make([]string, 0, len(want))
		for _, w := range want {
			names = append(names, w.String())
		}
		return Slice{}, fmt.Errorf("%w: %s", ErrNoMatchingArch, strings.Join(names, ", "))
	}
	host := hostCPU()
	score := func(s Slice) int {
		n := 0
		if s.CPU.Is64Bit() {
			n += 2
		}
		if s.CPU == host {
			n++
		}
		return n
	}
	best := slices[0]
	for _, s := range slices[1:] {
		if score(s) > score(best) {
			best = s
		}
	}
	return best, nil
}

// LoadSlice parses r as either a fat archive or a thin Mach-O image and returns
// the selected slice. Only the selected slice is read.
func LoadSlice(r io.ReaderAt, size int64, want ...Arch) (*File, error) {
	slices, err := Slices(r, size)
	if err != nil {
		return nil, err
	}
	s, err := SelectSlice(slices, want...)
	if err != nil {
		return nil, err
	}
	return s.Open()
}

// Open opens the named file, fat or thin, and returns the selected slice.
func Open(name string, want ...Arch) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	m, err := LoadSlice(f, fi.Size(), want...)
	if err != nil {
		f.Close()
		if nm, ok := err.(*NotMachOError); ok {
			nm.Path = name
		}
		return nil, err
	}
	m.closer = f
	return m, nil
}

func readerSize(r io.ReaderAt) int64 {
	switch v := r.(type) {
	case interface{ Size() int64 }:
		return v.Size()
	case *os.File:
		if fi, err := v.Stat(); err == nil {
			return fi.Size()
		}
	}
	return -1
}
