package macho

// High level access to low level data structures.

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/go-dwarf"

	"github.com/appsworld/macho/pkg/fixupchains"
	"github.com/appsworld/macho/types"
)

// A File represents an open Mach-O file, or one architecture slice of a fat file.
type File struct {
	FileTOC

	size   int64 // size of this slice
	offset int64 // offset of this slice inside its container

	dcf     *fixupchains.DyldChainedFixups
	dcfErr  error
	dcfOnce sync.Once

	sr     *io.SectionReader
	closer io.Closer
}

type FileTOC struct {
	types.FileHeader
	ByteOrder binary.ByteOrder
	Loads     []Load
	Sections  []*Section
}

func (t *FileTOC) String() string {
	return t.FileHeader.String() + t.LoadsString()
}

func pad(length int) string {
	if length > 0 {
		return strings.Repeat(" ", length)
	}
	return " "
}

// LoadsString returns a string representation of all the MachO's load commands
func (t *FileTOC) LoadsString() string {
	var loadsStr string
	for i, l := range t.Loads {
		if l == nil {
			continue
		}
		if s, ok := l.(*Segment); ok {
			loadsStr += fmt.Sprintf("%03d: %s %s\n", i, s.Command(), s)
			for j := uint32(0); j < s.Nsect; j++ {
				if int(j+s.Firstsect) >= len(t.Sections) {
					break
				}
				c := t.Sections[j+s.Firstsect]
				enc := ""
				if c.Encrypted {
					enc = " (encrypted)"
				}
				loadsStr += fmt.Sprintf("\t%s%s\n", c, enc)
			}
			continue
		}
		loadsStr += fmt.Sprintf("%03d: %s%s%v\n", i, l.Command(), pad(28-len(l.Command().String())), l)
	}
	return loadsStr
}

// FileConfig describes where a slice lives inside its container.
type FileConfig struct {
	Offset int64
	Size   int64
}

// Close closes the File.
// If the File was created using NewFile directly instead of Open,
// Close has no effect.
func (f *File) Close() error {
	var err error
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return err
}

// NewFile creates a new File for accessing a Mach-O binary in an underlying reader.
// The Mach-O binary is expected to start at position 0 in the ReaderAt and every
// read is bounded by the slice size.
func NewFile(r io.ReaderAt, config ...FileConfig) (*File, error) {
	f := new(File)

	if len(config) > 0 {
		f.offset = config[0].Offset
		f.size = config[0].Size
	}
	if f.size <= 0 {
		f.size = readerSize(r)
	}
	if f.size < 0 {
		f.size = 1<<63 - 1
	}
	f.sr = io.NewSectionReader(r, 0, f.size)

	// Read and decode Mach magic to determine byte order, size.
	// Magic32 and Magic64 differ only in the bottom bit.
	var ident [4]byte
	if _, err := f.sr.ReadAt(ident[0:], 0); err != nil {
		return nil, &NotMachOError{}
	}
	be := binary.BigEndian.Uint32(ident[0:])
	le := binary.LittleEndian.Uint32(ident[0:])
	switch types.Magic32.Int() &^ 1 {
	case be &^ 1:
		f.ByteOrder = binary.BigEndian
		f.Magic = types.Magic(be)
	case le &^ 1:
		f.ByteOrder = binary.LittleEndian
		f.Magic = types.Magic(le)
	default:
		return nil, &NotMachOError{Magic: be}
	}

	// Read entire file header.
	hdrSize := types.FileHeaderSize32
	if f.Magic == types.Magic64 {
		hdrSize = types.FileHeaderSize64
	}
	hdr := make([]byte, types.FileHeaderSize64)
	if _, err := f.ReadAt(hdr[:hdrSize], 0); err != nil {
		return nil, err
	}
	bo := f.ByteOrder
	f.CPU = types.CPU(bo.Uint32(hdr[4:]))
	f.SubCPU = types.CPUSubtype(bo.Uint32(hdr[8:]))
	f.Type = types.HeaderFileType(bo.Uint32(hdr[12:]))
	f.NCommands = bo.Uint32(hdr[16:])
	f.SizeCommands = bo.Uint32(hdr[20:])
	f.Flags = types.HeaderFlag(bo.Uint32(hdr[24:]))
	f.Reserved = bo.Uint32(hdr[28:])

	// Then load commands.
	offset := int64(hdrSize)
	dat := make([]byte, f.SizeCommands)
	if _, err := f.ReadAt(dat, offset); err != nil {
		return nil, err
	}
	f.Loads = make([]Load, 0, f.NCommands)
	for i := uint32(0); i < f.NCommands; i++ {
		// Each load command begins with uint32 command and length.
		if len(dat) < 8 {
			return nil, &FormatError{offset, "command block too small", nil}
		}
		cmd, siz := types.LoadCmd(bo.Uint32(dat[0:4])), bo.Uint32(dat[4:8])
		if siz < 8 || siz > uint32(len(dat)) {
			return nil, &FormatError{offset, "invalid command block size", nil}
		}
		var cmddat []byte
		cmddat, dat = dat[0:siz], dat[siz:]

		l, err := f.parseLoad(cmd, cmddat, offset)
		if err != nil {
			return nil, err
		}
		f.Loads = append(f.Loads, l)
		offset += int64(siz)
	}

	f.markEncrypted()

	return f, nil
}

func (f *File) parseLoad(cmd types.LoadCmd, cmddat []byte, offset int64) (Load, error) {
	bo := f.ByteOrder
	b := bytes.NewReader(cmddat)

	switch cmd {
	case types.LC_SEGMENT:
		var seg32 types.Segment32
		if err := binary.Read(b, bo, &seg32); err != nil {
			return nil, &FormatError{offset, "failed to read LC_SEGMENT", err}
		}
		s := new(Segment)
		s.LoadBytes = cmddat
		s.LoadCmd = cmd
		s.Len = seg32.Len
		s.Name = cstring(seg32.Name[0:])
		s.Addr = uint64(seg32.Addr)
		s.Memsz = uint64(seg32.Memsz)
		s.Offset = uint64(seg32.Offset)
		s.Filesz = uint64(seg32.Filesz)
		s.Maxprot = seg32.Maxprot
		s.Prot = seg32.Prot
		s.Nsect = seg32.Nsect
		s.Flag = seg32.Flag
		s.Firstsect = uint32(len(f.Sections))
		s.sr = io.NewSectionReader(f.sr, int64(s.Offset), int64(s.Filesz))
		for i := 0; i < int(s.Nsect); i++ {
			var sh32 types.Section32
			if err := binary.Read(b, bo, &sh32); err != nil {
				return nil, &FormatError{offset, "failed to read Section32", err}
			}
			sh := new(Section)
			sh.Name = cstring(sh32.Name[0:])
			sh.Seg = cstring(sh32.Seg[0:])
			sh.Addr = uint64(sh32.Addr)
			sh.Size = uint64(sh32.Size)
			sh.Offset = sh32.Offset
			sh.Align = sh32.Align
			sh.Reloff = sh32.Reloff
			sh.Nreloc = sh32.Nreloc
			sh.Flags = sh32.Flags
			sh.Reserved1 = sh32.Reserve1
			sh.Reserved2 = sh32.Reserve2
			f.pushSection(sh)
		}
		return s, nil
	case types.LC_SEGMENT_64:
		var seg64 types.Segment64
		if err := binary.Read(b, bo, &seg64); err != nil {
			return nil, &FormatError{offset, "failed to read LC_SEGMENT_64", err}
		}
		s := new(Segment)
		s.LoadBytes = cmddat
		s.LoadCmd = cmd
		s.Len = seg64.Len
		s.Name = cstring(seg64.Name[0:])
		s.Addr = seg64.Addr
		s.Memsz = seg64.Memsz
		s.Offset = seg64.Offset
		s.Filesz = seg64.Filesz
		s.Maxprot = seg64.Maxprot
		s.Prot = seg64.Prot
		s.Nsect = seg64.Nsect
		s.Flag = seg64.Flag
		s.Firstsect = uint32(len(f.Sections))
		s.sr = io.NewSectionReader(f.sr, int64(s.Offset), int64(s.Filesz))
		for i := 0; i < int(s.Nsect); i++ {
			var sh64 types.Section64
			if err := binary.Read(b, bo, &sh64); err != nil {
				return nil, &FormatError{offset, "failed to read Section64", err}
			}
			sh := new(Section)
			sh.Name = cstring(sh64.Name[0:])
			sh.Seg = cstring(sh64.Seg[0:])
			sh.Addr = sh64.Addr
			sh.Size = sh64.Size
			sh.Offset = sh64.Offset
			sh.Align = sh64.Align
			sh.Reloff = sh64.Reloff
			sh.Nreloc = sh64.Nreloc
			sh.Flags = sh64.Flags
			sh.Reserved1 = sh64.Reserve1
			sh.Reserved2 = sh64.Reserve2
			sh.Reserved3 = sh64.Reserve3
			f.pushSection(sh)
		}
		return s, nil
	case types.LC_UUID:
		l := new(UUID)
		if err := binary.Read(b, bo, &l.UUIDCmd); err != nil {
			return nil, &FormatError{offset, "failed to read LC_UUID", err}
		}
		l.LoadBytes = cmddat
		return l, nil
	case types.LC_ENCRYPTION_INFO:
		var ei types.EncryptionInfoCmd
		if err := binary.Read(b, bo, &ei); err != nil {
			return nil, &FormatError{offset, "failed to read LC_ENCRYPTION_INFO", err}
		}
		return &EncryptionInfo{LoadBytes: cmddat, LoadCmd: cmd, Len: ei.Len, Offset: ei.Offset, Size: ei.Size, CryptID: ei.CryptID}, nil
	case types.LC_ENCRYPTION_INFO_64:
		var ei types.EncryptionInfo64Cmd
		if err := binary.Read(b, bo, &ei); err != nil {
			return nil, &FormatError{offset, "failed to read LC_ENCRYPTION_INFO_64", err}
		}
		return &EncryptionInfo{LoadBytes: cmddat, LoadCmd: cmd, Len: ei.Len, Offset: ei.Offset, Size: ei.Size, CryptID: ei.CryptID}, nil
	case types.LC_CODE_SIGNATURE:
		l := new(CodeSignature)
		if err := binary.Read(b, bo, &l.CodeSignatureCmd); err != nil {
			return nil, &FormatError{offset, "failed to read LC_CODE_SIGNATURE", err}
		}
		l.LoadBytes = cmddat
		return l, nil
	case types.LC_DYLD_CHAINED_FIXUPS:
		l := new(DyldChainedFixups)
		if err := binary.Read(b, bo, &l.DyldChainedFixupsCmd); err != nil {
			return nil, &FormatError{offset, "failed to read LC_DYLD_CHAINED_FIXUPS", err}
		}
		l.LoadBytes = cmddat
		return l, nil
	case types.LC_LOAD_DYLIB, types.LC_ID_DYLIB, types.LC_LOAD_WEAK_DYLIB, types.LC_REEXPORT_DYLIB:
		var hdr types.DylibCmd
		if err := binary.Read(b, bo, &hdr); err != nil {
			return nil, &FormatError{offset, "failed to read " + cmd.String(), err}
		}
		if hdr.Name >= uint32(len(cmddat)) {
			return nil, &FormatError{offset, "invalid name in dynamic library command", hdr.Name}
		}
		l := Dylib{
			LoadBytes:      cmddat,
			DylibCmd:       hdr,
			Name:           cstring(cmddat[hdr.Name:]),
			Time:           hdr.Time,
			CurrentVersion: hdr.CurrentVersion.String(),
			CompatVersion:  hdr.CompatVersion.String(),
		}
		switch cmd {
		case types.LC_ID_DYLIB:
			id := DylibID(l)
			return &id, nil
		case types.LC_LOAD_WEAK_DYLIB:
			weak := WeakDylib(l)
			return &weak, nil
		case types.LC_REEXPORT_DYLIB:
			re := ReExportDylib(l)
			return &re, nil
		}
		return &l, nil
	case types.LC_RPATH:
		var hdr types.RpathCmd
		if err := binary.Read(b, bo, &hdr); err != nil {
			return nil, &FormatError{offset, "failed to read LC_RPATH", err}
		}
		if hdr.Path >= uint32(len(cmddat)) {
			return nil, &FormatError{offset, "invalid path in rpath command", hdr.Path}
		}
		return &Rpath{LoadBytes: cmddat, RpathCmd: hdr, Path: cstring(cmddat[hdr.Path:])}, nil
	case types.LC_BUILD_VERSION:
		var build types.BuildVersionCmd
		if err := binary.Read(b, bo, &build); err != nil {
			return nil, &FormatError{offset, "failed to read LC_BUILD_VERSION", err}
		}
		return &BuildVersion{
			LoadBytes:       cmddat,
			BuildVersionCmd: build,
			Platform:        build.Platform.String(),
			Minos:           build.Minos.String(),
			Sdk:             build.Sdk.String(),
		}, nil
	case types.LC_SOURCE_VERSION:
		l := new(SourceVersion)
		if err := binary.Read(b, bo, &l.SourceVersionCmd); err != nil {
			return nil, &FormatError{offset, "failed to read LC_SOURCE_VERSION", err}
		}
		l.LoadBytes = cmddat
		return l, nil
	}

	return LoadCmdBytes{cmd, LoadBytes(cmddat)}, nil
}

func (f *File) pushSection(sh *Section) {
	sh.sr = io.NewSectionReader(f.sr, int64(sh.Offset), int64(sh.Size))
	sh.size = f.size
	f.Sections = append(f.Sections, sh)
}

// markEncrypted flags every file-backed section that intersects an active
// encryption range.
func (f *File) markEncrypted() {
	for _, l := range f.Loads {
		ei, ok := l.(*EncryptionInfo)
		if !ok || !ei.Active() {
			continue
		}
		for _, sec := range f.Sections {
			if sec.Flags.IsZerofill() || sec.Size == 0 {
				continue
			}
			if ei.overlaps(uint64(sec.Offset), sec.Size) {
				sec.Encrypted = true
				log.WithFields(log.Fields{
					"section": sec.Seg + "." + sec.Name,
					"cryptid": ei.CryptID,
				}).Debug("section is encrypted")
			}
		}
	}
}

func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[0:i])
}

func (f *File) is64bit() bool {
	return f.FileHeader.Magic == types.Magic64
}

// PointerSize returns the size in bytes of a pointer in this image.
func (f *File) PointerSize() uint64 {
	if f.is64bit() {
		return 8
	}
	return 4
}

// Size returns the size of the slice.
func (f *File) Size() int64 { return f.size }

// SliceOffset returns the offset of the slice inside its fat container.
func (f *File) SliceOffset() int64 { return f.offset }

func (f *File) preferredLoadAddress() uint64 {
	for _, s := range f.Segments() {
		if strings.EqualFold(s.Name, "__TEXT") {
			return s.Addr
		}
	}
	return 0
}

// GetBaseAddress returns the MachO's preferred load address
func (f *File) GetBaseAddress() uint64 {
	return f.preferredLoadAddress()
}

// ReadAt reads data at offset within the slice. Reads overlapping an active
// encryption range fail with *EncryptedSectionError.
func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off > f.size || int64(len(p)) > f.size-off {
		return 0, &TruncatedImageError{Off: off, Len: len(p), Size: f.size}
	}
	if f.encryptedRange(uint64(off), uint64(len(p))) {
		return 0, f.encryptedAt(uint64(off))
	}
	n, err = f.sr.ReadAt(p, off)
	if n < len(p) {
		return n, &TruncatedImageError{Off: off, Len: len(p), Size: f.size}
	}
	return n, nil
}

// Uint32At reads a uint32 at a file offset in the image's byte order.
func (f *File) Uint32At(off int64) (uint32, error) {
	var b [4]byte
	if _, err := f.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return f.ByteOrder.Uint32(b[:]), nil
}

// Uint64At reads a uint64 at a file offset in the image's byte order.
func (f *File) Uint64At(off int64) (uint64, error) {
	var b [8]byte
	if _, err := f.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return f.ByteOrder.Uint64(b[:]), nil
}

// PointerAt reads a pointer sized value at a file offset.
func (f *File) PointerAt(off int64) (uint64, error) {
	if f.is64bit() {
		return f.Uint64At(off)
	}
	v, err := f.Uint32At(off)
	return uint64(v), err
}

// GetOffset returns the file offset for a given virtual address
func (f *File) GetOffset(address uint64) (uint64, error) {
	for _, seg := range f.Segments() {
		if seg.Addr <= address && address < seg.Addr+seg.Memsz {
			return (address - seg.Addr) + seg.Offset, nil
		}
	}
	return 0, fmt.Errorf("address 0x%x not within any segments adress range", address)
}

// GetVMAddress returns the virtal address for a given file offset
func (f *File) GetVMAddress(offset uint64) (uint64, error) {
	for _, seg := range f.Segments() {
		if seg.Offset <= offset && offset < seg.Offset+seg.Filesz {
			return (offset - seg.Offset) + seg.Addr, nil
		}
	}
	return 0, fmt.Errorf("offset 0x%x not within any segments file offset range", offset)
}

// ReadAtAddr reads len(p) bytes at a virtual address. The read must stay inside
// the section (or, for unsectioned ranges, the segment) containing addr.
func (f *File) ReadAtAddr(p []byte, addr uint64) (int, error) {
	end := addr + uint64(len(p))
	if sec := f.FindSectionForVMAddr(addr); sec != nil {
		if sec.Encrypted {
			return 0, &EncryptedSectionError{Segment: sec.Seg, Section: sec.Name, Addr: addr}
		}
		if end > sec.Addr+sec.Size || end < addr {
			return 0, &DanglingPointerError{Addr: addr}
		}
		if sec.Flags.IsZerofill() {
			for i := range p {
				p[i] = 0
			}
			return len(p), nil
		}
		return f.ReadAt(p, int64(sec.Offset)+int64(addr-sec.Addr))
	}

	seg := f.FindSegmentForVMAddr(addr)
	if seg == nil || seg.Prot == 0 || end > seg.Addr+seg.Memsz || end < addr {
		return 0, &DanglingPointerError{Addr: addr}
	}
	rel := addr - seg.Addr
	for i := range p {
		p[i] = 0
	}
	if rel >= seg.Filesz {
		return len(p), nil
	}
	n := uint64(len(p))
	if rel+n > seg.Filesz {
		n = seg.Filesz - rel
	}
	if f.encryptedRange(seg.Offset+rel, n) {
		return 0, &EncryptedSectionError{Segment: seg.Name, Addr: addr}
	}
	if _, err := f.ReadAt(p[:n], int64(seg.Offset+rel)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *File) encryptedRange(off, size uint64) bool {
	for _, l := range f.Loads {
		if ei, ok := l.(*EncryptionInfo); ok && ei.Active() && ei.overlaps(off, size) {
			return true
		}
	}
	return false
}

// encryptedAt describes the encrypted bytes at a file offset.
func (f *File) encryptedAt(off uint64) *EncryptedSectionError {
	for _, sec := range f.Sections {
		if uint64(sec.Offset) <= off && off < uint64(sec.Offset)+sec.Size && !sec.Flags.IsZerofill() {
			return &EncryptedSectionError{Segment: sec.Seg, Section: sec.Name, Addr: sec.Addr + off - uint64(sec.Offset)}
		}
	}
	for _, seg := range f.Segments() {
		if seg.Offset <= off && off < seg.Offset+seg.Filesz {
			return &EncryptedSectionError{Segment: seg.Name, Addr: seg.Addr + off - seg.Offset}
		}
	}
	return &EncryptedSectionError{Addr: off}
}

// GetCString returns a c-string at a given virtual address in the MachO.
// The terminating NUL must occur inside the containing section.
func (f *File) GetCString(strVMAdr uint64) (string, error) {
	sec := f.FindSectionForVMAddr(strVMAdr)
	if sec == nil {
		return "", &DanglingPointerError{Addr: strVMAdr}
	}
	if sec.Encrypted {
		return "", &EncryptedSectionError{Segment: sec.Seg, Section: sec.Name, Addr: strVMAdr}
	}
	if sec.Flags.IsZerofill() {
		return "", nil
	}
	// Read in small chunks; most names are short.
	var out []byte
	chunk := make([]byte, 64)
	for addr := strVMAdr; addr < sec.Addr+sec.Size; {
		n := uint64(len(chunk))
		if rem := sec.Addr + sec.Size - addr; rem < n {
			n = rem
		}
		if _, err := f.ReadAt(chunk[:n], int64(sec.Offset)+int64(addr-sec.Addr)); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk[:n]...)
		addr += n
	}
	return "", &DanglingPointerError{Addr: strVMAdr, Field: "cstring"}
}

// ReadPointerAtAddr reads the pointer stored at addr, resolving it through the
// chained fixups when the image has them. A bound pointer resolves to a zero
// address and the name of the imported symbol.
func (f *File) ReadPointerAtAddr(addr uint64) (uint64, string, error) {
	var buf [8]byte
	p := buf[:f.PointerSize()]
	if _, err := f.ReadAtAddr(p, addr); err != nil {
		return 0, "", err
	}
	var raw uint64
	if len(p) == 8 {
		raw = f.ByteOrder.Uint64(p)
	} else {
		raw = uint64(f.ByteOrder.Uint32(p))
	}
	if !f.HasFixups() {
		return raw, "", nil
	}
	dcf, err := f.DyldChainedFixups()
	if err != nil {
		log.WithError(err).Debug("chained fixups unavailable, using raw pointer")
		return raw, "", nil
	}
	base := f.GetBaseAddress()
	if fixup, ok := dcf.GetFixupAt(addr - base); ok {
		switch fx := fixup.(type) {
		case fixupchains.Rebase:
			return fx.Address(base), "", nil
		case fixupchains.Bind:
			return 0, fx.Import, nil
		}
	}
	return raw, "", nil
}

// Segment returns the first Segment with the given name, or nil if no such segment exists.
func (f *File) Segment(name string) *Segment {
	for _, l := range f.Loads {
		if s, ok := l.(*Segment); ok && s.Name == name {
			return s
		}
	}
	return nil
}

// Segments returns all Segments.
func (f *File) Segments() []*Segment {
	var segs []*Segment
	for _, l := range f.Loads {
		if s, ok := l.(*Segment); ok {
			segs = append(segs, s)
		}
	}
	return segs
}

// Section returns the section with the given name in the given segment,
// or nil if no such section exists.
func (f *File) Section(segment, section string) *Section {
	for _, sec := range f.Sections {
		if sec.Seg == segment && sec.Name == section {
			return sec
		}
	}
	return nil
}

// FindSegmentForVMAddr returns the segment containing a given virtual memory address.
func (f *File) FindSegmentForVMAddr(vmAddr uint64) *Segment {
	for _, seg := range f.Segments() {
		if seg.contains(vmAddr) {
			return seg
		}
	}
	return nil
}

// FindSectionForVMAddr returns the section containing a given virtual memory address.
func (f *File) FindSectionForVMAddr(vmAddr uint64) *Section {
	for _, sec := range f.Sections {
		if sec.contains(vmAddr) {
			return sec
		}
	}
	return nil
}

// UUID returns the UUID load command, or nil if no UUID exists.
func (f *File) UUID() *UUID {
	for _, l := range f.Loads {
		if u, ok := l.(*UUID); ok {
			return u
		}
	}
	return nil
}

// DylibID returns the dylib ID load command, or nil if no dylib ID exists.
func (f *File) DylibID() *DylibID {
	for _, l := range f.Loads {
		if s, ok := l.(*DylibID); ok {
			return s
		}
	}
	return nil
}

// SourceVersion returns the source version load command, or nil if no source version exists.
func (f *File) SourceVersion() *SourceVersion {
	for _, l := range f.Loads {
		if s, ok := l.(*SourceVersion); ok {
			return s
		}
	}
	return nil
}

// BuildVersion returns the build version load command, or nil if no build version exists.
func (f *File) BuildVersion() *BuildVersion {
	for _, l := range f.Loads {
		if s, ok := l.(*BuildVersion); ok {
			return s
		}
	}
	return nil
}

// CodeSignature returns the code signature load command, or nil if none exists.
func (f *File) CodeSignature() *CodeSignature {
	for _, l := range f.Loads {
		if s, ok := l.(*CodeSignature); ok {
			return s
		}
	}
	return nil
}

// EncryptionInfo returns the encryption info load command, or nil if none exists.
func (f *File) EncryptionInfo() *EncryptionInfo {
	for _, l := range f.Loads {
		if s, ok := l.(*EncryptionInfo); ok {
			return s
		}
	}
	return nil
}

// IsEncrypted reports whether any section is covered by an active encryption range.
func (f *File) IsEncrypted() bool {
	for _, sec := range f.Sections {
		if sec.Encrypted {
			return true
		}
	}
	return false
}

// ImportedLibraries returns the paths of all libraries
// referred to by the binary f that are expected to be
// linked with the binary at dynamic link time.
func (f *File) ImportedLibraries() []string {
	var all []string
	for _, l := range f.Loads {
		switch lib := l.(type) {
		case *Dylib:
			all = append(all, lib.Name)
		case *WeakDylib:
			all = append(all, lib.Name)
		case *ReExportDylib:
			all = append(all, lib.Name)
		}
	}
	return all
}

// Rpaths returns the LC_RPATH entries.
func (f *File) Rpaths() []string {
	var all []string
	for _, l := range f.Loads {
		if r, ok := l.(*Rpath); ok {
			all = append(all, r.Path)
		}
	}
	return all
}

func (f *File) HasFixups() bool {
	for _, l := range f.Loads {
		if _, ok := l.(*DyldChainedFixups); ok {
			return true
		}
	}
	return false
}

// vmOffsetReader reads image bytes addressed by their offset from the base address.
type vmOffsetReader struct{ f *File }

func (r vmOffsetReader) ReadAt(p []byte, off int64) (int, error) {
	foff, err := r.f.GetOffset(r.f.GetBaseAddress() + uint64(off))
	if err != nil {
		return 0, err
	}
	return r.f.ReadAt(p, int64(foff))
}

// DyldChainedFixups returns the dyld chained fixups. The payload is parsed once.
func (f *File) DyldChainedFixups() (*fixupchains.DyldChainedFixups, error) {
	f.dcfOnce.Do(func() {
		for _, l := range f.Loads {
			if dcfLC, ok := l.(*DyldChainedFixups); ok {
				data := make([]byte, dcfLC.Size)
				if _, err := f.ReadAt(data, int64(dcfLC.Offset)); err != nil {
					f.dcfErr = fmt.Errorf("failed to read DyldChainedFixups data at offset=%#x; %w", int64(dcfLC.Offset), err)
					return
				}
				f.dcf, f.dcfErr = fixupchains.NewChainedFixups(data, vmOffsetReader{f}, f.ByteOrder).Parse()
				return
			}
		}
		f.dcfErr = fmt.Errorf("macho does not contain LC_DYLD_CHAINED_FIXUPS")
	})
	return f.dcf, f.dcfErr
}

// maxDWARFSection bounds the inflated size claimed by a ZLIB section header.
const maxDWARFSection = 1 << 30

// inflateDWARF decompresses a "ZLIB" + big-endian uint64 size section.
func inflateDWARF(b []byte) ([]byte, error) {
	dlen := binary.BigEndian.Uint64(b[4:12])
	if dlen > maxDWARFSection {
		return nil, fmt.Errorf("compressed DWARF section claims %d bytes (max %d)", dlen, maxDWARFSection)
	}
	r, err := zlib.NewReader(bytes.NewReader(b[12:]))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	dat, err := io.ReadAll(io.LimitReader(r, int64(dlen)))
	if err != nil {
		return nil, err
	}
	if uint64(len(dat)) != dlen {
		return nil, fmt.Errorf("compressed DWARF section inflated to %d bytes, header claims %d", len(dat), dlen)
	}
	return dat, nil
}

// DWARF returns the DWARF debug information for the Mach-O file.
func (f *File) DWARF() (*dwarf.Data, error) {
	dwarfSuffix := func(s *Section) string {
		switch {
		case strings.HasPrefix(s.Name, "__debug_"):
			return s.Name[8:]
		case strings.HasPrefix(s.Name, "__zdebug_"):
			return s.Name[9:]
		case strings.HasPrefix(s.Name, "__apple_"):
			return s.Name[8:]
		default:
			return ""
		}
	}
	sectionData := func(s *Section) ([]byte, error) {
		b, err := s.Data()
		if err != nil && uint64(len(b)) < s.Size {
			return nil, err
		}
		if len(b) >= 12 && string(b[:4]) == "ZLIB" {
			return inflateDWARF(b)
		}
		return b, nil
	}

	// There are many other DWARF sections, but these
	// are the ones the dwarf package uses.
	// Don't bother loading others.
	var dat = map[string][]byte{"abbrev": nil, "info": nil, "str": nil, "line": nil, "ranges": nil}
	for _, s := range f.Sections {
		suffix := dwarfSuffix(s)
		if suffix == "" {
			continue
		}
		if _, ok := dat[suffix]; !ok {
			continue
		}
		b, err := sectionData(s)
		if err != nil {
			return nil, err
		}
		dat[suffix] = b
	}

	d, err := dwarf.New(dat["abbrev"], nil, nil, dat["info"], dat["line"], nil, dat["ranges"], dat["str"])
	if err != nil {
		return nil, err
	}

	// Look for DWARF4 .debug_types sections.
	for i, s := range f.Sections {
		if dwarfSuffix(s) != "types" {
			continue
		}
		b, err := sectionData(s)
		if err != nil {
			return nil, err
		}
		if err := d.AddTypes(fmt.Sprintf("types-%d", i), b); err != nil {
			return nil, err
		}
	}

	return d, nil
}
