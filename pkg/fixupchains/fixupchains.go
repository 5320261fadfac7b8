// Package fixupchains decodes the LC_DYLD_CHAINED_FIXUPS payload and walks the
// pointer chains it describes.
package fixupchains

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

const startsInSegmentSize = 22

// DyldChainedFixups is a parsed LC_DYLD_CHAINED_FIXUPS payload.
type DyldChainedFixups struct {
	DyldChainedFixupsHeader
	Starts  []DyldChainedStarts
	Imports []Import

	fixups map[uint64]Fixup

	r  *bytes.Reader
	sr io.ReaderAt
	bo binary.ByteOrder
}

// NewChainedFixups creates a new DyldChainedFixups instance.
//
// lcdat is the linkedit payload the load command points at; sr reads image
// bytes addressed by their offset from the image base.
func NewChainedFixups(lcdat []byte, sr io.ReaderAt, bo binary.ByteOrder) *DyldChainedFixups {
	return &DyldChainedFixups{
		r:  bytes.NewReader(lcdat),
		sr: sr,
		bo: bo,
	}
}

// Parse parses a LC_DYLD_CHAINED_FIXUPS load command
func (dcf *DyldChainedFixups) Parse() (*DyldChainedFixups, error) {
	if dcf.Starts == nil {
		if err := dcf.ParseStarts(); err != nil {
			return nil, err
		}
	}

	if err := dcf.parseImports(); err != nil {
		return nil, err
	}

	dcf.fixups = make(map[uint64]Fixup)

	for segIdx, start := range dcf.Starts {
		if start.PageStarts == nil {
			continue
		}
		for pageIndex := uint16(0); pageIndex < start.PageCount; pageIndex++ {
			offsetInPage := start.PageStarts[pageIndex]
			if offsetInPage == DYLD_CHAINED_PTR_START_NONE {
				continue
			}
			if offsetInPage&DYLD_CHAINED_PTR_START_MULTI != 0 && start.PointerFormat.is32() {
				// 32-bit chains which may need multiple starts per page
				overflowIndex := int(offsetInPage & ^DYLD_CHAINED_PTR_START_MULTI)
				for chainEnd := false; !chainEnd; overflowIndex++ {
					if overflowIndex >= len(start.PageStarts) {
						return nil, fmt.Errorf("chain start index %d out of range for segment %d", overflowIndex, segIdx)
					}
					chainEnd = start.PageStarts[overflowIndex]&DYLD_CHAINED_PTR_START_LAST != 0
					offsetInPage = start.PageStarts[overflowIndex] & ^DYLD_CHAINED_PTR_START_LAST
					if err := dcf.walkDcFixupChain(segIdx, pageIndex, offsetInPage); err != nil {
						return nil, err
					}
				}
				continue
			}
			// one chain per page
			if err := dcf.walkDcFixupChain(segIdx, pageIndex, offsetInPage); err != nil {
				return nil, err
			}
		}
	}

	return dcf, nil
}

// ParseStarts parses the DyldChainedStartsInSegment(s)
func (dcf *DyldChainedFixups) ParseStarts() error {
	if err := binary.Read(dcf.r, dcf.bo, &dcf.DyldChainedFixupsHeader); err != nil {
		return fmt.Errorf("failed to read chained fixups header: %v", err)
	}

	if _, err := dcf.r.Seek(int64(dcf.StartsOffset), io.SeekStart); err != nil {
		return err
	}

	var segCount uint32
	if err := binary.Read(dcf.r, dcf.bo, &segCount); err != nil {
		return fmt.Errorf("failed to read starts_in_image: %v", err)
	}
	if uint64(segCount)*4 > uint64(dcf.r.Len()) {
		return fmt.Errorf("invalid chained fixups segment count %d", segCount)
	}

	dcf.Starts = make([]DyldChainedStarts, segCount)
	segInfoOffsets := make([]uint32, segCount)
	if err := binary.Read(dcf.r, dcf.bo, &segInfoOffsets); err != nil {
		return err
	}

	for segIdx, segInfoOffset := range segInfoOffsets {
		if segInfoOffset == 0 {
			continue
		}
		if _, err := dcf.r.Seek(int64(dcf.StartsOffset)+int64(segInfoOffset), io.SeekStart); err != nil {
			return err
		}
		start := &dcf.Starts[segIdx]
		if err := binary.Read(dcf.r, dcf.bo, &start.DyldChainedStartsInSegment); err != nil {
			return fmt.Errorf("failed to read starts_in_segment %d: %v", segIdx, err)
		}
		// 32-bit formats keep their overflow chain starts after page_start[]
		count := int(start.PageCount)
		if extra := (int(start.Size) - startsInSegmentSize) / 2; extra > count {
			count = extra
		}
		if count*2 > dcf.r.Len() {
			return fmt.Errorf("page starts for segment %d overrun the fixups payload", segIdx)
		}
		start.PageStarts = make([]DCPtrStart, count)
		if err := binary.Read(dcf.r, dcf.bo, &start.PageStarts); err != nil {
			return err
		}
	}

	return nil
}

func (dcf *DyldChainedFixups) walkDcFixupChain(segIdx int, pageIndex uint16, offsetInPage DCPtrStart) error {
	start := &dcf.Starts[segIdx]
	format := start.PointerFormat
	pageContentStart := start.SegmentOffset + uint64(pageIndex)*uint64(start.PageSize)

	var next uint64
	maxSteps := uint64(start.PageSize) + 1
	for step := uint64(0); ; step++ {
		if step > maxSteps {
			return fmt.Errorf("fixup chain in segment %d page %d does not terminate", segIdx, pageIndex)
		}
		fixupLocation := pageContentStart + uint64(offsetInPage) + next

		var raw uint64
		if format.is32() {
			var buf [4]byte
			if _, err := dcf.sr.ReadAt(buf[:], int64(fixupLocation)); err != nil {
				return fmt.Errorf("failed to read chained pointer at %#x: %v", fixupLocation, err)
			}
			raw = uint64(dcf.bo.Uint32(buf[:]))
		} else {
			var buf [8]byte
			if _, err := dcf.sr.ReadAt(buf[:], int64(fixupLocation)); err != nil {
				return fmt.Errorf("failed to read chained pointer at %#x: %v", fixupLocation, err)
			}
			raw = dcf.bo.Uint64(buf[:])
		}

		fixup, stride, err := dcf.decode(format, fixupLocation, raw)
		if err != nil {
			return err
		}
		start.Fixups = append(start.Fixups, fixup)
		dcf.fixups[fixupLocation] = fixup

		if stride == 0 {
			return nil
		}
		next += stride * format.stride()
	}
}

// decode turns one raw chained pointer into a Fixup and returns the distance
// (in strides) to the next pointer in the chain.
func (dcf *DyldChainedFixups) decode(format DCPtrKind, loc, raw uint64) (Fixup, uint64, error) {
	switch {
	case format.is32():
		var next uint64
		switch format {
		case DYLD_CHAINED_PTR_32_CACHE:
			next = ExtractBits(raw, 30, 2)
			return Rebase{Location: loc, Pointer: raw, Format: format, Target: ExtractBits(raw, 0, 30)}, next, nil
		case DYLD_CHAINED_PTR_32_FIRMWARE:
			next = ExtractBits(raw, 26, 6)
			return Rebase{Location: loc, Pointer: raw, Format: format, Target: ExtractBits(raw, 0, 26), VMAddr: true}, next, nil
		}
		next = ExtractBits(raw, 26, 5)
		if ExtractBits(raw, 31, 1) != 0 {
			b, err := dcf.bind(format, loc, raw, uint32(ExtractBits(raw, 0, 20)), int64(ExtractBits(raw, 20, 6)), false)
			return b, next, err
		}
		return Rebase{Location: loc, Pointer: raw, Format: format, Target: ExtractBits(raw, 0, 26), VMAddr: true}, next, nil

	case format == DYLD_CHAINED_PTR_64 || format == DYLD_CHAINED_PTR_64_OFFSET:
		next := ExtractBits(raw, 51, 12)
		if ExtractBits(raw, 63, 1) != 0 {
			b, err := dcf.bind(format, loc, raw, uint32(ExtractBits(raw, 0, 24)), int64(ExtractBits(raw, 24, 8)), false)
			return b, next, err
		}
		return Rebase{
			Location: loc,
			Pointer:  raw,
			Format:   format,
			Target:   ExtractBits(raw, 0, 36),
			High8:    ExtractBits(raw, 36, 8),
			VMAddr:   format.unauthVMAddr(),
		}, next, nil

	case format == DYLD_CHAINED_PTR_64_KERNEL_CACHE || format == DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		return Rebase{
			Location:  loc,
			Pointer:   raw,
			Format:    format,
			Target:    ExtractBits(raw, 0, 30),
			Auth:      ExtractBits(raw, 63, 1) != 0,
			Diversity: ExtractBits(raw, 32, 16),
			Key:       ExtractBits(raw, 49, 2),
		}, ExtractBits(raw, 51, 12), nil

	case format.isArm64e():
		next := ExtractBits(raw, 51, 11)
		isBind := ExtractBits(raw, 62, 1) != 0
		isAuth := ExtractBits(raw, 63, 1) != 0
		ordinalBits := int32(16)
		if format == DYLD_CHAINED_PTR_ARM64E_USERLAND24 {
			ordinalBits = 24
		}
		switch {
		case isBind && isAuth:
			b, err := dcf.bind(format, loc, raw, uint32(ExtractBits(raw, 0, ordinalBits)), 0, true)
			return b, next, err
		case isBind:
			addend := signExtend(ExtractBits(raw, 32, 19), 19)
			b, err := dcf.bind(format, loc, raw, uint32(ExtractBits(raw, 0, ordinalBits)), addend, false)
			return b, next, err
		case isAuth:
			return Rebase{
				Location:  loc,
				Pointer:   raw,
				Format:    format,
				Target:    ExtractBits(raw, 0, 32),
				Auth:      true,
				Diversity: ExtractBits(raw, 32, 16),
				Key:       ExtractBits(raw, 49, 2),
			}, next, nil
		}
		return Rebase{
			Location: loc,
			Pointer:  raw,
			Format:   format,
			Target:   ExtractBits(raw, 0, 43),
			High8:    ExtractBits(raw, 43, 8),
			VMAddr:   format.unauthVMAddr(),
		}, next, nil
	}

	return nil, 0, fmt.Errorf("unknown pointer format %#04X", uint16(format))
}

func (dcf *DyldChainedFixups) bind(format DCPtrKind, loc, raw uint64, ordinal uint32, addend int64, auth bool) (Bind, error) {
	if int(ordinal) >= len(dcf.Imports) {
		return Bind{}, fmt.Errorf("bind ordinal %d at %#x out of range (%d imports)", ordinal, loc, len(dcf.Imports))
	}
	return Bind{
		Location: loc,
		Pointer:  raw,
		Format:   format,
		Ordinal:  ordinal,
		Addend:   addend + dcf.Imports[ordinal].Addend,
		Import:   dcf.Imports[ordinal].Name,
		Auth:     auth,
	}, nil
}

func (dcf *DyldChainedFixups) parseImports() error {
	if dcf.SymbolsFormat != DC_SFORMAT_UNCOMPRESSED {
		return fmt.Errorf("unsupported chained fixups symbols format %d", dcf.SymbolsFormat)
	}
	if _, err := dcf.r.Seek(int64(dcf.ImportsOffset), io.SeekStart); err != nil {
		return err
	}

	type rawImport struct {
		libOrdinal int
		weak       bool
		nameOffset uint64
		addend     int64
	}
	var imports []rawImport

	for i := uint32(0); i < dcf.ImportsCount; i++ {
		switch dcf.ImportsFormat {
		case DC_IMPORT, DC_IMPORT_ADDEND:
			var v uint32
			if err := binary.Read(dcf.r, dcf.bo, &v); err != nil {
				return fmt.Errorf("failed to read import %d: %v", i, err)
			}
			imp := rawImport{
				libOrdinal: int(int8(ExtractBits(uint64(v), 0, 8))),
				weak:       ExtractBits(uint64(v), 8, 1) != 0,
				nameOffset: ExtractBits(uint64(v), 9, 23),
			}
			if dcf.ImportsFormat == DC_IMPORT_ADDEND {
				var addend int32
				if err := binary.Read(dcf.r, dcf.bo, &addend); err != nil {
					return fmt.Errorf("failed to read import %d addend: %v", i, err)
				}
				imp.addend = int64(addend)
			}
			imports = append(imports, imp)
		case DC_IMPORT_ADDEND64:
			var v struct {
				Import uint64
				Addend uint64
			}
			if err := binary.Read(dcf.r, dcf.bo, &v); err != nil {
				return fmt.Errorf("failed to read import %d: %v", i, err)
			}
			imports = append(imports, rawImport{
				libOrdinal: int(int16(ExtractBits(v.Import, 0, 16))),
				weak:       ExtractBits(v.Import, 16, 1) != 0,
				nameOffset: ExtractBits(v.Import, 32, 32),
				addend:     int64(v.Addend),
			})
		default:
			return fmt.Errorf("unknown imports format %d", dcf.ImportsFormat)
		}
	}

	dcf.Imports = make([]Import, 0, len(imports))
	for _, i := range imports {
		name, err := dcf.readSymbol(uint64(dcf.SymbolsOffset) + i.nameOffset)
		if err != nil {
			return err
		}
		dcf.Imports = append(dcf.Imports, Import{
			Name:       name,
			LibOrdinal: i.libOrdinal,
			Weak:       i.weak,
			Addend:     i.addend,
		})
	}

	return nil
}

func (dcf *DyldChainedFixups) readSymbol(off uint64) (string, error) {
	if off >= uint64(dcf.r.Size()) {
		return "", fmt.Errorf("failed to read string at: %d: out of range", off)
	}
	buf := make([]byte, dcf.r.Size()-int64(off))
	if _, err := dcf.r.ReadAt(buf, int64(off)); err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read string at: %d: %v", off, err)
	}
	end := bytes.IndexByte(buf, 0)
	if end < 0 {
		return "", fmt.Errorf("failed to read string at: %d: missing terminator", off)
	}
	return string(buf[:end]), nil
}

// GetFixupAt returns the fixup located at off (an offset from the image base).
func (dcf *DyldChainedFixups) GetFixupAt(off uint64) (Fixup, bool) {
	if dcf == nil || dcf.fixups == nil {
		return nil, false
	}
	f, ok := dcf.fixups[off]
	return f, ok
}

// IsBind returns the bind located at off, if any.
func (dcf *DyldChainedFixups) IsBind(off uint64) (*Bind, bool) {
	f, ok := dcf.GetFixupAt(off)
	if !ok {
		return nil, false
	}
	if b, ok := f.(Bind); ok {
		return &b, true
	}
	return nil, false
}

// Fixups returns every fixup ordered by location.
func (dcf *DyldChainedFixups) Fixups() []Fixup {
	var out []Fixup
	for _, s := range dcf.Starts {
		out = append(out, s.Fixups...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset() < out[j].Offset() })
	return out
}
