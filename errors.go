package macho

import (
	"errors"
	"fmt"
)

// ErrNotFat is returned from NewFatFile or OpenFat when the file is not a
// universal binary but may be a thin binary, based on its magic number.
var ErrNotFat = &FormatError{0, "not a fat Mach-O file", nil}

// ErrNoMatchingArch is returned when none of the requested architectures is present.
var ErrNoMatchingArch = errors.New("no matching architecture")

// FormatError is returned by some operations if the data does
// not have the correct format for an object file.
type FormatError struct {
	off int64
	msg string
	val interface{}
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// NotMachOError is returned when the input is neither a thin Mach-O image nor a fat archive.
type NotMachOError struct {
	Path  string
	Magic uint32
}

func (e *NotMachOError) Error() string {
	return fmt.Sprintf("Input file (%s) is neither a Mach-O file nor a fat archive.", e.Path)
}

// TruncatedImageError is returned when a read would extend past the end of the image slice.
type TruncatedImageError struct {
	Off  int64
	Len  int
	Size int64
}

func (e *TruncatedImageError) Error() string {
	return fmt.Sprintf("truncated image: read of %d bytes at offset %#x exceeds slice size %#x", e.Len, e.Off, e.Size)
}

// EncryptedSectionError is returned when a read lands inside a section covered
// by an active LC_ENCRYPTION_INFO range.
type EncryptedSectionError struct {
	Segment string
	Section string
	Addr    uint64
}

func (e *EncryptedSectionError) Error() string {
	return fmt.Sprintf("address %#x is inside encrypted section %s.%s", e.Addr, e.Segment, e.Section)
}

// DanglingPointerError is returned when a metadata pointer does not land inside
// a mapped section, or a list it heads runs past its section.
type DanglingPointerError struct {
	Addr   uint64
	Record string
	Field  string
}

func (e *DanglingPointerError) Error() string {
	if e.Record == "" {
		return fmt.Sprintf("dangling pointer %#x", e.Addr)
	}
	if e.Field == "" {
		return fmt.Sprintf("dangling pointer %#x in %s", e.Addr, e.Record)
	}
	return fmt.Sprintf("dangling pointer %#x in %s.%s", e.Addr, e.Record, e.Field)
}

// annotate fills in the record and field of a DanglingPointerError, leaving
// every other error untouched.
func annotate(err error, record, field string) error {
	var dp *DanglingPointerError
	if errors.As(err, &dp) {
		cp := *dp
		if cp.Record == "" {
			cp.Record = record
		}
		if cp.Field == "" {
			cp.Field = field
		}
		return &cp
	}
	return err
}
