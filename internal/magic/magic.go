// Package magic sniffs the kind of an input file from its leading bytes.
package magic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

type Magic uint32

const (
	Magic32    Magic = 0xfeedface
	Magic64    Magic = 0xfeedfacf
	Magic32BE  Magic = 0xcefaedfe
	Magic64BE  Magic = 0xcffaedfe
	MagicFatBE Magic = 0xcafebabe
	MagicFatLE Magic = 0xbebafeca
)

// ArchiveMagic starts every ar(1) static library.
const ArchiveMagic = "!<arch>\n"

// StaticLibraryMessage is shown when a static library is given as input.
const StaticLibraryMessage = "If you are trying to obfuscate a static library, please review the " +
	"'Obfuscating Static Libraries' section of the documentation."

// Kind is the detected file kind.
type Kind int

const (
	Unknown Kind = iota
	MachO
	Fat
	Archive
)

func (k Kind) String() string {
	switch k {
	case MachO:
		return "Mach-O"
	case Fat:
		return "fat Mach-O"
	case Archive:
		return "static library"
	}
	return "unknown"
}

// Detect returns the kind of the data starting with head.
func Detect(head []byte) Kind {
	if bytes.HasPrefix(head, []byte(ArchiveMagic)) {
		return Archive
	}
	if len(head) < 4 {
		return Unknown
	}
	switch Magic(binary.LittleEndian.Uint32(head)) {
	case Magic32, Magic64, Magic32BE, Magic64BE:
		return MachO
	case MagicFatBE, MagicFatLE:
		return Fat
	}
	return Unknown
}

// DetectFile returns the kind of the file at path.
func DetectFile(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, len(ArchiveMagic))
	n, err := f.Read(head)
	if err != nil {
		return Unknown, fmt.Errorf("failed to read magic: %w", err)
	}
	return Detect(head[:n]), nil
}

// IsMachO reports whether the file at path is a thin or fat Mach-O.
func IsMachO(path string) (bool, error) {
	k, err := DetectFile(path)
	if err != nil {
		return false, err
	}
	switch k {
	case MachO, Fat:
		return true, nil
	case Archive:
		return false, fmt.Errorf("static library detected: %s", StaticLibraryMessage)
	}
	return false, fmt.Errorf("not a macho file")
}
