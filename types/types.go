package types

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

type VmProtection int32

func (v VmProtection) Read() bool {
	return (v & 0x01) != 0
}

func (v VmProtection) Write() bool {
	return (v & 0x02) != 0
}

func (v VmProtection) Execute() bool {
	return (v & 0x04) != 0
}

func (v VmProtection) String() string {
	var protStr string
	if v.Read() {
		protStr += "r"
	} else {
		protStr += "-"
	}
	if v.Write() {
		protStr += "w"
	} else {
		protStr += "-"
	}
	if v.Execute() {
		protStr += "x"
	} else {
		protStr += "-"
	}
	return protStr
}

// UUID is a macho uuid object
type UUID [16]byte

func (u UUID) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X-%02X%02X-%02X%02X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		u[0], u[1], u[2], u[3], u[4], u[5], u[6], u[7], u[8], u[9], u[10], u[11], u[12], u[13], u[14], u[15])
}

// Platform is a macho platform object
type Platform uint32

const (
	unknown          Platform = 0
	macOS            Platform = 1  // PLATFORM_MACOS
	iOS              Platform = 2  // PLATFORM_IOS
	tvOS             Platform = 3  // PLATFORM_TVOS
	watchOS          Platform = 4  // PLATFORM_WATCHOS
	bridgeOS         Platform = 5  // PLATFORM_BRIDGEOS
	macCatalyst      Platform = 6  // PLATFORM_MACCATALYST
	iOSSimulator     Platform = 7  // PLATFORM_IOSSIMULATOR
	tvOSSimulator    Platform = 8  // PLATFORM_TVOSSIMULATOR
	watchOSSimulator Platform = 9  // PLATFORM_WATCHOSSIMULATOR
	driverKit        Platform = 10 // PLATFORM_DRIVERKIT
)

var platformStrings = []intName{
	{uint32(unknown), "unknown"},
	{uint32(macOS), "macOS"},
	{uint32(iOS), "iOS"},
	{uint32(tvOS), "tvOS"},
	{uint32(watchOS), "watchOS"},
	{uint32(bridgeOS), "bridgeOS"},
	{uint32(macCatalyst), "macCatalyst"},
	{uint32(iOSSimulator), "iOS Simulator"},
	{uint32(tvOSSimulator), "tvOS Simulator"},
	{uint32(watchOSSimulator), "watchOS Simulator"},
	{uint32(driverKit), "DriverKit"},
}

func (p Platform) String() string { return stringName(uint32(p), platformStrings, false) }

type Version uint32

func (v Version) String() string {
	s := make([]byte, 4)
	binary.BigEndian.PutUint32(s, uint32(v))
	return fmt.Sprintf("%d.%d.%d", binary.BigEndian.Uint16(s[:2]), s[2], s[3])
}

type SrcVersion uint64

func (sv SrcVersion) String() string {
	a := sv >> 40
	b := (sv >> 30) & 0x3ff
	c := (sv >> 20) & 0x3ff
	d := (sv >> 10) & 0x3ff
	e := sv & 0x3ff
	return fmt.Sprintf("%d.%d.%d.%d.%d", a, b, c, d, e)
}

type intName struct {
	i uint32
	s string
}

func stringName(i uint32, names []intName, goSyntax bool) string {
	for _, n := range names {
		if n.i == i {
			if goSyntax {
				return "macho." + n.s
			}
			return n.s
		}
	}
	return "0x" + strconv.FormatUint(uint64(i), 16)
}

// PutAtMost16Bytes copies name into b without overflowing a 16 byte name field.
func PutAtMost16Bytes(b []byte, n string) {
	for i := range n { // at most 16 bytes
		if i == 16 {
			break
		}
		b[i] = n[i]
	}
}
