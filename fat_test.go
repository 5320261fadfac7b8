package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/appsworld/macho/internal/machotest"
	"github.com/appsworld/macho/types"
)

// recordingReader remembers every byte range read through it.
type recordingReader struct {
	r  *bytes.Reader
	mu sync.Mutex
	// reads holds [off, off+len) pairs
	reads [][2]int64
}

func (rr *recordingReader) ReadAt(p []byte, off int64) (int, error) {
	rr.mu.Lock()
	rr.reads = append(rr.reads, [2]int64{off, off + int64(len(p))})
	rr.mu.Unlock()
	return rr.r.ReadAt(p, off)
}

func (rr *recordingReader) Size() int64 { return rr.r.Size() }

func twoArchFat(t *testing.T) []byte {
	t.Helper()
	arm := machotest.New(types.CPUArm64, types.CPUSubtypeArm64All)
	arm.AddClass(machotest.Class{Name: "ArmOnly", Root: true})
	x86 := machotest.New(types.CPUAmd64, types.CPUSubtypeX8664All)
	x86.AddClass(machotest.Class{Name: "IntelOnly", Root: true})
	return machotest.Fat(
		machotest.FatSlice{CPU: types.CPUArm64, SubCPU: types.CPUSubtypeArm64All, Data: arm.Bytes()},
		machotest.FatSlice{CPU: types.CPUAmd64, SubCPU: types.CPUSubtypeX8664All, Data: x86.Bytes()},
	)
}

func TestLoadSelectsRequestedArch(t *testing.T) {
	dat := twoArchFat(t)
	tests := []struct {
		name      string
		want      []Arch
		wantCPU   types.CPU
		wantClass string
		wantErr   error
	}{
		{"arm64", []Arch{{types.CPUArm64, types.CPUSubtypeArm64All}}, types.CPUArm64, "ArmOnly", nil},
		{"x86_64", []Arch{{types.CPUAmd64, types.CPUSubtypeX8664All}}, types.CPUAmd64, "IntelOnly", nil},
		{"first match wins", []Arch{{types.CPUArm, types.CPUSubtypeArmV7}, {types.CPUAmd64, types.CPUSubtypeX8664All}}, types.CPUAmd64, "IntelOnly", nil},
		{"missing", []Arch{{types.CPUArm, types.CPUSubtypeArmV7}}, 0, "", ErrNoMatchingArch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := LoadSlice(bytes.NewReader(dat), int64(len(dat)), tt.want...)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("LoadSlice() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadSlice() error = %v", err)
			}
			if f.CPU != tt.wantCPU {
				t.Errorf("CPU = %s, want %s", f.CPU, tt.wantCPU)
			}
			o, err := f.GetObjC()
			if err != nil {
				t.Fatalf("GetObjC() error = %v", err)
			}
			if len(o.Classes) != 1 || o.Classes[0].Name != tt.wantClass {
				t.Errorf("classes = %v, want [%s]", o.Classes, tt.wantClass)
			}
		})
	}
}

func TestLoadDefaultPrefers64Bit(t *testing.T) {
	arm32 := machotest.New(types.CPUArm, types.CPUSubtypeArmV7)
	arm64 := machotest.New(types.CPUArm64, types.CPUSubtypeArm64All)
	dat := machotest.Fat(
		machotest.FatSlice{CPU: types.CPUArm, SubCPU: types.CPUSubtypeArmV7, Data: arm32.Bytes()},
		machotest.FatSlice{CPU: types.CPUArm64, SubCPU: types.CPUSubtypeArm64All, Data: arm64.Bytes()},
	)
	f, err := LoadSlice(bytes.NewReader(dat), int64(len(dat)))
	if err != nil {
		t.Fatalf("LoadSlice() error = %v", err)
	}
	if f.CPU != types.CPUArm64 {
		t.Errorf("CPU = %s, want arm64", f.CPU)
	}
	if f.PointerSize() != 8 {
		t.Errorf("PointerSize() = %d, want 8", f.PointerSize())
	}
}

func TestLoadReadsOnlyRequestedSlice(t *testing.T) {
	dat := twoArchFat(t)
	slices, err := Slices(bytes.NewReader(dat), int64(len(dat)))
	if err != nil {
		t.Fatalf("Slices() error = %v", err)
	}
	if len(slices) != 2 {
		t.Fatalf("got %d slices, want 2", len(slices))
	}
	other := slices[0] // arm64

	rr := &recordingReader{r: bytes.NewReader(dat)}
	f, err := LoadSlice(rr, rr.Size(), Arch{types.CPUAmd64, types.CPUSubtypeX8664All})
	if err != nil {
		t.Fatalf("LoadSlice() error = %v", err)
	}
	if _, err := f.GetObjC(); err != nil {
		t.Fatalf("GetObjC() error = %v", err)
	}
	lo, hi := int64(other.Offset), int64(other.Offset)+int64(other.Size)
	for _, r := range rr.reads {
		if r[0] < hi && lo < r[1] {
			t.Fatalf("read [%#x, %#x) overlaps the arm64 slice [%#x, %#x)", r[0], r[1], lo, hi)
		}
	}
}

func TestSlicesThin(t *testing.T) {
	dat := machotest.New(types.CPUArm64, types.CPUSubtypeArm64E).Bytes()
	slices, err := Slices(bytes.NewReader(dat), int64(len(dat)))
	if err != nil {
		t.Fatalf("Slices() error = %v", err)
	}
	want := []Arch{{types.CPUArm64, types.CPUSubtypeArm64E}}
	var got []Arch
	for _, s := range slices {
		got = append(got, s.Arch())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Slices() mismatch (-want +got):\n%s", diff)
	}
	if got[0].String() != "arm64e" {
		t.Errorf("Arch.String() = %q, want arm64e", got[0].String())
	}
}

func fatHeader(narch uint32, arches ...[5]uint32) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, []uint32{uint32(types.MagicFat), narch})
	for _, a := range arches {
		binary.Write(&buf, binary.BigEndian, a[:])
	}
	out := make([]byte, 0x2000)
	copy(out, buf.Bytes())
	return out
}

func TestSlicesRejectsBadHeaders(t *testing.T) {
	tests := []struct {
		name string
		dat  []byte
	}{
		{"no images", fatHeader(0)},
		{"too many arches", fatHeader(maxFatArches + 1)},
		{"past end of file", fatHeader(1, [5]uint32{uint32(types.CPUArm64), 0, 0x1000, 0x2000, 12})},
		{"duplicate", fatHeader(2,
			[5]uint32{uint32(types.CPUArm64), 0, 0x1000, 0x100, 12},
			[5]uint32{uint32(types.CPUArm64), 0, 0x1000, 0x100, 12})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Slices(bytes.NewReader(tt.dat), int64(len(tt.dat)))
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("Slices() error = %v, want *FormatError", err)
			}
		})
	}
}

func TestNotMachO(t *testing.T) {
	tests := []struct {
		name string
		dat  []byte
	}{
		{"archive", []byte("!<arch>\nfoo.o/          0           0     0     644     8         `\n")},
		{"text", []byte("hello, world\n")},
		{"short", []byte{0xca}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSlice(bytes.NewReader(tt.dat), int64(len(tt.dat)))
			var nm *NotMachOError
			if !errors.As(err, &nm) {
				t.Fatalf("LoadSlice() error = %v, want *NotMachOError", err)
			}
		})
	}
}

func TestNewFatFile(t *testing.T) {
	dat := twoArchFat(t)
	ff, err := NewFatFile(bytes.NewReader(dat))
	if err != nil {
		t.Fatalf("NewFatFile() error = %v", err)
	}
	var got []string
	for _, fa := range ff.Arches {
		got = append(got, fa.File.Arch().String())
	}
	if diff := cmp.Diff([]string{"arm64", "x86_64"}, got); diff != "" {
		t.Errorf("arches mismatch (-want +got):\n%s", diff)
	}

	thin := machotest.New(types.CPUArm64, 0).Bytes()
	if _, err := NewFatFile(bytes.NewReader(thin)); err != ErrNotFat {
		t.Errorf("NewFatFile(thin) error = %v, want ErrNotFat", err)
	}
}

func TestParseArch(t *testing.T) {
	for _, name := range []string{"arm64", "arm64e", "x86_64", "armv7", "i386"} {
		a, err := ParseArch(name)
		if err != nil {
			t.Fatalf("ParseArch(%q) error = %v", name, err)
		}
		if a.String() != name {
			t.Errorf("ParseArch(%q).String() = %q", name, a.String())
		}
	}
	if _, err := ParseArch("sparc"); err == nil {
		t.Error("ParseArch(sparc) succeeded")
	}
}
