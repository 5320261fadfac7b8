package classdump

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/appsworld/macho"
	"github.com/appsworld/macho/internal/machotest"
	"github.com/appsworld/macho/pkg/visitor"
	"github.com/appsworld/macho/types"
	"github.com/appsworld/macho/types/objc"
)

func names[T any](items []T, name func(T) string) []string {
	var out []string
	for _, it := range items {
		out = append(out, name(it))
	}
	return out
}

func classNames(s *Session) []string {
	return names(s.Classes(), func(c *objc.Class) string { return c.Name })
}

func newSession(t *testing.T, conf Config) *Session {
	t.Helper()
	s, err := New(conf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func writeFile(t *testing.T, dir, name string, dat []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, dat, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// sampleFat holds an armv7 Sample and an arm64 Sample with an extra class.
func sampleFat() []byte {
	arm64 := machotest.Sample(types.CPUArm64, types.CPUSubtypeArm64All, machotest.SmallMethods)
	arm64.AddClass(machotest.Class{Name: "Only64", Root: true})
	return machotest.Fat(
		machotest.FatSlice{CPU: types.CPUArm, SubCPU: types.CPUSubtypeArmV7, Data: machotest.Sample(types.CPUArm, types.CPUSubtypeArmV7, machotest.BigMethods).Bytes()},
		machotest.FatSlice{CPU: types.CPUArm64, SubCPU: types.CPUSubtypeArm64All, Data: arm64.Bytes()},
	)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name  string
		conf  Config
		isErr bool
	}{
		{name: "defaults", conf: Config{}},
		{name: "archs", conf: Config{Archs: []string{"arm64", "x86_64"}}},
		{name: "unknown arch", conf: Config{Archs: []string{"vax"}}, isErr: true},
		{name: "bad filter", conf: Config{ClassFilters: []string{"["}}, isErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.conf)
			if (err != nil) != tt.isErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.isErr)
			}
		})
	}
}

func TestLoadBytesSlices(t *testing.T) {
	tests := []struct {
		name    string
		archs   []string
		classes []string
		notes   int
		images  []string
	}{
		{
			name:    "default prefers 64-bit",
			classes: []string{"Base", "Derived", "Only64"},
			images:  []string{"app[arm64]"},
		},
		{
			name:    "requested arch",
			archs:   []string{"armv7"},
			classes: []string{"Base", "Derived"},
			images:  []string{"app[armv7]"},
		},
		{
			name:    "all requested slices merge",
			archs:   []string{"armv7", "arm64"},
			classes: []string{"Base", "Derived", "Only64"},
			// Greeter, Base, Derived and Derived(Extras) repeat
			notes:  4,
			images: []string{"app[armv7]", "app[arm64]"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, Config{Archs: tt.archs, Workers: 2})
			if err := s.LoadBytes(context.Background(), "app", sampleFat()); err != nil {
				t.Fatalf("LoadBytes() error = %v", err)
			}
			if diff := cmp.Diff(tt.classes, classNames(s)); diff != "" {
				t.Errorf("Classes() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.images, names(s.Images(), (*Image).Source)); diff != "" {
				t.Errorf("Images() mismatch (-want +got):\n%s", diff)
			}
			if got := len(s.Notes()); got != tt.notes {
				t.Errorf("len(Notes()) = %d, want %d: %v", got, tt.notes, s.Notes())
			}
			for _, n := range s.Notes() {
				if n.Kept != "app[armv7]" || n.Ignored != "app[arm64]" {
					t.Errorf("note %v does not keep the first slice", n)
				}
			}
		})
	}
}

func TestLoadBytesMissingArch(t *testing.T) {
	s := newSession(t, Config{Archs: []string{"x86_64"}})
	err := s.LoadBytes(context.Background(), "app", sampleFat())
	if !errors.Is(err, macho.ErrNoMatchingArch) {
		t.Fatalf("LoadBytes() error = %v, want ErrNoMatchingArch", err)
	}
}

func TestLoadFilesFirstSeenWins(t *testing.T) {
	dir := t.TempDir()
	first := machotest.Sample(types.CPUArm64, types.CPUSubtypeArm64All, machotest.BigMethods)
	second := machotest.New(types.CPUAmd64, types.CPUSubtypeX8664All)
	second.AddClass(machotest.Class{
		Name:            "Base",
		Root:            true,
		InstanceMethods: []machotest.Method{{Name: "other", Types: "v16@0:8"}},
	})
	second.AddClass(machotest.Class{Name: "Extra", Root: true})
	a := writeFile(t, dir, "a", first.Bytes())
	b := writeFile(t, dir, "b", second.Bytes())

	s := newSession(t, Config{Workers: 4})
	if err := s.LoadFiles(context.Background(), a, b); err != nil {
		t.Fatalf("LoadFiles() error = %v", err)
	}
	if diff := cmp.Diff([]string{"Base", "Derived", "Extra"}, classNames(s)); diff != "" {
		t.Errorf("Classes() mismatch (-want +got):\n%s", diff)
	}
	base := s.Class("Base")
	if base == nil || len(base.InstanceMethods) != 1 || base.InstanceMethods[0].Name != "count" {
		t.Errorf("Class(Base) = %v, want the definition from %s", base, a)
	}
	want := []Note{{Kind: visitor.KindClass, Name: "Base", Kept: a + "[arm64]", Ignored: b + "[x86_64]"}}
	if diff := cmp.Diff(want, s.Notes()); diff != "" {
		t.Errorf("Notes() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFilesIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, cpu := range []types.CPU{types.CPUArm64, types.CPUAmd64, types.CPUArm64} {
		sub := types.CPUSubtypeArm64All
		if cpu == types.CPUAmd64 {
			sub = types.CPUSubtypeX8664All
		}
		im := machotest.Sample(cpu, sub, machotest.BigMethods)
		paths = append(paths, writeFile(t, dir, string(rune('a'+i)), im.Bytes()))
	}
	var first []string
	for run := 0; run < 5; run++ {
		s := newSession(t, Config{Workers: 3})
		if err := s.LoadFiles(context.Background(), paths...); err != nil {
			t.Fatalf("LoadFiles() error = %v", err)
		}
		got := names(s.Notes(), Note.String)
		if run == 0 {
			first = got
			continue
		}
		if diff := cmp.Diff(first, got); diff != "" {
			t.Fatalf("run %d differs (-first +got):\n%s", run, diff)
		}
	}
}

func TestLoadFilesNotMachO(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good", machotest.Sample(types.CPUArm64, types.CPUSubtypeArm64All, machotest.BigMethods).Bytes())
	text := writeFile(t, dir, "notes.txt", []byte("hello, world\n"))
	lib := writeFile(t, dir, "libfoo.a", []byte("!<arch>\n/               0           0     0     0       8         `\n"))

	t.Run("batch continues", func(t *testing.T) {
		s := newSession(t, Config{})
		if err := s.LoadFiles(context.Background(), text, good, lib); err != nil {
			t.Fatalf("LoadFiles() error = %v", err)
		}
		if len(s.Classes()) != 2 {
			t.Errorf("Classes() = %v", classNames(s))
		}
		var paths []string
		for _, err := range s.Failures() {
			var nm *macho.NotMachOError
			if !errors.As(err, &nm) {
				t.Errorf("failure %v is not a *NotMachOError", err)
				continue
			}
			paths = append(paths, nm.Path)
		}
		if diff := cmp.Diff([]string{text, lib}, paths); diff != "" {
			t.Errorf("failed paths mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("nothing loaded", func(t *testing.T) {
		s := newSession(t, Config{})
		err := s.LoadFiles(context.Background(), text, filepath.Join(dir, "missing"))
		var nm *macho.NotMachOError
		if !errors.As(err, &nm) {
			t.Fatalf("LoadFiles() error = %v, want *NotMachOError", err)
		}
		if got := len(s.Failures()); got != 2 {
			t.Errorf("len(Failures()) = %d, want 2", got)
		}
	})
}

func TestLoadBytesTruncated(t *testing.T) {
	im := machotest.Sample(types.CPUArm64, types.CPUSubtypeArm64All, machotest.BigMethods)
	dat := im.Bytes()
	dat = dat[:im.Const().Offset+8]

	s := newSession(t, Config{})
	err := s.LoadBytes(context.Background(), "short", dat)
	var te *macho.TruncatedImageError
	if !errors.As(err, &te) {
		t.Fatalf("LoadBytes() error = %v, want *TruncatedImageError", err)
	}
	if sk := s.Skipped(); len(sk) != 1 || sk[0].Source != "short[arm64]" {
		t.Errorf("Skipped() = %v", sk)
	}
}

func TestFlags(t *testing.T) {
	encrypted := machotest.Sample(types.CPUArm64, types.CPUSubtypeArm64All, machotest.BigMethods)
	encrypted.Encrypt(encrypted.ClassList(), 1)

	tests := []struct {
		name    string
		image   *machotest.Image
		want    Flags
		skipped int
	}{
		{
			name:  "plain",
			image: machotest.New(types.CPUArm64, types.CPUSubtypeArm64All),
			want:  Flags{},
		},
		{
			name:  "objc",
			image: machotest.Sample(types.CPUArm64, types.CPUSubtypeArm64All, machotest.BigMethods),
			want:  Flags{ContainsObjectiveCData: true, HasRuntimeInfo: true},
		},
		{
			name:    "encrypted class list",
			image:   encrypted,
			want:    Flags{ContainsObjectiveCData: true, HasEncryptedFiles: true, HasRuntimeInfo: true},
			skipped: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, Config{})
			if err := s.LoadBytes(context.Background(), tt.name, tt.image.Bytes()); err != nil {
				t.Fatalf("LoadBytes() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, s.Flags()); diff != "" {
				t.Errorf("Flags() mismatch (-want +got):\n%s", diff)
			}
			if got := len(s.Skipped()); got != tt.skipped {
				t.Errorf("len(Skipped()) = %d, want %d", got, tt.skipped)
			}
		})
	}
}

type entityRecorder struct {
	visitor.Base
	seen []string
}

func (r *entityRecorder) WillVisitProtocol(p *objc.Protocol) {
	r.seen = append(r.seen, "protocol "+p.Name)
}
func (r *entityRecorder) WillVisitClass(c *objc.Class) { r.seen = append(r.seen, "class "+c.Name) }
func (r *entityRecorder) WillVisitCategory(c *objc.Category) {
	r.seen = append(r.seen, "category "+c.Key())
}

func TestWalk(t *testing.T) {
	tests := []struct {
		name string
		conf Config
		want []string
	}{
		{
			name: "everything",
			want: []string{"protocol Greeter", "class Base", "class Derived", "category Derived(Extras)"},
		},
		{
			name: "class filter",
			conf: Config{ClassFilters: []string{"Der*"}},
			want: []string{"class Derived", "category Derived(Extras)"},
		},
		{
			name: "forced",
			conf: Config{ClassFilters: []string{"Derived"}, ForceRecursiveAnalyze: []string{"Greeter"}},
			want: []string{"protocol Greeter", "class Derived", "category Derived(Extras)"},
		},
	}
	dat := machotest.Sample(types.CPUArm64, types.CPUSubtypeArm64All, machotest.BigMethods).Bytes()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, tt.conf)
			if err := s.LoadBytes(context.Background(), "app", dat); err != nil {
				t.Fatalf("LoadBytes() error = %v", err)
			}
			r := &entityRecorder{}
			if err := s.Walk(r); err != nil {
				t.Fatalf("Walk() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, r.seen); diff != "" {
				t.Errorf("Walk() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteDiagnostics(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "diag")
	s := newSession(t, Config{Archs: []string{"armv7", "arm64"}, DiagnosticFilesPrefix: prefix})
	if err := s.LoadBytes(context.Background(), "app", sampleFat()); err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}
	if err := s.LoadBytes(context.Background(), "junk", []byte("junk data")); err == nil {
		t.Fatal("LoadBytes(junk) succeeded")
	}
	if err := s.WriteDiagnostics(); err != nil {
		t.Fatalf("WriteDiagnostics() error = %v", err)
	}
	notes, err := os.ReadFile(prefix + "-notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(notes), "\n"); got != 4 {
		t.Errorf("notes file has %d lines, want 4:\n%s", got, notes)
	}
	if !strings.Contains(string(notes), "duplicate class Base in app[arm64] ignored, keeping the definition from app[armv7]") {
		t.Errorf("notes file missing Base:\n%s", notes)
	}
	errs, err := os.ReadFile(prefix + "-errors.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(errs), "junk") {
		t.Errorf("errors file does not name the bad input:\n%s", errs)
	}
}

func TestWriteDiagnosticsDisabled(t *testing.T) {
	s := newSession(t, Config{})
	if err := s.WriteDiagnostics(); err != nil {
		t.Errorf("WriteDiagnostics() error = %v", err)
	}
}

func TestSharedTypeCache(t *testing.T) {
	s := newSession(t, Config{TypeCacheSize: 16, Archs: []string{"armv7", "arm64"}})
	if err := s.LoadBytes(context.Background(), "app", sampleFat()); err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}
	if s.Decoder().Len() == 0 {
		t.Error("type cache is empty after loading")
	}
	if s.Decoder().Len() > 32 {
		t.Errorf("type cache holds %d entries, want at most 32", s.Decoder().Len())
	}
}
