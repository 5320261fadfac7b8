package symbols

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"unicode"

	"github.com/google/go-cmp/cmp"

	"github.com/appsworld/macho/pkg/visitor"
	"github.com/appsworld/macho/types/objc"
)

func generate(t *testing.T, conf Config, m visitor.Model) *Generator {
	t.Helper()
	g, err := New(conf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := visitor.Walk(m, g); err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	return g
}

func keys(m map[string]string) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func prop(name, attrs string) objc.Property {
	return objc.Property{Name: name, EncodedAttributes: attrs, Attributes: objc.ParsePropertyAttributes(attrs)}
}

func TestClassFilterAndIgnore(t *testing.T) {
	m := visitor.NewModel([]*objc.Class{
		{Name: "FooBar", SuperClass: "NSObject"},
		{Name: "FooBaz", SuperClass: "FooBar"},
		{Name: "FooInternal", SuperClass: "NSObject"},
		{Name: "Other", SuperClass: "NSObject"},
	}, nil, nil)
	g := generate(t, Config{ClassFilter: []string{"Foo*"}, IgnoreSymbols: []string{"FooInternal"}}, m)

	got := g.Map()
	if diff := cmp.Diff([]string{"FooBar", "FooBaz"}, keys(got)); diff != "" {
		t.Fatalf("renamed symbols mismatch (-want +got):\n%s", diff)
	}
	for old, n := range got {
		if n == "FooInternal" || n == "Other" || n == "NSObject" {
			t.Errorf("%s renamed to the reserved name %s", old, n)
		}
		if len(n) != defaultNameLength || !unicode.IsUpper(rune(n[0])) {
			t.Errorf("%s renamed to %q, want a %d character capitalized name", old, n, defaultNameLength)
		}
	}
}

func TestDeterministic(t *testing.T) {
	model := func() visitor.Model {
		return visitor.NewModel([]*objc.Class{
			{Name: "Alpha", Ivars: []objc.Ivar{{Name: "_state"}}},
			{Name: "Beta"},
		}, []*objc.Category{{Name: "Extras", Class: "NSString"}}, []*objc.Protocol{{Name: "Delegate"}})
	}
	a := generate(t, Config{Seed: 7}, model())
	b := generate(t, Config{Seed: 7}, model())
	if diff := cmp.Diff(a.Symbols(), b.Symbols()); diff != "" {
		t.Errorf("same seed differs (-first +second):\n%s", diff)
	}
	c := generate(t, Config{Seed: 8}, model())
	if cmp.Equal(a.Map(), c.Map()) {
		t.Error("different seeds produced the same names")
	}
	want := []string{"Alpha", "Beta", "Delegate", "Extras", "_state"}
	if diff := cmp.Diff(want, keys(a.Map())); diff != "" {
		t.Errorf("renamed symbols mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(a.Map()["_state"], "_") {
		t.Errorf("ivar renamed to %q, want a leading underscore", a.Map()["_state"])
	}
}

func TestInjective(t *testing.T) {
	var classes []*objc.Class
	for i := 0; i < 500; i++ {
		classes = append(classes, &objc.Class{
			Name:  fmt.Sprintf("Class%03d", i),
			Ivars: []objc.Ivar{{Name: fmt.Sprintf("_ivar%03d", i)}},
		})
	}
	g := generate(t, Config{NameLength: 4}, visitor.NewModel(classes, nil, nil))
	if errs := g.Errors(); len(errs) > 0 {
		t.Fatalf("Errors() = %v", errs)
	}
	seen := make(map[string]string)
	for _, r := range g.Symbols() {
		if prev, ok := seen[r.New]; ok {
			t.Fatalf("%s and %s both renamed to %s", prev, r.Old, r.New)
		}
		seen[r.New] = r.Old
	}
	for _, r := range g.Symbols() {
		if _, ok := seen[r.Old]; ok {
			t.Errorf("%s is both an input and an output name", r.Old)
		}
	}
	if len(seen) != 1000 {
		t.Errorf("renamed %d symbols, want 1000", len(seen))
	}
}

func TestReferencesOutsideModel(t *testing.T) {
	m := visitor.NewModel(
		[]*objc.Class{{Name: "View", SuperClass: "UIView", Protocols: []string{"NSCoding"}}},
		[]*objc.Category{{Name: "Helpers", Class: "NSString", Protocols: []string{"NSCopying"}}},
		nil,
	)
	g := generate(t, Config{}, m)
	if diff := cmp.Diff([]string{"Helpers", "View"}, keys(g.Map())); diff != "" {
		t.Errorf("renamed symbols mismatch (-want +got):\n%s", diff)
	}
}

func TestMembers(t *testing.T) {
	model := func() visitor.Model {
		return visitor.NewModel([]*objc.Class{
			{
				Name:            "Counter",
				Ivars:           []objc.Ivar{{Name: "_count"}, {Name: "_cache"}},
				InstanceMethods: []objc.Method{{Name: "count"}, {Name: "setCount:"}, {Name: "addValue:times:"}},
				Properties:      []objc.Property{prop("count", "Tq,N,V_count")},
			},
			{
				Name:            "Sealed",
				InstanceMethods: []objc.Method{{Name: "reset"}},
			},
			{
				Name:            "Other",
				InstanceMethods: []objc.Method{{Name: "reset"}},
			},
		}, nil, nil)
	}

	t.Run("without members", func(t *testing.T) {
		g := generate(t, Config{IgnoreSymbols: []string{"Sealed"}}, model())
		if diff := cmp.Diff([]string{"Counter", "Other", "_cache"}, keys(g.Map())); diff != "" {
			t.Errorf("renamed symbols mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("with members", func(t *testing.T) {
		g := generate(t, Config{IgnoreSymbols: []string{"Sealed"}, RenameMembers: true}, model())
		got := g.Map()
		want := []string{"Counter", "Other", "_cache", "_count", "addValue", "count", "setCount", "times"}
		if diff := cmp.Diff(want, keys(got)); diff != "" {
			t.Fatalf("renamed symbols mismatch (-want +got):\n%s", diff)
		}
		n := got["count"]
		if got["_count"] != "_"+n {
			t.Errorf("_count renamed to %q, want %q", got["_count"], "_"+n)
		}
		if want := "set" + strings.ToUpper(n[:1]) + n[1:]; got["setCount"] != want {
			t.Errorf("setCount renamed to %q, want %q", got["setCount"], want)
		}
		for _, r := range g.Symbols() {
			if r.Old == "count" && r.Kind != KindProperty {
				t.Errorf("count renamed as %s, want property", r.Kind)
			}
		}
	})
}

func TestTypeReferencesAreReserved(t *testing.T) {
	g0, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	taken := g0.candidate("FooBar", 0, true)

	tests := []struct {
		name  string
		class *objc.Class
	}{
		{"ivar class", &objc.Class{Name: "Ext", Ivars: []objc.Ivar{{Name: "_v", Type: objc.Parse(`@"` + taken + `"`)}}}},
		{"ivar struct field", &objc.Class{Name: "Ext", Ivars: []objc.Ivar{{Name: "_v", Type: objc.Parse(`{Box="` + taken + `"i}`)}}}},
		{"method struct", &objc.Class{Name: "Ext", InstanceMethods: []objc.Method{{Name: "m:", Type: objc.DecodeMethod("v24@0:8{" + taken + "=i}16")}}}},
		{"property protocol", &objc.Class{Name: "Ext", Properties: []objc.Property{{Name: "p", Type: objc.Parse(`@"NSObject<` + taken + `>"`)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := visitor.NewModel([]*objc.Class{{Name: "FooBar"}, tt.class}, nil, nil)
			g := generate(t, Config{ClassFilter: []string{"Foo*"}}, m)
			got := g.Map()
			if _, ok := got["FooBar"]; !ok {
				t.Fatalf("FooBar not renamed: %v", got)
			}
			if got["FooBar"] == taken {
				t.Errorf("FooBar renamed to %s, a name still referenced by %s", taken, tt.class.Name)
			}
			if _, ok := got[taken]; ok {
				t.Errorf("type reference %s renamed", taken)
			}
		})
	}

	t.Run("model class in a type", func(t *testing.T) {
		m := visitor.NewModel([]*objc.Class{
			{Name: "FooBar"},
			{Name: "FooUser", Ivars: []objc.Ivar{{Name: "_bar", Type: objc.Parse(`@"FooBar"`)}}},
		}, nil, nil)
		g := generate(t, Config{ClassFilter: []string{"Foo*"}}, m)
		if _, ok := g.Map()["FooBar"]; !ok {
			t.Errorf("FooBar not renamed: %v", g.Map())
		}
	})
}

func TestSelectorPieces(t *testing.T) {
	m := visitor.NewModel([]*objc.Class{{
		Name: "Widget",
		InstanceMethods: []objc.Method{
			{Name: ".cxx_destruct"},
			{Name: ".cxx_construct"},
			{Name: "dealloc"},
			{Name: "init"},
			{Name: "description"},
			{Name: "initWithFrame:"},
			{Name: "refresh"},
		},
		Properties: []objc.Property{prop("hash", "TQ,R,N")},
	}}, nil, nil)
	g := generate(t, Config{RenameMembers: true}, m)

	if diff := cmp.Diff([]string{"Widget", "initWithFrame", "refresh"}, keys(g.Map())); diff != "" {
		t.Errorf("renamed symbols mismatch (-want +got):\n%s", diff)
	}
	for _, line := range strings.Split(strings.TrimSpace(g.Defines()), "\n") {
		f := strings.Fields(line)
		if len(f) != 3 || f[0] != "#define" || !isIdentifier(f[1]) || !isIdentifier(f[2]) {
			t.Errorf("invalid define %q", line)
		}
	}
}

func TestAmbiguousRename(t *testing.T) {
	var classes []*objc.Class
	for i := 0; i < 30; i++ {
		classes = append(classes, &objc.Class{Name: fmt.Sprintf("Class%02d", i)})
	}
	g := generate(t, Config{NameLength: 1, MaxAttempts: 3}, visitor.NewModel(classes, nil, nil))

	renamed, errs := g.Map(), g.Errors()
	if len(renamed) > 26 {
		t.Errorf("renamed %d symbols with one letter names", len(renamed))
	}
	if len(errs) < 4 {
		t.Fatalf("Errors() = %d, want at least 4", len(errs))
	}
	if len(renamed)+len(errs) != len(classes) {
		t.Errorf("renamed %d + failed %d != %d", len(renamed), len(errs), len(classes))
	}
	for _, err := range errs {
		var ae *AmbiguousRenameError
		if !errors.As(err, &ae) {
			t.Fatalf("error %v is not an *AmbiguousRenameError", err)
		}
		if ae.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", ae.Attempts)
		}
		if _, ok := renamed[ae.Name]; ok {
			t.Errorf("%s both renamed and reported ambiguous", ae.Name)
		}
	}
}

func TestDefinesPadding(t *testing.T) {
	m := visitor.NewModel([]*objc.Class{{Name: "One"}, {Name: "Two"}}, nil, nil)
	tests := []struct {
		name    string
		padding int
		lines   int
	}{
		{name: "no padding", padding: 0, lines: 2},
		{name: "padded", padding: 5, lines: 5},
		{name: "smaller than renames", padding: 1, lines: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := generate(t, Config{Padding: tt.padding}, m)
			lines := strings.Split(strings.TrimSuffix(g.Defines(), "\n"), "\n")
			if len(lines) != tt.lines {
				t.Fatalf("Defines() has %d lines, want %d:\n%s", len(lines), tt.lines, g.Defines())
			}
			renamed := g.Map()
			for i, line := range lines {
				f := strings.Fields(line)
				if len(f) != 3 || f[0] != "#define" {
					t.Fatalf("bad define %q", line)
				}
				if i < 2 {
					if renamed[f[1]] != f[2] {
						t.Errorf("define %q does not match the map", line)
					}
					continue
				}
				if f[1] != f[2] {
					t.Errorf("padding define %q is not a no-op", line)
				}
				if f[1] == "One" || f[1] == "Two" || f[1] == renamed["One"] || f[1] == renamed["Two"] {
					t.Errorf("padding define %q reuses a symbol", line)
				}
			}
		})
	}
}

func TestWriters(t *testing.T) {
	m := visitor.NewModel([]*objc.Class{{Name: "One"}}, nil, []*objc.Protocol{{Name: "Proto"}})
	g := generate(t, Config{}, m)

	var hdr bytes.Buffer
	if err := g.WriteSymbols(&hdr); err != nil {
		t.Fatalf("WriteSymbols() error = %v", err)
	}
	for _, want := range []string{
		"#ifndef CLASSGUARD_SYMBOLS_H\n#define CLASSGUARD_SYMBOLS_H\n",
		"#define One " + g.Map()["One"] + "\n",
		"#endif // CLASSGUARD_SYMBOLS_H\n",
	} {
		if !strings.Contains(hdr.String(), want) {
			t.Errorf("WriteSymbols() output missing %q:\n%s", want, hdr.String())
		}
	}

	var js bytes.Buffer
	if err := g.WriteMap(&js); err != nil {
		t.Fatalf("WriteMap() error = %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(js.Bytes(), &got); err != nil {
		t.Fatalf("WriteMap() wrote invalid JSON: %v", err)
	}
	if diff := cmp.Diff(g.Map(), got); diff != "" {
		t.Errorf("WriteMap() mismatch (-want +got):\n%s", diff)
	}
}

func TestNewBadPattern(t *testing.T) {
	for _, conf := range []Config{{ClassFilter: []string{"["}}, {IgnoreSymbols: []string{"["}}} {
		if _, err := New(conf); err == nil {
			t.Errorf("New(%+v) succeeded", conf)
		}
	}
}
