package macho

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/appsworld/macho/internal/machotest"
	"github.com/appsworld/macho/types"
	"github.com/appsworld/macho/types/objc"
)

// summary flattens the model to names for comparison.
type summary struct {
	Protocols  []string
	Classes    []string
	Categories []string
	Members    map[string][]string
}

func methodNames(prefix string, ms []objc.Method) []string {
	var out []string
	for _, m := range ms {
		out = append(out, prefix+m.Name+" "+m.Types)
	}
	return out
}

func summarize(o *ObjC) summary {
	s := summary{Members: make(map[string][]string)}
	for _, p := range o.Protocols {
		s.Protocols = append(s.Protocols, p.String())
		var m []string
		m = append(m, methodNames("-", p.InstanceMethods)...)
		for _, prop := range p.Properties {
			m = append(m, "@property "+prop.Attributes.String()+" "+prop.Type.Decl(prop.Name))
		}
		s.Members[p.Name] = m
	}
	for _, c := range o.Classes {
		s.Classes = append(s.Classes, c.String())
		var m []string
		for _, iv := range c.Ivars {
			m = append(m, iv.String())
		}
		m = append(m, methodNames("+", c.ClassMethods)...)
		m = append(m, methodNames("-", c.InstanceMethods)...)
		for _, prop := range c.Properties {
			m = append(m, "@property "+prop.Attributes.String()+" "+prop.Type.Decl(prop.Name))
		}
		s.Members[c.Name] = m
	}
	for _, c := range o.Categories {
		s.Categories = append(s.Categories, c.String())
		s.Members[c.Key()] = methodNames("-", c.InstanceMethods)
	}
	return s
}

func TestGetObjC(t *testing.T) {
	want := summary{
		Protocols:  []string{"@protocol Greeter"},
		Classes:    []string{"@interface Base", "@interface Derived : Base <Greeter>"},
		Categories: []string{"@interface Derived (Extras)"},
		Members: map[string][]string{
			"Greeter": {
				"-greet: " + machotest.GreetExtendedTypes,
				"@property (copy, nonatomic) NSString * name",
			},
			"Base": {
				"int _count;",
				"+shared @16@0:8",
				"-count i16@0:8",
				"@property (readonly, nonatomic) int count",
			},
			"Derived": {
				"struct CGRect { struct CGPoint { double x0; double x1; } x0; struct CGSize { double x0; double x1; } x1; } _frame;",
				"-greet: " + machotest.GreetTypes,
			},
			"Derived(Extras)": {"-extra v16@0:8"},
		},
	}

	tests := []struct {
		name string
		cpu  types.CPU
		sub  types.CPUSubtype
		kind machotest.MethodListKind
	}{
		{"arm64 big methods", types.CPUArm64, types.CPUSubtypeArm64All, machotest.BigMethods},
		{"arm64 small methods", types.CPUArm64, types.CPUSubtypeArm64All, machotest.SmallMethods},
		{"arm64 small direct methods", types.CPUArm64, types.CPUSubtypeArm64All, machotest.SmallDirectMethods},
		{"x86_64", types.CPUAmd64, types.CPUSubtypeX8664All, machotest.BigMethods},
		{"armv7", types.CPUArm, types.CPUSubtypeArmV7, machotest.BigMethods},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := openImage(t, machotest.Sample(tt.cpu, tt.sub, tt.kind))
			if !f.HasObjC() {
				t.Fatal("HasObjC() = false")
			}
			o, err := f.GetObjC()
			if err != nil {
				t.Fatalf("GetObjC() error = %v", err)
			}
			if len(o.Skipped) > 0 {
				t.Fatalf("unexpected skipped records: %v", o.Skipped)
			}
			if !o.HasRuntimeInfo() {
				t.Error("HasRuntimeInfo() = false")
			}
			if o.ImageInfo == nil {
				t.Error("ImageInfo = nil")
			}
			if diff := cmp.Diff(want, summarize(o)); diff != "" {
				t.Errorf("GetObjC() mismatch (-want +got):\n%s", diff)
			}

			base := o.Classes[0]
			if !base.IsRoot() || base.Ivars[0].Offset != 8 || base.Ivars[0].Size != 4 {
				t.Errorf("Base = root %v ivar %+v", base.IsRoot(), base.Ivars[0])
			}
			if base.InstanceMethods[0].ImpVMAddr == 0 {
				t.Error("count has no implementation address")
			}
			if n := base.InstanceMethods[0].NumberOfArguments(); n != 2 {
				t.Errorf("NumberOfArguments() = %d, want 2", n)
			}
			if !base.ClassMethods[0].IsClassMethod {
				t.Error("shared is not a class method")
			}
			greet := o.Protocols[0].InstanceMethods[0]
			if got := greet.Type.Params[2].Type.Name; got != "NSString" {
				t.Errorf("extended parameter class = %q, want NSString", got)
			}
		})
	}
}

func TestGetObjCNoMetadata(t *testing.T) {
	f := openImage(t, machotest.New(types.CPUArm64, types.CPUSubtypeArm64All))
	o, err := f.GetObjC()
	if err != nil {
		t.Fatalf("GetObjC() error = %v", err)
	}
	if o.HasRuntimeInfo() || len(o.Skipped) > 0 || o.ImageInfo != nil {
		t.Errorf("GetObjC() = %+v, want an empty result", o)
	}
}

func TestGetObjCSkipsDanglingRecord(t *testing.T) {
	im := machotest.New(types.CPUArm64, types.CPUSubtypeArm64All)
	im.AddClass(machotest.Class{Name: "Good", Root: true})
	// class_t whose data pointer lands outside every section
	d := im.Data()
	d.Align(8)
	bad := d.Append(im.Ptrs(0, 0, 0, 0, 0x300000000))
	im.ClassList().Append(im.Ptrs(bad))
	im.AddClass(machotest.Class{Name: "AlsoGood", Root: true})

	f := openImage(t, im)
	o, err := f.GetObjC()
	if err != nil {
		t.Fatalf("GetObjC() error = %v", err)
	}
	var names []string
	for _, c := range o.Classes {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"Good", "AlsoGood"}, names); diff != "" {
		t.Errorf("classes mismatch (-want +got):\n%s", diff)
	}
	if len(o.Skipped) != 1 {
		t.Fatalf("Skipped = %v, want one record", o.Skipped)
	}
	var dp *DanglingPointerError
	if !errors.As(o.Skipped[0], &dp) {
		t.Fatalf("Skipped[0] = %v, want *DanglingPointerError", o.Skipped[0])
	}
	if dp.Addr != 0x300000000 || dp.Field != "data" || dp.Record == "" {
		t.Errorf("DanglingPointerError = %+v", dp)
	}
}

func TestGetObjCBadSuperclass(t *testing.T) {
	im := machotest.New(types.CPUArm64, types.CPUSubtypeArm64All)
	im.AddClass(machotest.Class{Name: "Orphan", Super: 0x100000010})
	f := openImage(t, im)
	o, err := f.GetObjC()
	if err != nil {
		t.Fatalf("GetObjC() error = %v", err)
	}
	if len(o.Classes) != 0 || len(o.Skipped) != 1 {
		t.Fatalf("classes = %d skipped = %v", len(o.Classes), o.Skipped)
	}
	var dp *DanglingPointerError
	if !errors.As(o.Skipped[0], &dp) || dp.Record != "class Orphan" || dp.Field != "superclass" {
		t.Errorf("Skipped[0] = %v", o.Skipped[0])
	}
}

func TestGetObjCEncrypted(t *testing.T) {
	im := machotest.Sample(types.CPUArm64, types.CPUSubtypeArm64All, machotest.BigMethods)
	im.Encrypt(im.Const(), 1)
	f := openImage(t, im)

	o, err := f.GetObjC()
	if err != nil {
		t.Fatalf("GetObjC() error = %v", err)
	}
	if len(o.Classes) != 0 {
		t.Errorf("got %d classes from encrypted records", len(o.Classes))
	}
	if len(o.Skipped) == 0 {
		t.Fatal("no skipped records")
	}
	for _, err := range o.Skipped {
		var ee *EncryptedSectionError
		if !errors.As(err, &ee) {
			t.Errorf("skipped error %v is not an *EncryptedSectionError", err)
		}
	}
}

func TestGetObjCEncryptedList(t *testing.T) {
	im := machotest.Sample(types.CPUArm64, types.CPUSubtypeArm64All, machotest.BigMethods)
	im.Encrypt(im.ClassList(), 1)
	f := openImage(t, im)

	o, err := f.GetObjC()
	if err != nil {
		t.Fatalf("GetObjC() error = %v", err)
	}
	if len(o.Classes) != 0 || len(o.Protocols) != 1 {
		t.Errorf("classes = %d protocols = %d", len(o.Classes), len(o.Protocols))
	}
	if len(o.Skipped) != 1 {
		t.Fatalf("Skipped = %v, want one entry", o.Skipped)
	}
}

func TestGetObjCTruncatedIsFatal(t *testing.T) {
	im := machotest.Sample(types.CPUArm64, types.CPUSubtypeArm64All, machotest.BigMethods)
	dat := im.Bytes()
	dat = dat[:im.Const().Offset+8]
	f, err := NewFile(bytes.NewReader(dat))
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	_, err = f.GetObjC()
	var te *TruncatedImageError
	if !errors.As(err, &te) {
		t.Fatalf("GetObjC() error = %v, want *TruncatedImageError", err)
	}
}

func TestGetObjCSwiftMetadataOnly(t *testing.T) {
	im := machotest.New(types.CPUArm64, types.CPUSubtypeArm64All)
	im.AddClass(machotest.Class{Name: "_TtC3App4Node", Root: true, Swift: true})
	f := openImage(t, im)
	o, err := f.GetObjC()
	if err != nil {
		t.Fatalf("GetObjC() error = %v", err)
	}
	c := o.Classes[0]
	if !c.IsSwiftStable || !c.MetadataOnly {
		t.Errorf("class = %+v, want a stable Swift metadata-only class", c)
	}
}

type countingDecoder struct {
	types, methods atomic.Int32
}

func (d *countingDecoder) Type(enc string) *objc.Node {
	d.types.Add(1)
	return objc.DefaultDecoder.Type(enc)
}

func (d *countingDecoder) Method(enc string) *objc.MethodType {
	d.methods.Add(1)
	return objc.DefaultDecoder.Method(enc)
}

func TestGetObjCUsesDecoder(t *testing.T) {
	f := openImage(t, machotest.Sample(types.CPUArm64, types.CPUSubtypeArm64All, machotest.BigMethods))
	dec := &countingDecoder{}
	if _, err := f.GetObjC(ObjCConfig{Decoder: dec}); err != nil {
		t.Fatalf("GetObjC() error = %v", err)
	}
	if dec.types.Load() == 0 || dec.methods.Load() == 0 {
		t.Errorf("decoder calls: types=%d methods=%d", dec.types.Load(), dec.methods.Load())
	}
}
