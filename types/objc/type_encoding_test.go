package objc

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_decodeType(t *testing.T) {
	type args struct {
		encType string
	}
	tests := []struct {
		name string
		args args
		want string
	}{
		{
			name: "Test all",
			args: args{
				encType: "^{OutterStruct=(InnerUnion=q{InnerStruct=ii})b1b2b10b1q}",
			},
			want: "struct OutterStruct { union InnerUnion { long long x0; struct InnerStruct { int x0; int x1; } x1; } x0; unsigned int x1:1; unsigned int x2:2; unsigned int x3:10; unsigned int x4:1; long long x5; } *",
		},
		{
			name: "Test array",
			args: args{
				encType: "[2^v]",
			},
			want: "void * x[2]",
		},
		{
			name: "Test bitfield",
			args: args{
				encType: "b13",
			},
			want: "unsigned int x:13",
		},
		{
			name: "Test struct",
			args: args{
				encType: "{test=@*i}",
			},
			want: "struct test { id x0; char * x1; int x2; }",
		},
		{
			name: "Test union",
			args: args{
				encType: "(?=i)",
			},
			want: "union { int x0; }",
		},
		{
			name: "Test block",
			args: args{
				encType: "@?",
			},
			want: "id /* block */",
		},
		{
			name: "Test qualified id",
			args: args{
				encType: `@"NSObject<NSCopying><NSCoding>"`,
			},
			want: "NSObject<NSCopying, NSCoding> *",
		},
		{
			name: "Test protocol only id",
			args: args{
				encType: `@"<NSCopying>"`,
			},
			want: "id<NSCopying>",
		},
		{
			name: "Test const char pointer",
			args: args{
				encType: "r*",
			},
			want: "const char *",
		},
		{
			name: "Test named fields",
			args: args{
				encType: `{CGRect="origin"{CGPoint="x"d"y"d}"size"{CGSize="width"d"height"d}}`,
			},
			want: "struct CGRect { struct CGPoint { double x; double y; } origin; struct CGSize { double width; double height; } size; }",
		},
		{
			name: "Test colon width",
			args: args{
				encType: `{flags="a"I:1"b"I:3}`,
			},
			want: "struct flags { unsigned int a:1; unsigned int b:3; }",
		},
		{
			name: "Test self reference",
			args: args{
				encType: "{Node=^{Node}i}",
			},
			want: "struct Node { struct Node * x0; int x1; }",
		},
		{
			name: "Test pointer to pointer",
			args: args{
				encType: "^*",
			},
			want: "char **",
		},
		{
			name: "Test nested array",
			args: args{
				encType: "[2[3i]]",
			},
			want: "int x[2][3]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(tt.args.encType).Decl(""); got != tt.want {
				t.Errorf("Decl() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeStruct(t *testing.T) {
	got := Parse("{Point2D=ff}")
	want := &Node{
		Kind:      KindStruct,
		Name:      "Point2D",
		HasFields: true,
		Fields: []Field{
			{Type: &Node{Kind: KindPrimitive, Code: 'f'}},
			{Type: &Node{Kind: KindPrimitive, Code: 'f'}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeConsumed(t *testing.T) {
	tests := []struct {
		enc  string
		kind Kind
		used int
	}{
		{"i16", KindPrimitive, 1},
		{`@"NSString"8`, KindID, 11},
		{"^{Foo=ii}24", KindPointer, 9},
		{"@?<v@?>0", KindBlock, 7},
		{"[4c]", KindArray, 4},
		{"rn^v", KindPointer, 4},
	}
	for _, tt := range tests {
		t.Run(tt.enc, func(t *testing.T) {
			n, used := Decode(tt.enc)
			if n.Kind != tt.kind {
				t.Errorf("Decode(%q) kind = %s, want %s", tt.enc, n.Kind, tt.kind)
			}
			if used != tt.used {
				t.Errorf("Decode(%q) consumed = %d, want %d", tt.enc, used, tt.used)
			}
		})
	}
}

func TestDecodeQualifiers(t *testing.T) {
	n := Parse("rn^v")
	if n.Qualifiers != "rn" {
		t.Errorf("Qualifiers = %q, want %q", n.Qualifiers, "rn")
	}
	if n.Kind != KindPointer || n.Elem.Kind != KindPrimitive {
		t.Errorf("unexpected node %+v", n)
	}
}

func TestDecodeUnknown(t *testing.T) {
	tests := []struct {
		name string
		enc  string
	}{
		{"unknown code", "Y"},
		{"unterminated struct", "{Foo=ii"},
		{"unterminated array", "[4i"},
		{"bitfield without width", "bx"},
		{"too deep", strings.Repeat("^", maxDecodeDepth+1) + "i"},
		{"empty", ""},
		{"trailing garbage", "ii"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Parse(tt.enc)
			if n.Kind != KindUnknown {
				t.Fatalf("Parse(%q) kind = %s, want unknown", tt.enc, n.Kind)
			}
			if n.Raw != tt.enc {
				t.Errorf("Parse(%q) raw = %q", tt.enc, n.Raw)
			}
			if !n.IsUnknown() {
				t.Error("IsUnknown() = false")
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	encodings := []string{
		"i", "Q", "*", "r*", "^v", "^^i", "[16C]", "b7",
		"{Point2D=ff}",
		"{?=i(?=qd)}",
		"{Node=^{Node}i}",
		`{CGRect="origin"{CGPoint="x"d"y"d}"size"{CGSize="width"d"height"d}}`,
		`{flags="a"I:1"b"I:3}`,
		`{Pair="key"@"NSString""value"@}`,
		`@"NSArray<NSCopying>"`,
		"@?<v@?@\"NSError\">",
		"^?", ":", "#", "Vv", "rn^{Opaque}",
		"{vector<int, std::allocator<int> >=^i^i}",
	}
	for _, enc := range encodings {
		t.Run(enc, func(t *testing.T) {
			first := Parse(enc)
			if first.IsUnknown() {
				t.Fatalf("Parse(%q) did not decode", enc)
			}
			again := Parse(Encode(first))
			if diff := cmp.Diff(first, again); diff != "" {
				t.Errorf("round trip mismatch for %q (-first +again):\n%s", enc, diff)
			}
		})
	}
}

func TestDecodeIsPure(t *testing.T) {
	enc := `{Pair="key"@"NSString""value"^{Pair}}`
	if diff := cmp.Diff(Parse(enc), Parse(enc)); diff != "" {
		t.Errorf("Parse() not deterministic:\n%s", diff)
	}
}

func TestDecodeMethod(t *testing.T) {
	tests := []struct {
		name      string
		enc       string
		wantKinds []Kind
		wantRet   Kind
		wantStack int
	}{
		{
			name:      "id self SEL int",
			enc:       "@16@0:8i16",
			wantRet:   KindID,
			wantKinds: []Kind{KindID, KindSelector, KindPrimitive},
			wantStack: 16,
		},
		{
			name:      "void no args",
			enc:       "v16@0:8",
			wantRet:   KindPrimitive,
			wantKinds: []Kind{KindID, KindSelector},
			wantStack: 16,
		},
		{
			name:      "extended types",
			enc:       `v32@0:8@"NSString"16@?<v@?>24`,
			wantRet:   KindPrimitive,
			wantKinds: []Kind{KindID, KindSelector, KindID, KindBlock},
			wantStack: 32,
		},
		{
			name:      "gnu register hints and negative offsets",
			enc:       "v12@+8:+-4i0",
			wantRet:   KindPrimitive,
			wantKinds: []Kind{KindID, KindSelector, KindPrimitive},
			wantStack: 12,
		},
		{
			name:      "unknown parameter",
			enc:       "v16@0:8Y16",
			wantRet:   KindPrimitive,
			wantKinds: []Kind{KindID, KindSelector, KindUnknown},
			wantStack: 16,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := DecodeMethod(tt.enc)
			if mt.Return.Kind != tt.wantRet {
				t.Errorf("Return kind = %s, want %s", mt.Return.Kind, tt.wantRet)
			}
			if mt.StackSize != tt.wantStack {
				t.Errorf("StackSize = %d, want %d", mt.StackSize, tt.wantStack)
			}
			var kinds []Kind
			for _, p := range mt.Params {
				kinds = append(kinds, p.Type.Kind)
			}
			if diff := cmp.Diff(tt.wantKinds, kinds); diff != "" {
				t.Errorf("param kinds mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParsePropertyAttributes(t *testing.T) {
	tests := []struct {
		name  string
		attrs string
		want  PropertyAttributes
		decl  string
	}{
		{
			name:  "copy nonatomic string",
			attrs: `T@"NSString",C,N,V_name`,
			want: PropertyAttributes{
				Type:         &Node{Kind: KindID, Name: "NSString"},
				TypeEncoding: `@"NSString"`,
				Copy:         true,
				Nonatomic:    true,
				Ivar:         "_name",
			},
			decl: "(copy, nonatomic)",
		},
		{
			name:  "readonly getter",
			attrs: "TB,R,N,GisEnabled",
			want: PropertyAttributes{
				Type:         &Node{Kind: KindPrimitive, Code: 'B'},
				TypeEncoding: "B",
				ReadOnly:     true,
				Nonatomic:    true,
				Getter:       "isEnabled",
			},
			decl: "(readonly, nonatomic, getter=isEnabled)",
		},
		{
			name:  "template with comma",
			attrs: "T{pair<int, int>=ii},&,SsetPair:",
			want: PropertyAttributes{
				Type: &Node{
					Kind:      KindStruct,
					Name:      "pair<int, int>",
					HasFields: true,
					Fields: []Field{
						{Type: &Node{Kind: KindPrimitive, Code: 'i'}},
						{Type: &Node{Kind: KindPrimitive, Code: 'i'}},
					},
				},
				TypeEncoding: "{pair<int, int>=ii}",
				Retain:       true,
				Setter:       "setPair:",
			},
			decl: "(retain, setter=setPair:)",
		},
		{
			name:  "weak dynamic",
			attrs: `T@"<Delegate>",W,D`,
			want: PropertyAttributes{
				Type:         &Node{Kind: KindID, Protocols: []string{"Delegate"}},
				TypeEncoding: `@"<Delegate>"`,
				Weak:         true,
				Dynamic:      true,
			},
			decl: "(weak)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParsePropertyAttributes(tt.attrs)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParsePropertyAttributes() mismatch (-want +got):\n%s", diff)
			}
			if s := got.String(); s != tt.decl {
				t.Errorf("String() = %q, want %q", s, tt.decl)
			}
		})
	}
}

func TestMethodDecl(t *testing.T) {
	tests := []struct {
		name string
		m    Method
		want string
	}{
		{"no args", Method{Name: "init", Type: DecodeMethod("@16@0:8")}, "(id)init"},
		{"one arg", Method{Name: "setCount:", Type: DecodeMethod("v20@0:8i16")}, "(void)setCount:(int)arg1"},
		{
			"two args",
			Method{Name: "initWithName:age:", Type: DecodeMethod(`@32@0:8@"NSString"16Q24`)},
			"(id)initWithName:(NSString *)arg1 age:(unsigned long long)arg2",
		},
		{"missing types", Method{Name: "foo:"}, "(id)foo:(id)arg1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.Decl(); got != tt.want {
				t.Errorf("Decl() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIvarBitWidth(t *testing.T) {
	iv := Ivar{Name: "_flag", Type: Parse("b3")}
	if got := iv.BitWidth(); got != 3 {
		t.Errorf("BitWidth() = %d, want 3", got)
	}
	if got := iv.String(); got != "unsigned int _flag:3;" {
		t.Errorf("String() = %q", got)
	}
}
