package visitor

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/appsworld/macho/types/objc"
)

type recorder struct {
	Base
	events []string
	chain  []string
}

func (r *recorder) WillBeginVisiting(res Resolver) {
	r.events = append(r.events, "begin")
	r.chain = res.SuperclassChain("Leaf")
}
func (r *recorder) DidEndVisiting() { r.events = append(r.events, "end") }
func (r *recorder) WillVisitProtocol(p *objc.Protocol) {
	r.events = append(r.events, "protocol "+p.Name)
}
func (r *recorder) WillVisitClass(c *objc.Class) { r.events = append(r.events, "class "+c.Name) }
func (r *recorder) WillVisitCategory(c *objc.Category) {
	r.events = append(r.events, "category "+c.Key())
}
func (r *recorder) VisitIvar(iv *objc.Ivar) { r.events = append(r.events, "  ivar "+iv.Name) }
func (r *recorder) VisitMethod(m *objc.Method, opt bool) {
	prefix := "-"
	if m.IsClassMethod {
		prefix = "+"
	}
	if opt {
		prefix = "?" + prefix
	}
	r.events = append(r.events, "  "+prefix+m.Name)
}
func (r *recorder) VisitProperty(p *objc.Property, class bool) {
	r.events = append(r.events, fmt.Sprintf("  property %s class=%v", p.Name, class))
}

func testModel() Model {
	classes := []*objc.Class{
		{Name: "Zebra", SuperClass: "Leaf"},
		{
			Name:            "Leaf",
			SuperClass:      "Middle",
			Ivars:           []objc.Ivar{{Name: "_a"}, {Name: "_b"}},
			InstanceMethods: []objc.Method{{Name: "run"}},
			ClassMethods:    []objc.Method{{Name: "make", IsClassMethod: true}},
			Properties:      []objc.Property{{Name: "a"}},
		},
		{Name: "Middle", SuperClass: "Root"},
		{Name: "Root", SuperClass: "NSObject"},
	}
	cats := []*objc.Category{
		{Name: "Z", Class: "Leaf"},
		{Name: "Extras", Class: "NSString"},
		{Name: "A", Class: "Leaf", InstanceMethods: []objc.Method{{Name: "extra"}}},
		{Name: "B", Class: "NSArray"},
	}
	protos := []*objc.Protocol{
		{
			Name:                    "Proto",
			InstanceMethods:         []objc.Method{{Name: "req"}},
			ClassMethods:            []objc.Method{{Name: "creq", IsClassMethod: true}},
			OptionalInstanceMethods: []objc.Method{{Name: "opt"}},
			OptionalClassMethods:    []objc.Method{{Name: "copt", IsClassMethod: true}},
			Properties:              []objc.Property{{Name: "p"}},
			ClassProperties:         []objc.Property{{Name: "cp"}},
		},
		{Name: "Alpha"},
	}
	return NewModel(classes, cats, protos)
}

func TestWalkOrder(t *testing.T) {
	want := []string{
		"begin",
		"protocol Alpha",
		"protocol Proto",
		"  +creq",
		"  -req",
		"  ?+copt",
		"  ?-opt",
		"  property cp class=true",
		"  property p class=false",
		"class Leaf",
		"  ivar _a",
		"  ivar _b",
		"  +make",
		"  -run",
		"  property a class=false",
		"category Leaf(A)",
		"  -extra",
		"category Leaf(Z)",
		"class Middle",
		"class Root",
		"class Zebra",
		"category NSArray(B)",
		"category NSString(Extras)",
		"end",
	}
	r := &recorder{}
	if err := Walk(testModel(), r); err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if diff := cmp.Diff(want, r.events); diff != "" {
		t.Errorf("Walk() order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Middle", "Root", "NSObject"}, r.chain); diff != "" {
		t.Errorf("SuperclassChain() mismatch (-want +got):\n%s", diff)
	}
}

func TestWalkIsDeterministic(t *testing.T) {
	var first []string
	for i := 0; i < 5; i++ {
		r := &recorder{}
		if err := Walk(testModel(), r); err != nil {
			t.Fatalf("Walk() error = %v", err)
		}
		if i == 0 {
			first = r.events
			continue
		}
		if diff := cmp.Diff(first, r.events); diff != "" {
			t.Fatalf("run %d differs (-first +got):\n%s", i, diff)
		}
	}
}

func TestWalkFilter(t *testing.T) {
	tests := []struct {
		name  string
		opts  []Option
		want  []string
		isErr bool
	}{
		{
			name: "classes only",
			opts: []Option{WithFilter(func(e Entity) bool { return e.Kind == KindClass })},
			want: []string{"class Leaf", "class Middle", "class Root", "class Zebra"},
		},
		{
			name: "force by glob",
			opts: []Option{
				WithFilter(func(e Entity) bool { return e.Name == "Root" }),
				WithForce("Z*", "NSStr?ng"),
			},
			want: []string{"class Root", "class Zebra", "category NSString(Extras)"},
		},
		{
			name: "force category through its class",
			opts: []Option{
				WithFilter(func(Entity) bool { return false }),
				WithForce("Leaf"),
			},
			want: []string{"class Leaf", "category Leaf(A)", "category Leaf(Z)"},
		},
		{
			name:  "bad pattern",
			opts:  []Option{WithForce("[")},
			isErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			err := Walk(testModel(), r, tt.opts...)
			if (err != nil) != tt.isErr {
				t.Fatalf("Walk() error = %v, wantErr %v", err, tt.isErr)
			}
			if tt.isErr {
				return
			}
			var got []string
			for _, e := range r.events {
				if len(e) > 0 && e[0] != ' ' && e != "begin" && e != "end" {
					got = append(got, e)
				}
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Walk() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSuperclassChainCycle(t *testing.T) {
	m := NewModel([]*objc.Class{
		{Name: "A", SuperClass: "B"},
		{Name: "B", SuperClass: "C"},
		{Name: "C", SuperClass: "A"},
	}, nil, nil)
	got := NewResolver(m).SuperclassChain("A")
	if diff := cmp.Diff([]string{"B", "C"}, got); diff != "" {
		t.Errorf("SuperclassChain() mismatch (-want +got):\n%s", diff)
	}
	if got := NewResolver(m).SuperclassChain("Missing"); got != nil {
		t.Errorf("SuperclassChain(Missing) = %v, want nil", got)
	}
}
