// Package visitor walks an Objective-C model in a fixed order and hands every
// protocol, class, category and member to a Visitor.
//
// Visit order:
//
//	WillBeginVisiting(resolver)
//	  WillVisitProtocol("A")            protocols, alphabetically
//	    VisitMethod / VisitProperty
//	  DidVisitProtocol("A")
//	  WillVisitClass("Base")            classes, alphabetically
//	    VisitIvar / VisitMethod / VisitProperty
//	  DidVisitClass("Base")
//	  WillVisitCategory("Base(Extras)") each class is followed by its categories
//	  DidVisitCategory("Base(Extras)")
//	  WillVisitCategory("NSString(X)")  then categories on classes outside the model
//	  DidVisitCategory("NSString(X)")
//	DidEndVisiting()
package visitor

import (
	"cmp"
	"slices"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"

	"github.com/appsworld/macho/types/objc"
)

// Visitor receives traversal callbacks. Embed Base to implement only the
// callbacks you need.
type Visitor interface {
	WillBeginVisiting(r Resolver)
	DidEndVisiting()

	WillVisitProtocol(p *objc.Protocol)
	DidVisitProtocol(p *objc.Protocol)
	WillVisitClass(c *objc.Class)
	DidVisitClass(c *objc.Class)
	WillVisitCategory(c *objc.Category)
	DidVisitCategory(c *objc.Category)

	VisitIvar(iv *objc.Ivar)
	// VisitMethod is called for every method; optional is only set for
	// @optional protocol methods.
	VisitMethod(m *objc.Method, optional bool)
	// VisitProperty is called for every property; class marks class properties.
	VisitProperty(p *objc.Property, class bool)
}

// Base is a Visitor that does nothing.
type Base struct{}

func (Base) WillBeginVisiting(Resolver)         {}
func (Base) DidEndVisiting()                    {}
func (Base) WillVisitProtocol(*objc.Protocol)   {}
func (Base) DidVisitProtocol(*objc.Protocol)    {}
func (Base) WillVisitClass(*objc.Class)         {}
func (Base) DidVisitClass(*objc.Class)          {}
func (Base) WillVisitCategory(*objc.Category)   {}
func (Base) DidVisitCategory(*objc.Category)    {}
func (Base) VisitIvar(*objc.Ivar)               {}
func (Base) VisitMethod(*objc.Method, bool)     {}
func (Base) VisitProperty(*objc.Property, bool) {}

// Model is the merged Objective-C metadata being walked.
type Model interface {
	Classes() []*objc.Class
	Categories() []*objc.Category
	Protocols() []*objc.Protocol
	Class(name string) *objc.Class
	Protocol(name string) *objc.Protocol
}

// Kind is the kind of a top level entity.
type Kind int

const (
	KindProtocol Kind = iota
	KindClass
	KindCategory
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindClass:
		return "class"
	case KindCategory:
		return "category"
	}
	return "unknown"
}

// Entity identifies a protocol, class or category for filtering. For a
// category Name is its key, e.g. "NSString(Extras)", and Class the target.
type Entity struct {
	Kind  Kind
	Name  string
	Class string
}

type options struct {
	filter func(Entity) bool
	force  []string
}

// Option configures Walk.
type Option func(*options)

// WithFilter restricts the walk to entities for which keep returns true.
func WithFilter(keep func(Entity) bool) Option {
	return func(o *options) {
		o.filter = keep
	}
}

// WithForce always visits entities matching one of the patterns, exact names
// or globs, whatever the filter says. A category matches through its class.
func WithForce(patterns ...string) Option {
	return func(o *options) {
		o.force = append(o.force, patterns...)
	}
}

type walker struct {
	v      Visitor
	filter func(Entity) bool
	force  []glob.Glob
}

func (w *walker) visible(e Entity) bool {
	for _, g := range w.force {
		if g.Match(e.Name) || (e.Kind == KindCategory && g.Match(e.Class)) {
			return true
		}
	}
	return w.filter == nil || w.filter(e)
}

// Walk visits m with v. It fails only for an invalid force pattern.
func Walk(m Model, v Visitor, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	w := &walker{v: v, filter: o.filter}
	for _, p := range o.force {
		g, err := glob.Compile(p)
		if err != nil {
			return errors.Wrapf(err, "invalid force pattern %q", p)
		}
		w.force = append(w.force, g)
	}

	protos := slices.Clone(m.Protocols())
	slices.SortStableFunc(protos, func(a, b *objc.Protocol) int {
		return cmp.Compare(a.Name, b.Name)
	})
	classes := slices.Clone(m.Classes())
	slices.SortStableFunc(classes, func(a, b *objc.Class) int {
		return cmp.Compare(a.Name, b.Name)
	})
	cats := slices.Clone(m.Categories())
	slices.SortStableFunc(cats, func(a, b *objc.Category) int {
		if c := cmp.Compare(a.Class, b.Class); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	byClass := make(map[string][]*objc.Category)
	var orphans []*objc.Category
	for _, c := range cats {
		if m.Class(c.Class) == nil {
			orphans = append(orphans, c)
			continue
		}
		byClass[c.Class] = append(byClass[c.Class], c)
	}

	v.WillBeginVisiting(NewResolver(m))
	for _, p := range protos {
		if w.visible(Entity{Kind: KindProtocol, Name: p.Name}) {
			w.protocol(p)
		}
	}
	for _, c := range classes {
		if w.visible(Entity{Kind: KindClass, Name: c.Name}) {
			w.class(c)
		}
		for _, cat := range byClass[c.Name] {
			w.category(cat)
		}
	}
	for _, cat := range orphans {
		w.category(cat)
	}
	v.DidEndVisiting()
	return nil
}

func (w *walker) methods(ms []objc.Method, optional bool) {
	for i := range ms {
		w.v.VisitMethod(&ms[i], optional)
	}
}

func (w *walker) properties(ps []objc.Property, class bool) {
	for i := range ps {
		w.v.VisitProperty(&ps[i], class)
	}
}

func (w *walker) protocol(p *objc.Protocol) {
	w.v.WillVisitProtocol(p)
	w.methods(p.ClassMethods, false)
	w.methods(p.InstanceMethods, false)
	w.methods(p.OptionalClassMethods, true)
	w.methods(p.OptionalInstanceMethods, true)
	w.properties(p.ClassProperties, true)
	w.properties(p.Properties, false)
	w.v.DidVisitProtocol(p)
}

func (w *walker) class(c *objc.Class) {
	w.v.WillVisitClass(c)
	for i := range c.Ivars {
		w.v.VisitIvar(&c.Ivars[i])
	}
	w.methods(c.ClassMethods, false)
	w.methods(c.InstanceMethods, false)
	w.properties(c.ClassProperties, true)
	w.properties(c.Properties, false)
	w.v.DidVisitClass(c)
}

func (w *walker) category(c *objc.Category) {
	if !w.visible(Entity{Kind: KindCategory, Name: c.Key(), Class: c.Class}) {
		return
	}
	w.v.WillVisitCategory(c)
	w.methods(c.ClassMethods, false)
	w.methods(c.InstanceMethods, false)
	w.properties(c.ClassProperties, true)
	w.properties(c.Properties, false)
	w.v.DidVisitCategory(c)
}
