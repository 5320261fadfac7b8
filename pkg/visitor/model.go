package visitor

import "github.com/appsworld/macho/types/objc"

// Resolver looks names up in the model being walked.
type Resolver interface {
	Class(name string) *objc.Class
	Protocol(name string) *objc.Protocol
	// SuperclassChain returns the superclass names of name, nearest first.
	// The chain stops at the first class outside the model or at a cycle.
	SuperclassChain(name string) []string
}

type resolver struct {
	m Model
}

// NewResolver returns a Resolver over m.
func NewResolver(m Model) Resolver {
	return resolver{m}
}

func (r resolver) Class(name string) *objc.Class       { return r.m.Class(name) }
func (r resolver) Protocol(name string) *objc.Protocol { return r.m.Protocol(name) }

func (r resolver) SuperclassChain(name string) []string {
	var chain []string
	seen := map[string]bool{name: true}
	for c := r.m.Class(name); c != nil && c.SuperClass != ""; c = r.m.Class(c.SuperClass) {
		if seen[c.SuperClass] {
			break
		}
		seen[c.SuperClass] = true
		chain = append(chain, c.SuperClass)
	}
	return chain
}

type model struct {
	classes    []*objc.Class
	categories []*objc.Category
	protocols  []*objc.Protocol
	classIdx   map[string]*objc.Class
	protoIdx   map[string]*objc.Protocol
}

// NewModel returns a Model over fixed lists. When names repeat the first
// definition is the one found by Class and Protocol.
func NewModel(classes []*objc.Class, categories []*objc.Category, protocols []*objc.Protocol) Model {
	m := &model{
		classes:    classes,
		categories: categories,
		protocols:  protocols,
		classIdx:   make(map[string]*objc.Class, len(classes)),
		protoIdx:   make(map[string]*objc.Protocol, len(protocols)),
	}
	for _, c := range classes {
		if _, ok := m.classIdx[c.Name]; !ok {
			m.classIdx[c.Name] = c
		}
	}
	for _, p := range protocols {
		if _, ok := m.protoIdx[p.Name]; !ok {
			m.protoIdx[p.Name] = p
		}
	}
	return m
}

func (m *model) Classes() []*objc.Class              { return m.classes }
func (m *model) Categories() []*objc.Category        { return m.categories }
func (m *model) Protocols() []*objc.Protocol         { return m.protocols }
func (m *model) Class(name string) *objc.Class       { return m.classIdx[name] }
func (m *model) Protocol(name string) *objc.Protocol { return m.protoIdx[name] }
