// Package symbols assigns replacement identifiers to Objective-C symbols for
// source obfuscation.
//
// A Generator is a visitor.Visitor. Walking a model with it records every
// symbol the model uses; when the walk ends each eligible name is given a
// deterministic, unique replacement that never collides with a name the
// binary still uses.
package symbols

import (
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/apex/log"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/twmb/murmur3"

	"github.com/appsworld/macho/pkg/visitor"
	"github.com/appsworld/macho/types/objc"
)

const (
	defaultNameLength  = 10
	maxNameLength      = 14
	defaultMaxAttempts = 64
)

// Kind is the kind of a renamed symbol.
type Kind int

const (
	KindClass Kind = iota
	KindCategory
	KindProtocol
	KindIvar
	KindProperty
	KindSelector
)

func (k Kind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindCategory:
		return "category"
	case KindProtocol:
		return "protocol"
	case KindIvar:
		return "ivar"
	case KindProperty:
		return "property"
	case KindSelector:
		return "selector"
	}
	return "unknown"
}

func (k Kind) isType() bool {
	return k == KindClass || k == KindCategory || k == KindProtocol
}

// Config configures a Generator.
type Config struct {
	// ClassFilter restricts renaming to matching classes, categories and
	// protocols (names or globs) and their members. Empty renames everything.
	ClassFilter []string
	// IgnoreSymbols are names or globs that are never renamed.
	IgnoreSymbols []string
	// Padding is the minimum number of #define lines Defines emits.
	Padding int
	// NameLength is the length of generated names, at most 14.
	NameLength int
	Seed       uint64
	// MaxAttempts bounds the candidates tried for one symbol.
	MaxAttempts int
	// RenameMembers also renames properties and selector pieces.
	RenameMembers bool
}

// Rename is one assigned replacement.
type Rename struct {
	Old  string
	New  string
	Kind Kind
}

type usage struct {
	kind     Kind
	defined  bool
	eligible bool
	blocked  bool
	property bool
}

type owner struct {
	name     string
	eligible bool
}

// Generator collects symbols while visiting and renames them when the walk ends.
type Generator struct {
	visitor.Base

	conf   Config
	filter []glob.Glob
	ignore []glob.Glob

	res   visitor.Resolver
	owner owner
	names map[string]*usage

	reserved map[string]bool
	renames  []Rename
	padding  []string
	errs     []error
}

// New returns a Generator for conf.
func New(conf Config) (*Generator, error) {
	g := &Generator{conf: conf}
	if g.conf.NameLength <= 0 {
		g.conf.NameLength = defaultNameLength
	}
	if g.conf.NameLength > maxNameLength {
		g.conf.NameLength = maxNameLength
	}
	if g.conf.MaxAttempts <= 0 {
		g.conf.MaxAttempts = defaultMaxAttempts
	}
	for _, f := range conf.ClassFilter {
		gl, err := glob.Compile(f)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid class filter %q", f)
		}
		g.filter = append(g.filter, gl)
	}
	for _, f := range conf.IgnoreSymbols {
		gl, err := glob.Compile(f)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid ignore pattern %q", f)
		}
		g.ignore = append(g.ignore, gl)
	}
	return g, nil
}

func matchAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func (g *Generator) ignored(name string) bool {
	return matchAny(g.ignore, name)
}

// eligible reports whether an entity known by names may be renamed. The first
// name is the entity's own; the rest only count against the class filter.
func (g *Generator) eligible(names ...string) bool {
	if g.ignored(names[0]) {
		return false
	}
	if len(g.filter) == 0 {
		return true
	}
	for _, n := range names {
		if matchAny(g.filter, n) {
			return true
		}
	}
	return false
}

func (g *Generator) use(name string, kind Kind, eligible bool) {
	if name == "" {
		return
	}
	u, ok := g.names[name]
	if !ok {
		u = &usage{kind: kind}
		g.names[name] = u
	}
	if !u.defined {
		u.kind, u.defined = kind, true
	}
	if eligible && !g.ignored(name) && renameableMember(name, kind) {
		u.eligible = true
	} else {
		u.blocked = true
	}
}

// reference records a name the current entity points at. Names outside the
// model belong to someone else and are never renamed.
func (g *Generator) reference(name string, kind Kind, inModel bool) {
	if name == "" {
		return
	}
	if !inModel {
		g.use(name, kind, false)
		return
	}
	if _, ok := g.names[name]; !ok {
		g.names[name] = &usage{kind: kind}
	}
}

// renameableMember reports whether a member name may appear in a #define.
// Selectors owned by the runtime keep their names.
func renameableMember(name string, kind Kind) bool {
	if kind != KindSelector && kind != KindProperty {
		return true
	}
	return isIdentifier(name) && !runtimeSelectors[name]
}

func isIdentifier(name string) bool {
	for i, r := range name {
		switch {
		case r == '_', 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z':
		case i > 0 && '0' <= r && r <= '9':
		default:
			return false
		}
	}
	return name != ""
}

// types reserves the class, protocol, struct and field names a type refers
// to; they stay in the binary whatever happens to the declarations.
func (g *Generator) types(n *objc.Node) {
	if n == nil {
		return
	}
	switch n.Kind {
	case objc.KindID:
		g.reference(n.Name, KindClass, g.res.Class(n.Name) != nil)
	case objc.KindStruct, objc.KindUnion:
		if n.Name != "?" {
			g.reference(n.Name, KindClass, false)
		}
	}
	for _, p := range n.Protocols {
		g.reference(p, KindProtocol, g.res.Protocol(p) != nil)
	}
	for _, f := range n.Fields {
		g.reference(f.Name, KindIvar, false)
		g.types(f.Type)
	}
	g.types(n.Elem)
	g.types(n.Return)
	for _, p := range n.Params {
		g.types(p)
	}
}

func (g *Generator) selector(name string, eligible bool) {
	for _, piece := range strings.Split(strings.TrimSuffix(name, ":"), ":") {
		g.use(piece, KindSelector, eligible && g.conf.RenameMembers)
	}
}

func (g *Generator) WillBeginVisiting(r visitor.Resolver) {
	g.res = r
	g.names = make(map[string]*usage)
	g.renames = nil
	g.padding = nil
	g.errs = nil
}

func (g *Generator) WillVisitProtocol(p *objc.Protocol) {
	g.owner = owner{p.Name, g.eligible(p.Name)}
	g.use(p.Name, KindProtocol, g.owner.eligible)
	for _, name := range p.Protocols {
		g.reference(name, KindProtocol, g.res.Protocol(name) != nil)
	}
}

func (g *Generator) WillVisitClass(c *objc.Class) {
	g.owner = owner{c.Name, g.eligible(c.Name)}
	g.use(c.Name, KindClass, g.owner.eligible)
	g.reference(c.SuperClass, KindClass, g.res.Class(c.SuperClass) != nil)
	for _, name := range c.Protocols {
		g.reference(name, KindProtocol, g.res.Protocol(name) != nil)
	}
}

func (g *Generator) WillVisitCategory(c *objc.Category) {
	g.owner = owner{c.Key(), g.eligible(c.Name, c.Class)}
	g.use(c.Name, KindCategory, g.owner.eligible)
	g.reference(c.Class, KindClass, g.res.Class(c.Class) != nil)
	for _, name := range c.Protocols {
		g.reference(name, KindProtocol, g.res.Protocol(name) != nil)
	}
}

func (g *Generator) DidVisitProtocol(*objc.Protocol) { g.owner = owner{} }
func (g *Generator) DidVisitClass(*objc.Class)       { g.owner = owner{} }
func (g *Generator) DidVisitCategory(*objc.Category) { g.owner = owner{} }

func (g *Generator) VisitIvar(iv *objc.Ivar) {
	g.use(iv.Name, KindIvar, g.owner.eligible)
	g.types(iv.Type)
}

func (g *Generator) VisitMethod(m *objc.Method, _ bool) {
	g.selector(m.Name, g.owner.eligible)
	if m.Type != nil {
		g.types(m.Type.Return)
		for _, p := range m.Type.Params {
			g.types(p.Type)
		}
	}
}

func (g *Generator) VisitProperty(p *objc.Property, _ bool) {
	g.use(p.Name, KindProperty, g.owner.eligible && g.conf.RenameMembers)
	if u := g.names[p.Name]; u != nil {
		u.kind, u.property = KindProperty, true
	}
	g.types(p.Type)
	if p.Attributes.Getter != "" {
		g.selector(p.Attributes.Getter, g.owner.eligible)
	}
	if p.Attributes.Setter != "" {
		g.selector(p.Attributes.Setter, g.owner.eligible)
	}
	if !g.conf.RenameMembers {
		// the synthesized ivar keeps the property's name
		g.use(backingIvar(p), KindIvar, false)
	}
}

func (g *Generator) DidEndVisiting() {
	g.assign()
}

func backingIvar(p *objc.Property) string {
	if p.Attributes.Ivar != "" {
		return p.Attributes.Ivar
	}
	return "_" + p.Name
}

func setter(name string) string {
	r := []rune(name)
	r[0] = unicode.ToUpper(r[0])
	return "set" + string(r)
}

// candidate derives the attempt'th replacement for name.
func (g *Generator) candidate(name string, attempt int, upper bool) string {
	h := murmur3.SeedSum64(g.conf.Seed+uint64(attempt), []byte(name))
	first := "abcdefghijklmnopqrstuvwxyz"[h%26]
	if upper {
		first = byte(unicode.ToUpper(rune(first)))
	}
	rest := strconv.FormatUint(h/26, 36)
	if pad := maxNameLength - 1 - len(rest); pad > 0 {
		rest = strings.Repeat("0", pad) + rest
	}
	return string(first) + rest[len(rest)-(g.conf.NameLength-1):]
}

func (g *Generator) free(names ...string) bool {
	for _, n := range names {
		if g.reserved[n] || keywords[n] || g.ignored(n) {
			return false
		}
	}
	return true
}

func (g *Generator) renameable(name string) bool {
	u, ok := g.names[name]
	return ok && u.eligible && !u.blocked
}

// assign gives every renameable name a replacement, in name order so the
// result only depends on the set of names.
func (g *Generator) assign() {
	g.reserved = make(map[string]bool, len(g.names))
	var todo []string
	for name, u := range g.names {
		g.reserved[name] = true
		if u.eligible && !u.blocked {
			todo = append(todo, name)
		}
	}
	for _, name := range g.conf.IgnoreSymbols {
		g.reserved[name] = true
	}
	slices.Sort(todo)

	// a renamed property drags its ivar and setter along
	derived := make(map[string]bool)
	skip := make(map[string]bool)
	for _, name := range todo {
		if !g.names[name].property {
			continue
		}
		ivar, set := "_"+name, setter(name)
		if (g.known(ivar) && !g.renameable(ivar)) || (g.known(set) && !g.renameable(set)) {
			skip[name] = true
			continue
		}
		derived[ivar], derived[set] = true, true
	}

	for _, name := range todo {
		if derived[name] || skip[name] {
			continue
		}
		if !g.rename(name, g.names[name]) {
			err := &AmbiguousRenameError{Name: name, Attempts: g.conf.MaxAttempts}
			log.WithError(err).Warn("keeping original name")
			g.errs = append(g.errs, err)
		}
	}
	slices.SortFunc(g.renames, func(a, b Rename) int {
		return strings.Compare(a.Old, b.Old)
	})
	g.pad()
}

// pad picks unused names for the no-op defines that bring the header up to
// the configured size.
func (g *Generator) pad() {
	limit := g.conf.Padding * g.conf.MaxAttempts
	for i := 0; i < limit && len(g.renames)+len(g.padding) < g.conf.Padding; i++ {
		name := g.candidate("padding"+strconv.Itoa(i), 0, false)
		if !g.free(name) {
			continue
		}
		g.reserved[name] = true
		g.padding = append(g.padding, name)
	}
}

func (g *Generator) known(name string) bool {
	_, ok := g.names[name]
	return ok
}

func (g *Generator) rename(name string, u *usage) bool {
	for attempt := 0; attempt < g.conf.MaxAttempts; attempt++ {
		out := g.candidate(name, attempt, u.kind.isType())
		if u.kind == KindIvar && strings.HasPrefix(name, "_") {
			out = "_" + out
		}
		if !u.property {
			if !g.free(out) {
				continue
			}
			g.commit(Rename{Old: name, New: out, Kind: u.kind})
			return true
		}
		ivar, set := "_"+out, setter(out)
		if !g.free(out, ivar, set) {
			continue
		}
		g.commit(Rename{Old: name, New: out, Kind: KindProperty})
		if g.known("_" + name) {
			g.commit(Rename{Old: "_" + name, New: ivar, Kind: KindIvar})
		}
		if g.known(setter(name)) {
			g.commit(Rename{Old: setter(name), New: set, Kind: KindSelector})
		}
		return true
	}
	return false
}

func (g *Generator) commit(r Rename) {
	g.reserved[r.New] = true
	g.renames = append(g.renames, r)
	log.WithFields(log.Fields{"kind": r.Kind, "old": r.Old, "new": r.New}).Debug("renamed symbol")
}

// Symbols returns the renames sorted by original name.
func (g *Generator) Symbols() []Rename {
	return slices.Clone(g.renames)
}

// Map returns the renames as old name to new name.
func (g *Generator) Map() map[string]string {
	m := make(map[string]string, len(g.renames))
	for _, r := range g.renames {
		m[r.Old] = r.New
	}
	return m
}

// Errors returns the symbols that kept their original name.
func (g *Generator) Errors() []error {
	return slices.Clone(g.errs)
}

// runtimeSelectors are NSObject and runtime selectors that user classes
// override; renaming them would detach the override.
var runtimeSelectors = map[string]bool{
	"alloc": true, "allocWithZone": true, "init": true, "new": true, "dealloc": true, "finalize": true,
	"copy": true, "copyWithZone": true, "mutableCopy": true, "mutableCopyWithZone": true,
	"retain": true, "release": true, "autorelease": true, "retainCount": true, "zone": true,
	"load": true, "initialize": true, "class": true, "superclass": true, "self": true,
	"description": true, "debugDescription": true, "hash": true, "isEqual": true, "isProxy": true,
	"isKindOfClass": true, "isMemberOfClass": true, "conformsToProtocol": true,
	"respondsToSelector": true, "instancesRespondToSelector": true, "performSelector": true,
	"withObject": true, "methodForSelector": true, "instanceMethodForSelector": true,
	"methodSignatureForSelector": true, "instanceMethodSignatureForSelector": true,
	"forwardInvocation": true, "forwardingTargetForSelector": true, "doesNotRecognizeSelector": true,
	"resolveClassMethod": true, "resolveInstanceMethod": true, "awakeAfterUsingCoder": true,
	"replacementObjectForCoder": true, "initWithCoder": true, "encodeWithCoder": true,
	"awakeFromNib": true, "valueForKey": true, "setValue": true, "forKey": true,
}

var keywords = map[string]bool{
	"auto": true, "break": true, "case": true, "char": true, "const": true, "continue": true,
	"default": true, "do": true, "double": true, "else": true, "enum": true, "extern": true,
	"float": true, "for": true, "goto": true, "if": true, "inline": true, "int": true,
	"long": true, "register": true, "restrict": true, "return": true, "short": true,
	"signed": true, "sizeof": true, "static": true, "struct": true, "switch": true,
	"typedef": true, "union": true, "unsigned": true, "void": true, "volatile": true,
	"while": true, "_Bool": true, "_Complex": true, "_Imaginary": true,
	"id": true, "self": true, "super": true, "nil": true, "Nil": true, "YES": true, "NO": true,
	"SEL": true, "IMP": true, "Class": true, "BOOL": true, "Protocol": true, "NULL": true,
	"in": true, "out": true, "inout": true, "bycopy": true, "byref": true, "oneway": true,
	"instancetype": true, "nonnull": true, "nullable": true, "atomic": true, "nonatomic": true,
	"readonly": true, "readwrite": true, "strong": true, "weak": true, "copy": true,
	"assign": true, "retain": true, "getter": true, "setter": true,
}
