// Package header reconstructs Objective-C interface declarations from a
// walked model.
package header

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/appsworld/macho/pkg/visitor"
	"github.com/appsworld/macho/types/objc"
)

var colorKeyword = color.New(color.FgHiMagenta).SprintFunc()
var colorName = color.New(color.Bold, color.FgHiBlue).SprintFunc()
var colorComment = color.New(color.Faint, color.FgHiBlack).SprintFunc()

// Config configures a Writer.
type Config struct {
	// Addrs adds the record addresses as comments.
	Addrs bool
	// NoForwardDecls omits the leading @class and @protocol declarations.
	NoForwardDecls bool
}

type member struct {
	line     string
	class    bool
	optional bool
	method   bool
}

// Writer is a visitor.Visitor that writes class-dump style declarations.
type Writer struct {
	visitor.Base

	conf Config
	res  visitor.Resolver
	body bytes.Buffer

	ivars   []string
	members []member
	comment string

	classes   map[string]bool
	protocols map[string]bool
}

// New returns a Writer; call Bytes or WriteTo after walking.
func New(conf Config) *Writer {
	return &Writer{conf: conf}
}

func (w *Writer) WillBeginVisiting(r visitor.Resolver) {
	w.res = r
	w.body.Reset()
	w.classes = make(map[string]bool)
	w.protocols = make(map[string]bool)
}

// forwardClass records a name that needs a forward declaration.
func (w *Writer) forwardClass(name string) {
	if name != "" && w.res.Class(name) == nil {
		w.classes[name] = true
	}
}

func (w *Writer) forwardProtocol(name string) {
	if name != "" && w.res.Protocol(name) == nil {
		w.protocols[name] = true
	}
}

// forwardType records the classes and protocols a type refers to.
func (w *Writer) forwardType(n *objc.Node) {
	if n == nil {
		return
	}
	switch n.Kind {
	case objc.KindID:
		w.forwardClass(n.Name)
		for _, p := range n.Protocols {
			w.forwardProtocol(p)
		}
	case objc.KindPointer, objc.KindArray:
		w.forwardType(n.Elem)
	case objc.KindStruct, objc.KindUnion:
		for _, f := range n.Fields {
			w.forwardType(f.Type)
		}
	case objc.KindBlock:
		w.forwardType(n.Return)
		for _, p := range n.Params {
			w.forwardType(p)
		}
	}
}

func (w *Writer) adopts(protocols []string) string {
	if len(protocols) == 0 {
		return ""
	}
	for _, p := range protocols {
		w.forwardProtocol(p)
	}
	return fmt.Sprintf(" <%s>", strings.Join(protocols, ", "))
}

func (w *Writer) addr(vmaddr uint64) string {
	if !w.conf.Addrs {
		return ""
	}
	return " " + colorComment(fmt.Sprintf("// %#x", vmaddr))
}

func (w *Writer) WillVisitProtocol(p *objc.Protocol) {
	w.reset()
	fmt.Fprintf(&w.body, "%s %s%s%s\n\n", colorKeyword("@protocol"), colorName(p.Name), w.adopts(p.Protocols), w.addr(p.VMAddr))
}

func (w *Writer) DidVisitProtocol(*objc.Protocol) {
	props := w.take(func(m member) bool { return !m.method })
	required := w.take(func(m member) bool { return m.method && !m.optional })
	optional := w.take(func(m member) bool { return m.optional })
	w.section("", props)
	if len(required) > 0 {
		fmt.Fprintf(&w.body, "%s\n", colorKeyword("@required"))
		w.methods("required ", required)
	}
	if len(optional) > 0 {
		fmt.Fprintf(&w.body, "%s\n", colorKeyword("@optional"))
		w.methods("optional ", optional)
	}
	w.end()
}

func (w *Writer) WillVisitClass(c *objc.Class) {
	w.reset()
	w.forwardClass(c.SuperClass)
	fmt.Fprintf(&w.body, "%s %s", colorKeyword("@interface"), colorName(c.Name))
	if c.SuperClass != "" {
		fmt.Fprintf(&w.body, " : %s", c.SuperClass)
	}
	w.body.WriteString(w.adopts(c.Protocols))
	w.comment = w.addr(c.VMAddr)
	if c.IsSwift() {
		if w.comment == "" {
			w.comment = " " + colorComment("// (Swift)")
		} else {
			w.comment += colorComment(" (Swift)")
		}
	}
}

func (w *Writer) DidVisitClass(*objc.Class) {
	w.ivarBlock()
	w.writeMembers()
	w.end()
}

func (w *Writer) WillVisitCategory(c *objc.Category) {
	w.reset()
	w.forwardClass(c.Class)
	fmt.Fprintf(&w.body, "%s %s (%s)%s%s\n\n", colorKeyword("@interface"), colorName(c.Class), c.Name, w.adopts(c.Protocols), w.addr(c.VMAddr))
}

func (w *Writer) DidVisitCategory(*objc.Category) {
	w.writeMembers()
	w.end()
}

func (w *Writer) VisitIvar(iv *objc.Ivar) {
	w.forwardType(iv.Type)
	line := iv.String()
	if w.conf.Addrs {
		line += fmt.Sprintf("\t// +%#x %#x", iv.Size, iv.Offset)
	}
	w.ivars = append(w.ivars, line)
}

func (w *Writer) VisitMethod(m *objc.Method, optional bool) {
	if strings.HasPrefix(m.Name, ".cxx_") && !w.conf.Addrs {
		return
	}
	if m.Type != nil {
		w.forwardType(m.Type.Return)
		for _, p := range m.Type.Params {
			w.forwardType(p.Type)
		}
	}
	prefix := "-"
	if m.IsClassMethod {
		prefix = "+"
	}
	line := fmt.Sprintf("%s %s;", prefix, m.Decl())
	if w.conf.Addrs && m.ImpVMAddr != 0 {
		line = colorComment(fmt.Sprintf("// %#x", m.ImpVMAddr)) + "\n" + line
	}
	w.members = append(w.members, member{line: line, class: m.IsClassMethod, optional: optional, method: true})
}

func (w *Writer) VisitProperty(p *objc.Property, class bool) {
	w.forwardType(p.Type)
	attrs := p.Attributes.List()
	if class {
		attrs = append([]string{"class"}, attrs...)
	}
	var list string
	if len(attrs) > 0 {
		list = "(" + strings.Join(attrs, ", ") + ") "
	}
	w.members = append(w.members, member{
		line:  fmt.Sprintf("%s %s%s;", colorKeyword("@property"), list, p.Type.Decl(p.Name)),
		class: class,
	})
}

func (w *Writer) reset() {
	w.ivars = w.ivars[:0]
	w.members = w.members[:0]
	w.comment = ""
}

func (w *Writer) take(keep func(member) bool) []member {
	var out []member
	for _, m := range w.members {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func (w *Writer) ivarBlock() {
	if len(w.ivars) == 0 {
		w.body.WriteString(w.comment + "\n\n")
		return
	}
	w.body.WriteString(" {" + w.comment + "\n")
	tw := tabwriter.NewWriter(&w.body, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "    %s\n", colorComment("/* instance variables */"))
	for _, iv := range w.ivars {
		fmt.Fprintf(tw, "    %s\n", iv)
	}
	tw.Flush()
	w.body.WriteString("}\n\n")
}

// writeMembers writes the properties then the class and instance methods.
func (w *Writer) writeMembers() {
	w.section("", w.take(func(m member) bool { return !m.method }))
	w.methods("", w.take(func(m member) bool { return m.method }))
}

func (w *Writer) methods(kind string, ms []member) {
	w.section(kind+"class methods", slices.DeleteFunc(slices.Clone(ms), func(m member) bool { return !m.class }))
	w.section(kind+"instance methods", slices.DeleteFunc(slices.Clone(ms), func(m member) bool { return m.class }))
}

func (w *Writer) section(title string, ms []member) {
	if len(ms) == 0 {
		return
	}
	if title != "" {
		fmt.Fprintf(&w.body, "%s\n", colorComment("/* "+title+" */"))
	}
	for _, m := range ms {
		fmt.Fprintf(&w.body, "%s\n", m.line)
	}
	w.body.WriteString("\n")
}

func (w *Writer) end() {
	fmt.Fprintf(&w.body, "%s\n\n", colorKeyword("@end"))
}

// Bytes returns the forward declarations followed by every declaration.
func (w *Writer) Bytes() []byte {
	var out bytes.Buffer
	if !w.conf.NoForwardDecls {
		for _, decl := range []struct {
			keyword string
			names   map[string]bool
		}{
			{"@class", w.classes},
			{"@protocol", w.protocols},
		} {
			if len(decl.names) == 0 {
				continue
			}
			var names []string
			for name := range decl.names {
				names = append(names, name)
			}
			slices.Sort(names)
			fmt.Fprintf(&out, "%s %s;\n", colorKeyword(decl.keyword), strings.Join(names, ", "))
		}
		if out.Len() > 0 {
			out.WriteString("\n")
		}
	}
	out.Write(w.body.Bytes())
	return out.Bytes()
}

// WriteTo writes Bytes to dst.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	n, err := dst.Write(w.Bytes())
	return int64(n), err
}
