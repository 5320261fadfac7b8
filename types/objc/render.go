package objc

import (
	"fmt"
	"strings"
)

// String renders n as a C type. Struct and union bodies are not expanded.
func (n *Node) String() string {
	return typeString(n, false)
}

// Decl renders a C declaration of name with type n, expanding struct and
// union bodies. Anonymous members are named x0, x1, ...; arrays and
// bitfields without a name are declared as x.
func (n *Node) Decl(name string) string {
	if name == "" && n != nil && (n.Kind == KindArray || n.Kind == KindBitfield) {
		name = "x"
	}
	return decl(n, name, true)
}

func decl(n *Node, name string, expand bool) string {
	if n == nil {
		return join("void", name)
	}
	switch n.Kind {
	case KindArray:
		return decl(n.Elem, fmt.Sprintf("%s[%d]", name, n.Len), expand)
	case KindBitfield:
		return fmt.Sprintf("unsigned int %s:%d", name, n.Bits)
	}
	return join(typeString(n, expand), name)
}

func join(typ, name string) string {
	if name == "" {
		return typ
	}
	return typ + " " + name
}

func qualifierPrefix(q string) string {
	var words []string
	for i := 0; i < len(q); i++ {
		if w, ok := typeQualifiers[q[i]]; ok {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return ""
	}
	return strings.Join(words, " ") + " "
}

func typeString(n *Node, expand bool) string {
	if n == nil {
		return "void"
	}
	var s string
	switch n.Kind {
	case KindUnknown:
		s = fmt.Sprintf("void /* unknown type: %s */", strings.ReplaceAll(n.Raw, "*/", "* /"))
	case KindPrimitive:
		s = primitiveTypes[n.Code]
	case KindPointer:
		elem := typeString(n.Elem, expand)
		if strings.HasSuffix(elem, "*") {
			s = elem + "*"
		} else {
			s = elem + " *"
		}
	case KindArray:
		s = fmt.Sprintf("%s[%d]", typeString(n.Elem, expand), n.Len)
	case KindStruct, KindUnion:
		s = aggregateString(n, expand)
	case KindBitfield:
		s = fmt.Sprintf("unsigned int :%d", n.Bits)
	case KindBlock:
		if n.Code == '^' {
			s = "void * /* function pointer */"
		} else {
			s = "id /* block */"
		}
	case KindID:
		switch {
		case n.Name != "" && len(n.Protocols) > 0:
			s = fmt.Sprintf("%s<%s> *", n.Name, strings.Join(n.Protocols, ", "))
		case n.Name != "":
			s = n.Name + " *"
		case len(n.Protocols) > 0:
			s = fmt.Sprintf("id<%s>", strings.Join(n.Protocols, ", "))
		default:
			s = "id"
		}
	case KindSelector:
		s = "SEL"
	case KindClass:
		s = "Class"
	}
	return qualifierPrefix(n.Qualifiers) + s
}

func aggregateString(n *Node, expand bool) string {
	var sb strings.Builder
	if n.Kind == KindUnion {
		sb.WriteString("union")
	} else {
		sb.WriteString("struct")
	}
	if n.Name != "" && n.Name != "?" {
		sb.WriteString(" " + n.Name)
	}
	if !expand || !n.HasFields {
		return sb.String()
	}
	sb.WriteString(" {")
	for i, f := range n.Fields {
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("x%d", i)
		}
		sb.WriteString(" ")
		sb.WriteString(decl(f.Type, name, expand))
		if f.Width > 0 {
			fmt.Fprintf(&sb, ":%d", f.Width)
		}
		sb.WriteString(";")
	}
	sb.WriteString(" }")
	return sb.String()
}

// Decl renders the method as it appears in an @interface, without the
// leading +/- marker.
func (m *Method) Decl() string {
	ret := "id"
	var args []Param
	if m.Type != nil {
		if m.Type.Return != nil {
			ret = m.Type.Return.String()
		}
		if len(m.Type.Params) > 2 {
			args = m.Type.Params[2:]
		}
	}
	pieces := strings.Split(m.Name, ":")
	if len(pieces) == 1 {
		return fmt.Sprintf("(%s)%s", ret, m.Name)
	}
	parts := make([]string, 0, len(pieces)-1)
	for i, piece := range pieces[:len(pieces)-1] {
		typ := "id"
		if i < len(args) {
			typ = args[i].Type.String()
		}
		parts = append(parts, fmt.Sprintf("%s:(%s)arg%d", piece, typ, i+1))
	}
	return fmt.Sprintf("(%s)%s", ret, strings.Join(parts, " "))
}
