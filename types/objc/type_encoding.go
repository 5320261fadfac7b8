package objc

import (
	"fmt"
	"strconv"
	"strings"
)

// ref - https://developer.apple.com/library/archive/documentation/Cocoa/Conceptual/ObjCRuntimeGuide/Articles/ocrtTypeEncodings.html

// maxDecodeDepth bounds nesting of pointers, arrays, structs and blocks.
const maxDecodeDepth = 64

// Kind is the variant of a Type Node.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindPrimitive
	KindPointer
	KindArray
	KindStruct
	KindUnion
	KindBitfield
	KindBlock
	KindID
	KindSelector
	KindClass
)

var kindStrings = [...]string{
	KindUnknown:   "unknown",
	KindPrimitive: "primitive",
	KindPointer:   "pointer",
	KindArray:     "array",
	KindStruct:    "struct",
	KindUnion:     "union",
	KindBitfield:  "bitfield",
	KindBlock:     "block",
	KindID:        "id",
	KindSelector:  "selector",
	KindClass:     "class",
}

func (k Kind) String() string {
	if int(k) < len(kindStrings) {
		return kindStrings[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

var primitiveTypes = map[byte]string{
	'c': "char",
	'C': "unsigned char",
	's': "short",
	'S': "unsigned short",
	'i': "int",
	'I': "unsigned int",
	'l': "long",
	'L': "unsigned long",
	'q': "long long",
	'Q': "unsigned long long",
	't': "__int128",
	'T': "unsigned __int128",
	'f': "float",
	'd': "double",
	'D': "long double",
	'B': "BOOL",
	'v': "void",
	'*': "char *",
	'?': "void",
	'%': "NXAtom",
}

var typeQualifiers = map[byte]string{
	'r': "const",
	'n': "in",
	'N': "inout",
	'o': "out",
	'O': "bycopy",
	'R': "byref",
	'V': "oneway",
	'A': "_Atomic",
	'j': "_Complex",
	'!': "__vector",
}

// A Node is one decoded type.
type Node struct {
	Kind Kind
	// Code is the primitive letter, or '@' / '^' for blocks and function pointers.
	Code byte
	// Qualifiers holds the qualifier letters that prefixed the type, in order.
	Qualifiers string

	Elem *Node // pointer and array element
	Len  int   // array length

	// Name is the struct/union tag or the class of a qualified id.
	Name      string
	Fields    []Field
	HasFields bool
	Protocols []string

	// Return and Params hold an extended block signature.
	Return *Node
	Params []*Node

	Bits int    // bitfield width
	Raw  string // undecodable remainder for KindUnknown
}

// A Field is one member of a struct or union.
type Field struct {
	Name  string
	Type  *Node
	Width int // explicit ":N" bit width
}

// A Param is one method argument with its frame offset.
type Param struct {
	Type   *Node
	Offset int
}

// MethodType is a decoded method signature.
type MethodType struct {
	Return    *Node
	Params    []Param
	StackSize int
}

// IsUnknown reports whether the node, or anything it contains, failed to decode.
func (n *Node) IsUnknown() bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case KindUnknown:
		return true
	case KindPointer, KindArray:
		return n.Elem.IsUnknown()
	case KindStruct, KindUnion:
		for _, f := range n.Fields {
			if f.Type.IsUnknown() {
				return true
			}
		}
	}
	return false
}

type decodeError struct {
	pos int
	msg string
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("%s at %d", e.msg, e.pos)
}

type typeParser struct {
	s     string
	pos   int
	depth int
}

func (p *typeParser) peek() byte {
	if p.pos < len(p.s) {
		return p.s[p.pos]
	}
	return 0
}

func (p *typeParser) peekAt(i int) byte {
	if p.pos+i < len(p.s) {
		return p.s[p.pos+i]
	}
	return 0
}

func (p *typeParser) fail(msg string) error {
	return &decodeError{pos: p.pos, msg: msg}
}

func (p *typeParser) number() (int, bool) {
	start := p.pos
	for p.pos < len(p.s) && isDigit(p.s[p.pos]) {
		p.pos++
	}
	if start == p.pos {
		return 0, false
	}
	n, err := strconv.Atoi(p.s[start:p.pos])
	if err != nil {
		return 0, false
	}
	return n, true
}

// signedNumber reads an optional '-' followed by digits.
func (p *typeParser) signedNumber() (int, bool) {
	neg := false
	if p.peek() == '-' && isDigit(p.peekAt(1)) {
		neg = true
		p.pos++
	}
	n, ok := p.number()
	if neg {
		n = -n
	}
	return n, ok
}

// parseType decodes one type starting at p.pos. inFields enables the
// field-list disambiguation of `@"..."`.
func (p *typeParser) parseType(inFields, namedFields bool) (*Node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxDecodeDepth {
		return nil, p.fail("type nesting too deep")
	}

	var quals strings.Builder
	for {
		if _, ok := typeQualifiers[p.peek()]; !ok {
			break
		}
		quals.WriteByte(p.peek())
		p.pos++
	}

	if p.pos >= len(p.s) {
		return nil, p.fail("truncated type")
	}

	n := &Node{Qualifiers: quals.String()}
	c := p.s[p.pos]
	p.pos++

	switch c {
	case '^':
		if p.peek() == '?' {
			p.pos++
			n.Kind = KindBlock
			n.Code = '^'
			return n, nil
		}
		elem, err := p.parseType(false, false)
		if err != nil {
			return nil, err
		}
		n.Kind = KindPointer
		n.Elem = elem
	case '[':
		n.Kind = KindArray
		n.Len, _ = p.number()
		elem, err := p.parseType(false, false)
		if err != nil {
			return nil, err
		}
		n.Elem = elem
		if p.peek() != ']' {
			return nil, p.fail("unterminated array")
		}
		p.pos++
	case '{':
		n.Kind = KindStruct
		if err := p.parseAggregate(n, '}'); err != nil {
			return nil, err
		}
	case '(':
		n.Kind = KindUnion
		if err := p.parseAggregate(n, ')'); err != nil {
			return nil, err
		}
	case 'b':
		bits, ok := p.number()
		if !ok {
			return nil, p.fail("bitfield without width")
		}
		n.Kind = KindBitfield
		n.Bits = bits
	case '@':
		if p.peek() == '?' {
			p.pos++
			n.Kind = KindBlock
			n.Code = '@'
			if p.peek() == '<' {
				if err := p.parseBlockSignature(n); err != nil {
					return nil, err
				}
			}
			return n, nil
		}
		n.Kind = KindID
		if p.peek() == '"' && p.quotedIsClassName(inFields, namedFields) {
			end := strings.IndexByte(p.s[p.pos+1:], '"')
			p.setClassName(n, p.s[p.pos+1:p.pos+1+end])
			p.pos += end + 2
		}
	case ':':
		n.Kind = KindSelector
	case '#':
		n.Kind = KindClass
	default:
		if _, ok := primitiveTypes[c]; !ok {
			p.pos--
			return nil, p.fail(fmt.Sprintf("unknown type code %q", c))
		}
		n.Kind = KindPrimitive
		n.Code = c
	}
	return n, nil
}

// quotedIsClassName decides whether the quoted string after '@' is a class
// name or the name of the next field.
func (p *typeParser) quotedIsClassName(inFields, namedFields bool) bool {
	end := strings.IndexByte(p.s[p.pos+1:], '"')
	if end < 0 {
		return false
	}
	if !inFields || !namedFields {
		return true
	}
	next := p.pos + 1 + end + 1
	if next >= len(p.s) {
		return true
	}
	switch p.s[next] {
	case '"', '}', ')':
		return true
	}
	return false
}

func (p *typeParser) setClassName(n *Node, name string) {
	if i := strings.IndexByte(name, '<'); i >= 0 {
		protos := name[i:]
		name = name[:i]
		for _, proto := range strings.Split(protos, "><") {
			proto = strings.Trim(proto, "<>")
			if proto != "" {
				n.Protocols = append(n.Protocols, proto)
			}
		}
	}
	n.Name = name
}

func (p *typeParser) parseAggregate(n *Node, closer byte) error {
	start := p.pos
	angle := 0
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if angle == 0 && (c == '=' || c == closer) {
			break
		}
		switch c {
		case '<':
			angle++
		case '>':
			angle--
		}
		p.pos++
	}
	if p.pos >= len(p.s) {
		return p.fail("unterminated aggregate")
	}
	n.Name = p.s[start:p.pos]
	if p.s[p.pos] == closer {
		p.pos++
		return nil
	}
	p.pos++ // '='
	n.HasFields = true
	named := p.peek() == '"'
	for {
		switch p.peek() {
		case 0:
			return p.fail("unterminated aggregate")
		case closer:
			p.pos++
			return nil
		}
		var f Field
		if p.peek() == '"' {
			end := strings.IndexByte(p.s[p.pos+1:], '"')
			if end < 0 {
				return p.fail("unterminated field name")
			}
			f.Name = p.s[p.pos+1 : p.pos+1+end]
			p.pos += end + 2
		}
		typ, err := p.parseType(true, named)
		if err != nil {
			return err
		}
		f.Type = typ
		if p.peek() == ':' && isDigit(p.peekAt(1)) {
			p.pos++
			f.Width, _ = p.number()
		}
		n.Fields = append(n.Fields, f)
	}
}

func (p *typeParser) parseBlockSignature(n *Node) error {
	p.pos++ // '<'
	ret, err := p.parseType(false, false)
	if err != nil {
		return err
	}
	n.Return = ret
	for {
		switch p.peek() {
		case 0:
			return p.fail("unterminated block signature")
		case '>':
			p.pos++
			return nil
		}
		param, err := p.parseType(false, false)
		if err != nil {
			return err
		}
		n.Params = append(n.Params, param)
	}
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

func unknown(raw string) *Node {
	return &Node{Kind: KindUnknown, Raw: raw}
}

// Decode decodes the first type in enc and returns it with the number of
// bytes consumed. It never fails: undecodable input yields a KindUnknown node
// holding the remaining text.
func Decode(enc string) (*Node, int) {
	p := &typeParser{s: enc}
	n, err := p.parseType(false, false)
	if err != nil {
		return unknown(enc), len(enc)
	}
	return n, p.pos
}

// Parse decodes enc as a single type. Trailing text makes the result unknown.
func Parse(enc string) *Node {
	n, used := Decode(enc)
	if used != len(enc) {
		return unknown(enc)
	}
	return n
}

// DecodeMethod decodes a method type string: return type, frame size, then
// each argument type with its frame offset.
func DecodeMethod(enc string) *MethodType {
	p := &typeParser{s: enc}
	mt := &MethodType{}

	ret, err := p.parseType(false, false)
	if err != nil {
		mt.Return = unknown(enc)
		return mt
	}
	mt.Return = ret
	mt.StackSize, _ = p.number()

	for p.pos < len(p.s) {
		start := p.pos
		typ, err := p.parseType(false, false)
		if err != nil {
			mt.Params = append(mt.Params, Param{Type: unknown(enc[start:])})
			break
		}
		// GNU runtime register hint
		if p.peek() == '+' {
			p.pos++
		}
		off, _ := p.signedNumber()
		mt.Params = append(mt.Params, Param{Type: typ, Offset: off})
	}
	return mt
}

// Encode renders n back into the type encoding grammar.
func Encode(n *Node) string {
	var sb strings.Builder
	encode(&sb, n)
	return sb.String()
}

func encode(sb *strings.Builder, n *Node) {
	if n == nil {
		return
	}
	sb.WriteString(n.Qualifiers)
	switch n.Kind {
	case KindUnknown:
		sb.WriteString(n.Raw)
	case KindPrimitive:
		sb.WriteByte(n.Code)
	case KindPointer:
		sb.WriteByte('^')
		encode(sb, n.Elem)
	case KindArray:
		sb.WriteByte('[')
		sb.WriteString(strconv.Itoa(n.Len))
		encode(sb, n.Elem)
		sb.WriteByte(']')
	case KindStruct, KindUnion:
		open, closer := byte('{'), byte('}')
		if n.Kind == KindUnion {
			open, closer = '(', ')'
		}
		sb.WriteByte(open)
		sb.WriteString(n.Name)
		if n.HasFields {
			sb.WriteByte('=')
			for _, f := range n.Fields {
				if f.Name != "" {
					sb.WriteByte('"')
					sb.WriteString(f.Name)
					sb.WriteByte('"')
				}
				encode(sb, f.Type)
				if f.Width > 0 {
					sb.WriteByte(':')
					sb.WriteString(strconv.Itoa(f.Width))
				}
			}
		}
		sb.WriteByte(closer)
	case KindBitfield:
		sb.WriteByte('b')
		sb.WriteString(strconv.Itoa(n.Bits))
	case KindBlock:
		if n.Code == '^' {
			sb.WriteString("^?")
			return
		}
		sb.WriteString("@?")
		if n.Return != nil {
			sb.WriteByte('<')
			encode(sb, n.Return)
			for _, param := range n.Params {
				encode(sb, param)
			}
			sb.WriteByte('>')
		}
	case KindID:
		sb.WriteByte('@')
		if n.Name != "" || len(n.Protocols) > 0 {
			sb.WriteByte('"')
			sb.WriteString(n.Name)
			for _, proto := range n.Protocols {
				sb.WriteByte('<')
				sb.WriteString(proto)
				sb.WriteByte('>')
			}
			sb.WriteByte('"')
		}
	case KindSelector:
		sb.WriteByte(':')
	case KindClass:
		sb.WriteByte('#')
	}
}

/*******************************************************************************
 * PROPERTY ATTRIBUTES
 *******************************************************************************/

const (
	propertyReadOnly  = 'R' // property is read-only.
	propertyBycopy    = 'C' // property is a copy of the value last assigned
	propertyByref     = '&' // property is a reference to the value last assigned
	propertyDynamic   = 'D' // property is dynamic
	propertyGetter    = 'G' // followed by getter selector name
	propertySetter    = 'S' // followed by setter selector name
	propertyIVar      = 'V' // followed by instance variable  name
	propertyType      = 'T' // followed by old-style type encoding.
	propertyWeak      = 'W' // 'weak' property
	propertyStrong    = 'P' // property GC'able
	propertyNonAtomic = 'N' // property non-atomic
)

// PropertyAttributes is a decoded property attribute string.
type PropertyAttributes struct {
	Type         *Node
	TypeEncoding string
	ReadOnly     bool
	Copy         bool
	Retain       bool
	Nonatomic    bool
	Dynamic      bool
	Weak         bool
	Collectable  bool
	Getter       string
	Setter       string
	Ivar         string
}

// ParsePropertyAttributes decodes a comma separated property attribute string
// such as `T@"NSString",C,N,V_name`.
func ParsePropertyAttributes(attrs string) PropertyAttributes {
	var pa PropertyAttributes
	for len(attrs) > 0 {
		code := attrs[0]
		attrs = attrs[1:]
		if code == propertyType {
			// the type may itself contain commas (C++ template names)
			n, used := Decode(attrs)
			if used < len(attrs) && attrs[used] != ',' {
				used = strings.IndexByte(attrs, ',')
				if used < 0 {
					used = len(attrs)
				}
				n = unknown(attrs[:used])
			}
			pa.Type = n
			pa.TypeEncoding = attrs[:used]
			attrs = attrs[used:]
		} else {
			var val string
			if i := strings.IndexByte(attrs, ','); i >= 0 {
				val, attrs = attrs[:i], attrs[i:]
			} else {
				val, attrs = attrs, ""
			}
			switch code {
			case propertyReadOnly:
				pa.ReadOnly = true
			case propertyBycopy:
				pa.Copy = true
			case propertyByref:
				pa.Retain = true
			case propertyNonAtomic:
				pa.Nonatomic = true
			case propertyDynamic:
				pa.Dynamic = true
			case propertyWeak:
				pa.Weak = true
			case propertyStrong:
				pa.Collectable = true
			case propertyGetter:
				pa.Getter = val
			case propertySetter:
				pa.Setter = val
			case propertyIVar:
				pa.Ivar = val
			}
		}
		attrs = strings.TrimPrefix(attrs, ",")
	}
	return pa
}

// List returns the attributes as they appear inside `@property (...)`.
func (pa PropertyAttributes) List() []string {
	var out []string
	if pa.ReadOnly {
		out = append(out, "readonly")
	}
	switch {
	case pa.Copy:
		out = append(out, "copy")
	case pa.Retain:
		out = append(out, "retain")
	case pa.Weak:
		out = append(out, "weak")
	}
	if pa.Nonatomic {
		out = append(out, "nonatomic")
	}
	if pa.Getter != "" {
		out = append(out, "getter="+pa.Getter)
	}
	if pa.Setter != "" {
		out = append(out, "setter="+pa.Setter)
	}
	return out
}

func (pa PropertyAttributes) String() string {
	if l := pa.List(); len(l) > 0 {
		return "(" + strings.Join(l, ", ") + ")"
	}
	return ""
}

/*******************************************************************************
 * DECODER
 *******************************************************************************/

// A Decoder turns encoding strings into Type Nodes.
type Decoder interface {
	Type(enc string) *Node
	Method(enc string) *MethodType
}

type defaultDecoder struct{}

func (defaultDecoder) Type(enc string) *Node         { return Parse(enc) }
func (defaultDecoder) Method(enc string) *MethodType { return DecodeMethod(enc) }

// DefaultDecoder decodes without caching and is safe for concurrent use.
var DefaultDecoder Decoder = defaultDecoder{}
