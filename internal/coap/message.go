package coap

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Type is the two-bit message type from the CoAP header.
type Type uint8

// Message types.
const (
	Confirmable     Type = 0
	NonConfirmable  Type = 1
	Acknowledgement Type = 2
	Reset           Type = 3
)

// String returns the RFC 7252 abbreviation of the type.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Code is the 8-bit request method or response code, split into a
// 3-bit class and a 5-bit detail ("c.dd").
type Code uint8

// NewCode builds a Code from its class and detail.
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1f)
}

// Method and response codes used by the bridge.
const (
	Empty Code = 0

	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4

	Created  Code = 2<<5 | 1
	Deleted  Code = 2<<5 | 2
	Valid    Code = 2<<5 | 3
	Changed  Code = 2<<5 | 4
	Content  Code = 2<<5 | 5
	Continue Code = 2<<5 | 31

	BadRequest               Code = 4<<5 | 0
	BadOption                Code = 4<<5 | 2
	NotFound                 Code = 4<<5 | 4
	MethodNotAllowed         Code = 4<<5 | 5
	NotAcceptable            Code = 4<<5 | 6
	RequestEntityTooLarge    Code = 4<<5 | 13
	UnsupportedContentFormat Code = 4<<5 | 15

	InternalServerError Code = 5<<5 | 0
	NotImplemented      Code = 5<<5 | 1
	ServiceUnavailable  Code = 5<<5 | 3
)

// Class returns the code class (0 request, 2 success, 4 client error,
// 5 server error).
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail returns the code detail.
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

// IsRequest reports whether c is a method code.
func (c Code) IsRequest() bool { return c != Empty && c.Class() == 0 }

// IsResponse reports whether c is a response code.
func (c Code) IsResponse() bool { return c.Class() >= 2 && c.Class() <= 5 }

// String formats the code in dotted "c.dd" form.
func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// OptionID is a CoAP option number.
type OptionID uint16

// Registered option numbers (RFC 7252 §5.10, RFC 7641, RFC 7959).
const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
)

// Critical reports whether an unrecognised option with this number must
// cause the message to be rejected (odd option numbers).
func (id OptionID) Critical() bool { return id&1 == 1 }

// MediaType is a Content-Format identifier.
type MediaType uint16

// Content formats the bridge understands or emits.
const (
	TextPlain   MediaType = 0
	LinkFormat  MediaType = 40
	AppXML      MediaType = 41
	OctetStream MediaType = 42
	AppJSON     MediaType = 50
	AppCBOR     MediaType = 60
)

// Option is a single option instance. Repeatable options appear once
// per value.
type Option struct {
	ID    OptionID
	Value []byte
}

// Message is one decoded CoAP message.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

// Option returns the value of the first option with the given number.
func (m *Message) Option(id OptionID) ([]byte, bool) {
	for _, o := range m.Options {
		if o.ID == id {
			return o.Value, true
		}
	}
	return nil, false
}

// OptionValues returns every value of a repeatable option, in order.
func (m *Message) OptionValues(id OptionID) [][]byte {
	var vals [][]byte
	for _, o := range m.Options {
		if o.ID == id {
			vals = append(vals, o.Value)
		}
	}
	return vals
}

// AddOption appends an option. Encode sorts options, so callers may add
// them in any order.
func (m *Message) AddOption(id OptionID, value []byte) {
	m.Options = append(m.Options, Option{ID: id, Value: value})
}

// AddUintOption appends an option holding v in minimal big-endian form.
func (m *Message) AddUintOption(id OptionID, v uint32) {
	m.AddOption(id, encodeUint(v))
}

// RemoveOption drops every instance of an option.
func (m *Message) RemoveOption(id OptionID) {
	kept := m.Options[:0]
	for _, o := range m.Options {
		if o.ID != id {
			kept = append(kept, o)
		}
	}
	m.Options = kept
}

// Path joins the Uri-Path options with "/". The root resource is "".
func (m *Message) Path() string {
	segs := m.OptionValues(URIPath)
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = string(s)
	}
	return strings.Join(parts, "/")
}

// SetPath replaces the Uri-Path options with the segments of p.
func (m *Message) SetPath(p string) {
	m.RemoveOption(URIPath)
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg != "" {
			m.AddOption(URIPath, []byte(seg))
		}
	}
}

// ContentFormat returns the Content-Format option, if present.
func (m *Message) ContentFormat() (MediaType, bool) {
	v, ok := m.Option(ContentFormat)
	if !ok {
		return 0, false
	}
	return MediaType(decodeUint(v)), true
}

// SetContentFormat replaces the Content-Format option.
func (m *Message) SetContentFormat(mt MediaType) {
	m.RemoveOption(ContentFormat)
	m.AddUintOption(ContentFormat, uint32(mt))
}

// String summarises the message for logs.
func (m *Message) String() string {
	s := fmt.Sprintf("%s %s mid=%d", m.Type, m.Code, m.MessageID)
	if len(m.Token) > 0 {
		s += " token=" + hex.EncodeToString(m.Token)
	}
	if p := m.Path(); p != "" {
		s += " path=/" + p
	}
	if len(m.Payload) > 0 {
		s += fmt.Sprintf(" payload=%dB", len(m.Payload))
	}
	return s
}

// encodeUint returns v as a minimal-length big-endian integer; zero is
// the empty string.
func encodeUint(v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	i := 0
	for i < len(buf) && buf[i] == 0 {
		i++
	}
	return append([]byte(nil), buf[i:]...)
}

// decodeUint reads up to four big-endian bytes. Longer values keep the
// low 32 bits.
func decodeUint(b []byte) uint32 {
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v
}
