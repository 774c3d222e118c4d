package coap

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// Version is the only protocol version defined by RFC 7252.
const Version = 1

// Wire layout constants.
const (
	headerSize     = 4
	maxTokenLength = 8
	payloadMarker  = 0xFF

	// Option delta/length nibbles 13 and 14 announce one or two extended
	// bytes; 15 is reserved for the payload marker.
	nibbleExt8     = 13
	nibbleExt16    = 14
	nibbleReserved = 15
	ext8Offset     = 13
	ext16Offset    = 269

	maxOptionNumber = 0xFFFF
	maxOptionLength = 0xFFFF + ext16Offset
)

// Decode parses one datagram into a Message.
//
// Token, option values and payload are copied, so the caller may reuse
// data afterwards.
//
// The wire format (RFC 7252 §3) is:
//
//	Byte 0:    Ver (2 bits) | Type (2 bits) | Token length (4 bits)
//	Byte 1:    Code (class 3 bits . detail 5 bits)
//	Byte 2-3:  Message ID (big-endian)
//	Token:     0-8 bytes
//	Options:   delta/length nibbles, optional extended bytes, value
//	0xFF:      payload marker, followed by at least one payload byte
//
// Returns:
//   - Message: The decoded message
//   - error: ErrTruncated, ErrUnsupportedVersion, ErrMalformedOption or
//     ErrMalformedMessage, wrapped with detail
func Decode(data []byte) (Message, error) {
	if len(data) < headerSize {
		return Message{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncated, len(data), headerSize)
	}

	if ver := data[0] >> 6; ver != Version {
		return Message{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, ver)
	}

	tkl := int(data[0] & 0x0F)
	if tkl > maxTokenLength {
		return Message{}, fmt.Errorf("%w: token length %d", ErrMalformedMessage, tkl)
	}

	msg := Message{
		Type:      Type(data[0] >> 4 & 0x03),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}

	if len(data) < headerSize+tkl {
		return Message{}, fmt.Errorf("%w: token needs %d bytes, have %d", ErrTruncated, tkl, len(data)-headerSize)
	}
	if tkl > 0 {
		msg.Token = slices.Clone(data[headerSize : headerSize+tkl])
	}

	rest := data[headerSize+tkl:]

	if msg.Code == Empty {
		if tkl != 0 || len(rest) != 0 {
			return Message{}, fmt.Errorf("%w: empty message carries %d token and %d trailing bytes", ErrMalformedMessage, tkl, len(rest))
		}
		return msg, nil
	}

	number := 0
	for len(rest) > 0 {
		if rest[0] == payloadMarker {
			if len(rest) == 1 {
				return Message{}, fmt.Errorf("%w: payload marker without payload", ErrMalformedMessage)
			}
			msg.Payload = slices.Clone(rest[1:])
			break
		}

		delta := int(rest[0] >> 4)
		length := int(rest[0] & 0x0F)
		rest = rest[1:]

		var err error
		if delta, rest, err = readExtended(delta, rest); err != nil {
			return Message{}, fmt.Errorf("option delta: %w", err)
		}
		if length, rest, err = readExtended(length, rest); err != nil {
			return Message{}, fmt.Errorf("option length: %w", err)
		}

		number += delta
		if number > maxOptionNumber {
			return Message{}, fmt.Errorf("%w: option number %d out of range", ErrMalformedOption, number)
		}
		if length > len(rest) {
			return Message{}, fmt.Errorf("%w: option %d length %d overflows %d remaining bytes", ErrMalformedOption, number, length, len(rest))
		}

		msg.Options = append(msg.Options, Option{
			ID:    OptionID(number),
			Value: slices.Clone(rest[:length]),
		})
		rest = rest[length:]
	}

	return msg, nil
}

// readExtended resolves a delta or length nibble, consuming any extended
// bytes from buf.
func readExtended(nibble int, buf []byte) (int, []byte, error) {
	switch nibble {
	case nibbleExt8:
		if len(buf) < 1 {
			return 0, nil, fmt.Errorf("%w: missing 8-bit extension", ErrMalformedOption)
		}
		return int(buf[0]) + ext8Offset, buf[1:], nil
	case nibbleExt16:
		if len(buf) < 2 { //nolint:mnd // 16-bit extension
			return 0, nil, fmt.Errorf("%w: missing 16-bit extension", ErrMalformedOption)
		}
		return int(binary.BigEndian.Uint16(buf[:2])) + ext16Offset, buf[2:], nil
	case nibbleReserved:
		return 0, nil, fmt.Errorf("%w: reserved nibble 15", ErrMalformedOption)
	default:
		return nibble, buf, nil
	}
}

// Encode serialises m to wire bytes.
//
// Options are written in ascending number order; options sharing a number
// keep their relative order. The payload marker is omitted when the
// payload is empty.
func Encode(m Message) ([]byte, error) {
	if m.Type > Reset {
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, m.Type)
	}
	if len(m.Token) > maxTokenLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrTokenTooLong, len(m.Token))
	}

	opts := slices.Clone(m.Options)
	slices.SortStableFunc(opts, func(a, b Option) int {
		return int(a.ID) - int(b.ID)
	})

	size := headerSize + len(m.Token) + 1 + len(m.Payload)
	for _, o := range opts {
		size += 5 + len(o.Value) //nolint:mnd // worst-case option header
	}

	buf := make([]byte, headerSize, size)
	buf[0] = Version<<6 | byte(m.Type)<<4 | byte(len(m.Token))
	buf[1] = byte(m.Code)
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)
	buf = append(buf, m.Token...)

	prev := 0
	for _, o := range opts {
		if len(o.Value) > maxOptionLength {
			return nil, fmt.Errorf("%w: option %d is %d bytes", ErrOptionTooLong, o.ID, len(o.Value))
		}

		delta := int(o.ID) - prev
		dn, dext := splitExtended(delta)
		ln, lext := splitExtended(len(o.Value))

		buf = append(buf, dn<<4|ln)
		buf = append(buf, dext...)
		buf = append(buf, lext...)
		buf = append(buf, o.Value...)
		prev = int(o.ID)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}

	return buf, nil
}

// splitExtended returns the nibble and extended bytes encoding v.
func splitExtended(v int) (byte, []byte) {
	switch {
	case v < ext8Offset:
		return byte(v), nil
	case v < ext16Offset:
		return nibbleExt8, []byte{byte(v - ext8Offset)}
	default:
		ext := make([]byte, 2) //nolint:mnd // 16-bit extension
		binary.BigEndian.PutUint16(ext, uint16(v-ext16Offset))
		return nibbleExt16, ext
	}
}
