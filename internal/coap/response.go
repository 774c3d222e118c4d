package coap

import "slices"

// NewAck builds a piggybacked response to req. The message ID and token
// are copied from the request so the peer can match the exchange.
func NewAck(req Message, code Code, payload []byte) Message {
	return Message{
		Type:      Acknowledgement,
		Code:      code,
		MessageID: req.MessageID,
		Token:     slices.Clone(req.Token),
		Payload:   payload,
	}
}

// NewReset builds the rejection of req: same message ID, no token, and
// the Empty code.
func NewReset(req Message) Message {
	return Message{
		Type:      Reset,
		Code:      Empty,
		MessageID: req.MessageID,
	}
}

// IsPing reports whether m is a CoAP ping: an Empty confirmable message.
// RFC 7252 §4.3 answers it with a Reset.
func IsPing(m Message) bool {
	return m.Type == Confirmable && m.Code == Empty
}
