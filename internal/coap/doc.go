// Package coap implements the CoAP (RFC 7252) message codec used by the
// bridge: header, token, options and payload over UDP.
//
// Decode never panics on untrusted input. Every rejection wraps one of
// the sentinel errors in errors.go so the caller can drop the datagram
// and count the failure kind:
//
//	msg, err := coap.Decode(datagram)
//	if err != nil {
//	    // coap.IsDecodeError(err) == true; no reply is sent
//	}
//
// Responses are built from the request so identifiers always match:
//
//	ack := coap.NewAck(msg, coap.Changed, nil)
//	rst := coap.NewReset(msg)
//	out, _ := coap.Encode(ack)
//
// Block-wise transfer, Observe and DTLS are not implemented; sensor
// readings fit in a single datagram.
package coap
