// Package session implements the exchange deduplication table.
//
// Every confirmable or non-confirmable request is admitted once per
// (endpoint, message ID) within the exchange lifetime. Retransmissions of
// a completed confirmable exchange replay the cached acknowledgement
// bytes, so a device that lost our ACK never causes a second publish.
//
//	switch d, cached := table.Admit(addr, msg.MessageID, msg.Type); d {
//	case session.DuplicateReplay:
//	    conn.WriteTo(cached, peer)
//	case session.Fresh:
//	    resp := handle(msg)
//	    table.Record(addr, msg.MessageID, resp)
//	}
//
// Memory is bounded twice: entries expire after the lifetime, and each
// shard evicts its least recently seen entry when full.
package session
