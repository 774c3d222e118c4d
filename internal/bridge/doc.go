// Package bridge owns the CoAP socket and runs every inbound exchange
// through decode, deduplication, translation and publishing.
//
// Each datagram is handled on its own goroutine, bounded by a semaphore
// that throttles the read loop instead of dropping datagrams. A
// confirmable request always receives exactly one answer per exchange:
// a piggybacked ACK, or a RST when it cannot be processed. Retransmissions
// within the exchange lifetime get the cached answer and are never
// published twice. Non-confirmable requests are processed the same way
// but never answered.
//
// Resources:
//
//	POST|PUT <category>/<identifier>  publish a reading, 2.04 Changed
//	GET .well-known/core              link-format list of categories
//	GET /                             welcome text
//	GET whoami                        the peer's address as seen by the bridge
//
// The package also provides HealthReporter, which publishes a retained
// health document to coap-bridge/<id>/health, and InfluxMirror, which
// copies accepted readings to InfluxDB.
package bridge
