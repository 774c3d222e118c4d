// Package device records which sensors have posted readings through the
// bridge, when they were last seen and from which endpoint.
//
// The registry is informational: it feeds the status API and never sits
// on the exchange path. Writes are asynchronous and may be dropped under
// load.
package device
