// Package api provides the read-only HTTP status API of the bridge.
//
// Routes:
//
//	GET /api/v1/health        broker, database and mirror health
//	GET /api/v1/metrics       JSON snapshot of bridge, session and publisher stats
//	GET /api/v1/devices       devices seen, most recent first
//	GET /api/v1/devices/{id}  one device
//	GET /metrics              Prometheus exposition
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
