// Package logging provides structured logging for the CoAP bridge.
//
// It wraps the standard log/slog package so every component logs with the
// same default fields and level filtering.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// COAPBRIDGE_LOG_LEVEL overrides the level at start-up.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("listening", "addr", ":5683")
//	logger.Warn("publish failed", "topic", topic, "error", err)
//
// # Security
//
// Never log broker credentials. Payloads are logged only at debug level.
package logging
