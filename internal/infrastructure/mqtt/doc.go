// Package mqtt provides the bridge's connection to the MQTT broker.
//
// This package manages:
//   - Single-attempt connects, leaving the retry policy to the caller
//   - Message publishing with QoS guarantees
//   - Last Will and Testament (LWT) on the bridge status topic
//   - Connection health monitoring
//
// # Architecture
//
// Translated readings are published on "<category>/<identifier>" where a
// metrics agent (Telegraf, subscribed to "sensor/#") picks them up. The
// bridge's own status and health live under "coap-bridge/<bridge-id>/".
//
//	CoAP sensors → coap-bridge → MQTT broker → Telegraf → time-series store
//
// # Security Considerations
//
//   - TLS is enabled with cfg.Broker.TLS (minimum TLS 1.2)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT, cfg.Bridge.ID)
//	if err := client.Connect(ctx); err != nil {
//	    // retry later; paho does not retry the first connect
//	}
//	defer client.Close()
//
//	err := client.Publish("sensor/node7", payload, 1, false)
package mqtt
