// Package influxdb mirrors translated readings straight into InfluxDB v2.
//
// The mirror is optional. Telegraf already forwards the MQTT readings to
// the time-series store; enabling this writes the same data without the
// broker hop, which is useful when the agent is not deployed.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePoints(write.NewPoint("sensor",
//	    map[string]string{"identifier": "node7"},
//	    map[string]any{"temp": 21.5}, time.Now()))
//
// Points are stamped with millisecond precision and sent in batches of
// influxdb.batch_size, or every influxdb.flush_interval seconds. Close
// sends whatever is still batched.
//
// # Error Handling
//
// Connect and HealthCheck return ErrUnreachable when /ping fails. A batch
// the server refuses arrives at the SetOnError callback wrapped in
// ErrWrite; the reading itself has already been acknowledged over CoAP.
package influxdb
