// Package publisher delivers translated readings to the MQTT broker.
//
// Records go into a bounded FIFO that never blocks the caller. When it is
// full the oldest record is dropped, so under sustained backpressure the
// buffer holds the newest readings. A single goroutine drains the buffer
// in order and owns the broker connection, reconnecting with jittered
// exponential backoff.
//
//	pub, err := publisher.New(publisher.Options{Broker: client, Logger: log})
//	pub.Start(ctx)
//	defer pub.Stop()
//	err = pub.Publish("sensor/node7", record, publisher.AtLeastOnce)
package publisher
