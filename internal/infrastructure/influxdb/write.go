package influxdb

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoints queues points for the next batch. It never blocks on the
// network; failures reach the SetOnError callback. Points written after
// Close are dropped.
func (c *Client) WritePoints(points ...*write.Point) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	for _, p := range points {
		c.writeAPI.WritePoint(p)
	}
}
