package bridge

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/coap-bridge/internal/translate"
)

// neighborMeasurement is the measurement of per-neighbor signal points.
const neighborMeasurement = "neighbor_rssi"

// PointWriter queues InfluxDB points without blocking.
// *influxdb.Client satisfies it.
type PointWriter interface {
	WritePoints(points ...*write.Point)
}

// InfluxMirror writes accepted readings straight to InfluxDB, alongside
// the MQTT path.
//
// Each record becomes one point in its measurement, tagged with the
// identifier, carrying the flat fields. Each neighbor becomes one
// neighbor_rssi point tagged with the identifier, neighbor MAC and
// location.
type InfluxMirror struct {
	writer PointWriter
	now    func() time.Time
}

// NewInfluxMirror creates a mirror over w.
func NewInfluxMirror(w PointWriter) *InfluxMirror {
	return &InfluxMirror{writer: w, now: time.Now}
}

// Write converts rec to points and queues them.
func (m *InfluxMirror) Write(rec *translate.Record) {
	if points := m.points(rec); len(points) > 0 {
		m.writer.WritePoints(points...)
	}
}

func (m *InfluxMirror) points(rec *translate.Record) []*write.Point {
	ts := m.now()
	points := make([]*write.Point, 0, 1+len(rec.Neighbors))

	fields := make(map[string]any, len(rec.Fields))
	tags := map[string]string{"identifier": rec.Identifier}
	for k, v := range rec.Fields {
		// Location is a label, not a value.
		if s, ok := v.(string); ok && k == translate.FieldLocation {
			tags[k] = s
			continue
		}
		fields[k] = v
	}
	if len(fields) > 0 {
		points = append(points, write.NewPoint(rec.Measurement, tags, fields, ts))
	}

	for _, n := range rec.Neighbors {
		points = append(points, write.NewPoint(neighborMeasurement,
			map[string]string{
				"identifier":                    rec.Identifier,
				translate.FieldNeighborMAC:      n.MAC,
				translate.FieldNeighborLocation: n.Location,
			},
			map[string]any{translate.FieldRSSIAvg: n.RSSIAvg},
			ts,
		))
	}

	return points
}
