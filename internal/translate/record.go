package translate

import (
	"encoding/json"
	"maps"
)

// Neighbor is one entry of the neighbor table.
type Neighbor struct {
	MAC      string  `json:"neighbor_mac"`
	RSSIAvg  float64 `json:"rssi_avg"`
	Location string  `json:"neighbor_location"`
}

// Record is a validated reading, ready to publish once.
type Record struct {
	// Measurement is the first path segment, e.g. "sensor".
	Measurement string

	// Identifier is the rest of the path, e.g. "device7".
	Identifier string

	// Topic is Measurement/Identifier.
	Topic string

	// Fields holds the flat scalar fields. The neighbor table key never
	// appears here.
	Fields map[string]any

	// TableKey is the published name of the neighbor array. Empty when
	// the mapping declares no table.
	TableKey string

	// Neighbors holds the accepted neighbor entries in input order.
	Neighbors []Neighbor

	// Warnings lists skipped fields and neighbor elements. Not published.
	Warnings []string
}

// MarshalJSON emits the flat fields plus the neighbor array:
//
//	{"temp":21.5,"neighbor_rssi":[{"neighbor_mac":"aa:bb","rssi_avg":-62,"neighbor_location":"unknown"}]}
func (r *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+1)
	maps.Copy(out, r.Fields)

	if r.TableKey != "" {
		neighbors := r.Neighbors
		if neighbors == nil {
			neighbors = []Neighbor{}
		}
		out[r.TableKey] = neighbors
	}

	return json.Marshal(out)
}
