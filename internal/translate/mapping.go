package translate

import (
	"fmt"
	"maps"
	"strings"

	"github.com/nerrad567/coap-bridge/internal/infrastructure/config"
)

// Canonical output names.
const (
	FieldNeighborMAC      = "neighbor_mac"
	FieldRSSIAvg          = "rssi_avg"
	FieldNeighborLocation = "neighbor_location"
	FieldLocation         = "location"

	// DefaultTableKey is both the inbound key and the published array name
	// of the neighbor table.
	DefaultTableKey = "neighbor_rssi"

	// UnknownLocation tags neighbors whose MAC has no known room.
	UnknownLocation = "unknown"
)

// Destination says where a top-level key ends up in the Record.
type Destination int

const (
	// Flat keys become fields of the record.
	Flat Destination = iota

	// NeighborTable marks the key holding the neighbor table.
	NeighborTable
)

// String returns the configuration spelling of d.
func (d Destination) String() string {
	if d == NeighborTable {
		return "neighbor"
	}
	return "flat"
}

// ParseDestination parses "flat" (or "") and "neighbor".
func ParseDestination(s string) (Destination, error) {
	switch strings.ToLower(s) {
	case "", "flat":
		return Flat, nil
	case "neighbor":
		return NeighborTable, nil
	default:
		return Flat, fmt.Errorf("%w: unknown destination %q", ErrInvalidMapping, s)
	}
}

// Rule maps one top-level key.
type Rule struct {
	// Target is the output name; empty keeps the input name.
	Target      string
	Destination Destination
}

// Mapping is the declarative translation table.
type Mapping struct {
	// Fields holds per-key rules for the top level. Keys without a rule
	// are copied unchanged. At most one rule may have the NeighborTable
	// destination.
	Fields map[string]Rule

	// Neighbor renames keys inside neighbor table elements to the
	// canonical FieldNeighborMAC and FieldRSSIAvg names.
	Neighbor map[string]string

	// IdentityKey names the top-level field holding the device MAC used
	// for the location lookup. Empty disables device tagging.
	IdentityKey string

	// PathPrefix is stripped from the resource path before splitting.
	PathPrefix string

	// Locations maps MAC addresses to room labels.
	Locations map[string]string
}

// DefaultMapping returns the mapping the sensor firmware expects.
func DefaultMapping() Mapping {
	return Mapping{
		Fields: map[string]Rule{
			DefaultTableKey: {Target: DefaultTableKey, Destination: NeighborTable},
		},
		Neighbor: map[string]string{
			"MAC":      FieldNeighborMAC,
			"RSSI_AVG": FieldRSSIAvg,
		},
		IdentityKey: "mac_addr",
	}
}

// MappingFromConfig builds a Mapping from the translation config section.
func MappingFromConfig(cfg config.TranslationConfig) (Mapping, error) {
	m := Mapping{
		Fields:      make(map[string]Rule, len(cfg.Fields)),
		Neighbor:    maps.Clone(cfg.Neighbor),
		IdentityKey: cfg.IdentityKey,
		PathPrefix:  cfg.PathPrefix,
		Locations:   maps.Clone(cfg.Locations),
	}

	for key, fr := range cfg.Fields {
		dest, err := ParseDestination(fr.Destination)
		if err != nil {
			return Mapping{}, fmt.Errorf("field %q: %w", key, err)
		}
		m.Fields[key] = Rule{Target: fr.Target, Destination: dest}
	}

	return m, nil
}

// NormalizeMAC lowercases a MAC address and strips spaces.
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, " ", ""))
}
