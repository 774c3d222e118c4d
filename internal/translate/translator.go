package translate

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nerrad567/coap-bridge/internal/coap"
)

const pathSeparator = "/"

// Translator turns raw CoAP payloads into Records according to a Mapping.
//
// It performs no I/O and holds no mutable state, so one Translator is
// shared by every exchange.
type Translator struct {
	fields      map[string]Rule
	neighbor    map[string]string
	identityKey string
	pathPrefix  string
	locations   map[string]string

	// tableKey is the inbound neighbor table key; tableTarget its
	// published name. Both are empty when no table is declared.
	tableKey    string
	tableTarget string
}

// New validates m and returns a Translator for it.
func New(m Mapping) (*Translator, error) {
	t := &Translator{
		fields:      maps.Clone(m.Fields),
		neighbor:    make(map[string]string, len(m.Neighbor)+2),
		identityKey: m.IdentityKey,
		pathPrefix:  strings.Trim(m.PathPrefix, pathSeparator),
		locations:   make(map[string]string, len(m.Locations)),
	}
	if t.fields == nil {
		t.fields = map[string]Rule{}
	}

	for key, rule := range t.fields {
		if rule.Destination != NeighborTable {
			continue
		}
		if t.tableKey != "" {
			return nil, fmt.Errorf("%w: both %q and %q declare the neighbor table", ErrInvalidMapping, t.tableKey, key)
		}
		t.tableKey = key
		t.tableTarget = rule.Target
		if t.tableTarget == "" {
			t.tableTarget = key
		}
	}

	// Canonical names are always accepted as-is.
	t.neighbor[FieldNeighborMAC] = FieldNeighborMAC
	t.neighbor[FieldRSSIAvg] = FieldRSSIAvg
	for raw, canon := range m.Neighbor {
		if canon != FieldNeighborMAC && canon != FieldRSSIAvg {
			return nil, fmt.Errorf("%w: neighbor key %q maps to %q, want %s or %s", ErrInvalidMapping, raw, canon, FieldNeighborMAC, FieldRSSIAvg)
		}
		t.neighbor[raw] = canon
	}

	for mac, loc := range m.Locations {
		t.locations[NormalizeMAC(mac)] = loc
	}

	return t, nil
}

// SplitPath splits a resource path into measurement and identifier after
// removing prefix. The identifier keeps any further segments.
func SplitPath(path, prefix string) (measurement, identifier string, err error) {
	p := strings.Trim(path, pathSeparator)

	if prefix = strings.Trim(prefix, pathSeparator); prefix != "" {
		if p != prefix && !strings.HasPrefix(p, prefix+pathSeparator) {
			return "", "", fmt.Errorf("%w: %q is outside prefix %q", ErrMalformedPath, path, prefix)
		}
		p = strings.TrimPrefix(strings.TrimPrefix(p, prefix), pathSeparator)
	}

	segs := strings.Split(p, pathSeparator)
	if len(segs) < 2 { //nolint:mnd // measurement + identifier
		return "", "", fmt.Errorf("%w: %q needs <measurement>/<identifier>", ErrMalformedPath, path)
	}
	for _, seg := range segs {
		if seg == "" || strings.ContainsAny(seg, "+#$") {
			return "", "", fmt.Errorf("%w: %q has an empty or wildcard segment", ErrMalformedPath, path)
		}
		// MQTT topics must be well-formed UTF-8 without NUL.
		if !utf8.ValidString(seg) || strings.ContainsFunc(seg, unicode.IsControl) {
			return "", "", fmt.Errorf("%w: %q is not printable UTF-8", ErrMalformedPath, path)
		}
	}

	return segs[0], strings.Join(segs[1:], pathSeparator), nil
}

// Translate parses a JSON payload and builds a Record routed by pathHint.
//
// Failures are ErrMalformedPath, ErrMalformedPayload or ErrNotAnObject.
// Problems limited to single fields or neighbor elements are recorded in
// Record.Warnings instead.
func (t *Translator) Translate(raw []byte, pathHint string) (*Record, error) {
	return t.translate(raw, coap.AppJSON, true, pathHint)
}

// TranslateMessage translates a request, taking the payload format from
// its Content-Format option and the path hint from its Uri-Path. It can
// also fail with ErrUnsupportedFormat.
func (t *Translator) TranslateMessage(msg *coap.Message) (*Record, error) {
	format, ok := msg.ContentFormat()
	return t.translate(msg.Payload, format, ok, msg.Path())
}

func (t *Translator) translate(raw []byte, format coap.MediaType, hasFormat bool, pathHint string) (*Record, error) {
	measurement, identifier, err := SplitPath(pathHint, t.pathPrefix)
	if err != nil {
		return nil, err
	}

	doc, err := decodeDocument(raw, format, hasFormat)
	if err != nil {
		return nil, err
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %s", ErrNotAnObject, kindOf(doc))
	}

	rec := &Record{
		Measurement: measurement,
		Identifier:  identifier,
		Topic:       measurement + pathSeparator + identifier,
		Fields:      make(map[string]any, len(obj)),
		TableKey:    t.tableTarget,
	}

	for _, key := range slices.Sorted(maps.Keys(obj)) {
		val := obj[key]

		if t.tableKey != "" && key == t.tableKey {
			rec.Neighbors = t.neighbors(val, rec)
			continue
		}

		target := key
		if rule, ok := t.fields[key]; ok && rule.Target != "" {
			target = rule.Target
		}
		if t.tableTarget != "" && target == t.tableTarget {
			rec.warn("field %q renamed onto the neighbor table name, skipped", key)
			continue
		}

		s, ok := scalar(val)
		if !ok {
			rec.warn("field %q is %s, skipped", key, kindOf(val))
			continue
		}
		rec.Fields[target] = s
	}

	if t.identityKey != "" {
		if mac, ok := obj[t.identityKey].(string); ok {
			if loc, ok := t.locations[NormalizeMAC(mac)]; ok {
				rec.Fields[FieldLocation] = loc
			}
		}
	}

	return rec, nil
}

// neighbors maps the neighbor table value, skipping unusable elements.
func (t *Translator) neighbors(val any, rec *Record) []Neighbor {
	list, ok := val.([]any)
	if !ok {
		rec.warn("neighbor table %q is %s, skipped", t.tableKey, kindOf(val))
		return nil
	}

	out := make([]Neighbor, 0, len(list))
	for i, el := range list {
		obj, ok := el.(map[string]any)
		if !ok {
			rec.warn("neighbor %d is %s, skipped", i, kindOf(el))
			continue
		}

		var (
			mac     string
			rssi    float64
			haveMAC bool
			haveRSI bool
		)
		// A canonical key beats any alias of it; aliases resolve in key order.
		for _, key := range slices.Sorted(maps.Keys(obj)) {
			canon := t.neighbor[key]
			if _, ok := obj[canon]; ok && key != canon {
				continue
			}
			switch canon {
			case FieldNeighborMAC:
				mac, haveMAC = obj[key].(string)
			case FieldRSSIAvg:
				rssi, haveRSI = number(obj[key])
			}
		}
		if !haveMAC || mac == "" || !haveRSI {
			rec.warn("neighbor %d lacks a MAC or numeric RSSI, skipped", i)
			continue
		}

		mac = NormalizeMAC(mac)
		loc, ok := t.locations[mac]
		if !ok {
			loc = UnknownLocation
		}
		out = append(out, Neighbor{MAC: mac, RSSIAvg: rssi, Location: loc})
	}

	return out
}

func (r *Record) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// kindOf names the JSON kind of a decoded value for messages.
func kindOf(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "an object"
	case []any:
		return "an array"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case float64:
		if !finite(x) {
			return "a non-finite number"
		}
		return "a number"
	case float32:
		if !finite(float64(x)) {
			return "a non-finite number"
		}
		return "a number"
	case int64, uint64, int:
		return "a number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
