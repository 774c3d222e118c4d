package translate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/coap-bridge/internal/coap"
)

// cborMode decodes CBOR maps with string keys so the result has the same
// shape as decoded JSON.
var cborMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("translate: cbor decode options: %v", err))
	}
	return mode
}()

// decodeDocument parses raw according to its content format. A missing
// Content-Format is treated as JSON, which is what the firmware sends.
func decodeDocument(raw []byte, format coap.MediaType, hasFormat bool) (any, error) {
	if !hasFormat {
		format = coap.AppJSON
	}

	var doc any
	switch format {
	case coap.AppJSON, coap.TextPlain:
		dec := json.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: json: %w", ErrMalformedPayload, err)
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: trailing data after JSON document", ErrMalformedPayload)
		}
	case coap.AppCBOR:
		if err := cborMode.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: cbor: %w", ErrMalformedPayload, err)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, format)
	}

	return doc, nil
}

// scalar normalises a decoded leaf to a JSON-publishable scalar. Integers
// from CBOR become float64 so both formats publish the same numbers.
// NaN and the infinities (CBOR only) have no JSON form and are refused.
func scalar(v any) (any, bool) {
	switch x := v.(type) {
	case string, bool:
		return x, true
	case float64:
		return x, finite(x)
	case float32:
		return float64(x), finite(float64(x))
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int:
		return float64(x), true
	default:
		return nil, false
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// number extracts a numeric value.
func number(v any) (float64, bool) {
	s, ok := scalar(v)
	if !ok {
		return 0, false
	}
	f, ok := s.(float64)
	return f, ok
}
