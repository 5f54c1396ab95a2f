package keycodec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/weftdb/weft/internal/kv"
)

// bigIntEnvelope is the reversible JSON form of a *big.Int value:
// {"__type":"bigint","value":"-123"}.
const bigIntMarker = "bigint"

// EncodeValue serializes a JSON-compatible value tree, replacing *big.Int
// nodes with a reversible envelope. The output is valid JSON, so SQL
// json_extract works directly against the stored bytes.
func EncodeValue(v any) ([]byte, error) {
	converted, err := encodeBigInts(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(converted)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize value: %w", err)
	}
	return data, nil
}

// DecodeValue reverses EncodeValue. Numbers decode as json.Number to
// avoid losing integer precision on round trips; bigint envelopes decode
// back to *big.Int.
func DecodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", kv.ErrCorruptValue, err)
	}
	return decodeBigInts(v), nil
}

func encodeBigInts(v any) (any, error) {
	switch t := v.(type) {
	case *big.Int:
		if t == nil {
			return nil, fmt.Errorf("%w: nil big.Int value", kv.ErrInvalidArgument)
		}
		return map[string]any{"__type": bigIntMarker, "value": t.String()}, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			conv, err := encodeBigInts(elem)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			conv, err := encodeBigInts(elem)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	default:
		return v, nil
	}
}

func decodeBigInts(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t["__type"] == bigIntMarker {
			if s, ok := t["value"].(string); ok && len(t) == 2 {
				if n, ok := new(big.Int).SetString(s, 10); ok {
					return n
				}
			}
		}
		for k, elem := range t {
			t[k] = decodeBigInts(elem)
		}
		return t
	case []any:
		for i, elem := range t {
			t[i] = decodeBigInts(elem)
		}
		return t
	default:
		return v
	}
}
