// Package keycodec implements the order-preserving binary encoding for
// composite keys and the JSON value codec with big-integer support.
//
// Encoded keys compare bytewise in the same order as their semantic
// comparison: part by part, within a type by natural order, and between
// types by tag precedence (bytes < text < number < big integer < bool).
// Every part is terminated by the separator byte, which together with the
// escape byte is escaped inside variable-length payloads. For a prefix P,
// all proper descendants of P fall in [Encode(P)+0x00, Encode(P)+0xFF).
package keycodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/weftdb/weft/internal/kv"
)

const (
	sepByte    = 0x00
	escapeByte = 0x01

	tagBytes     = 0x02
	tagString    = 0x03
	tagNumber    = 0x04
	tagBigIntNeg = 0x05
	tagBigIntPos = 0x06
	tagFalse     = 0x07
	tagTrue      = 0x08

	rangeEndByte = 0xFF
)

// EncodeKey encodes a key into its order-preserving byte form. The empty
// key encodes to an empty slice (valid only as a range prefix).
func EncodeKey(key kv.Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, part := range key {
		switch p := part.(type) {
		case []byte:
			buf.WriteByte(tagBytes)
			writeEscaped(&buf, p)
		case string:
			buf.WriteByte(tagString)
			writeEscaped(&buf, []byte(p))
		case float64:
			buf.WriteByte(tagNumber)
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], orderedFloatBits(p))
			buf.Write(b[:])
		case *big.Int:
			writeBigInt(&buf, p)
		case bool:
			if p {
				buf.WriteByte(tagTrue)
			} else {
				buf.WriteByte(tagFalse)
			}
		}
		buf.WriteByte(sepByte)
	}
	return buf.Bytes(), nil
}

// DecodeKey reverses EncodeKey.
func DecodeKey(encoded []byte) (kv.Key, error) {
	var key kv.Key
	rest := encoded
	for len(rest) > 0 {
		part, n, err := decodePart(rest)
		if err != nil {
			return nil, err
		}
		key = append(key, part)
		rest = rest[n:]
		if len(rest) == 0 || rest[0] != sepByte {
			return nil, fmt.Errorf("%w: missing separator after part %d", kv.ErrCorruptKey, len(key)-1)
		}
		rest = rest[1:]
	}
	return key, nil
}

// Range returns the half-open encoded interval [start, end) containing
// every key of which prefix is a proper prefix. The prefix key itself
// encodes below start.
func Range(prefix kv.Key) (start, end []byte, err error) {
	enc, err := EncodeKey(prefix)
	if err != nil {
		return nil, nil, err
	}
	start = append(append([]byte{}, enc...), sepByte)
	end = append(append([]byte{}, enc...), rangeEndByte)
	return start, end, nil
}

// writeEscaped writes payload with separator and escape bytes escaped.
// The substitutions keep byte order: 0x00 -> 0x01 0x02, 0x01 -> 0x01 0x03.
func writeEscaped(buf *bytes.Buffer, payload []byte) {
	for _, b := range payload {
		switch b {
		case sepByte:
			buf.WriteByte(escapeByte)
			buf.WriteByte(0x02)
		case escapeByte:
			buf.WriteByte(escapeByte)
			buf.WriteByte(0x03)
		default:
			buf.WriteByte(b)
		}
	}
}

// orderedFloatBits maps an IEEE 754 double to a uint64 whose unsigned
// order matches numeric order: non-negatives get the sign bit flipped,
// negatives get all bits flipped.
func orderedFloatBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func unorderedFloatBits(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

// writeBigInt encodes sign, 4-byte magnitude length, and the big-endian
// magnitude. Negative integers use a lower tag and store length and
// magnitude ones-complemented so that more-negative sorts first.
func writeBigInt(buf *bytes.Buffer, v *big.Int) {
	mag := v.Bytes() // absolute value, big-endian, no leading zeros
	var lenb [4]byte
	if v.Sign() < 0 {
		buf.WriteByte(tagBigIntNeg)
		binary.BigEndian.PutUint32(lenb[:], ^uint32(len(mag)))
		buf.Write(lenb[:])
		for _, b := range mag {
			buf.WriteByte(^b)
		}
	} else {
		buf.WriteByte(tagBigIntPos)
		binary.BigEndian.PutUint32(lenb[:], uint32(len(mag)))
		buf.Write(lenb[:])
		buf.Write(mag)
	}
}

// decodePart decodes one part at the head of data, returning the part and
// the number of bytes consumed (excluding the trailing separator).
func decodePart(data []byte) (any, int, error) {
	switch data[0] {
	case tagBytes, tagString:
		payload, n, err := readEscaped(data[1:])
		if err != nil {
			return nil, 0, err
		}
		if data[0] == tagBytes {
			return payload, 1 + n, nil
		}
		return string(payload), 1 + n, nil
	case tagNumber:
		if len(data) < 9 {
			return nil, 0, fmt.Errorf("%w: truncated number part", kv.ErrCorruptKey)
		}
		return unorderedFloatBits(binary.BigEndian.Uint64(data[1:9])), 9, nil
	case tagBigIntNeg, tagBigIntPos:
		neg := data[0] == tagBigIntNeg
		if len(data) < 5 {
			return nil, 0, fmt.Errorf("%w: truncated big integer length", kv.ErrCorruptKey)
		}
		length := binary.BigEndian.Uint32(data[1:5])
		if neg {
			length = ^length
		}
		end := 5 + int(length)
		if len(data) < end {
			return nil, 0, fmt.Errorf("%w: truncated big integer magnitude", kv.ErrCorruptKey)
		}
		mag := make([]byte, length)
		copy(mag, data[5:end])
		if neg {
			for i := range mag {
				mag[i] = ^mag[i]
			}
		}
		v := new(big.Int).SetBytes(mag)
		if neg {
			v.Neg(v)
		}
		return v, end, nil
	case tagFalse:
		return false, 1, nil
	case tagTrue:
		return true, 1, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown type tag 0x%02x", kv.ErrCorruptKey, data[0])
	}
}

// readEscaped reads an escaped payload up to (not including) the first
// unescaped separator, returning the unescaped bytes and the count of
// encoded bytes consumed.
func readEscaped(data []byte) ([]byte, int, error) {
	var out []byte
	i := 0
	for i < len(data) {
		b := data[i]
		switch b {
		case sepByte:
			return out, i, nil
		case escapeByte:
			if i+1 >= len(data) {
				return nil, 0, fmt.Errorf("%w: dangling escape byte", kv.ErrCorruptKey)
			}
			switch data[i+1] {
			case 0x02:
				out = append(out, sepByte)
			case 0x03:
				out = append(out, escapeByte)
			default:
				return nil, 0, fmt.Errorf("%w: invalid escape sequence 0x01 0x%02x", kv.ErrCorruptKey, data[i+1])
			}
			i += 2
		default:
			out = append(out, b)
			i++
		}
	}
	return nil, 0, fmt.Errorf("%w: unterminated variable-length part", kv.ErrCorruptKey)
}

// CompareEncoded compares two encoded keys bytewise.
func CompareEncoded(a, b []byte) int {
	return bytes.Compare(a, b)
}
