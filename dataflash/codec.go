// Package dataflash decodes ArduPilot dataflash binary logs. The log is
// self-describing: FMT frames declare the field layout for a message type id,
// and every later data frame with that id is decoded against the most recent
// declaration.
package dataflash

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FieldKind enumerates the storage classes a decoded field can take.
type FieldKind int

// The supported storage classes. Integers are widened to 64 bits regardless
// of their on-disk width.
const (
	KindInt FieldKind = iota
	KindUint
	KindFloat32
	KindFloat64
	KindString
)

// FieldValue is a single decoded field. Exactly one of the storage fields is
// meaningful, selected by Kind.
type FieldValue struct {
	Kind  FieldKind
	Int   int64
	Uint  uint64
	Float float64
	Str   string
}

// MarshalJSON renders the value according to its kind. Non-finite floats
// become JSON null rather than invalid NaN/Inf literals.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindInt:
		return json.Marshal(v.Int)
	case KindUint:
		return json.Marshal(v.Uint)
	case KindFloat32, KindFloat64:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.Float)
	case KindString:
		return json.Marshal(v.Str)
	}
	return nil, errors.Errorf("unknown field kind %d", v.Kind)
}

// AsInt64 returns the value as a signed integer if it holds one.
func (v FieldValue) AsInt64() (int64, bool) {
	switch v.Kind {
	case KindInt:
		return v.Int, true
	case KindUint:
		return int64(v.Uint), true
	}
	return 0, false
}

// AsFloat64 returns the value as a float if it holds any numeric kind.
func (v FieldValue) AsFloat64() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindUint:
		return float64(v.Uint), true
	case KindFloat32, KindFloat64:
		return v.Float, true
	}
	return 0, false
}

// UnsupportedFieldCodeError is returned when a format string contains a tag
// outside the closed dataflash tag set. The log cannot be interpreted past it.
type UnsupportedFieldCodeError struct {
	Code byte
}

func (e *UnsupportedFieldCodeError) Error() string {
	return "unsupported field code " + strconv.Quote(string(e.Code))
}

// fieldWidth returns the number of bytes a field with the given format tag
// occupies on disk.
func fieldWidth(code byte) (int64, error) {
	switch code {
	case 'b', 'B', 'M':
		return 1, nil
	case 'h', 'c', 'H', 'C':
		return 2, nil
	case 'i', 'L', 'I', 'E', 'e', 'f', 'n':
		return 4, nil
	case 'q', 'Q', 'd':
		return 8, nil
	case 'N':
		return 16, nil
	case 'Z':
		return 64, nil
	}
	return 0, &UnsupportedFieldCodeError{Code: code}
}

// decodeField reads exactly one field of the given format tag from r.
// All multi-byte quantities are little-endian.
func decodeField(r io.Reader, code byte) (FieldValue, error) {
	width, err := fieldWidth(code)
	if err != nil {
		return FieldValue{}, err
	}
	buf := make([]byte, width)
	if _, err := io.ReadFull(r, buf); err != nil {
		return FieldValue{}, err
	}

	switch code {
	case 'b':
		return FieldValue{Kind: KindInt, Int: int64(int8(buf[0]))}, nil
	case 'h', 'c':
		return FieldValue{Kind: KindInt, Int: int64(int16(binary.LittleEndian.Uint16(buf)))}, nil
	case 'i', 'L', 'e':
		return FieldValue{Kind: KindInt, Int: int64(int32(binary.LittleEndian.Uint32(buf)))}, nil
	case 'q':
		return FieldValue{Kind: KindInt, Int: int64(binary.LittleEndian.Uint64(buf))}, nil
	case 'B', 'M':
		return FieldValue{Kind: KindUint, Uint: uint64(buf[0])}, nil
	case 'H', 'C':
		return FieldValue{Kind: KindUint, Uint: uint64(binary.LittleEndian.Uint16(buf))}, nil
	case 'I', 'E':
		return FieldValue{Kind: KindUint, Uint: uint64(binary.LittleEndian.Uint32(buf))}, nil
	case 'Q':
		return FieldValue{Kind: KindUint, Uint: binary.LittleEndian.Uint64(buf)}, nil
	case 'f':
		return FieldValue{
			Kind:  KindFloat32,
			Float: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf))),
		}, nil
	case 'd':
		return FieldValue{
			Kind:  KindFloat64,
			Float: math.Float64frombits(binary.LittleEndian.Uint64(buf)),
		}, nil
	case 'n', 'N', 'Z':
		return FieldValue{Kind: KindString, Str: sanitizeText(buf)}, nil
	}
	return FieldValue{}, &UnsupportedFieldCodeError{Code: code}
}

// sanitizeText interprets a fixed-width field as lossy UTF-8 and strips the
// trailing NUL padding.
func sanitizeText(buf []byte) string {
	return strings.TrimRight(strings.ToValidUTF8(string(buf), "�"), "\x00")
}
