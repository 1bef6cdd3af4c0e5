// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/creachadair/mds/value"
)

// Tags identifying the type of an encoded value.
const (
	TagNil    = 'N'
	TagFalse  = 'F'
	TagTrue   = 'T'
	TagInt    = 'I' // signed varint
	TagFloat  = 'D' // 8 bytes, big-endian IEEE 754
	TagString = 'S' // Vint30 length, UTF-8 bytes
	TagBytes  = 'B' // Vint30 length, raw bytes
	TagList   = 'L' // Vint30 count, values
	TagMap    = 'M' // Vint30 count, (key, value) pairs in key order
)

// MaxDepth is the maximum nesting depth of lists and maps accepted by the
// decoder.
const MaxDepth = 64

// ErrUnsupportedType is reported when encoding a value whose type has no
// encoding.
var ErrUnsupportedType = errors.New("unsupported value type")

// Value appends the self-describing encoding of v to b.
//
// The supported types are nil, bool, the signed and unsigned integer types
// (unsigned values must fit in an int64), float32 and float64, string,
// []byte, []any, []string, map[string]any and map[string]string.
// Lists and maps may nest.
//
// If Value reports an error, the contents of b are unspecified.
func (b *Builder) Value(v any) error {
	switch t := v.(type) {
	case nil:
		b.Put(TagNil)
	case bool:
		b.Put(value.Cond[byte](t, TagTrue, TagFalse))
	case int:
		b.putInt(int64(t))
	case int8:
		b.putInt(int64(t))
	case int16:
		b.putInt(int64(t))
	case int32:
		b.putInt(int64(t))
	case int64:
		b.putInt(t)
	case uint:
		return b.putUint(uint64(t))
	case uint8:
		b.putInt(int64(t))
	case uint16:
		b.putInt(int64(t))
	case uint32:
		b.putInt(int64(t))
	case uint64:
		return b.putUint(t)
	case float32:
		b.Put(TagFloat)
		b.Float64(float64(t))
	case float64:
		b.Put(TagFloat)
		b.Float64(t)
	case string:
		return b.putString(TagString, t)
	case []byte:
		if len(t) > MaxVint30 {
			return fmt.Errorf("bytes too long (%d > %d)", len(t), MaxVint30)
		}
		b.Put(TagBytes)
		b.VPut(t)
	case []any:
		if err := b.putCount(TagList, len(t)); err != nil {
			return err
		}
		for i, elt := range t {
			if err := b.Value(elt); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
	case []string:
		if err := b.putCount(TagList, len(t)); err != nil {
			return err
		}
		for _, elt := range t {
			if err := b.putString(TagString, elt); err != nil {
				return err
			}
		}
	case map[string]any:
		return putMap(b, t, b.Value)
	case map[string]string:
		return putMap(b, t, func(s string) error { return b.putString(TagString, s) })
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil
}

func (b *Builder) putInt(v int64) { b.Put(TagInt); b.Varint(v) }

func (b *Builder) putUint(v uint64) error {
	if v > math.MaxInt64 {
		return fmt.Errorf("unsigned value %d overflows int64", v)
	}
	b.putInt(int64(v))
	return nil
}

func (b *Builder) putString(tag byte, s string) error {
	if len(s) > MaxVint30 {
		return fmt.Errorf("string too long (%d > %d)", len(s), MaxVint30)
	}
	b.Put(tag)
	b.VPutString(s)
	return nil
}

func (b *Builder) putCount(tag byte, n int) error {
	if n > MaxVint30 {
		return fmt.Errorf("too many elements (%d > %d)", n, MaxVint30)
	}
	b.Put(tag)
	b.Vint30(uint32(n))
	return nil
}

func putMap[V any](b *Builder, m map[string]V, put func(V) error) error {
	if err := b.putCount(TagMap, len(m)); err != nil {
		return err
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if len(key) > MaxVint30 {
			return fmt.Errorf("map key too long (%d bytes)", len(key))
		}
		b.VPutString(key)
		if err := put(m[key]); err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
	}
	return nil
}

// Value scans a single self-describing value from the head of the input.
//
// Decoded values have one of the types nil, bool, int64, float64, string,
// []byte, []any or map[string]any. Byte slices do not alias the input.
func (s *Scanner) Value() (any, error) { return s.value(0) }

func (s *Scanner) value(depth int) (any, error) {
	pos := s.offset
	tag, err := s.Byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagNil:
		return nil, nil
	case TagFalse:
		return false, nil
	case TagTrue:
		return true, nil
	case TagInt:
		return s.Varint()
	case TagFloat:
		return s.Float64()
	case TagString:
		return VGet[string](s)
	case TagBytes:
		v, err := VGet[[]byte](s)
		if err != nil {
			return nil, err
		}
		return slices.Clone(v), nil
	case TagList, TagMap:
		if depth >= MaxDepth {
			return nil, fmt.Errorf("value nested too deeply at offset %d", pos)
		}
		n, err := s.Vint30()
		if err != nil {
			return nil, fmt.Errorf("element count: %w", noEOF(err))
		}
		if tag == TagList {
			return s.list(n, depth+1)
		}
		return s.dict(n, depth+1)
	default:
		return nil, fmt.Errorf("invalid value tag %q at offset %d", tag, pos)
	}
}

func (s *Scanner) list(n, depth int) (any, error) {
	// Each element occupies at least one byte, so do not trust n beyond that.
	out := make([]any, 0, min(n, s.Len()))
	for i := range n {
		v, err := s.value(depth)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, noEOF(err))
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Scanner) dict(n, depth int) (any, error) {
	out := make(map[string]any, min(n, s.Len()/2))
	for range n {
		key, err := VGet[string](s)
		if err != nil {
			return nil, fmt.Errorf("map key: %w", err)
		}
		if _, ok := out[key]; ok {
			return nil, fmt.Errorf("duplicate map key %q", key)
		}
		v, err := s.value(depth)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, noEOF(err))
		}
		out[key] = v
	}
	return out, nil
}

// EncodeValue returns the self-describing encoding of v.
func EncodeValue(v any) ([]byte, error) {
	var b Builder
	if err := b.Value(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeValue decodes data as exactly one self-describing value.
func DecodeValue(data []byte) (any, error) {
	s := NewScanner(data)
	v, err := s.Value()
	if err != nil {
		return nil, noEOF(err)
	} else if s.Len() != 0 {
		return nil, fmt.Errorf("extra data after value at offset %d (%d bytes)", s.Offset(), s.Len())
	}
	return v, nil
}

// noEOF converts a bare io.EOF into io.ErrUnexpectedEOF, since running out of
// input in the middle of a value is always a truncation.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("value truncated: %w", io.ErrUnexpectedEOF)
	}
	return err
}
