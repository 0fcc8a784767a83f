// Package bencode implements the canonical dictionary encoding used for
// every wire message in lokinet: router contacts, IntroSets, path-build
// frames, and routing-layer messages (§4.4). Encoding is canonical —
// dictionary keys are always emitted in sorted byte order — so that a
// signature computed over the encoded bytes is reproducible and so that
// two equivalent messages always produce identical wire bytes.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Value is any bencode-representable value: int64, []byte, []Value, or
// map[string]Value (a dict with string keys, encoded in sorted order).
type Value any

// Marshal encodes v in canonical bencode form.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v Value) error {
	switch t := v.(type) {
	case int64:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(t, 10))
		buf.WriteByte('e')
	case int:
		return encode(buf, int64(t))
	case []byte:
		buf.WriteString(strconv.Itoa(len(t)))
		buf.WriteByte(':')
		buf.Write(t)
	case string:
		return encode(buf, []byte(t))
	case []Value:
		buf.WriteByte('l')
		for _, item := range t {
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case map[string]Value:
		buf.WriteByte('d')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := encode(buf, []byte(k)); err != nil {
				return err
			}
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
	return nil
}

// Unmarshal decodes the first bencode value from data and returns it along
// with any trailing unconsumed bytes.
func Unmarshal(data []byte) (Value, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("bencode: empty input")
	}
	switch data[0] {
	case 'i':
		end := bytes.IndexByte(data, 'e')
		if end < 0 {
			return nil, nil, fmt.Errorf("bencode: unterminated integer")
		}
		n, err := strconv.ParseInt(string(data[1:end]), 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("bencode: parse integer: %w", err)
		}
		return n, data[end+1:], nil
	case 'l':
		rest := data[1:]
		var items []Value
		for len(rest) == 0 || rest[0] != 'e' {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("bencode: unterminated list")
			}
			v, next, err := Unmarshal(rest)
			if err != nil {
				return nil, nil, err
			}
			items = append(items, v)
			rest = next
		}
		return items, rest[1:], nil
	case 'd':
		rest := data[1:]
		dict := make(map[string]Value)
		for len(rest) == 0 || rest[0] != 'e' {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("bencode: unterminated dict")
			}
			kv, next, err := Unmarshal(rest)
			if err != nil {
				return nil, nil, fmt.Errorf("bencode: dict key: %w", err)
			}
			kb, ok := kv.([]byte)
			if !ok {
				return nil, nil, fmt.Errorf("bencode: dict key is not a string")
			}
			vv, next2, err := Unmarshal(next)
			if err != nil {
				return nil, nil, fmt.Errorf("bencode: dict value for key %q: %w", kb, err)
			}
			dict[string(kb)] = vv
			rest = next2
		}
		return dict, rest[1:], nil
	default:
		if data[0] >= '0' && data[0] <= '9' {
			colon := bytes.IndexByte(data, ':')
			if colon < 0 {
				return nil, nil, fmt.Errorf("bencode: malformed string length")
			}
			n, err := strconv.Atoi(string(data[:colon]))
			if err != nil {
				return nil, nil, fmt.Errorf("bencode: parse string length: %w", err)
			}
			if n < 0 || colon+1+n > len(data) {
				return nil, nil, fmt.Errorf("bencode: string length out of bounds")
			}
			return append([]byte(nil), data[colon+1:colon+1+n]...), data[colon+1+n:], nil
		}
		return nil, nil, fmt.Errorf("bencode: unexpected token %q", data[0])
	}
}

// DictWriter incrementally builds a canonical bencode dict. Keys may be
// added in any order; Bytes sorts them at encode time.
type DictWriter struct {
	fields map[string]Value
}

// NewDictWriter returns an empty DictWriter.
func NewDictWriter() *DictWriter {
	return &DictWriter{fields: make(map[string]Value)}
}

func (dw *DictWriter) PutInt(key string, v int64) { dw.fields[key] = v }
func (dw *DictWriter) PutBytes(key string, v []byte) {
	dw.fields[key] = append([]byte(nil), v...)
}
func (dw *DictWriter) PutString(key, v string) { dw.fields[key] = []byte(v) }
func (dw *DictWriter) PutList(key string, v []Value) { dw.fields[key] = v }
func (dw *DictWriter) PutDict(key string, v *DictWriter) {
	dw.fields[key] = v.asValue()
}

func (dw *DictWriter) asValue() map[string]Value { return dw.fields }

// AsValue exposes the writer's accumulated fields as a plain Value, for
// embedding one DictWriter's dict as an element of a list built by a caller.
func (dw *DictWriter) AsValue() Value { return dw.asValue() }

// Bytes renders the dict to canonical bencode bytes.
func (dw *DictWriter) Bytes() ([]byte, error) {
	return Marshal(dw.fields)
}

// DictReader provides typed field access over a decoded dict value.
type DictReader struct {
	fields map[string]Value
}

// WrapDict wraps an already-decoded dict value (e.g. a list element
// produced by Unmarshal) for typed field access.
func WrapDict(fields map[string]Value) *DictReader {
	return &DictReader{fields: fields}
}

// NewDictReader decodes data as a dict and wraps it for typed field reads.
func NewDictReader(data []byte) (*DictReader, error) {
	v, rest, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return nil, fmt.Errorf("bencode: trailing data after dict")
	}
	dict, ok := v.(map[string]Value)
	if !ok {
		return nil, fmt.Errorf("bencode: top-level value is not a dict")
	}
	return &DictReader{fields: dict}, nil
}

func (dr *DictReader) Has(key string) bool {
	_, ok := dr.fields[key]
	return ok
}

func (dr *DictReader) Int(key string) (int64, error) {
	v, ok := dr.fields[key]
	if !ok {
		return 0, fmt.Errorf("bencode: missing key %q", key)
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("bencode: key %q is not an integer", key)
	}
	return n, nil
}

func (dr *DictReader) Bytes(key string) ([]byte, error) {
	v, ok := dr.fields[key]
	if !ok {
		return nil, fmt.Errorf("bencode: missing key %q", key)
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("bencode: key %q is not a string", key)
	}
	return b, nil
}

func (dr *DictReader) List(key string) ([]Value, error) {
	v, ok := dr.fields[key]
	if !ok {
		return nil, fmt.Errorf("bencode: missing key %q", key)
	}
	l, ok := v.([]Value)
	if !ok {
		return nil, fmt.Errorf("bencode: key %q is not a list", key)
	}
	return l, nil
}

func (dr *DictReader) Dict(key string) (*DictReader, error) {
	v, ok := dr.fields[key]
	if !ok {
		return nil, fmt.Errorf("bencode: missing key %q", key)
	}
	d, ok := v.(map[string]Value)
	if !ok {
		return nil, fmt.Errorf("bencode: key %q is not a dict", key)
	}
	return &DictReader{fields: d}, nil
}
