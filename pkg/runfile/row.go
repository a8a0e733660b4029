package runfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Reserved keys.
const (
	// ErrorKey holds the verbatim source of a line that failed to parse.
	ErrorKey = "_error"
	// SourceKey names the catalog source a line belongs to.
	SourceKey = "_s"
	// ObsnumKey and ObsnumsKey are the single and combination forms of the observation key.
	ObsnumKey  = "obsnum"
	ObsnumsKey = "obsnums"
	// ObsnumEitherKey is accepted on input and resolved to obsnum/obsnums on output.
	ObsnumEitherKey = "obsnum(s)"
	// ExcludeBeamsKey is translated into pix_list on output.
	ExcludeBeamsKey = "exclude_beams"
	// PixListKey lists the mapping-instrument pixels to use.
	PixListKey = "pix_list"
)

// Field is one key=value pair.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Row is one invocation: its fields in the order they appeared.
type Row struct {
	Fields []Field
}

// NewRow builds a row from alternating key, value arguments.
func NewRow(kv ...string) Row {
	var r Row
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i], kv[i+1])
	}
	return r
}

// ErrorRow wraps an unparsable source line.
func ErrorRow(line string) Row {
	return Row{Fields: []Field{{Key: ErrorKey, Value: line}}}
}

// IsError reports whether the row preserves a line that failed to parse.
func (r Row) IsError() bool {
	return len(r.Fields) == 1 && r.Fields[0].Key == ErrorKey
}

// Get returns the value for key.
func (r Row) Get(key string) (string, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Obsnum returns the observation value under any of its accepted keys.
func (r Row) Obsnum() (string, bool) {
	for _, f := range r.Fields {
		if isObsnumKey(f.Key) {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the value of key in place, or appends it.
func (r *Row) Set(key, value string) {
	for i := range r.Fields {
		if r.Fields[i].Key == key {
			r.Fields[i].Value = value
			return
		}
	}
	r.Fields = append(r.Fields, Field{Key: key, Value: value})
}

// Delete removes key if present.
func (r *Row) Delete(key string) {
	out := r.Fields[:0]
	for _, f := range r.Fields {
		if f.Key != key {
			out = append(out, f)
		}
	}
	r.Fields = out
}

// Keys returns the keys in order.
func (r Row) Keys() []string {
	keys := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		keys[i] = f.Key
	}
	return keys
}

// Clone returns a deep copy.
func (r Row) Clone() Row {
	return Row{Fields: append([]Field(nil), r.Fields...)}
}

// Map returns the fields as an unordered map.
func (r Row) Map() map[string]string {
	m := make(map[string]string, len(r.Fields))
	for _, f := range r.Fields {
		m[f.Key] = f.Value
	}
	return m
}

// MarshalJSON encodes the row as a JSON object whose member order is the
// field order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping member order. Arrays are joined
// with commas, numbers and booleans are written in their JSON form and null
// becomes an empty cell.
func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("runfile row must be a JSON object")
	}

	r.Fields = nil
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", keyTok)
		}
		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		value, err := cellString(raw)
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		r.Set(key, value)
	}
	_, err = dec.Token()
	return err
}

func cellString(v interface{}) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case []interface{}:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			s, err := cellString(e)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value %T", v)
	}
}

func isObsnumKey(key string) bool {
	return key == ObsnumKey || key == ObsnumsKey || key == ObsnumEitherKey
}
