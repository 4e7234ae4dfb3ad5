package skiff

import (
	"bytes"
	"io"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// Doc is a document: a self-describing tree of typed values keyed by
// field name. It is the unit of exchange with the server, both for user
// data and for command requests and replies.
type Doc map[string]interface{}

type encoder = msgpack.Encoder
type decoder = msgpack.Decoder

func newEncoder(w io.Writer) *encoder {
	return msgpack.NewEncoder(w)
}

func newDecoder(r io.Reader) *decoder {
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	return dec
}

// Marshal encodes the document.
func (d Doc) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := newEncoder(&buf).Encode(map[string]interface{}(d)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalDoc decodes a single document from data.
func UnmarshalDoc(data []byte) (Doc, error) {
	var m map[string]interface{}
	if err := newDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, err
	}
	return Doc(m), nil
}

// Str returns the string at key, or "" when the field is absent or has
// another type.
func (d Doc) Str(key string) string {
	s, _ := d[key].(string)
	return s
}

// Bool returns the boolean at key. Absent or mistyped fields read as
// false.
func (d Doc) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Num returns the numeric value at key. The decoder may deliver any
// integer or float width depending on the wire form, and decimals
// arrive as decimal.Decimal.
func (d Doc) Num(key string) (float64, bool) {
	switch v := d[key].(type) {
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	}
	return 0, false
}

// Strings returns the array of strings at key. Non-string elements are
// skipped.
func (d Doc) Strings(key string) []string {
	arr, ok := d[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Docs returns the array of subdocuments at key. Non-document elements
// are skipped.
func (d Doc) Docs(key string) []Doc {
	arr, ok := d[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]Doc, 0, len(arr))
	for _, v := range arr {
		if m, ok := v.(map[string]interface{}); ok {
			out = append(out, Doc(m))
		}
	}
	return out
}

// Doc returns the subdocument at key, or nil.
func (d Doc) Doc(key string) Doc {
	m, _ := d[key].(map[string]interface{})
	return Doc(m)
}

// Has reports whether the field is present.
func (d Doc) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Ok reports whether a command reply carries ok == 1 (or true).
func (d Doc) Ok() bool {
	if b, isBool := d["ok"].(bool); isBool {
		return b
	}
	n, isNum := d.Num("ok")
	return isNum && n == 1
}
