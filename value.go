package melda

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind tags one branch of the JSON value sum: Null | Bool | Number | String |
// Array | Object. All traversal in this package goes over this sum rather
// than over interface{}, so canonicalization, flattening and hashing share
// one definition of what a JSON value is.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is one JSON value: the tagged sum the whole engine traverses.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	a    []Value
	o    map[string]Value
}

func Null() Value                  { return Value{kind: KindNull} }
func Bool(b bool) Value            { return Value{kind: KindBool, b: b} }
func Number(n float64) Value       { return Value{kind: KindNumber, n: n} }
func String(s string) Value        { return Value{kind: KindString, s: s} }
func Array(items ...Value) Value   { return Value{kind: KindArray, a: items} }
func Object(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindObject, o: m}
}

func EmptyObject() Value { return Object(nil) }
func EmptyArray() Value  { return Value{kind: KindArray} }

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNull() bool     { return v.kind == KindNull }
func (v Value) IsObject() bool   { return v.kind == KindObject }
func (v Value) IsArray() bool    { return v.kind == KindArray }
func (v Value) AsBool() bool     { return v.b }
func (v Value) AsNumber() float64 { return v.n }
func (v Value) AsString() string { return v.s }
func (v Value) AsArray() []Value { return v.a }

// AsObject returns the underlying field map. Callers must not retain it
// past a mutation of v's siblings without copying, same convention as the
// rest of this package (Values are value types but their object/array
// payloads are shared slices/maps until explicitly cloned).
func (v Value) AsObject() map[string]Value { return v.o }

// Get returns the field named key, or Null if v is not an object or the
// field is absent.
func (v Value) Get(key string) Value {
	if v.kind != KindObject {
		return Null()
	}
	val, ok := v.o[key]
	if !ok {
		return Null()
	}
	return val
}

// SortedKeys returns v's object field names sorted lexicographically. Used
// by the canonicalizer and by anything that needs deterministic field
// iteration.
func (v Value) SortedKeys() []string {
	keys := make([]string, 0, len(v.o))
	for k := range v.o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithField returns a shallow copy of v with key set to val. v must be an
// object (or null, treated as an empty object).
func (v Value) WithField(key string, val Value) Value {
	m := make(map[string]Value, len(v.o)+1)
	for k, vv := range v.o {
		m[k] = vv
	}
	m[key] = val
	return Object(m)
}

// ParseJSON decodes raw JSON bytes into a Value.
func ParseJSON(raw []byte) (Value, error) {
	var any interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&any); err != nil {
		return Value{}, fmt.Errorf("melda: parse json: %w", err)
	}
	return fromGo(any)
}

func fromGo(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("melda: bad number %q: %w", t, err)
		}
		return Number(f), nil
	case float64:
		return Number(t), nil
	case string:
		return String(t), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, e := range t {
			v, err := fromGo(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{kind: KindArray, a: items}, nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := fromGo(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Object(m), nil
	default:
		return Value{}, fmt.Errorf("melda: unsupported json type %T", x)
	}
}

// ToGo converts a Value back into the plain interface{} tree encoding/json
// would have produced, for callers that want to marshal it with the
// standard library or hand it to application code.
func (v Value) ToGo() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, len(v.a))
		for i, e := range v.a {
			out[i] = e.ToGo()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.o))
		for k, e := range v.o {
			out[k] = e.ToGo()
		}
		return out
	default:
		return nil
	}
}

// Equal reports deep, order-sensitive-for-arrays / order-insensitive-for-
// objects equality, matching JSON value equality.
func (v Value) Equal(w Value) bool {
	if v.kind != w.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == w.b
	case KindNumber:
		return v.n == w.n
	case KindString:
		return v.s == w.s
	case KindArray:
		if len(v.a) != len(w.a) {
			return false
		}
		for i := range v.a {
			if !v.a[i].Equal(w.a[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.o) != len(w.o) {
			return false
		}
		for k, vv := range v.o {
			ww, ok := w.o[k]
			if !ok || !vv.Equal(ww) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
