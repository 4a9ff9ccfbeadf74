package menu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is the tagged union compared by conditions. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	flag bool
	list []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String wraps s.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps n.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool wraps b.
func Bool(b bool) Value { return Value{kind: KindBool, flag: b} }

// List wraps the given elements.
func List(items ...Value) Value {
	return Value{kind: KindList, list: append([]Value{}, items...)}
}

// Strings builds a list of string values.
func Strings(items []string) Value {
	list := make([]Value, 0, len(items))
	for _, s := range items {
		list = append(list, String(s))
	}
	return Value{kind: KindList, list: list}
}

// Kind reports the variant.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload and whether v is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric payload and whether v is a number.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Items returns the list payload and whether v is a list.
func (v Value) Items() ([]Value, bool) { return v.list, v.kind == KindList }

// Equal is strict primitive equality: same kind and same payload. Lists and
// nulls never compare equal to anything.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.flag == o.flag
	default:
		return false
	}
}

// Has reports whether v is a list containing an element Equal to x.
func (v Value) Has(x Value) bool {
	if v.kind != KindList {
		return false
	}
	for _, item := range v.list {
		if item.Equal(x) {
			return true
		}
	}
	return false
}

// FromAny converts decoded JSON/YAML data into a Value. Maps are rejected.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("menu: value %q: %w", t.String(), err)
		}
		return Number(f), nil
	case []any:
		list := make([]Value, 0, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("menu: value[%d]: %w", i, err)
			}
			list = append(list, v)
		}
		return Value{kind: KindList, list: list}, nil
	default:
		return Value{}, fmt.Errorf("menu: unsupported value type %T", raw)
	}
}

// Any converts v back to plain Go data.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.flag
	case KindList:
		out := make([]any, 0, len(v.list))
		for _, item := range v.list {
			out = append(out, item.Any())
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber && (math.IsNaN(v.num) || math.IsInf(v.num, 0)) {
		return nil, fmt.Errorf("menu: cannot encode %v", v.num)
	}
	return json.Marshal(v.Any())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
