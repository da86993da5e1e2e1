package diff

import (
	"bytes"
	"encoding/json"
)

// Ordered is a string-keyed map that remembers insertion order and
// serializes as a JSON object in that order. The zero value is ready to use.
type Ordered[V any] struct {
	keys   []string
	values map[string]V
}

// Set stores value under key. A new key is appended to the key order,
// an existing key keeps its position.
func (o *Ordered[V]) Set(key string, value V) {
	if o.values == nil {
		o.values = make(map[string]V)
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the value stored under key.
func (o Ordered[V]) Get(key string) (V, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Keys returns the keys in insertion order. Callers must not modify the slice.
func (o Ordered[V]) Keys() []string {
	return o.keys
}

// Len returns the number of keys.
func (o Ordered[V]) Len() int {
	return len(o.keys)
}

// Map returns a plain map copy of the content.
func (o Ordered[V]) Map() map[string]V {
	m := make(map[string]V, len(o.keys))
	for _, k := range o.keys {
		m[k] = o.values[k]
	}
	return m
}

// MarshalJSON encodes the map as an object with keys in insertion order.
func (o Ordered[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

