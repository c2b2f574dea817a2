package prompts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Pair is one template variable binding.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Variables is an insertion-ordered set of template variable bindings.
// The zero value is empty and ready to use.
type Variables struct {
	pairs []Pair
}

// NewVariables builds Variables from pairs; later duplicates overwrite earlier values.
func NewVariables(pairs ...Pair) Variables {
	var v Variables
	for _, p := range pairs {
		v.Set(p.Key, p.Value)
	}
	return v
}

// Set binds key to value, keeping the original position of an existing key.
func (v *Variables) Set(key, value string) {
	for i := range v.pairs {
		if v.pairs[i].Key == key {
			v.pairs[i].Value = value
			return
		}
	}
	v.pairs = append(v.pairs, Pair{Key: key, Value: value})
}

// Get returns the value bound to key.
func (v Variables) Get(key string) (string, bool) {
	for _, p := range v.pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Has reports whether key is bound.
func (v Variables) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Len returns the number of bindings.
func (v Variables) Len() int { return len(v.pairs) }

// Pairs returns a copy of the bindings in insertion order.
func (v Variables) Pairs() []Pair {
	return append([]Pair(nil), v.pairs...)
}

// Clone returns an independent copy.
func (v Variables) Clone() Variables {
	return Variables{pairs: v.Pairs()}
}

// MarshalJSON encodes the bindings as an ordered array of {key, value}.
func (v Variables) MarshalJSON() ([]byte, error) {
	if v.pairs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v.pairs)
}

// UnmarshalJSON accepts either an array of {key, value} or a JSON object;
// object member order is preserved.
func (v *Variables) UnmarshalJSON(data []byte) error {
	v.pairs = nil
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	switch trimmed[0] {
	case '[':
		var pairs []Pair
		if err := json.Unmarshal(trimmed, &pairs); err != nil {
			return err
		}
		for _, p := range pairs {
			v.Set(p.Key, p.Value)
		}
		return nil
	case '{':
		return v.decodeObject(trimmed)
	default:
		return errors.New("template variables must be an object or an array")
	}
}

func (v *Variables) decodeObject(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("variable %q: value must be a string", key)
		}
		v.Set(key, value)
	}
	_, err := dec.Token()
	return err
}
