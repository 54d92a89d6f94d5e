package model

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrDuplicateKey is returned when adding a key that is already present.
	ErrDuplicateKey = errors.New("duplicate annotation key")
	// ErrMissingKey is returned when a required key is absent.
	ErrMissingKey = errors.New("missing annotation key")
	// ErrTypeImmutable is returned when an element's type would change.
	ErrTypeImmutable = errors.New("type annotation cannot be changed")
)

// Annotations is an insertion-ordered string mapping with unique keys.
// The zero value is empty and ready to use.
type Annotations struct {
	keys   []string
	values map[string]string
}

// NewAnnotations builds annotations from alternating key/value pairs.
func NewAnnotations(pairs ...string) (Annotations, error) {
	var a Annotations
	if len(pairs)%2 != 0 {
		return a, fmt.Errorf("odd number of annotation arguments: %d", len(pairs))
	}
	for i := 0; i < len(pairs); i += 2 {
		if err := a.Add(pairs[i], pairs[i+1]); err != nil {
			return Annotations{}, err
		}
	}
	return a, nil
}

// Add inserts a new key. It fails if the key already exists.
func (a *Annotations) Add(key, value string) error {
	if _, ok := a.values[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	if a.values == nil {
		a.values = make(map[string]string)
	}
	a.keys = append(a.keys, key)
	a.values[key] = value
	return nil
}

// Set inserts or overwrites a key. The type key may be set once.
func (a *Annotations) Set(key, value string) error {
	old, ok := a.values[key]
	if !ok {
		return a.Add(key, value)
	}
	if key == KeyType && old != value {
		return fmt.Errorf("%w: %q -> %q", ErrTypeImmutable, old, value)
	}
	a.values[key] = value
	return nil
}

// Merge copies every key of other into a, overwriting existing values
// except the type annotation, which keeps its first value.
func (a *Annotations) Merge(other Annotations) {
	for _, k := range other.keys {
		v := other.values[k]
		if old, ok := a.values[k]; ok {
			if k == KeyType && old != "" {
				continue
			}
			a.values[k] = v
			continue
		}
		_ = a.Add(k, v)
	}
}

// Get returns the value for key.
func (a Annotations) Get(key string) (string, bool) {
	v, ok := a.values[key]
	return v, ok
}

// Require returns the value for key or ErrMissingKey.
func (a Annotations) Require(key string) (string, error) {
	v, ok := a.values[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMissingKey, key)
	}
	return v, nil
}

// Keys returns the keys in insertion order.
func (a Annotations) Keys() []string {
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// Len returns the number of keys.
func (a Annotations) Len() int {
	return len(a.keys)
}

// Clone returns an independent copy.
func (a Annotations) Clone() Annotations {
	c := Annotations{
		keys:   make([]string, len(a.keys)),
		values: make(map[string]string, len(a.values)),
	}
	copy(c.keys, a.keys)
	for k, v := range a.values {
		c.values[k] = v
	}
	return c
}

// String renders the annotations sorted by key as {k1:v1, k2:v2}.
func (a Annotations) String() string {
	sorted := make([]string, len(a.keys))
	copy(sorted, a.keys)
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range sorted {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(a.values[k])
	}
	b.WriteByte('}')
	return b.String()
}

// digest returns the lowercase hex MD5 of the sorted rendering plus any
// extra parts.
func digest(a Annotations, extra ...string) string {
	h := md5.New()
	h.Write([]byte(a.String()))
	for _, e := range extra {
		h.Write([]byte(e))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalJSON encodes the annotations as an object in insertion order.
func (a Annotations) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(a.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object, keeping key order. Repeated keys fail
// with ErrDuplicateKey.
func (a *Annotations) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("annotations: expected object, got %v", tok)
	}

	var out Annotations
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("annotations: expected key, got %v", tok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("annotations: value for %q: %w", key, err)
		}
		if err := out.Add(key, value); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}
