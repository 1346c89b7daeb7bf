package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidParameters marks malformed execution parameters.
var ErrInvalidParameters = errors.New("invalid parameters")

// Param is one execution parameter.
type Param struct {
	Key   string
	Value any
}

// Parameters is an ordered mapping of parameter names to values. It encodes
// as a JSON object and keeps the key order it was built or decoded with.
type Parameters []Param

// Get returns the value stored under key.
func (p Parameters) Get(key string) (any, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// Set returns p with key set to value, replacing an existing entry in place
// or appending a new one.
func (p Parameters) Set(key string, value any) Parameters {
	for i, kv := range p {
		if kv.Key == key {
			out := append(Parameters(nil), p...)
			out[i].Value = value
			return out
		}
	}
	return append(append(Parameters(nil), p...), Param{Key: key, Value: value})
}

// Without returns a copy of p minus the named keys (case-insensitive).
func (p Parameters) Without(keys ...string) Parameters {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[strings.ToLower(k)] = struct{}{}
	}
	out := make(Parameters, 0, len(p))
	for _, kv := range p {
		if _, ok := drop[strings.ToLower(kv.Key)]; ok {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// Keys lists parameter names in order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for _, kv := range p {
		keys = append(keys, kv.Key)
	}
	return keys
}

// Map flattens p into an unordered map.
func (p Parameters) Map() map[string]any {
	m := make(map[string]any, len(p))
	for _, kv := range p {
		m[kv.Key] = kv.Value
	}
	return m
}

// Validate rejects empty and duplicated keys.
func (p Parameters) Validate() error {
	seen := make(map[string]struct{}, len(p))
	for i, kv := range p {
		if strings.TrimSpace(kv.Key) == "" {
			return fmt.Errorf("%w: empty key at position %d", ErrInvalidParameters, i)
		}
		if _, dup := seen[kv.Key]; dup {
			return fmt.Errorf("%w: duplicate key %q", ErrInvalidParameters, kv.Key)
		}
		seen[kv.Key] = struct{}{}
	}
	return nil
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal parameter %q: %w", kv.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Parameters) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*p = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: expected object", ErrInvalidParameters)
	}
	var out Parameters
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("%w: expected key, got %v", ErrInvalidParameters, tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("%w: value for %q: %v", ErrInvalidParameters, key, err)
		}
		out = append(out, Param{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*p = out
	return nil
}
