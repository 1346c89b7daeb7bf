package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidSnapshot marks a malformed inventory snapshot.
var ErrInvalidSnapshot = errors.New("invalid inventory snapshot")

const metaGroup = "_meta"

// Group is an inventory group: its member hosts and group variables.
type Group struct {
	Hosts []string       `json:"hosts"`
	Vars  map[string]any `json:"vars"`
}

// InventorySnapshot describes the target topology needed while a job runs.
// It encodes in the dynamic-inventory layout understood by the executor:
//
//	{"<group>": {"hosts": [...], "vars": {...}}, "_meta": {"hostvars": {...}}}
//
// The zero value is the empty snapshot, stored as "" by EncodeSnapshot.
type InventorySnapshot struct {
	Groups   map[string]Group
	HostVars map[string]map[string]any
}

// Empty reports whether the snapshot carries no hosts or groups.
func (s InventorySnapshot) Empty() bool {
	return len(s.Groups) == 0 && len(s.HostVars) == 0
}

// Hosts returns the sorted union of group members and hosts with variables.
func (s InventorySnapshot) Hosts() []string {
	set := make(map[string]struct{})
	for _, g := range s.Groups {
		for _, h := range g.Hosts {
			set[h] = struct{}{}
		}
	}
	for h := range s.HostVars {
		set[h] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Validate rejects unnamed groups, unnamed hosts and the reserved _meta name.
func (s InventorySnapshot) Validate() error {
	for name, g := range s.Groups {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: unnamed group", ErrInvalidSnapshot)
		}
		if name == metaGroup {
			return fmt.Errorf("%w: %q is reserved", ErrInvalidSnapshot, metaGroup)
		}
		for _, h := range g.Hosts {
			if strings.TrimSpace(h) == "" {
				return fmt.Errorf("%w: group %q has an unnamed host", ErrInvalidSnapshot, name)
			}
		}
	}
	for h := range s.HostVars {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("%w: unnamed host in hostvars", ErrInvalidSnapshot)
		}
	}
	return nil
}

type inventoryMeta struct {
	HostVars map[string]map[string]any `json:"hostvars"`
}

func (s InventorySnapshot) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(s.Groups)+1)
	for name, g := range s.Groups {
		if g.Hosts == nil {
			g.Hosts = []string{}
		}
		if g.Vars == nil {
			g.Vars = map[string]any{}
		}
		doc[name] = g
	}
	hostvars := s.HostVars
	if hostvars == nil {
		hostvars = map[string]map[string]any{}
	}
	doc[metaGroup] = inventoryMeta{HostVars: hostvars}
	return json.Marshal(doc)
}

func (s *InventorySnapshot) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`)) {
		*s = InventorySnapshot{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	out := InventorySnapshot{}
	for name, body := range raw {
		if name == metaGroup {
			var meta inventoryMeta
			if err := json.Unmarshal(body, &meta); err != nil {
				return fmt.Errorf("%w: _meta: %v", ErrInvalidSnapshot, err)
			}
			if len(meta.HostVars) > 0 {
				out.HostVars = meta.HostVars
			}
			continue
		}
		var g Group
		if err := json.Unmarshal(body, &g); err != nil {
			return fmt.Errorf("%w: group %q: %v", ErrInvalidSnapshot, name, err)
		}
		if out.Groups == nil {
			out.Groups = make(map[string]Group)
		}
		out.Groups[name] = g
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*s = out
	return nil
}

// EncodeSnapshot renders the stored text form; the empty snapshot is "".
func EncodeSnapshot(s InventorySnapshot) (string, error) {
	if s.Empty() {
		return "", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(b), nil
}

// DecodeSnapshot parses the stored text form.
func DecodeSnapshot(text string) (InventorySnapshot, error) {
	var s InventorySnapshot
	if strings.TrimSpace(text) == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		if errors.Is(err, ErrInvalidSnapshot) {
			return InventorySnapshot{}, err
		}
		return InventorySnapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return s, nil
}

// EncodeParameters renders the stored text form of p.
func EncodeParameters(p Parameters) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	return string(b), nil
}

// DecodeParameters parses the stored text form; "" decodes to no parameters.
func DecodeParameters(text string) (Parameters, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var p Parameters
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		if errors.Is(err, ErrInvalidParameters) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return p, nil
}
