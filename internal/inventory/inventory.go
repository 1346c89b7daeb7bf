// Package inventory resolves a target selector into the inventory snapshot
// stored with a job.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
)

// ErrEmptySelector is returned when a selector names nothing to match.
var ErrEmptySelector = errors.New("empty target selector")

// DefaultField is matched when a selector has no field prefix.
const DefaultField = "asset"

// reserved asset attributes that are not host variables
var hiddenFields = map[string]struct{}{"_id": {}, "lastModified": {}}

// Provider builds snapshots for selectors.
type Provider interface {
	Snapshot(ctx context.Context, selector string) (models.InventorySnapshot, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, selector string) (models.InventorySnapshot, error)

func (f ProviderFunc) Snapshot(ctx context.Context, selector string) (models.InventorySnapshot, error) {
	return f(ctx, selector)
}

// Selector is a parsed target selector such as "groups:access,core".
type Selector struct {
	Field string
	// Raw is the value part before splitting on commas.
	Raw    string
	Values []string
}

// ParseSelector splits an optional "field:" prefix from a comma separated
// list of patterns. Only the first colon separates the field, so values may
// contain colons. MAC values are upper-cased.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	field, value := DefaultField, s
	if i := strings.Index(s, ":"); i >= 0 {
		field, value = s[:i], s[i+1:]
		if field == "" {
			field = DefaultField
		}
	}
	if field == "mac" {
		value = strings.ToUpper(value)
	}

	seen := make(map[string]struct{})
	var values []string
	for _, v := range strings.Split(value, ",") {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	if len(values) == 0 {
		return Selector{}, fmt.Errorf("%w: %q", ErrEmptySelector, s)
	}
	return Selector{Field: field, Raw: value, Values: values}, nil
}

// Build turns matched asset documents and per-group variables into a
// snapshot. Every asset attribute except _id and lastModified becomes a host
// variable, entries of the "variables" list are flattened into it, and the
// asset joins each group named in its "groups" list.
func Build(assets []map[string]any, groupVars map[string]map[string]any) models.InventorySnapshot {
	snap := models.InventorySnapshot{}
	for _, asset := range assets {
		name, _ := asset["asset"].(string)
		if strings.TrimSpace(name) == "" {
			continue
		}

		attrs := make(map[string]any)
		for key, val := range asset {
			if _, hidden := hiddenFields[key]; hidden {
				continue
			}
			if key == "variables" {
				for _, v := range asList(val) {
					if m, ok := v.(map[string]any); ok {
						for vk, vv := range m {
							attrs[vk] = vv
						}
					}
				}
				continue
			}
			attrs[key] = val
		}
		if snap.HostVars == nil {
			snap.HostVars = make(map[string]map[string]any)
		}
		snap.HostVars[name] = attrs

		for _, g := range asList(asset["groups"]) {
			group, ok := g.(string)
			if !ok || strings.TrimSpace(group) == "" || group == "_meta" {
				continue
			}
			if snap.Groups == nil {
				snap.Groups = make(map[string]models.Group)
			}
			entry, exists := snap.Groups[group]
			if !exists {
				entry.Vars = make(map[string]any)
				for k, v := range groupVars[group] {
					if _, hidden := hiddenFields[k]; !hidden {
						entry.Vars[k] = v
					}
				}
			}
			entry.Hosts = append(entry.Hosts, name)
			snap.Groups[group] = entry
		}
	}
	return snap
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	default:
		return nil
	}
}
