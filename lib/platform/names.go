// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Field indexes for RegisterName, ordered broadest to finest.
const (
	FieldPlatform = iota
	FieldGroup
	FieldAPI
	FieldQuality
	FieldVariant
)

// Built-in field value names. Values mirror the well-known targets the
// compile toolchain ships with; projects register their own on top.
var (
	nameMu      sync.RWMutex
	valueByName [5]map[string]int
	nameByValue [5]map[int]string
)

func init() {
	for i := range valueByName {
		valueByName[i] = make(map[string]int)
		nameByValue[i] = make(map[int]string)
	}
	preset := [5]map[string]int{
		FieldPlatform: {"windows": 0, "linux": 1, "macos": 2, "ios": 3, "android": 4, "web": 5},
		FieldGroup:    {"gl": 0, "dx": 1, "console": 2},
		FieldAPI:      {"opengl": 0, "vulkan": 1, "metal": 2, "d3d12": 3, "webgpu": 4},
		FieldQuality:  {"low": 0, "medium": 1, "high": 2, "ultra": 3},
		FieldVariant:  {},
	}
	for field, names := range preset {
		for name, value := range names {
			valueByName[field][name] = value
			nameByValue[field][value] = name
		}
	}
}

// RegisterName binds a human-readable name to a field value so that
// Parse accepts it and String produces it. Registering a name that is
// already bound to a different value is an error; re-registering the
// same binding is a no-op.
func RegisterName(field int, value int, name string) error {
	if field < FieldPlatform || field > FieldVariant {
		return fmt.Errorf("platform: field index %d out of range", field)
	}
	spec := fieldSpecs[field]
	if value < 0 || value >= int(spec.mask) {
		return fmt.Errorf("platform: %s value %d out of range [0, %d)", spec.name, value, spec.mask)
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "*" || strings.ContainsAny(name, ":") {
		return fmt.Errorf("platform: invalid %s name %q", spec.name, name)
	}
	nameMu.Lock()
	defer nameMu.Unlock()
	if existing, ok := valueByName[field][name]; ok {
		if existing == value {
			return nil
		}
		return fmt.Errorf("platform: %s name %q already bound to %d", spec.name, name, existing)
	}
	valueByName[field][name] = value
	nameByValue[field][value] = name
	return nil
}

// Parse reads the colon-separated selector form produced by
// [Tag.String]: up to five fields ordered platform:group:api:quality:
// variant. A field is a registered name, a decimal value, or empty/"*"
// for "any". Trailing fields may be omitted. "*" alone is TagAny.
func Parse(s string) (Tag, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "*" {
		return TagAny, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) > len(fieldSpecs) {
		return TagAny, fmt.Errorf("platform: selector %q has %d fields, want at most %d", s, len(parts), len(fieldSpecs))
	}
	f := Fields{Platform: Any, Group: Any, API: Any, Quality: Any, Variant: Any}
	values := [5]*int{&f.Platform, &f.Group, &f.API, &f.Quality, &f.Variant}
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || part == "*" {
			continue
		}
		spec := fieldSpecs[i]
		nameMu.RLock()
		value, ok := valueByName[i][part]
		nameMu.RUnlock()
		if !ok {
			n, err := strconv.Atoi(part)
			if err != nil {
				return TagAny, fmt.Errorf("platform: unknown %s %q in selector %q", spec.name, part, s)
			}
			value = n
		}
		if value < 0 || value >= int(spec.mask) {
			return TagAny, fmt.Errorf("platform: %s value %d out of range [0, %d)", spec.name, value, spec.mask)
		}
		*values[i] = value
	}
	return Compose(f), nil
}

// String renders the selector in the form Parse accepts: names where
// registered, decimal otherwise, "*" for unconstrained fields, with
// trailing unconstrained fields trimmed. TagAny renders as "*".
func (t Tag) String() string {
	if t == TagAny {
		return "*"
	}
	f := t.Fields()
	values := [5]int{f.Platform, f.Group, f.API, f.Quality, f.Variant}
	last := 0
	for i, v := range values {
		if v != Any {
			last = i
		}
	}
	parts := make([]string, 0, last+1)
	nameMu.RLock()
	defer nameMu.RUnlock()
	for i := 0; i <= last; i++ {
		v := values[i]
		switch {
		case v == Any:
			parts = append(parts, "*")
		default:
			if name, ok := nameByValue[i][v]; ok {
				parts = append(parts, name)
			} else {
				parts = append(parts, strconv.Itoa(v))
			}
		}
	}
	return strings.Join(parts, ":")
}
