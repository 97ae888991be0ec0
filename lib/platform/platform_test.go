// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"testing"
)

func TestComposeFieldsRoundTrip(t *testing.T) {
	tests := []Fields{
		{Platform: Any, Group: Any, API: Any, Quality: Any, Variant: Any},
		{Platform: 1, Group: Any, API: Any, Quality: Any, Variant: Any},
		{Platform: 0, Group: 0, API: 0, Quality: 0, Variant: 0},
		{Platform: 1, Group: 2, API: 1, Quality: 2, Variant: 7},
		{Platform: 126, Group: 30, API: 126, Quality: 14, Variant: 254},
	}
	for _, want := range tests {
		got := Compose(want).Fields()
		if got != want {
			t.Errorf("Compose(%+v).Fields() = %+v", want, got)
		}
	}
}

func TestComposeZeroValueIsNotAny(t *testing.T) {
	// Field value 0 is a real value, distinct from "any". The packed
	// form stores value+1 so the two never collide.
	zero := Compose(Fields{Platform: 0, Group: Any, API: Any, Quality: Any, Variant: Any})
	if zero == TagAny {
		t.Fatal("platform value 0 packed to TagAny")
	}
	if got := zero.Fields().Platform; got != 0 {
		t.Fatalf("unpacked platform = %d, want 0", got)
	}
}

func TestComposeOutOfRangeBecomesAny(t *testing.T) {
	// Values at or beyond the field mask cannot be represented and
	// pack as "any" rather than corrupting neighbouring fields.
	f := Compose(Fields{Platform: 127, Group: 31, API: 127, Quality: 15, Variant: 255}).Fields()
	want := Fields{Platform: Any, Group: Any, API: Any, Quality: Any, Variant: Any}
	if f != want {
		t.Fatalf("out-of-range fields unpacked to %+v, want all Any", f)
	}
}

func TestMatches(t *testing.T) {
	linux := Compose(Fields{Platform: 1, Group: Any, API: Any, Quality: Any, Variant: Any})
	linuxVulkan := Compose(Fields{Platform: 1, Group: Any, API: 1, Quality: Any, Variant: Any})
	linuxVulkanHigh := Compose(Fields{Platform: 1, Group: Any, API: 1, Quality: 2, Variant: Any})
	windows := Compose(Fields{Platform: 0, Group: Any, API: Any, Quality: Any, Variant: Any})

	tests := []struct {
		name string
		tag  Tag
		want Tag
		ok   bool
	}{
		{"anything matches TagAny", linuxVulkanHigh, TagAny, true},
		{"TagAny does not match pinned", TagAny, linux, false},
		{"equal matches", linux, linux, true},
		{"more specific matches broader", linuxVulkanHigh, linux, true},
		{"broader does not match more specific", linux, linuxVulkanHigh, false},
		{"sibling platform does not match", windows, linux, false},
		{"specific matches mid ladder", linuxVulkanHigh, linuxVulkan, true},
	}
	for _, tt := range tests {
		if got := tt.tag.Matches(tt.want); got != tt.ok {
			t.Errorf("%s: (%s).Matches(%s) = %v, want %v", tt.name, tt.tag, tt.want, got, tt.ok)
		}
	}
}

func TestReduceDropsVariantFirst(t *testing.T) {
	full := Compose(Fields{Platform: 1, Group: 0, API: 1, Quality: 2, Variant: 3})
	reduced := full.Reduce(full)
	f := reduced.Fields()
	if f.Variant != Any {
		t.Fatalf("first reduction kept variant %d", f.Variant)
	}
	if f.Platform != 1 || f.Group != 0 || f.API != 1 || f.Quality != 2 {
		t.Fatalf("first reduction disturbed other fields: %+v", f)
	}
}

func TestReduceDegradesQualityByOneLevel(t *testing.T) {
	full := Compose(Fields{Platform: 1, Group: Any, API: Any, Quality: 2, Variant: Any})
	reduced := full.Reduce(full)
	if got := reduced.Fields().Quality; got != 1 {
		t.Fatalf("quality after one reduction = %d, want 1", got)
	}
	reduced = reduced.Reduce(full)
	if got := reduced.Fields().Quality; got != 0 {
		t.Fatalf("quality after two reductions = %d, want 0", got)
	}
	reduced = reduced.Reduce(full)
	if got := reduced.Fields().Quality; got != Any {
		t.Fatalf("quality after three reductions = %d, want Any", got)
	}
}

func TestProbesStartExactEndAny(t *testing.T) {
	want := Compose(Fields{Platform: 1, Group: 0, API: 1, Quality: 1, Variant: 2})
	probes := Probes(want)
	if len(probes) < 2 {
		t.Fatalf("probe sequence too short: %d", len(probes))
	}
	if probes[0] != want {
		t.Fatalf("first probe = %s, want the exact request %s", probes[0], want)
	}
	if probes[len(probes)-1] != TagAny {
		t.Fatalf("last probe = %s, want TagAny", probes[len(probes)-1])
	}
	seen := make(map[Tag]bool)
	for _, p := range probes {
		if seen[p] {
			t.Fatalf("probe %s appears twice", p)
		}
		seen[p] = true
	}
}

func TestProbesOfAnyIsJustAny(t *testing.T) {
	probes := Probes(TagAny)
	if len(probes) != 1 || probes[0] != TagAny {
		t.Fatalf("Probes(TagAny) = %v", probes)
	}
}

func TestParseStringRoundTrip(t *testing.T) {
	tests := []string{
		"*",
		"linux",
		"linux:gl:vulkan",
		"linux:*:vulkan:high",
		"windows:dx:d3d12:ultra:7",
		"5:2:9:3:200",
	}
	for _, s := range tests {
		tag, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		back, err := Parse(tag.String())
		if err != nil {
			t.Fatalf("Parse(%q) of rendered form: %v", tag.String(), err)
		}
		if back != tag {
			t.Errorf("round trip %q -> %s -> %s", s, tag, back)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"linux:gl:vulkan:high:3:extra",
		"mars",
		"linux:gl:vulkan:superduper",
		"linux:gl:vulkan:-2",
		"linux:gl:vulkan:99",
	} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestRegisterName(t *testing.T) {
	if err := RegisterName(FieldVariant, 42, "debug"); err != nil {
		t.Fatalf("RegisterName: %v", err)
	}
	tag, err := Parse("linux::::debug")
	if err != nil {
		t.Fatalf("Parse with registered name: %v", err)
	}
	if got := tag.Fields().Variant; got != 42 {
		t.Fatalf("variant = %d, want 42", got)
	}
	if err := RegisterName(FieldVariant, 42, "debug"); err != nil {
		t.Fatalf("re-registering identical binding: %v", err)
	}
	if err := RegisterName(FieldVariant, 43, "debug"); err == nil {
		t.Fatal("rebinding name to different value succeeded")
	}
	if err := RegisterName(FieldQuality, 200, "absurd"); err == nil {
		t.Fatal("out-of-range value registration succeeded")
	}
}
