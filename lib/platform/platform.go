// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package platform

// Field bit layout inside a Tag, least significant field first:
//
//	bits 0-6    platform       (127 usable values)
//	bits 7-11   render group   (31 usable values)
//	bits 12-18  render API     (127 usable values)
//	bits 19-22  quality        (15 usable values)
//	bits 23-30  variant        (255 usable values)
//
// A stored field holds the declared value plus one, so a stored zero
// means "any". The top bit is unused.
const (
	platformBits = 7
	groupBits    = 5
	apiBits      = 7
	qualityBits  = 4
	variantBits  = 8

	platformShift = 0
	groupShift    = platformShift + platformBits
	apiShift      = groupShift + groupBits
	qualityShift  = apiShift + apiBits
	variantShift  = qualityShift + qualityBits

	platformMask = 1<<platformBits - 1
	groupMask    = 1<<groupBits - 1
	apiMask      = 1<<apiBits - 1
	qualityMask  = 1<<qualityBits - 1
	variantMask  = 1<<variantBits - 1
)

// Tag is a packed platform selector. The zero value TagAny matches
// every platform. Tags are comparable and fit in a uint32, so they are
// safe as map keys and cheap to carry in cache keys and wire messages.
type Tag uint32

// TagAny is the unconstrained selector: every field is "any".
const TagAny Tag = 0

// Any marks a field as unconstrained in a Fields declaration.
const Any = -1

// Fields is the unpacked form of a Tag. A field holds Any (-1) when
// unconstrained, otherwise a value in the field's usable range.
type Fields struct {
	Platform int
	Group    int
	API      int
	Quality  int
	Variant  int
}

// fieldSpec drives the generic per-field loops. Order is least to most
// significant, which is also broadest to finest.
type fieldSpec struct {
	name  string
	shift uint
	mask  uint32
}

var fieldSpecs = [5]fieldSpec{
	{"platform", platformShift, platformMask},
	{"group", groupShift, groupMask},
	{"api", apiShift, apiMask},
	{"quality", qualityShift, qualityMask},
	{"variant", variantShift, variantMask},
}

// Compose packs a field declaration into a Tag. Fields holding Any or
// a value outside the usable range are stored as "any".
func Compose(f Fields) Tag {
	var t Tag
	for i, v := range [5]int{f.Platform, f.Group, f.API, f.Quality, f.Variant} {
		spec := fieldSpecs[i]
		if v >= 0 && v < int(spec.mask) {
			t |= Tag(uint32(v+1) << spec.shift)
		}
	}
	return t
}

// Fields unpacks a Tag. Unconstrained fields come back as Any.
func (t Tag) Fields() Fields {
	var v [5]int
	for i, spec := range fieldSpecs {
		v[i] = int(uint32(t)>>spec.shift&spec.mask) - 1
	}
	return Fields{Platform: v[0], Group: v[1], API: v[2], Quality: v[3], Variant: v[4]}
}

// Matches reports whether t is equal to or more specific than want:
// every field want pins must hold the same value in t. An artifact
// tagged t satisfies a request for want when this holds in the other
// direction, so cache probes call want.Matches(stored) with the stored
// artifact tag as the reference.
func (t Tag) Matches(want Tag) bool {
	for _, spec := range fieldSpecs {
		inPlace := spec.mask << spec.shift
		w := uint32(want) & inPlace
		if w != 0 && uint32(t)&inPlace != w {
			return false
		}
	}
	return true
}

// MoreSpecific reports whether t pins at least every field other pins,
// with agreeing values, and pins at least one field other leaves open.
// It is a strict partial order; tags pinning disjoint fields are not
// comparable and both directions report false.
func (t Tag) MoreSpecific(other Tag) bool {
	if t == other {
		return false
	}
	if !t.Matches(other) {
		return false
	}
	for _, spec := range fieldSpecs {
		inPlace := spec.mask << spec.shift
		if uint32(t)&inPlace != 0 && uint32(other)&inPlace == 0 {
			return true
		}
	}
	return false
}

// Reduce returns the next broader selector to probe after t missed,
// where full is the originally requested selector. The walk degrades
// quality one level at a time, drops the variant before quality, and
// restores finer fields from full when a coarser field is dropped, so
// the probe sequence covers every useful combination before reaching
// TagAny. Reduce of TagAny with no pinned reference fields returns
// TagAny; callers stop when the reduced tag equals the probe they just
// tried or when TagAny has been probed.
func (t Tag) Reduce(full Tag) Tag {
	const (
		variantInPlace  = variantMask << variantShift
		qualityInPlace  = qualityMask << qualityShift
		apiInPlace      = apiMask << apiShift
		groupInPlace    = groupMask << groupShift
		platformInPlace = platformMask << platformShift
	)
	u := uint32(t)
	f := uint32(full)

	if u&variantInPlace != 0 {
		return Tag(u &^ variantInPlace)
	}
	if u&qualityInPlace != 0 {
		stored := u >> qualityShift & qualityMask
		return Tag(u&^qualityInPlace | (stored-1)<<qualityShift)
	}
	u |= f & (variantInPlace | qualityInPlace)

	if u&apiInPlace != 0 {
		return Tag(u &^ apiInPlace)
	}
	if u&groupInPlace != 0 {
		return Tag(u &^ groupInPlace)
	}
	u |= f & (apiInPlace | groupInPlace)

	if u&platformInPlace != 0 {
		return Tag(u &^ platformInPlace)
	}
	return TagAny
}

// Probes expands the full fallback sequence for a requested tag,
// starting with the tag itself and ending with TagAny. The sequence is
// deduplicated and bounded; cache lookups iterate it in order.
func Probes(want Tag) []Tag {
	seen := make(map[Tag]bool)
	probes := make([]Tag, 0, 8)
	t := want
	for {
		if !seen[t] {
			seen[t] = true
			probes = append(probes, t)
		}
		if t == TagAny {
			return probes
		}
		next := t.Reduce(want)
		if next == t {
			return probes
		}
		t = next
	}
}
