// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package platform encodes target platform selectors for compiled
// resources.
//
// A [Tag] packs five selector fields into a uint32: platform, render
// group, render API, quality, and variant. Each field is either pinned
// to a value or left as "any", which matches every value of that
// field. [TagAny] (the zero Tag) matches everything and tags the
// platform-independent artifact of a resource.
//
// Tags are ordered by specificity. [Tag.Matches] reports whether a tag
// is equal to or more specific than a reference: every field the
// reference pins must hold the same value in the tag. Compiled-cache
// lookups use this ordering to let a broad artifact satisfy a narrow
// request.
//
// [Tag.Reduce] produces the probe sequence for cache fallback. It
// walks from the most specific selector toward [TagAny], degrading
// quality one level at a time and dropping fields variant-first, so a
// request for linux:vulkan:high:2 tries the exact artifact before
// settling for linux:vulkan or plain linux.
//
// Human-readable forms are colon-separated field lists
// ("linux:gl:vulkan:high:3"), parsed by [Parse] and produced by
// [Tag.String]. Well-known field values have registered names;
// [RegisterName] extends the tables for project-specific values.
package platform
