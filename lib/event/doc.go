// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package event provides the in-process change-event bus.
//
// Stores and caches own a [Bus] and publish change.Event values as
// they mutate; consumers — the compile pipeline's invalidator, wire
// subscription handlers, tests — hold [Subscription]s. The contract
// is deliberately weak so that nothing upstream ever stalls:
//
//   - Publish never blocks, regardless of subscriber count or speed.
//   - Delivery is at-most-once. A subscription queue that overflows
//     is collapsed to a single Resync marker; the events it held are
//     gone, and the consumer must re-fetch the state it cares about.
//   - Surviving events are never reordered.
//   - Subscriptions are transient: no persistence, no replay.
//
// Every event is stamped with a per-subscription Token so consumers
// can detect their own gaps without coordinating with anyone else.
package event
