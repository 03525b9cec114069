// Copyright 2026 The Waferlock Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package waferlock tracks the live instances of a named service and keeps a
// downstream address pool in sync with them.
//
// A [Tracker] polls a directory service for the instance membership of one
// application/service pair, resolves each instance's current network
// addresses through a location-specific inventory service, and publishes
// membership deltas (tag → address set) to a [pool.Pool] consumed by a
// routing or load-balancing layer.
//
// Each Tracker is a single-goroutine finite-state engine: it resolves the
// application and service ids once, enumerates instances each cycle, diffs
// the result against the previous snapshot, batches newly added instances per
// location for address lookup, and then idles until the next cycle. Cycles
// run at an adaptive interval bounded by the configured minimum and maximum;
// an external [Tracker.Poke] can pull the next cycle forward to the earliest
// interval-compliant moment. Any remote failure moves the tracker to a fault
// state with exponential backoff rather than surfacing an error: a Tracker
// never stops on its own.
//
// Multiple independent Trackers, one per service pair, may run concurrently;
// they share no mutable state besides the pool, whose implementations are
// safe for concurrent use.
package waferlock
