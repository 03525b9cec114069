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

package waferlock

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/juju/collections/set"

	"github.com/chudley/waferlock/directory"
)

// enumerate lists the service's current instances, acts on the diff against
// the previous snapshot, and then replaces it: removed instances are withdrawn
// from the pool, added instances are grouped by location and queued for
// address resolution. The diff is by id identity only; content changes to a
// surviving instance are ignored.
func (t *Tracker) enumerate(ctx context.Context) error {
	instances, err := t.client.ListInstances(ctx, t.dir.ServiceID())
	if err != nil {
		return err
	}

	next := make(map[string]directory.Instance, len(instances))
	newIDs := set.NewStrings()
	for _, instance := range instances {
		next[instance.ID] = instance
		newIDs.Add(instance.ID)
	}
	oldIDs := set.NewStrings()
	for id := range t.snapshot {
		oldIDs.Add(id)
	}
	added := newIDs.Difference(oldIDs)
	removed := oldIDs.Difference(newIDs)

	for _, id := range removed.SortedValues() {
		// Withdraw under the stable per-instance tag.
		if err := t.pool.Publish(ctx, id, nil); err != nil {
			return fmt.Errorf("withdraw %s from pool: %w", id, err)
		}
		t.inv.Forget(id)
		level.Info(t.logger).Log("msg", "instance removed", "instance", id)
	}

	byLocation := make(map[string][]string)
	var locations []string
	for _, instance := range instances {
		if !added.Contains(instance.ID) {
			continue
		}
		if instance.Shard != "" && t.cfg.Shard != "" && instance.Shard != t.cfg.Shard {
			continue
		}
		location := instance.Location
		if location == "" {
			location = t.dir.FallbackLocation()
		}
		if location == "" {
			lerr := &UnresolvableLocationError{InstanceID: instance.ID}
			level.Warn(t.logger).Log("msg", "skipping instance", "err", lerr)
			continue
		}
		if _, seen := byLocation[location]; !seen {
			locations = append(locations, location)
		}
		byLocation[location] = append(byLocation[location], instance.ID)
	}
	for _, location := range locations {
		t.inv.Enqueue(location, byLocation[location])
	}
	// Commit the snapshot only once every withdrawal has been published and
	// every addition queued. A failure above leaves the old baseline in
	// place, so the next pass re-derives the same diff; withdrawals are
	// idempotent and nothing has been enqueued yet when one fails.
	t.snapshot = next
	if !added.IsEmpty() || !removed.IsEmpty() {
		level.Info(t.logger).Log("msg", "snapshot updated",
			"instances", len(next),
			"added", added.Size(),
			"removed", removed.Size(),
		)
	}
	return nil
}
