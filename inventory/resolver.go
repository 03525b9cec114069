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

package inventory

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chudley/waferlock/pool"
)

// TagFunc builds the pool tag under which an instance's addresses are
// published.
type TagFunc func(instanceID string) string

// ResolverOption is an option used to customize a Resolver.
type ResolverOption interface {
	apply(*Resolver)
}

type resolverOptionFunc func(*Resolver)

func (f resolverOptionFunc) apply(r *Resolver) {
	f(r)
}

// WithLogger configures the logger used for absorbed failures. The default
// discards everything.
func WithLogger(logger log.Logger) ResolverOption {
	return resolverOptionFunc(func(r *Resolver) {
		r.logger = logger
	})
}

// Resolver owns the pending-batch queue and resolves one batch per call. It
// is not safe for concurrent use; a single tracker drives it sequentially.
type Resolver struct {
	factory Factory
	pool    pool.Pool
	tag     TagFunc
	logger  log.Logger

	clients map[string]Client
	queue   []*Batch
	retries map[string]int
}

// NewResolver returns a Resolver publishing resolved addresses to the given
// pool under tags built by tag.
func NewResolver(factory Factory, destination pool.Pool, tag TagFunc, options ...ResolverOption) *Resolver {
	resolver := &Resolver{
		factory: factory,
		pool:    destination,
		tag:     tag,
		logger:  log.NewNopLogger(),
		clients: make(map[string]Client),
		retries: make(map[string]int),
	}
	for _, option := range options {
		option.apply(resolver)
	}
	return resolver
}

// Enqueue groups the given ids into batches of at most BatchLimit, in the
// order given, and appends them to the pending queue.
func (r *Resolver) Enqueue(location string, ids []string) {
	for len(ids) > 0 {
		n := len(ids)
		if n > BatchLimit {
			n = BatchLimit
		}
		batch := &Batch{Location: location, IDs: make([]string, n)}
		copy(batch.IDs, ids[:n])
		r.queue = append(r.queue, batch)
		ids = ids[n:]
	}
}

// Pop removes and returns the next pending batch, if any.
func (r *Resolver) Pop() (*Batch, bool) {
	if len(r.queue) == 0 {
		return nil, false
	}
	batch := r.queue[0]
	r.queue = r.queue[1:]
	return batch, true
}

// QueueLen returns the number of pending batches.
func (r *Resolver) QueueLen() int {
	return len(r.queue)
}

// Forget clears the incomplete-data retry counter for an instance. The
// tracker calls this when enumeration observes the instance's removal.
func (r *Resolver) Forget(instanceID string) {
	delete(r.retries, instanceID)
}

// ResolveBatch issues one lookup for the batch's ids against the location's
// client and publishes the addresses of every complete record. On transport
// failure the batch is re-enqueued unchanged. Records in a terminal state are
// discarded. Records without usable addresses are collected into a
// same-location retry sub-batch, unless their retry counter has reached
// RetryLimit, in which case they are dropped for the remainder of their
// snapshot lifetime. A non-empty retry sub-batch is re-enqueued and reported
// as an IncompleteDataError so the next cycle runs at the earliest interval.
func (r *Resolver) ResolveBatch(ctx context.Context, batch *Batch) error {
	client, err := r.client(batch.Location)
	if err != nil {
		r.queue = append(r.queue, batch)
		return err
	}
	records, err := client.LookupIDs(ctx, batch.IDs)
	if err != nil {
		r.queue = append(r.queue, batch)
		return err
	}

	var retry []string
	for _, record := range records {
		if record.Terminal() {
			level.Debug(r.logger).Log(
				"msg", "discarding terminal record",
				"instance", record.ID,
				"state", record.State,
			)
			continue
		}
		addresses := record.Addresses()
		if len(addresses) == 0 {
			count := r.retries[record.ID] + 1
			r.retries[record.ID] = count
			if count < RetryLimit {
				retry = append(retry, record.ID)
			} else {
				level.Warn(r.logger).Log(
					"msg", "dropping instance with persistently incomplete address data",
					"instance", record.ID,
					"attempts", count,
				)
			}
			continue
		}
		if err := r.pool.Publish(ctx, r.tag(record.ID), addresses); err != nil {
			// Re-resolving the whole batch is safe: publishing is idempotent.
			r.queue = append(r.queue, batch)
			return fmt.Errorf("inventory: publish %s: %w", record.ID, err)
		}
	}

	if len(retry) > 0 {
		r.Enqueue(batch.Location, retry)
		return &IncompleteDataError{Location: batch.Location, IDs: retry}
	}
	return nil
}

// client returns the location's Client, creating it on first use.
func (r *Resolver) client(location string) (Client, error) {
	if client, ok := r.clients[location]; ok {
		return client, nil
	}
	client, err := r.factory(location)
	if err != nil {
		return nil, fmt.Errorf("inventory: client for %s: %w", location, err)
	}
	r.clients[location] = client
	return client, nil
}
