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

// Package pool defines the downstream address pool that consumes membership
// updates. The routing layer that reads the pool is outside this module; the
// package ships a no-op pool and an in-memory pool for tests and for the
// daemon's admin view, plus a Redis-backed pool in the redispool subpackage.
package pool

import (
	"context"
	"strings"
	"sync"
)

// Pool receives tag→address-set updates. Publishing an empty address set
// removes the tag; a non-empty set (re)establishes it. Publishing the same
// tag with the same address set twice must be equivalent to publishing it
// once. Implementations must be safe for concurrent use by multiple trackers.
type Pool interface {
	Publish(ctx context.Context, tag string, addresses []string) error
}

//nolint:gochecknoglobals
var (
	// Nop is a Pool implementation that discards all updates.
	Nop Pool = nopPool{}
)

type nopPool struct{}

func (nopPool) Publish(context.Context, string, []string) error {
	return nil
}

// Memory is an in-memory Pool. A removal published under a bare instance id
// also clears any tag carrying that id as its final ":"-separated component,
// so per-instance removal tags line up with <app>:<service>:<id> membership
// tags.
type Memory struct {
	mu   sync.RWMutex
	tags map[string][]string
}

// NewMemory returns an empty in-memory pool.
func NewMemory() *Memory {
	return &Memory{tags: make(map[string][]string)}
}

func (m *Memory) Publish(_ context.Context, tag string, addresses []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(addresses) == 0 {
		delete(m.tags, tag)
		if !strings.Contains(tag, ":") {
			for existing := range m.tags {
				if strings.HasSuffix(existing, ":"+tag) {
					delete(m.tags, existing)
				}
			}
		}
		return nil
	}
	stored := make([]string, len(addresses))
	copy(stored, addresses)
	m.tags[tag] = stored
	return nil
}

// Snapshot returns a copy of the current tag→address-set view.
func (m *Memory) Snapshot() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]string, len(m.tags))
	for tag, addresses := range m.tags {
		copied := make([]string, len(addresses))
		copy(copied, addresses)
		out[tag] = copied
	}
	return out
}

// Addresses returns the address set for a tag, or nil if the tag is absent.
func (m *Memory) Addresses(tag string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addresses, ok := m.tags[tag]
	if !ok {
		return nil
	}
	copied := make([]string, len(addresses))
	copy(copied, addresses)
	return copied
}
