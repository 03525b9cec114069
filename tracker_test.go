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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chudley/waferlock/directory"
	"github.com/chudley/waferlock/internal/clocktest"
	"github.com/chudley/waferlock/inventory"
	"github.com/chudley/waferlock/pool"
)

const (
	testMinInterval = 10 * time.Second
	testMaxInterval = 60 * time.Second
)

type fakeDirectory struct {
	mu        sync.Mutex
	apps      []directory.Application
	appErr    error
	services  []directory.Service
	svcErr    error
	instances []directory.Instance
	instErr   error

	appCalls  int
	svcCalls  int
	instCalls int
}

func (f *fakeDirectory) ListApplications(_ context.Context, _ string) ([]directory.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appCalls++
	return f.apps, f.appErr
}

func (f *fakeDirectory) ListServices(_ context.Context, _, _ string) ([]directory.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.svcCalls++
	return f.services, f.svcErr
}

func (f *fakeDirectory) ListInstances(_ context.Context, _ string) ([]directory.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instCalls++
	return f.instances, f.instErr
}

func (f *fakeDirectory) setInstances(instances []directory.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances = instances
}

func (f *fakeDirectory) setServices(services []directory.Service) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services = services
}

func (f *fakeDirectory) calls() (app, svc, inst int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appCalls, f.svcCalls, f.instCalls
}

type fakeInventory struct {
	mu      sync.Mutex
	records map[string]inventory.Record
	err     error
	lookups int
}

func (f *fakeInventory) LookupIDs(_ context.Context, ids []string) ([]inventory.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	var out []inventory.Record
	for _, id := range ids {
		if record, ok := f.records[id]; ok {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeInventory) setRecord(record inventory.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string]inventory.Record)
	}
	f.records[record.ID] = record
}

func healthyDirectory(instances ...directory.Instance) *fakeDirectory {
	return &fakeDirectory{
		apps: []directory.Application{{
			ID:       "app-1",
			Name:     directory.FallbackApp,
			Metadata: map[string]string{directory.FallbackLocationKey: "east-2"},
		}},
		services:  []directory.Service{{ID: "svc-1", Name: "web", ApplicationID: "app-1"}},
		instances: instances,
	}
}

func recordWith(id string, ips ...string) inventory.Record {
	return inventory.Record{ID: id, State: "running", NICs: []inventory.NIC{{IPs: ips}}}
}

type trackerHarness struct {
	tracker   *Tracker
	clock     clocktest.FakeClock
	directory *fakeDirectory
	inventory *fakeInventory
	pool      *pool.Memory
	factories map[string]int
	cancel    context.CancelFunc
	done      chan struct{}
}

func newHarness(t *testing.T, dir *fakeDirectory, shard string) *trackerHarness {
	return newHarnessWithPool(t, dir, shard, nil)
}

// newHarnessWithPool lets a test interpose on the destination pool; wrap
// receives the harness's memory pool and returns the pool handed to the
// tracker.
func newHarnessWithPool(t *testing.T, dir *fakeDirectory, shard string, wrap func(pool.Pool) pool.Pool) *trackerHarness {
	t.Helper()

	harness := &trackerHarness{
		directory: dir,
		inventory: &fakeInventory{},
		pool:      pool.NewMemory(),
		factories: make(map[string]int),
		clock:     clocktest.NewFakeClock(),
		done:      make(chan struct{}),
	}
	var mu sync.Mutex
	factory := func(location string) (inventory.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		harness.factories[location]++
		return harness.inventory, nil
	}
	destination := pool.Pool(harness.pool)
	if wrap != nil {
		destination = wrap(destination)
	}
	tracker, err := New(
		Config{
			Application: directory.FallbackApp,
			Service:     "web",
			MinInterval: testMinInterval,
			MaxInterval: testMaxInterval,
			Shard:       shard,
		},
		dir,
		factory,
		destination,
	)
	require.NoError(t, err)
	tracker.clock = harness.clock
	harness.tracker = tracker

	ctx, cancel := context.WithCancel(context.Background())
	harness.cancel = cancel
	go func() {
		defer close(harness.done)
		_ = tracker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		// Unstick a fake timer the tracker may still be waiting on.
		harness.clock.Advance(2 * testMaxInterval)
		select {
		case <-harness.done:
		case <-time.After(time.Second):
			t.Error("tracker did not stop")
		}
	})
	return harness
}

func (h *trackerHarness) waitForState(t *testing.T, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.tracker.Status().State == state
	}, 2*time.Second, time.Millisecond)
}

// poke delivers a trigger synchronously. Unlike Poke, it fails the test if
// the tracker is not receiving.
func (h *trackerHarness) poke(t *testing.T) {
	t.Helper()
	select {
	case h.tracker.pokeCh <- struct{}{}:
	case <-time.After(time.Second):
		t.Fatal("tracker did not accept trigger")
	}
}

func (h *trackerHarness) blockOnTimer(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
}

func TestTrackerPublishesMembership(t *testing.T) {
	t.Parallel()

	dir := healthyDirectory(
		directory.Instance{ID: "i1", ServiceID: "svc-1", Location: "east-1"},
		directory.Instance{ID: "i2", ServiceID: "svc-1", Location: "east-1"},
		directory.Instance{ID: "i3", ServiceID: "svc-1"}, // fallback location
	)
	harness := newHarness(t, dir, "")
	harness.inventory.setRecord(recordWith("i1", "10.0.0.1/24"))
	harness.inventory.setRecord(recordWith("i2", "10.0.0.2/24", "10.0.1.2/24"))
	harness.inventory.setRecord(recordWith("i3", "10.1.0.3"))

	harness.waitForState(t, "idle")

	assert.Equal(t, []string{"10.0.0.1"}, harness.pool.Addresses("sdc:web:i1"))
	assert.Equal(t, []string{"10.0.0.2", "10.0.1.2"}, harness.pool.Addresses("sdc:web:i2"))
	assert.Equal(t, []string{"10.1.0.3"}, harness.pool.Addresses("sdc:web:i3"))

	// One client per location, created lazily and reused.
	assert.Equal(t, 1, harness.factories["east-1"])
	assert.Equal(t, 1, harness.factories["east-2"])

	status := harness.tracker.Status()
	assert.Equal(t, 3, status.Instances)
	assert.Empty(t, status.LastError)
}

func TestTrackerDiffRemovesAndAdds(t *testing.T) {
	t.Parallel()

	dir := healthyDirectory(
		directory.Instance{ID: "i2", ServiceID: "svc-1", Location: "east-1"},
		directory.Instance{ID: "i3", ServiceID: "svc-1", Location: "east-1"},
		directory.Instance{ID: "i4", ServiceID: "svc-1", Location: "east-1"},
	)
	harness := newHarness(t, dir, "")
	for _, id := range []string{"i1", "i2", "i3", "i4"} {
		harness.inventory.setRecord(recordWith(id, "10.0.0."+id[1:]))
	}

	harness.waitForState(t, "idle")
	require.NotNil(t, harness.pool.Addresses("sdc:web:i4"))

	dir.setInstances([]directory.Instance{
		{ID: "i1", ServiceID: "svc-1", Location: "east-1"},
		{ID: "i2", ServiceID: "svc-1", Location: "east-1"},
		{ID: "i3", ServiceID: "svc-1", Location: "east-1"},
	})
	harness.blockOnTimer(t)
	harness.clock.Advance(testMaxInterval)

	require.Eventually(t, func() bool {
		_, _, inst := dir.calls()
		return inst >= 2 && harness.tracker.Status().State == "idle"
	}, 2*time.Second, time.Millisecond)

	assert.NotNil(t, harness.pool.Addresses("sdc:web:i1"), "added instance should be published")
	assert.Nil(t, harness.pool.Addresses("sdc:web:i4"), "removed instance should be withdrawn")
	assert.NotNil(t, harness.pool.Addresses("sdc:web:i2"), "surviving instance should be untouched")
}

// flakyPool fails a fixed number of withdrawals before delegating.
type flakyPool struct {
	pool.Pool
	mu       sync.Mutex
	failures int
}

func (p *flakyPool) Publish(ctx context.Context, tag string, addresses []string) error {
	p.mu.Lock()
	if len(addresses) == 0 && p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		return errors.New("pool unavailable")
	}
	p.mu.Unlock()
	return p.Pool.Publish(ctx, tag, addresses)
}

func TestTrackerWithdrawalFailureReplaysDiff(t *testing.T) {
	t.Parallel()

	dir := healthyDirectory(
		directory.Instance{ID: "i1", ServiceID: "svc-1", Location: "east-1"},
		directory.Instance{ID: "i4", ServiceID: "svc-1", Location: "east-1"},
	)
	flaky := &flakyPool{failures: 1}
	harness := newHarnessWithPool(t, dir, "", func(p pool.Pool) pool.Pool {
		flaky.Pool = p
		return flaky
	})
	for _, id := range []string{"i1", "i2", "i4"} {
		harness.inventory.setRecord(recordWith(id, "10.0.0."+id[1:]))
	}

	harness.waitForState(t, "idle")
	require.NotNil(t, harness.pool.Addresses("sdc:web:i4"))

	// Remove i4 and add i2 in one step. The withdrawal of i4 fails once, so
	// the cycle faults with the previous snapshot intact.
	dir.setInstances([]directory.Instance{
		{ID: "i1", ServiceID: "svc-1", Location: "east-1"},
		{ID: "i2", ServiceID: "svc-1", Location: "east-1"},
	})
	harness.blockOnTimer(t)
	harness.clock.Advance(testMaxInterval)
	harness.waitForState(t, "fault")
	assert.Contains(t, harness.tracker.Status().LastError, "withdraw")
	assert.NotNil(t, harness.pool.Addresses("sdc:web:i4"))
	assert.Nil(t, harness.pool.Addresses("sdc:web:i2"))

	// The next cycle re-derives the same diff against a healthy pool.
	harness.blockOnTimer(t)
	harness.clock.Advance(testMinInterval)
	harness.waitForState(t, "idle")

	assert.Nil(t, harness.pool.Addresses("sdc:web:i4"), "removed instance should be withdrawn after recovery")
	assert.Equal(t, []string{"10.0.0.2"}, harness.pool.Addresses("sdc:web:i2"), "added instance should be published after recovery")
	assert.NotNil(t, harness.pool.Addresses("sdc:web:i1"))
}

func TestTrackerShardFilter(t *testing.T) {
	t.Parallel()

	dir := healthyDirectory(
		directory.Instance{ID: "i1", ServiceID: "svc-1", Location: "east-1", Shard: "1"},
		directory.Instance{ID: "i2", ServiceID: "svc-1", Location: "east-1", Shard: "2"},
		directory.Instance{ID: "i3", ServiceID: "svc-1", Location: "east-1"},
	)
	harness := newHarness(t, dir, "1")
	for _, id := range []string{"i1", "i2", "i3"} {
		harness.inventory.setRecord(recordWith(id, "10.0.0."+id[1:]))
	}

	harness.waitForState(t, "idle")

	assert.NotNil(t, harness.pool.Addresses("sdc:web:i1"))
	assert.Nil(t, harness.pool.Addresses("sdc:web:i2"), "mismatched shard should never be enqueued")
	assert.NotNil(t, harness.pool.Addresses("sdc:web:i3"), "shardless instance should be kept")
}

func TestTrackerUnresolvableLocationAbsorbed(t *testing.T) {
	t.Parallel()

	dir := healthyDirectory(
		directory.Instance{ID: "i1", ServiceID: "svc-1", Location: "east-1"},
		directory.Instance{ID: "i2", ServiceID: "svc-1"},
	)
	// No fallback location on the application.
	dir.apps[0].Metadata = nil
	harness := newHarness(t, dir, "")
	harness.inventory.setRecord(recordWith("i1", "10.0.0.1"))

	harness.waitForState(t, "idle")

	assert.NotNil(t, harness.pool.Addresses("sdc:web:i1"))
	assert.Nil(t, harness.pool.Addresses("sdc:web:i2"))
	assert.Empty(t, harness.tracker.Status().LastError, "absorbed failure must not reach fault")
}

func TestTrackerTriggerTiming(t *testing.T) {
	t.Parallel()

	dir := healthyDirectory(
		directory.Instance{ID: "i1", ServiceID: "svc-1", Location: "east-1"},
	)
	harness := newHarness(t, dir, "")
	harness.inventory.setRecord(recordWith("i1", "10.0.0.1"))

	harness.waitForState(t, "idle")
	harness.blockOnTimer(t)

	// An early trigger must not wake the tracker before the minimum
	// interval; it reschedules the wake to cycleEnd+min.
	harness.clock.Advance(3 * time.Second)
	harness.poke(t)
	harness.blockOnTimer(t)
	harness.clock.Advance(6 * time.Second)
	assert.Equal(t, "idle", harness.tracker.Status().State)
	_, _, instBefore := dir.calls()
	assert.Equal(t, 1, instBefore)

	harness.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		_, _, inst := dir.calls()
		return inst == 2 && harness.tracker.Status().State == "idle"
	}, 2*time.Second, time.Millisecond)

	// A trigger at or after the minimum interval wakes immediately.
	harness.blockOnTimer(t)
	harness.clock.Advance(15 * time.Second)
	harness.poke(t)
	require.Eventually(t, func() bool {
		_, _, inst := dir.calls()
		return inst == 3
	}, 2*time.Second, time.Millisecond)
}

func TestTrackerBackoffSequence(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{appErr: errors.New("connection refused")}
	harness := newHarness(t, dir, "")

	harness.waitForState(t, "fault")
	appCallsAfter := func(n int) {
		t.Helper()
		require.Eventually(t, func() bool {
			app, _, _ := dir.calls()
			return app == n && harness.tracker.Status().State == "fault"
		}, 2*time.Second, time.Millisecond)
	}
	appCallsAfter(1)

	// Delays double from the minimum interval and cap at the maximum.
	for _, delay := range []time.Duration{
		10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second,
	} {
		harness.blockOnTimer(t)
		app, _, _ := dir.calls()
		harness.clock.Advance(delay - time.Millisecond)
		assert.Equal(t, "fault", harness.tracker.Status().State)
		harness.clock.Advance(time.Millisecond)
		appCallsAfter(app + 1)
	}

	var transportErr *TransportError
	require.ErrorAs(t, harness.tracker.lastError(), &transportErr)
}

func TestTrackerAmbiguousServiceRetriesServiceOnly(t *testing.T) {
	t.Parallel()

	dir := healthyDirectory()
	dir.setServices([]directory.Service{
		{ID: "svc-1", Name: "web", ApplicationID: "app-1"},
		{ID: "svc-2", Name: "web", ApplicationID: "app-1"},
	})
	harness := newHarness(t, dir, "")

	harness.waitForState(t, "fault")
	assert.Contains(t, harness.tracker.Status().LastError, "2 services")

	harness.blockOnTimer(t)
	harness.clock.Advance(testMinInterval)
	require.Eventually(t, func() bool {
		_, svc, _ := dir.calls()
		return svc == 2
	}, 2*time.Second, time.Millisecond)

	// Application resolution is cached; only the service lookup re-runs.
	app, _, _ := dir.calls()
	assert.Equal(t, 1, app)

	dir.setServices([]directory.Service{{ID: "svc-1", Name: "web", ApplicationID: "app-1"}})
	harness.blockOnTimer(t)
	harness.clock.Advance(2 * testMinInterval)
	harness.waitForState(t, "idle")
}

func TestTrackerBackoffResetsOnIdle(t *testing.T) {
	t.Parallel()

	dir := healthyDirectory(
		directory.Instance{ID: "i1", ServiceID: "svc-1", Location: "east-1"},
	)
	harness := newHarness(t, dir, "")
	harness.inventory.setRecord(recordWith("i1", "10.0.0.1"))

	harness.waitForState(t, "idle")

	// Break enumeration long enough for the backoff to grow.
	dir.mu.Lock()
	dir.instErr = errors.New("boom")
	dir.mu.Unlock()
	harness.blockOnTimer(t)
	harness.clock.Advance(testMaxInterval)
	harness.waitForState(t, "fault")
	harness.blockOnTimer(t)
	harness.clock.Advance(testMinInterval)
	harness.waitForState(t, "fault")

	// Recover; reaching idle resets the backoff to the minimum interval.
	dir.mu.Lock()
	dir.instErr = nil
	dir.mu.Unlock()
	harness.blockOnTimer(t)
	harness.clock.Advance(20 * time.Second)
	harness.waitForState(t, "idle")
	assert.Empty(t, harness.tracker.Status().LastError)

	// Break it again: the first fault delay must be the minimum interval
	// once more, not a continuation of the grown backoff.
	dir.mu.Lock()
	dir.instErr = errors.New("boom")
	dir.mu.Unlock()
	harness.blockOnTimer(t)
	harness.clock.Advance(testMaxInterval)
	harness.waitForState(t, "fault")
	_, _, instBefore := dir.calls()
	harness.blockOnTimer(t)
	harness.clock.Advance(testMinInterval)
	require.Eventually(t, func() bool {
		_, _, inst := dir.calls()
		return inst == instBefore+1
	}, 2*time.Second, time.Millisecond)
}

func TestTrackerIncompleteDataFaultsAndRecovers(t *testing.T) {
	t.Parallel()

	dir := healthyDirectory(
		directory.Instance{ID: "i1", ServiceID: "svc-1", Location: "east-1"},
	)
	harness := newHarness(t, dir, "")
	harness.inventory.setRecord(inventory.Record{ID: "i1", State: "provisioning"})

	// The record has no usable interfaces yet, so the cycle faults with the
	// retry sub-batch re-enqueued.
	harness.waitForState(t, "fault")
	assert.Contains(t, harness.tracker.Status().LastError, "lack usable addresses")

	// Interfaces arrive; the retried batch publishes on the next cycle.
	harness.inventory.setRecord(recordWith("i1", "10.0.0.1"))
	harness.blockOnTimer(t)
	harness.clock.Advance(testMinInterval)
	harness.waitForState(t, "idle")
	assert.Equal(t, []string{"10.0.0.1"}, harness.pool.Addresses("sdc:web:i1"))
}

func TestTrackerPokeOutsideIdleDiscarded(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{appErr: errors.New("connection refused")}
	harness := newHarness(t, dir, "")

	harness.waitForState(t, "fault")
	// Must not block and must not be queued for the next idle.
	harness.tracker.Poke()
	assert.Equal(t, "fault", harness.tracker.Status().State)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	factory := func(string) (inventory.Client, error) { return nil, nil }

	_, err := New(Config{Service: "web", MinInterval: time.Second, MaxInterval: time.Minute}, dir, factory, nil)
	require.Error(t, err)

	_, err = New(Config{Application: "a", Service: "web", MaxInterval: time.Minute}, dir, factory, nil)
	require.Error(t, err)

	_, err = New(Config{Application: "a", Service: "web", MinInterval: time.Minute, MaxInterval: time.Second}, dir, factory, nil)
	require.Error(t, err)

	_, err = New(Config{Application: "a", Service: "web", MinInterval: time.Second, MaxInterval: time.Minute}, nil, factory, nil)
	require.Error(t, err)

	_, err = New(Config{Application: "a", Service: "web", MinInterval: time.Second, MaxInterval: time.Minute}, dir, nil, nil)
	require.Error(t, err)
}
