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
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chudley/waferlock/directory"
	"github.com/chudley/waferlock/internal"
	"github.com/chudley/waferlock/inventory"
	"github.com/chudley/waferlock/pool"
)

// State identifies where a Tracker is in its poll cycle.
type State int

const (
	StateResolveApp State = iota
	StateResolveService
	StateEnumerate
	StateDrainQueue
	StateResolveBatch
	StateIdle
	StateFault
)

func (s State) String() string {
	switch s {
	case StateResolveApp:
		return "resolve_app"
	case StateResolveService:
		return "resolve_service"
	case StateEnumerate:
		return "enumerate"
	case StateDrainQueue:
		return "drain_queue"
	case StateResolveBatch:
		return "resolve_batch"
	case StateIdle:
		return "idle"
	case StateFault:
		return "fault"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config carries the construction-time settings of a Tracker. It is not
// re-read after construction.
type Config struct {
	// Application and Service name the tracked pair.
	Application string
	Service     string

	// MinInterval and MaxInterval bound the delay between poll cycles.
	// MinInterval is also the starting point of the error backoff.
	MinInterval time.Duration
	MaxInterval time.Duration

	// Shard, when set, restricts tracking to instances that either declare
	// the same shard or declare none.
	Shard string
}

func (c Config) validate() error {
	if c.Application == "" || c.Service == "" {
		return errors.New("waferlock: application and service names are required")
	}
	if c.MinInterval <= 0 {
		return errors.New("waferlock: MinInterval must be positive")
	}
	if c.MaxInterval < c.MinInterval {
		return errors.New("waferlock: MaxInterval must be at least MinInterval")
	}
	return nil
}

// Option is an option used to customize the behavior of a Tracker.
type Option interface {
	apply(*Tracker)
}

type optionFunc func(*Tracker)

func (f optionFunc) apply(t *Tracker) {
	f(t)
}

// WithLogger configures the Tracker's logger. The default discards
// everything.
func WithLogger(logger log.Logger) Option {
	return optionFunc(func(t *Tracker) {
		t.logger = logger
	})
}

// Status is an observable snapshot of a Tracker, for admin surfaces and
// tests.
type Status struct {
	State     string
	LastError string
	Instances int
	Pending   int
}

// Tracker is the poll/reconcile engine for one application/service pair. Its
// state advances on a single goroutine started by Run; only Poke and Status
// may be called from other goroutines.
type Tracker struct {
	cfg    Config
	client directory.Client
	dir    *directory.Resolver
	inv    *inventory.Resolver
	pool   pool.Pool
	logger log.Logger
	clock  internal.Clock

	pokeCh chan struct{}

	// Owned by the run goroutine.
	snapshot map[string]directory.Instance
	backoff  time.Duration
	cycleEnd time.Time

	mu        sync.Mutex
	state     State
	lastErr   error
	instances int
	pending   int
}

// New returns a Tracker for the given pair. The directory client, inventory
// factory, and pool are the tracker's only views of the outside world; a nil
// pool publishes nowhere.
func New(
	cfg Config,
	client directory.Client,
	factory inventory.Factory,
	destination pool.Pool,
	options ...Option,
) (*Tracker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("waferlock: directory client is required")
	}
	if factory == nil {
		return nil, errors.New("waferlock: inventory factory is required")
	}
	if destination == nil {
		destination = pool.Nop
	}
	tracker := &Tracker{
		cfg:      cfg,
		client:   client,
		pool:     destination,
		logger:   log.NewNopLogger(),
		clock:    internal.NewRealClock(),
		pokeCh:   make(chan struct{}),
		snapshot: make(map[string]directory.Instance),
		backoff:  cfg.MinInterval,
		state:    StateResolveApp,
	}
	for _, option := range options {
		option.apply(tracker)
	}
	tracker.logger = log.WithPrefix(tracker.logger,
		"component", "tracker",
		"application", cfg.Application,
		"service", cfg.Service,
	)
	tracker.dir = directory.NewResolver(client, cfg.Application, cfg.Service)
	tracker.inv = inventory.NewResolver(factory, destination, tracker.membershipTag,
		inventory.WithLogger(tracker.logger))
	return tracker, nil
}

// membershipTag is the pool tag under which a live instance's addresses are
// published.
func (t *Tracker) membershipTag(instanceID string) string {
	return t.cfg.Application + ":" + t.cfg.Service + ":" + instanceID
}

// Poke requests an out-of-cycle poll at the earliest interval-compliant
// opportunity. It only has effect while the tracker is idle; at any other
// time the signal is discarded, not queued.
func (t *Tracker) Poke() {
	select {
	case t.pokeCh <- struct{}{}:
	default:
	}
}

// Status returns an observable snapshot of the tracker.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := Status{
		State:     t.state.String(),
		Instances: t.instances,
		Pending:   t.pending,
	}
	if t.lastErr != nil {
		status.LastError = t.lastErr.Error()
	}
	return status
}

// Run drives the tracker until ctx is cancelled. It never returns an error:
// every failure is absorbed into the fault state with exponential backoff.
func (t *Tracker) Run(ctx context.Context) error {
	level.Info(t.logger).Log("msg", "tracker started",
		"min_interval", t.cfg.MinInterval,
		"max_interval", t.cfg.MaxInterval,
	)
	state := StateResolveApp
	for ctx.Err() == nil {
		t.observe(state)
		switch state {
		case StateResolveApp:
			if err := t.dir.ResolveApplication(ctx); err != nil {
				state = t.fail("resolve application", err)
			} else {
				state = StateResolveService
			}
		case StateResolveService:
			if err := t.dir.ResolveService(ctx); err != nil {
				state = t.fail("resolve service", err)
			} else {
				state = StateEnumerate
			}
		case StateEnumerate:
			if err := t.enumerate(ctx); err != nil {
				state = t.fail("enumerate instances", err)
			} else {
				state = StateDrainQueue
			}
		case StateDrainQueue:
			if batch, ok := t.inv.Pop(); ok {
				state = t.resolveBatch(ctx, batch)
			} else {
				t.cycleEnd = t.clock.Now()
				state = StateIdle
			}
		case StateIdle:
			state = t.idle(ctx)
		case StateFault:
			state = t.waitFault(ctx)
		}
	}
	level.Info(t.logger).Log("msg", "tracker stopped")
	return nil
}

func (t *Tracker) resolveBatch(ctx context.Context, batch *inventory.Batch) State {
	if err := t.inv.ResolveBatch(ctx, batch); err != nil {
		return t.fail("resolve batch", err)
	}
	return StateDrainQueue
}

// idle waits for the next cycle. The cycle normally starts when the maximum
// interval elapses; a poke pulls it forward, but never before the minimum
// interval has passed since the cycle ended. Entering idle resets the error
// backoff.
func (t *Tracker) idle(ctx context.Context) State {
	t.backoff = t.cfg.MinInterval
	t.clearErr()
	minReady := t.cycleEnd.Add(t.cfg.MinInterval)
	maxReady := t.cycleEnd.Add(t.cfg.MaxInterval)
	timer := t.clock.NewTimer(maxReady.Sub(t.clock.Now()))
	for {
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return StateIdle
		case <-timer.Chan():
			return StateEnumerate
		case <-t.pokeCh:
			now := t.clock.Now()
			stopTimer(timer)
			if !now.Before(minReady) {
				return StateEnumerate
			}
			// Too early: wake at the earliest compliant moment instead.
			timer.Reset(minReady.Sub(now))
		}
	}
}

// waitFault sleeps out the current backoff delay, doubles it up to the
// maximum interval, and re-enters the cycle at the first unresolved step.
// Batches queued before the fault stay queued; the fresh enumeration's
// batches are appended behind them.
func (t *Tracker) waitFault(ctx context.Context) State {
	delay := t.backoff
	next := delay * 2
	if next > t.cfg.MaxInterval {
		next = t.cfg.MaxInterval
	}
	t.backoff = next
	level.Error(t.logger).Log("msg", "poll cycle failed",
		"err", t.lastError(),
		"retry_in", delay,
	)
	timer := t.clock.NewTimer(delay)
	select {
	case <-ctx.Done():
		stopTimer(timer)
		return StateFault
	case <-timer.Chan():
	}
	switch {
	case !t.dir.ApplicationResolved():
		return StateResolveApp
	case !t.dir.ServiceResolved():
		return StateResolveService
	default:
		return StateEnumerate
	}
}

// fail records the failure and transitions to the fault state. Errors that
// are not already part of the taxonomy are classified as transport failures.
func (t *Tracker) fail(op string, err error) State {
	var ambiguity *directory.AmbiguityError
	var incomplete *inventory.IncompleteDataError
	if !errors.As(err, &ambiguity) && !errors.As(err, &incomplete) {
		err = &TransportError{Op: op, Err: err}
	}
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	return StateFault
}

func (t *Tracker) lastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Tracker) clearErr() {
	t.mu.Lock()
	t.lastErr = nil
	t.mu.Unlock()
}

func (t *Tracker) observe(state State) {
	t.mu.Lock()
	t.state = state
	t.instances = len(t.snapshot)
	t.pending = t.inv.QueueLen()
	t.mu.Unlock()
}

func stopTimer(timer internal.Timer) {
	if !timer.Stop() {
		<-timer.Chan()
	}
}
