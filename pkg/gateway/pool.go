// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sony/gobreaker"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// CredentialSource decrypts a connection's stored credentials on demand.
// Plaintext never sits in the pool.
type CredentialSource func(conn model.Connection) (model.DecryptedCredentials, error)

// Dialer opens an adapter for decrypted credentials. Swapped in tests.
type Dialer func(creds model.DecryptedCredentials, logger log.Logger) (Adapter, error)

// PoolOpts configures the adapter pool.
type PoolOpts struct {
	Logger log.Logger
	Creds  CredentialSource
	Dial   Dialer
	// QuarantineFor is how long a target stays quarantined after the
	// breaker opens. Defaults to a minute.
	QuarantineFor time.Duration
	// TripAfter is the consecutive-failure count that opens the breaker.
	// Defaults to 3.
	TripAfter uint32
}

type poolEntry struct {
	adapter Adapter
	breaker *gobreaker.CircuitBreaker
}

// Pool keys live adapters by connection id. Every call goes through the
// connection's circuit breaker, so a target that fails repeatedly is
// quarantined instead of being hammered.
type Pool struct {
	opts PoolOpts

	mu      sync.Mutex
	entries map[int64]*poolEntry
}

// NewPool validates opts and returns an empty pool.
func NewPool(opts PoolOpts) (*Pool, error) {
	if opts.Creds == nil {
		return nil, errors.New("gateway: credential source is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Dial == nil {
		opts.Dial = Open
	}
	if opts.QuarantineFor <= 0 {
		opts.QuarantineFor = time.Minute
	}
	if opts.TripAfter == 0 {
		opts.TripAfter = 3
	}
	return &Pool{opts: opts, entries: map[int64]*poolEntry{}}, nil
}

func (p *Pool) entry(conn model.Connection) (*poolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[conn.ID]; ok {
		return e, nil
	}
	creds, err := p.opts.Creds(conn)
	if err != nil {
		return nil, err
	}
	adapter, err := p.opts.Dial(creds, log.With(p.opts.Logger, "connection", conn.Name))
	if err != nil {
		return nil, err
	}
	logger := p.opts.Logger
	e := &poolEntry{
		adapter: adapter,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    fmt.Sprintf("target-%d", conn.ID),
			Timeout: p.opts.QuarantineFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= p.opts.TripAfter
			},
			// Capability and input errors are the target telling us no;
			// only availability failures count against it.
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, model.ErrUnavailable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				level.Warn(logger).Log("msg", "target breaker state change",
					"target", name, "from", from.String(), "to", to.String())
			},
		}),
	}
	p.entries[conn.ID] = e
	return e, nil
}

// Do runs fn against the connection's adapter through its breaker.
// A quarantined target returns ErrUnavailable without touching it.
// Capability and input errors do not count as target failures.
func (p *Pool) Do(conn model.Connection, fn func(Adapter) error) error {
	e, err := p.entry(conn)
	if err != nil {
		return err
	}
	_, err = e.breaker.Execute(func() (any, error) {
		return nil, fn(e.adapter)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: target quarantined: %w", model.ErrUnavailable, err)
	}
	return err
}

// Quarantined reports whether the connection's breaker is currently open.
func (p *Pool) Quarantined(connID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[connID]
	return ok && e.breaker.State() == gobreaker.StateOpen
}

// Evict closes and removes the adapter for a connection, e.g. after its
// credentials changed or the connection was deleted.
func (p *Pool) Evict(connID int64) {
	p.mu.Lock()
	e, ok := p.entries[connID]
	delete(p.entries, connID)
	p.mu.Unlock()
	if ok {
		if err := e.adapter.Close(); err != nil {
			level.Debug(p.opts.Logger).Log("msg", "closing evicted adapter", "err", err)
		}
	}
}

// Close shuts every adapter down.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = map[int64]*poolEntry{}
	p.mu.Unlock()
	var firstErr error
	for _, e := range entries {
		if err := e.adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
