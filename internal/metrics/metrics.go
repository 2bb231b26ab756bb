// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Package metrics provides shared metrics stores. A metrics store is a
// key/value store with a given time period after which the data is considered
// ready. This package provides an implementation optimized for writes updating
// already existing keys: lots of connection-handler goroutines updating a
// smaller set of keys (ports, personalities, denial reasons).
// The metrics engine allows to create and register new metrics stores that a
// single reader (the agent heartbeat) can concurrently read.
//
// The hot path being updates of existing values, the Add() method first tries
// to only RLock the store in order to avoid locking every other updating
// goroutine. The value being a uint64, it can be atomically updated without
// a lock on the value itself.
//
// The stores provide a polling interface to retrieve those whose period has
// passed. No goroutine is started to automatically swap the stores: the agent
// polls them at its heartbeat.
package metrics

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lurelab/decoy/internal/dclib/dcerrors"
	"github.com/lurelab/decoy/internal/plog"
)

// Engine manages the metrics stores in order to create new ones, and to poll
// the existing ones. Engine's methods are not thread-safe and designed to be
// used by a single goroutine.
type Engine struct {
	logger plog.DebugLogger
	stores map[string]*Store
}

func NewEngine(logger plog.DebugLogger) *Engine {
	return &Engine{
		logger: logger,
		stores: make(map[string]*Store),
	}
}

// NewStore creates and registers a new metrics store.
func (e *Engine) NewStore(id string, period time.Duration) *Store {
	store := newStore(period)
	e.stores[id] = store
	return store
}

// ReadyMetrics returns the set of ready stores (ie. having data and a passed
// period). This operation blocks metrics stores operations and should be
// wisely used.
func (e *Engine) ReadyMetrics() (expiredMetrics map[string]*ReadyStore) {
	expiredMetrics = make(map[string]*ReadyStore)
	for id, s := range e.stores {
		if s.Ready() {
			ready := s.Flush()
			expiredMetrics[id] = ready
			e.logger.Debugf("metrics: store `%s` ready with `%d` entries", id, len(ready.Metrics()))
		}
	}
	if len(expiredMetrics) == 0 {
		return nil
	}
	return expiredMetrics
}

// Store is a metrics store optimized for write accesses to already existing
// keys (cf. Add). It has a period of time after which the data is considered
// ready to be retrieved. An empty store is never considered ready and the
// deadline is computed when the first value is inserted.
type Store struct {
	// Map of comparable types to uint64 pointers.
	set  StoreMap
	lock sync.RWMutex
	// Next deadline, computed when the first value is inserted.
	deadline time.Time
	// Minimum time duration the data should be kept.
	period time.Duration
}

type StoreMap map[interface{}]*uint64
type ReadyStoreMap map[interface{}]uint64

func newStore(period time.Duration) *Store {
	return &Store{
		set:    make(StoreMap),
		period: period,
	}
}

// Add delta to the given key, inserting it if it doesn't exist. This method
// is thread-safe and optimized for updating an existing key, which is
// lock-free when not concurrently retrieving (method `Flush()`) or inserting
// a new key.
func (s *Store) Add(key interface{}, delta uint64) error {
	// Avoid panicking by checking the key type is not nil and comparable.
	if key == nil {
		return dcerrors.New("metrics: unexpected key value `nil`")
	} else if !reflect.TypeOf(key).Comparable() {
		return dcerrors.Errorf("metrics: unexpected non-comparable type `%T`", key)
	}

	// Fast hot path: concurrently updating the value of an existing key.
	// Lock the store for reading only.
	s.lock.RLock()
	value, exists := s.set[key]
	if exists {
		// The key already exists: atomically update the value. This update
		// operation can therefore be done concurrently. It is important to do
		// it in this read-locked section that is mutually exclusive with
		// Flush() which replaces the store's map using Lock().
		atomic.AddUint64(value, delta)
	}
	s.lock.RUnlock()

	// Slow path: the key does not exist
	if !exists {
		s.lock.Lock()
		defer s.lock.Unlock()
		// Check again in case the value has been inserted while getting here.
		value, exists = s.set[key]
		if exists {
			// The value was inserted by another concurrent goroutine. We can
			// update the value without an atomic operation as we exclusively
			// hold the lock.
			*value += delta
		} else {
			if len(s.set) == 0 {
				// Set the deadline when the first value is inserted.
				s.deadline = time.Now().Add(s.period)
			}
			value := delta
			s.set[key] = &value
		}
	}

	return nil
}

// Flush returns the stored data and the corresponding time window the data was
// held. It should be used when the store is `Ready()`. This method is
// thread-safe.
func (s *Store) Flush() (flushed *ReadyStore) {
	// Read current time before swapping the stores in order to avoid making it
	// in the critical section. Reading it before is important in order to get
	// old.finish <= new.start.
	now := time.Now()

	s.lock.Lock()
	oldMap := s.set
	startedAt := s.deadline.Add(-s.period)
	// Create a new map with the same capacity as the old one to avoid
	// allocation time when still used the same way after the flush.
	s.set = make(StoreMap, len(oldMap))
	s.deadline = time.Time{}
	s.lock.Unlock()

	// Compute the map of values getting rid of the pointers (less GC pressure).
	readyMap := make(ReadyStoreMap, len(oldMap))
	for k, v := range oldMap {
		readyMap[k] = *v
	}
	return &ReadyStore{
		set:    readyMap,
		start:  startedAt,
		finish: now,
	}
}

// Ready returns true when the store has values and the period passed.
// This method is thread-safe. Note that the atomic operation
// "Ready() + Flush()" doesn't exist, so they should be used by a single
// "flusher" goroutine.
func (s *Store) Ready() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return !s.deadline.IsZero() && time.Now().After(s.deadline)
}

// ReadyStore provides methods to get the values and the time window.
type ReadyStore struct {
	set           ReadyStoreMap
	start, finish time.Time
}

func (s *ReadyStore) Start() time.Time {
	return s.start
}

func (s *ReadyStore) Finish() time.Time {
	return s.finish
}

func (s *ReadyStore) Metrics() ReadyStoreMap {
	return s.set
}
