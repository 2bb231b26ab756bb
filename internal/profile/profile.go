// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Package profile holds the per-source behavioral state: attempt counters,
// command history and the connection-timestamp series the abuse detectors
// read. Profiles are cumulative across connections: abuse detection is
// inherently cross-connection, so closing one socket must not reset the
// counters of a source opening several.
//
// The store is sharded by source address hash so that handlers of unrelated
// sources never contend on the same lock, while several sockets of the same
// attacker serialize on their shard and no increment is lost.
package profile

import (
	"hash/fnv"
	"sync"
	"time"
)

// Number of lock shards. Power of two.
const shardCount = 64

// Maximum number of command strings kept per profile. Oldest entries are
// discarded first.
const historyLimit = 64

// Profile is the mutable per-source record. It is internal to the store;
// readers get Snapshot copies.
type profileEntry struct {
	attemptCount int
	history      []string
	timestamps   []time.Time
	lastSeen     time.Time
	firstSeen    time.Time
}

// Snapshot is an immutable copy of a source's profile taken at observation
// time. The classifier and detectors work on snapshots so that no lock is
// held while they run.
type Snapshot struct {
	// Source address the profile is keyed by.
	Source string
	// Total number of inbound messages observed from this source, across
	// connections.
	AttemptCount int
	// Most recent decoded command strings, oldest first.
	CommandHistory []string
	// Observation instants within the store's retention window, oldest first.
	Timestamps []time.Time
	// Instants of the first and latest observations.
	FirstSeen, LastSeen time.Time
}

type shard struct {
	mu       sync.Mutex
	profiles map[string]*profileEntry
}

// Store is the behavioral profile store. Its operations are safe for
// concurrent use by every connection handler.
type Store struct {
	shards [shardCount]shard
	// Timestamps older than this are pruned on each write. Sized to the
	// longest detector window in use.
	retention time.Duration
}

// NewStore returns a profile store retaining per-source timestamps for the
// given duration. The retention must cover the longest detector window.
func NewStore(retention time.Duration) *Store {
	s := &Store{retention: retention}
	for i := range s.shards {
		s.shards[i].profiles = make(map[string]*profileEntry)
	}
	return s
}

func (s *Store) shardOf(source string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(source))
	return &s.shards[h.Sum32()&(shardCount-1)]
}

// RecordAttempt atomically increments the source's attempt counter, appends
// the command to its history, appends `now` to its timestamp series, prunes
// timestamps that fell out of the retention window, and returns a snapshot of
// the updated profile. The timestamp append is the single per-message
// observation the detectors rely on: callers must invoke RecordAttempt
// exactly once per inbound message, never once per detector.
func (s *Store) RecordAttempt(source, command string, now time.Time) Snapshot {
	sh := s.shardOf(source)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.profiles[source]
	if !ok {
		p = &profileEntry{firstSeen: now}
		sh.profiles[source] = p
	}

	p.attemptCount++
	p.lastSeen = now

	p.history = append(p.history, command)
	if len(p.history) > historyLimit {
		p.history = p.history[len(p.history)-historyLimit:]
	}

	p.timestamps = append(p.timestamps, now)
	p.timestamps = prune(p.timestamps, now.Add(-s.retention))

	return snapshotOf(source, p)
}

// Get returns a snapshot of the source's profile, and false when the source
// has never been observed.
func (s *Store) Get(source string) (Snapshot, bool) {
	sh := s.shardOf(source)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.profiles[source]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(source, p), true
}

// Len returns the number of profiles currently held.
func (s *Store) Len() int {
	var n int
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.profiles)
		sh.mu.Unlock()
	}
	return n
}

// SweepIdle removes profiles whose latest observation is older than the given
// idle duration and returns how many were removed. Called at the agent
// heartbeat to bound memory; the idle duration must be longer than every
// detector window so that sweeping cannot change a classification.
func (s *Store) SweepIdle(idle time.Duration, now time.Time) (swept int) {
	deadline := now.Add(-idle)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for source, p := range sh.profiles {
			if p.lastSeen.Before(deadline) {
				delete(sh.profiles, source)
				swept++
			}
		}
		sh.mu.Unlock()
	}
	return swept
}

// prune drops the leading timestamps older than the deadline. The series is
// append-only and therefore sorted, so this is a prefix cut.
func prune(series []time.Time, deadline time.Time) []time.Time {
	cut := 0
	for cut < len(series) && series[cut].Before(deadline) {
		cut++
	}
	if cut == 0 {
		return series
	}
	remaining := len(series) - cut
	copy(series, series[cut:])
	return series[:remaining]
}

func snapshotOf(source string, p *profileEntry) Snapshot {
	history := make([]string, len(p.history))
	copy(history, p.history)
	timestamps := make([]time.Time, len(p.timestamps))
	copy(timestamps, p.timestamps)
	return Snapshot{
		Source:         source,
		AttemptCount:   p.attemptCount,
		CommandHistory: history,
		Timestamps:     timestamps,
		FirstSeen:      p.firstSeen,
		LastSeen:       p.lastSeen,
	}
}
