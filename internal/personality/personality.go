// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Package personality classifies source addresses into the behavioral label
// driving both admission control and response selection.
package personality

import (
	"time"

	"github.com/lurelab/decoy/internal/detector"
	"github.com/lurelab/decoy/internal/passlist"
	"github.com/lurelab/decoy/internal/plog"
	"github.com/lurelab/decoy/internal/profile"
)

// Personality represents the behavioral label of a source address.
type Personality int

const (
	// Random is the default personality of first-time callers.
	Random Personality = iota
	// Strict sources made a few attempts or come from internal but
	// unauthenticated address space.
	Strict
	// Aggressive sources made many attempts.
	Aggressive
	// Friendly sources match a friend-list prefix.
	Friendly
	// Slowloris sources show the sparse long-lived activity of a
	// slow-connection attack.
	Slowloris
	// Flooder sources tripped the flood detector.
	Flooder
)

// String representations of personalities.
const (
	RandomString     = "random"
	StrictString     = "strict"
	AggressiveString = "aggressive"
	FriendlyString   = "friendly"
	SlowlorisString  = "slowloris"
	FlooderString    = "flooder"
)

// Personality type stringer.
func (p Personality) String() string {
	switch p {
	case Strict:
		return StrictString
	case Aggressive:
		return AggressiveString
	case Friendly:
		return FriendlyString
	case Slowloris:
		return SlowlorisString
	case Flooder:
		return FlooderString
	}
	return RandomString
}

// Hostile returns true for the personalities that trigger a ban at admission
// time.
func (p Personality) Hostile() bool {
	return p == Flooder || p == Aggressive
}

// Classifier derives a personality from a profile snapshot. Classification is
// a pure function of the snapshot, the configured lists and `now`; it is
// recomputed on every inbound message since attempt counters and timestamp
// windows change per message.
type Classifier struct {
	flood detector.FloodDetector
	slow  detector.SlowConnDetector
	// Attempt-count thresholds, aggressive > strict.
	aggressiveAttempts int
	strictAttempts     int
	// Friend list: short-circuits to Friendly unless the flood detector
	// fires. Internal list: classified Strict regardless of attempts.
	friends  *passlist.Store
	internal *passlist.Store
	logger   plog.ErrorLogger
}

func NewClassifier(flood detector.FloodDetector, slow detector.SlowConnDetector, aggressiveAttempts, strictAttempts int, friends, internal *passlist.Store, logger plog.ErrorLogger) *Classifier {
	return &Classifier{
		flood:              flood,
		slow:               slow,
		aggressiveAttempts: aggressiveAttempts,
		strictAttempts:     strictAttempts,
		friends:            friends,
		internal:           internal,
		logger:             logger,
	}
}

// Classify returns the personality of the profiled source as of `now`.
// Priority order, first match wins:
//
//	flooder > slowloris > friendly > aggressive > strict > random
//
// The flood check precedes the friend-list check so that an attacker cannot
// launder volume through a friendly range.
func (c *Classifier) Classify(p profile.Snapshot, now time.Time) Personality {
	if c.flood.Flooding(p.Timestamps, now) {
		return Flooder
	}
	if c.slow.Slow(p.Timestamps, now) {
		return Slowloris
	}
	if c.listed(c.friends, p.Source) {
		return Friendly
	}
	if p.AttemptCount > c.aggressiveAttempts {
		return Aggressive
	}
	if p.AttemptCount > c.strictAttempts || c.listed(c.internal, p.Source) {
		return Strict
	}
	return Random
}

func (c *Classifier) listed(list *passlist.Store, source string) bool {
	listed, _, err := list.FindString(source)
	if err != nil {
		// A lookup error must not make the source friendlier or more
		// hostile than its counters say; treat as not listed.
		c.logger.Error(err)
		return false
	}
	return listed
}
