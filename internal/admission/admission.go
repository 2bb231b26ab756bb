// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Package admission is the gate deciding whether a connection attempt is
// served at all. It owns the temporary ban table; entries expire and are
// lazily evicted on the next lookup for their source, so no background sweep
// is required.
package admission

import (
	"sync"
	"time"

	"github.com/lurelab/decoy/internal/personality"
	"github.com/lurelab/decoy/internal/plog"
	"github.com/lurelab/decoy/internal/profile"
)

// Denial message of the existing-ban fast path.
const TemporarilyBannedMessage = "temporarily banned"

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Reason of the denial: the personality name that caused the ban, both
	// when the ban is installed by this check and when an existing entry
	// denied the fast path.
	Reason string
	// Banned is true when the denial came from an already-installed ban
	// entry, ie. without re-running the classifier.
	Banned bool
}

var allowed = Decision{Allowed: true}

// Message returns the denial message written back to the client. Fresh
// installs and existing entries read the same on the wire.
func (d Decision) Message() string {
	return TemporarilyBannedMessage + " (" + d.Reason + ")"
}

// banEntry is a temporary ban with a deadline after which it is considered
// expired.
type banEntry struct {
	deadline time.Time
	reason   string
}

// Expired is true when the deadline has passed as of `now`.
func (e *banEntry) Expired(now time.Time) bool {
	return !now.Before(e.deadline)
}

// Controller performs the admission checks and owns the ban table. Safe for
// concurrent use by every connection handler: the table is guarded by a
// single mutex, and installs are idempotent so that several sockets of the
// same source racing on a violation burst produce one effective ban.
type Controller struct {
	mu   sync.Mutex
	bans map[string]*banEntry

	banDuration time.Duration
	profiles    *profile.Store
	classifier  *personality.Classifier
	logger      plog.DebugLevelLogger
}

func NewController(banDuration time.Duration, profiles *profile.Store, classifier *personality.Classifier, logger plog.DebugLevelLogger) *Controller {
	return &Controller{
		bans:        make(map[string]*banEntry),
		banDuration: banDuration,
		profiles:    profiles,
		classifier:  classifier,
		logger:      logger,
	}
}

// Check decides whether a connection attempt from the source is served.
// A source with a non-expired ban entry is denied without re-running the
// classifier. Otherwise the source's current profile is classified, and a
// hostile result installs a new ban and denies with the personality name as
// reason. Sources without a profile are first-time callers and are allowed.
func (c *Controller) Check(source string, now time.Time) Decision {
	if reason, banned := c.bannedReason(source, now); banned {
		return Decision{Reason: reason, Banned: true}
	}

	p, known := c.profiles.Get(source)
	if !known {
		return allowed
	}

	if pers := c.classifier.Classify(p, now); pers.Hostile() {
		c.Ban(source, pers.String(), now)
		return Decision{Reason: pers.String()}
	}

	return allowed
}

// NoteClassification installs a ban when an in-session reclassification
// turned hostile, so that the source's next connection attempt is denied at
// admission without waiting for another check. The session observing the
// classification keeps running: a ban never retroactively closes it. It
// returns true when a fresh entry was installed.
func (c *Controller) NoteClassification(source string, pers personality.Personality, now time.Time) bool {
	if !pers.Hostile() {
		return false
	}
	return c.Ban(source, pers.String(), now)
}

// Ban installs a temporary ban for the source and returns true when the entry
// is fresh. Installing over a live entry keeps the later deadline, so a
// violation burst yields one effective ban rather than a pile of duplicates.
func (c *Controller) Ban(source, reason string, now time.Time) bool {
	deadline := now.Add(c.banDuration)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.bans[source]; ok && !e.Expired(now) {
		if e.deadline.Before(deadline) {
			e.deadline = deadline
		}
		// The latest classification is the most specific cause.
		e.reason = reason
		return false
	}
	c.bans[source] = &banEntry{deadline: deadline, reason: reason}
	c.logger.Debugf("admission: source `%s` banned for %s: %s", source, c.banDuration, reason)
	return true
}

// bannedReason returns the original cause of the source's live ban. Expired
// entries are evicted here, on lookup.
func (c *Controller) bannedReason(source string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.bans[source]
	if !ok {
		return "", false
	}
	if e.Expired(now) {
		delete(c.bans, source)
		return "", false
	}
	return e.reason, true
}

// BanCount returns the number of entries currently in the table, expired
// entries included until their lazy eviction.
func (c *Controller) BanCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bans)
}
