// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"github.com/AleutianAI/aegislights/services/controller/bandit"
)

// Store is the durable half of the knowledge base. Everything the
// controller must not lose across restarts goes through it: learned
// bandit statistics, last-known-good plans, and the audit trail of
// snapshots, decisions, and utilities.
//
// Lookups return ErrNotFound for unwritten keys; other failures come
// back as *PersistenceError.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// PersistSnapshot stores the raw simulator snapshot for one cycle.
	PersistSnapshot(cycle int, raw []byte) error

	// PersistDecision appends one decision record.
	PersistDecision(rec DecisionRecord) error

	// RecentDecisions returns up to limit records, newest first.
	RecentDecisions(limit int) ([]DecisionRecord, error)

	// LastKnownGood returns the last adaptation that survived its
	// evaluation window at the intersection.
	LastKnownGood(intersectionID string) (Adaptation, error)

	// PutLastKnownGood replaces the intersection's last-known-good.
	PutLastKnownGood(a Adaptation) error

	// BanditState returns the persisted statistics of one arm.
	BanditState(key bandit.ArmKey) (bandit.ArmState, error)

	// PutBanditState replaces one arm's statistics.
	PutBanditState(key bandit.ArmKey, state bandit.ArmState) error

	// AppendUtility stores one utility observation.
	AppendUtility(sample UtilitySample) error

	// UtilityHistory returns up to limit samples for an intersection,
	// newest first.
	UtilityHistory(intersectionID string, limit int) ([]UtilitySample, error)

	// Close releases the underlying database.
	Close() error
}
