// Copyright 2025-2026 The pulsemesh Authors
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

package storage

import (
	"context"
	"fmt"
	"time"
)

// LiveSessionRecord record of one currently open live heart rate stream. One
// row exists per open stream, and only for enforcing the per-user concurrent
// stream cap.
type LiveSessionRecord struct {
	// ID unique ID of this live session
	ID string `json:"id" validate:"required"`
	// UserID the user the stream was opened for
	UserID string `json:"user_id" validate:"required"`
	// StartedAt when the stream was accepted
	StartedAt time.Time `json:"started_at"`
}

// String toString function
func (r LiveSessionRecord) String() string {
	return fmt.Sprintf("live-session[%s/%s]", r.UserID, r.ID)
}

// SubscriptionStore persistent store backing heart rate sharing relationships
// and live session records.
//
// Subscription rows are keyed (owner, subscriber): "subscriber follows the
// heart rate of owner". Consistency between this store and the in-memory
// listener registry is best-effort; no transaction spans the two.
type SubscriptionStore interface {
	// AddSubscription record that subscriberID follows ownerID
	AddSubscription(ctxt context.Context, ownerID, subscriberID string) error
	// RemoveSubscription delete the (ownerID, subscriberID) relationship
	RemoveSubscription(ctxt context.Context, ownerID, subscriberID string) error
	// CountSubscribers number of users following ownerID
	CountSubscribers(ctxt context.Context, ownerID string) (int, error)
	// ListSubscriberIDs the set of user IDs following ownerID
	ListSubscriberIDs(ctxt context.Context, ownerID string) (map[string]bool, error)

	// CreateLiveSession persist a record for a newly accepted live stream
	CreateLiveSession(ctxt context.Context, record LiveSessionRecord) error
	// DeleteLiveSession remove the record of a closed live stream
	DeleteLiveSession(ctxt context.Context, userID, sessionID string) error
	// CountLiveSessions number of live session records held by userID
	CountLiveSessions(ctxt context.Context, userID string) (int, error)

	// RecordLastSeen note that userID published a reading at seenAt
	RecordLastSeen(ctxt context.Context, userID string, seenAt time.Time) error
	// GetLastSeen fetch when userID last published a reading
	GetLastSeen(ctxt context.Context, userID string) (time.Time, error)
}

// RecordNotFoundError error when a requested record does not exist
type RecordNotFoundError struct {
	// Key the record key which missed
	Key string
}

// Error implements the error interface
func (e RecordNotFoundError) Error() string {
	return fmt.Sprintf("no record found at %s", e.Key)
}
