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
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pulsemesh/pulsemesh/common"
)

// inMemorySubscriptionStore SubscriptionStore holding everything in process
// memory. Meant for unit testing and single-instance development setups.
type inMemorySubscriptionStore struct {
	common.Component
	lock sync.RWMutex
	// subscribers ownerID -> set of subscriberID
	subscribers map[string]map[string]bool
	// liveSessions userID -> sessionID -> record
	liveSessions map[string]map[string]LiveSessionRecord
	lastSeen     map[string]time.Time
}

// CreateInMemorySubscriptionStore define an in-memory SubscriptionStore
func CreateInMemorySubscriptionStore() SubscriptionStore {
	logTags := log.Fields{"module": "storage", "component": "in-memory-subscription-store"}
	return &inMemorySubscriptionStore{
		Component:    common.Component{LogTags: logTags},
		subscribers:  make(map[string]map[string]bool),
		liveSessions: make(map[string]map[string]LiveSessionRecord),
		lastSeen:     make(map[string]time.Time),
	}
}

// AddSubscription record that subscriberID follows ownerID
func (d *inMemorySubscriptionStore) AddSubscription(
	ctxt context.Context, ownerID, subscriberID string,
) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.subscribers[ownerID]; !ok {
		d.subscribers[ownerID] = make(map[string]bool)
	}
	d.subscribers[ownerID][subscriberID] = true
	return nil
}

// RemoveSubscription delete the (ownerID, subscriberID) relationship
func (d *inMemorySubscriptionStore) RemoveSubscription(
	ctxt context.Context, ownerID, subscriberID string,
) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if followers, ok := d.subscribers[ownerID]; ok {
		if followers[subscriberID] {
			delete(followers, subscriberID)
			return nil
		}
	}
	return RecordNotFoundError{Key: ownerID + "/" + subscriberID}
}

// CountSubscribers number of users following ownerID
func (d *inMemorySubscriptionStore) CountSubscribers(
	ctxt context.Context, ownerID string,
) (int, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return len(d.subscribers[ownerID]), nil
}

// ListSubscriberIDs the set of user IDs following ownerID
func (d *inMemorySubscriptionStore) ListSubscriberIDs(
	ctxt context.Context, ownerID string,
) (map[string]bool, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	result := map[string]bool{}
	for subscriberID := range d.subscribers[ownerID] {
		result[subscriberID] = true
	}
	return result, nil
}

// CreateLiveSession persist a record for a newly accepted live stream
func (d *inMemorySubscriptionStore) CreateLiveSession(
	ctxt context.Context, record LiveSessionRecord,
) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.liveSessions[record.UserID]; !ok {
		d.liveSessions[record.UserID] = make(map[string]LiveSessionRecord)
	}
	d.liveSessions[record.UserID][record.ID] = record
	return nil
}

// DeleteLiveSession remove the record of a closed live stream
func (d *inMemorySubscriptionStore) DeleteLiveSession(
	ctxt context.Context, userID, sessionID string,
) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if sessions, ok := d.liveSessions[userID]; ok {
		if _, ok := sessions[sessionID]; ok {
			delete(sessions, sessionID)
			return nil
		}
	}
	return RecordNotFoundError{Key: userID + "/" + sessionID}
}

// CountLiveSessions number of live session records held by userID
func (d *inMemorySubscriptionStore) CountLiveSessions(
	ctxt context.Context, userID string,
) (int, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return len(d.liveSessions[userID]), nil
}

// RecordLastSeen note that userID published a reading at seenAt
func (d *inMemorySubscriptionStore) RecordLastSeen(
	ctxt context.Context, userID string, seenAt time.Time,
) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.lastSeen[userID] = seenAt
	return nil
}

// GetLastSeen fetch when userID last published a reading
func (d *inMemorySubscriptionStore) GetLastSeen(
	ctxt context.Context, userID string,
) (time.Time, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	seenAt, ok := d.lastSeen[userID]
	if !ok {
		return time.Time{}, RecordNotFoundError{Key: userID}
	}
	return seenAt, nil
}
