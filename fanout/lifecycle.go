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

package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/pulsemesh/pulsemesh/common"
	"github.com/pulsemesh/pulsemesh/storage"
)

// StreamSession one open live heart rate stream. Holds a live session record
// in the store and a listener in the registry until Close.
type StreamSession struct {
	id       string
	userID   string
	listener *Listener
	store    storage.SubscriptionStore
	ctxt     context.Context
	// closeOnce the teardown must run exactly once even when the client
	// disconnect and a server shutdown race each other
	closeOnce sync.Once
	logTags   log.Fields
}

// ID the live session ID
func (s *StreamSession) ID() string {
	return s.id
}

// UserID the user holding the stream
func (s *StreamSession) UserID() string {
	return s.userID
}

// Events the delivery channel of the stream's listener
func (s *StreamSession) Events() <-chan DeliveredEvent {
	return s.listener.Events()
}

// Close tear the stream down: deregister the listener and release the live
// session record so the slot counts against the user's cap no longer.
//
// Idempotent. A failure deleting the record is logged and swallowed; the
// listener is always removed, and an orphaned record only costs the user one
// cap slot until it is cleaned up.
func (s *StreamSession) Close() {
	s.closeOnce.Do(func() {
		s.listener.Close()
		if err := s.store.DeleteLiveSession(s.ctxt, s.userID, s.id); err != nil {
			log.WithError(err).WithFields(s.logTags).Error(
				"Failed to release live session record",
			)
		} else {
			log.WithFields(s.logTags).Info("Live stream closed")
		}
	})
}

// ========================================================================================

// StreamController opens and enforces limits on live heart rate streams
type StreamController interface {
	// OpenStream start a new live stream for userID. Returns
	// CapacityExceededError when the user is already at the concurrent
	// stream cap.
	OpenStream(ctxt context.Context, userID string) (*StreamSession, error)
}

// streamControllerImpl implements StreamController
type streamControllerImpl struct {
	common.Component
	store       storage.SubscriptionStore
	registry    FanoutRegistry
	maxPerUser  int
	operateCtxt context.Context
}

// GetStreamController define a new StreamController
func GetStreamController(
	ctxt context.Context,
	store storage.SubscriptionStore,
	registry FanoutRegistry,
	maxLiveSessionsPerUser int,
) (StreamController, error) {
	logTags := log.Fields{
		"module": "fanout", "component": "stream-controller",
	}
	return &streamControllerImpl{
		Component:   common.Component{LogTags: logTags},
		store:       store,
		registry:    registry,
		maxPerUser:  maxLiveSessionsPerUser,
		operateCtxt: ctxt,
	}, nil
}

// OpenStream start a new live stream for userID.
//
// The cap is enforced check-then-persist: the current live session count is
// read first, and the new record is only written when the count is below the
// limit. Two concurrent opens racing past the check can briefly place a user
// one over the cap; the limit is a resource guard, not an exact quota.
func (c *streamControllerImpl) OpenStream(
	ctxt context.Context, userID string,
) (*StreamSession, error) {
	logTags, err := common.UpdateLogTags(ctxt, c.LogTags)
	if err != nil {
		logTags = c.LogTags
	}

	current, err := c.store.CountLiveSessions(ctxt, userID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to count live sessions of %s", userID,
		)
		return nil, err
	}
	if current >= c.maxPerUser {
		err := CapacityExceededError{UserID: userID, Limit: c.maxPerUser}
		log.WithError(err).WithFields(logTags).Info("Rejected live stream request")
		return nil, err
	}

	record := storage.LiveSessionRecord{
		ID: uuid.NewString(), UserID: userID, StartedAt: time.Now(),
	}
	if err := c.store.CreateLiveSession(ctxt, record); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to persist %s", record)
		return nil, err
	}

	listener, err := c.registry.CreateListener(ctxt, userID, record.ID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to register listener for %s", record,
		)
		// Unwind the record so the failed open does not eat a cap slot
		if cleanupErr := c.store.DeleteLiveSession(ctxt, userID, record.ID); cleanupErr != nil {
			log.WithError(cleanupErr).WithFields(logTags).Errorf(
				"Unable to release %s after listener failure", record,
			)
		}
		return nil, err
	}

	sessionTags := log.Fields{}
	for field, value := range logTags {
		sessionTags[field] = value
	}
	sessionTags["user"] = userID
	sessionTags["session"] = record.ID

	log.WithFields(sessionTags).Info("Live stream opened")
	return &StreamSession{
		id:       record.ID,
		userID:   userID,
		listener: listener,
		store:    c.store,
		ctxt:     c.operateCtxt,
		logTags:  sessionTags,
	}, nil
}
