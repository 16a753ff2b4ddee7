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

	"github.com/apex/log"
	"github.com/pulsemesh/pulsemesh/common"
)

// Listener an open output channel feeding one live heart rate stream. Owned by
// the registry from creation until Close.
type Listener struct {
	id     string
	userID string
	events chan DeliveredEvent
	lock   sync.Mutex
	closed bool
	// detach removes this listener from the registry multi-map
	detach    func()
	closeOnce sync.Once
	logTags   log.Fields
}

// ID the listener ID; doubles as the live session ID of the stream it feeds
func (l *Listener) ID() string {
	return l.id
}

// UserID the user whose readings this listener receives
func (l *Listener) UserID() string {
	return l.userID
}

// Events the delivery channel. Closed after Close.
func (l *Listener) Events() <-chan DeliveredEvent {
	return l.events
}

// Close deregister the listener and close the delivery channel. Safe to call
// multiple times and concurrently with dispatch.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		l.detach()
		l.lock.Lock()
		l.closed = true
		close(l.events)
		l.lock.Unlock()
		log.WithFields(l.logTags).Info("Listener closed")
	})
}

// deliver push one event into the listener buffer. On overflow the oldest
// buffered event is dropped so a slow consumer never stalls dispatch.
func (l *Listener) deliver(event DeliveredEvent) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return
	}
	select {
	case l.events <- event:
		return
	default:
	}
	// Buffer full. Drop the oldest queued event to make room.
	select {
	case <-l.events:
	default:
	}
	select {
	case l.events <- event:
	default:
	}
	log.WithFields(l.logTags).Warn("Delivery buffer overflow. Dropped oldest event")
}

// ========================================================================================

// FanoutRegistry in-process multiplexer between incoming readings and live
// listeners.
//
// Listeners are keyed by the user they listen for readings about. Dispatching
// a reading delivers to the owner's own listeners first, then to the listeners
// of every user in the owner's subscriber set.
type FanoutRegistry interface {
	// CreateListener register a new listener under userID. listenerID must be
	// unique; it is echoed back as the subscription ID on subscribed deliveries.
	CreateListener(ctxt context.Context, userID, listenerID string) (*Listener, error)
	// Dispatch deliver a reading to all interested local listeners
	Dispatch(ctxt context.Context, reading Reading) error
	// ListenerCount number of listeners registered under userID
	ListenerCount(userID string) int
}

// fanoutRegistryImpl implements FanoutRegistry
type fanoutRegistryImpl struct {
	common.Component
	cache SubscriberCache
	lock  sync.RWMutex
	// listeners userID -> listenerID -> listener
	listeners   map[string]map[string]*Listener
	bufferDepth int
}

// GetFanoutRegistry define a new FanoutRegistry
func GetFanoutRegistry(cache SubscriberCache, listenerBuffer int) (FanoutRegistry, error) {
	logTags := log.Fields{
		"module": "fanout", "component": "registry",
	}
	return &fanoutRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		cache:       cache,
		listeners:   make(map[string]map[string]*Listener),
		bufferDepth: listenerBuffer,
	}, nil
}

// CreateListener register a new listener under userID
func (m *fanoutRegistryImpl) CreateListener(
	ctxt context.Context, userID, listenerID string,
) (*Listener, error) {
	logTags := log.Fields{}
	for field, value := range m.LogTags {
		logTags[field] = value
	}
	logTags["user"] = userID
	logTags["listener"] = listenerID

	listener := &Listener{
		id:      listenerID,
		userID:  userID,
		events:  make(chan DeliveredEvent, m.bufferDepth),
		logTags: logTags,
	}
	listener.detach = func() {
		m.removeListener(userID, listenerID)
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.listeners[userID]; !ok {
		m.listeners[userID] = make(map[string]*Listener)
	}
	m.listeners[userID][listenerID] = listener
	log.WithFields(logTags).Info("Registered listener")
	return listener, nil
}

// removeListener drop a listener from the multi-map
func (m *fanoutRegistryImpl) removeListener(userID, listenerID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if perUser, ok := m.listeners[userID]; ok {
		delete(perUser, listenerID)
		if len(perUser) == 0 {
			delete(m.listeners, userID)
		}
	}
}

// ListenerCount number of listeners registered under userID
func (m *fanoutRegistryImpl) ListenerCount(userID string) int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.listeners[userID])
}

// listenersFor snapshot the listeners registered under userID
func (m *fanoutRegistryImpl) listenersFor(userID string) []*Listener {
	m.lock.RLock()
	defer m.lock.RUnlock()
	result := make([]*Listener, 0, len(m.listeners[userID]))
	for _, listener := range m.listeners[userID] {
		result = append(result, listener)
	}
	return result
}

// Dispatch deliver a reading to all interested local listeners.
//
// The owner's own listeners receive the event first, then the listeners of
// every user in the owner's subscriber set. Delivery into a listener never
// blocks; per-listener receipt order matches dispatch order.
func (m *fanoutRegistryImpl) Dispatch(ctxt context.Context, reading Reading) error {
	// Deliver to the owner's own listeners
	for _, listener := range m.listenersFor(reading.OwnerID) {
		listener.deliver(DeliveredEvent{
			Value: reading.Value, IsOwnReading: true,
		})
	}

	// Deliver to the listeners of each subscriber
	subscribers, err := m.cache.Load(ctxt, reading.OwnerID)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Dispatch of %s skipped subscriber delivery", reading,
		)
		return err
	}
	for subscriberID := range subscribers {
		for _, listener := range m.listenersFor(subscriberID) {
			subscriptionID := listener.ID()
			listener.deliver(DeliveredEvent{
				SubscriptionID: &subscriptionID, Value: reading.Value, IsOwnReading: false,
			})
		}
	}
	return nil
}
