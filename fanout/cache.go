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
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pulsemesh/pulsemesh/common"
	"github.com/pulsemesh/pulsemesh/storage"
)

// SubscriberCache caches per-owner subscriber sets read from the persistent
// subscription store.
//
// Expiry is sliding: every Load refreshes the entry's idle timestamp, and a
// background sweep evicts entries idle past the configured duration. Capacity
// is LRU bounded; eviction is silent and only costs a reload on the next miss.
type SubscriberCache interface {
	// Load fetch the subscriber set of ownerID, reading through to the store
	// on a miss
	Load(ctxt context.Context, ownerID string) (map[string]bool, error)
	// Invalidate drop the cached subscriber set of ownerID. Must be called
	// whenever a subscription for ownerID is created or deleted.
	Invalidate(ownerID string)
	// CachedEntries number of owner entries currently held
	CachedEntries() int
}

// subscriberCacheEntry one cached owner -> subscriber set mapping
type subscriberCacheEntry struct {
	subscribers  map[string]bool
	lastAccessed time.Time
}

// subscriberCacheImpl implements SubscriberCache
type subscriberCacheImpl struct {
	common.Component
	store      storage.SubscriptionStore
	entries    *lru.Cache[string, *subscriberCacheEntry]
	lock       sync.Mutex
	idleExpiry time.Duration
	sweeper    common.IntervalTimer
}

// GetSubscriberCache define a new SubscriberCache and start its idle sweep loop
func GetSubscriberCache(
	ctxt context.Context,
	store storage.SubscriptionStore,
	maxEntries int,
	idleExpiry time.Duration,
	sweepInterval time.Duration,
	wg *sync.WaitGroup,
) (SubscriberCache, error) {
	logTags := log.Fields{
		"module": "fanout", "component": "subscriber-cache",
	}
	entries, err := lru.New[string, *subscriberCacheEntry](maxEntries)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define LRU store")
		return nil, err
	}
	instance := &subscriberCacheImpl{
		Component:  common.Component{LogTags: logTags},
		store:      store,
		entries:    entries,
		idleExpiry: idleExpiry,
	}
	sweeper, err := common.GetIntervalTimerInstance("subscriber-cache-sweep", ctxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return nil, err
	}
	instance.sweeper = sweeper
	if err := sweeper.Start(sweepInterval, instance.sweepIdleEntries, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start sweep timer")
		return nil, err
	}
	return instance, nil
}

// Load fetch the subscriber set of ownerID, reading through to the store on a miss
func (c *subscriberCacheImpl) Load(
	ctxt context.Context, ownerID string,
) (map[string]bool, error) {
	c.lock.Lock()
	if entry, ok := c.entries.Get(ownerID); ok {
		entry.lastAccessed = time.Now()
		result := entry.subscribers
		c.lock.Unlock()
		return result, nil
	}
	c.lock.Unlock()

	// Miss. Read through to the store outside the lock.
	subscribers, err := c.store.ListSubscriberIDs(ctxt, ownerID)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Failed to load subscriber set of %s", ownerID,
		)
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries.Add(ownerID, &subscriberCacheEntry{
		subscribers: subscribers, lastAccessed: time.Now(),
	})
	log.WithFields(c.LogTags).Debugf(
		"Cached %d subscribers of %s", len(subscribers), ownerID,
	)
	return subscribers, nil
}

// Invalidate drop the cached subscriber set of ownerID
func (c *subscriberCacheImpl) Invalidate(ownerID string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.entries.Remove(ownerID) {
		log.WithFields(c.LogTags).Debugf("Invalidated subscriber set of %s", ownerID)
	}
}

// CachedEntries number of owner entries currently held
func (c *subscriberCacheImpl) CachedEntries() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.entries.Len()
}

// sweepIdleEntries evict entries which have not been read within the idle expiry
func (c *subscriberCacheImpl) sweepIdleEntries() error {
	cutoff := time.Now().Add(-c.idleExpiry)
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, ownerID := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(ownerID); ok {
			if entry.lastAccessed.Before(cutoff) {
				c.entries.Remove(ownerID)
				log.WithFields(c.LogTags).Debugf(
					"Evicted idle subscriber set of %s", ownerID,
				)
			}
		}
	}
	return nil
}
