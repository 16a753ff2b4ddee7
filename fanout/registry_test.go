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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pulsemesh/pulsemesh/storage"
	"github.com/stretchr/testify/assert"
)

func defineTestRegistry(
	assert *assert.Assertions,
	ctxt context.Context,
	wg *sync.WaitGroup,
	listenerBuffer int,
) (FanoutRegistry, storage.SubscriptionStore, SubscriberCache) {
	store := storage.CreateInMemorySubscriptionStore()
	cache, err := GetSubscriberCache(ctxt, store, 64, time.Minute, time.Minute, wg)
	assert.Nil(err)
	registry, err := GetFanoutRegistry(cache, listenerBuffer)
	assert.Nil(err)
	return registry, store, cache
}

func drainOneEvent(assert *assert.Assertions, listener *Listener) DeliveredEvent {
	select {
	case event, ok := <-listener.Events():
		assert.True(ok)
		return event
	case <-time.After(time.Second):
		assert.FailNow("timed out waiting for delivery")
	}
	return DeliveredEvent{}
}

func TestFanoutDispatch(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer utCtxtCancel()

	uut, store, cache := defineTestRegistry(assert, utCtxt, &wg, 8)

	owner := uuid.NewString()
	subscriber1 := uuid.NewString()
	subscriber2 := uuid.NewString()
	bystander := uuid.NewString()
	assert.Nil(store.AddSubscription(utCtxt, owner, subscriber1))
	assert.Nil(store.AddSubscription(utCtxt, owner, subscriber2))

	ownListenerA, err := uut.CreateListener(utCtxt, owner, uuid.NewString())
	assert.Nil(err)
	ownListenerB, err := uut.CreateListener(utCtxt, owner, uuid.NewString())
	assert.Nil(err)
	sub1Listener, err := uut.CreateListener(utCtxt, subscriber1, uuid.NewString())
	assert.Nil(err)
	sub2ListenerA, err := uut.CreateListener(utCtxt, subscriber2, uuid.NewString())
	assert.Nil(err)
	sub2ListenerB, err := uut.CreateListener(utCtxt, subscriber2, uuid.NewString())
	assert.Nil(err)
	bystanderListener, err := uut.CreateListener(utCtxt, bystander, uuid.NewString())
	assert.Nil(err)

	reading := Reading{
		OwnerID:        owner,
		Value:          123.45,
		PublishedAt:    time.Now().UnixMilli(),
		OriginInstance: uuid.NewString(),
	}
	assert.Nil(uut.Dispatch(utCtxt, reading))

	// Case 0: every listener of the owner sees its own reading without a subscription ID
	{
		for _, listener := range []*Listener{ownListenerA, ownListenerB} {
			event := drainOneEvent(assert, listener)
			assert.True(event.IsOwnReading)
			assert.Nil(event.SubscriptionID)
			assert.Equal(123.45, event.Value)
		}
	}

	// Case 1: each subscriber listener sees the reading tagged with its own ID
	{
		for _, listener := range []*Listener{sub1Listener, sub2ListenerA, sub2ListenerB} {
			event := drainOneEvent(assert, listener)
			assert.False(event.IsOwnReading)
			assert.NotNil(event.SubscriptionID)
			assert.Equal(listener.ID(), *event.SubscriptionID)
			assert.Equal(123.45, event.Value)
		}
	}

	// Case 2: unrelated listeners see nothing
	{
		select {
		case <-bystanderListener.Events():
			assert.FailNow("bystander received a delivery")
		default:
		}
	}

	// Case 3: once a subscription is removed and invalidated, the next dispatch
	// skips the former subscriber
	{
		assert.Nil(store.RemoveSubscription(utCtxt, owner, subscriber1))
		cache.Invalidate(owner)
		assert.Nil(uut.Dispatch(utCtxt, reading))
		drainOneEvent(assert, ownListenerA)
		drainOneEvent(assert, ownListenerB)
		drainOneEvent(assert, sub2ListenerA)
		drainOneEvent(assert, sub2ListenerB)
		select {
		case <-sub1Listener.Events():
			assert.FailNow("former subscriber received a delivery")
		default:
		}
	}
}

func TestListenerTeardown(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer utCtxtCancel()

	uut, _, _ := defineTestRegistry(assert, utCtxt, &wg, 8)

	user := uuid.NewString()
	listener1, err := uut.CreateListener(utCtxt, user, uuid.NewString())
	assert.Nil(err)
	listener2, err := uut.CreateListener(utCtxt, user, uuid.NewString())
	assert.Nil(err)
	assert.Equal(2, uut.ListenerCount(user))

	// Case 0: closing removes the listener and closes its channel
	{
		listener1.Close()
		assert.Equal(1, uut.ListenerCount(user))
		_, ok := <-listener1.Events()
		assert.False(ok)
	}

	// Case 1: close is idempotent
	{
		listener1.Close()
		assert.Equal(1, uut.ListenerCount(user))
	}

	// Case 2: dispatch after close reaches only the surviving listener
	{
		reading := Reading{
			OwnerID:        user,
			Value:          80,
			PublishedAt:    time.Now().UnixMilli(),
			OriginInstance: uuid.NewString(),
		}
		assert.Nil(uut.Dispatch(utCtxt, reading))
		event := drainOneEvent(assert, listener2)
		assert.True(event.IsOwnReading)
		listener2.Close()
		assert.Equal(0, uut.ListenerCount(user))
	}
}

func TestListenerOverflowDropsOldest(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer utCtxtCancel()

	uut, _, _ := defineTestRegistry(assert, utCtxt, &wg, 2)

	user := uuid.NewString()
	listener, err := uut.CreateListener(utCtxt, user, uuid.NewString())
	assert.Nil(err)

	// Case 0: dispatch past the buffer depth without draining
	{
		for _, value := range []float64{61, 62, 63, 64} {
			reading := Reading{
				OwnerID:        user,
				Value:          value,
				PublishedAt:    time.Now().UnixMilli(),
				OriginInstance: uuid.NewString(),
			}
			assert.Nil(uut.Dispatch(utCtxt, reading))
		}
	}

	// Case 1: the newest events survive, in dispatch order
	{
		event := drainOneEvent(assert, listener)
		assert.Equal(float64(63), event.Value)
		event = drainOneEvent(assert, listener)
		assert.Equal(float64(64), event.Value)
		select {
		case <-listener.Events():
			assert.FailNow("buffer held more than its depth")
		default:
		}
	}
}

func TestRegistryConcurrentDispatchAndClose(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer utCtxtCancel()

	uut, _, _ := defineTestRegistry(assert, utCtxt, &wg, 4)

	user := uuid.NewString()
	listeners := make([]*Listener, 8)
	for itr := range listeners {
		listener, err := uut.CreateListener(utCtxt, user, uuid.NewString())
		assert.Nil(err)
		listeners[itr] = listener
	}

	// Case 0: dispatches racing against closes must not panic or deadlock
	testWG := sync.WaitGroup{}
	testWG.Add(2)
	go func() {
		defer testWG.Done()
		for itr := 0; itr < 64; itr++ {
			reading := Reading{
				OwnerID:        user,
				Value:          float64(60 + itr),
				PublishedAt:    time.Now().UnixMilli(),
				OriginInstance: uuid.NewString(),
			}
			assert.Nil(uut.Dispatch(utCtxt, reading))
		}
	}()
	go func() {
		defer testWG.Done()
		for _, listener := range listeners {
			listener.Close()
		}
	}()
	testWG.Wait()
	assert.Equal(0, uut.ListenerCount(user))
}
