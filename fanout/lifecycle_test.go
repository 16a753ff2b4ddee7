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
	"github.com/stretchr/testify/assert"
)

func TestStreamCapacityEnforcement(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer utCtxtCancel()

	registry, store, _ := defineTestRegistry(assert, utCtxt, &wg, 8)
	uut, err := GetStreamController(utCtxt, store, registry, 2)
	assert.Nil(err)

	user := uuid.NewString()

	// Case 0: opens below the cap succeed
	session1, err := uut.OpenStream(utCtxt, user)
	assert.Nil(err)
	session2, err := uut.OpenStream(utCtxt, user)
	assert.Nil(err)
	assert.NotEqual(session1.ID(), session2.ID())
	assert.Equal(2, registry.ListenerCount(user))

	// Case 1: open at the cap is rejected and creates nothing
	{
		_, err := uut.OpenStream(utCtxt, user)
		assert.NotNil(err)
		capErr, ok := err.(CapacityExceededError)
		assert.True(ok)
		assert.Equal(user, capErr.UserID)
		assert.Equal(2, capErr.Limit)
		count, err := store.CountLiveSessions(utCtxt, user)
		assert.Nil(err)
		assert.Equal(2, count)
		assert.Equal(2, registry.ListenerCount(user))
	}

	// Case 2: the cap is per user
	{
		otherUser := uuid.NewString()
		session, err := uut.OpenStream(utCtxt, otherUser)
		assert.Nil(err)
		session.Close()
	}

	// Case 3: closing a stream frees its slot
	{
		session1.Close()
		session, err := uut.OpenStream(utCtxt, user)
		assert.Nil(err)
		session.Close()
	}

	session2.Close()
}

func TestStreamTeardown(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer utCtxtCancel()

	registry, store, _ := defineTestRegistry(assert, utCtxt, &wg, 8)
	uut, err := GetStreamController(utCtxt, store, registry, 8)
	assert.Nil(err)

	user := uuid.NewString()

	// Case 0: open several streams then close them all
	sessions := make([]*StreamSession, 5)
	for itr := range sessions {
		session, err := uut.OpenStream(utCtxt, user)
		assert.Nil(err)
		sessions[itr] = session
	}
	assert.Equal(5, registry.ListenerCount(user))
	for _, session := range sessions {
		session.Close()
	}

	// Case 1: nothing remains once every stream is closed
	{
		assert.Equal(0, registry.ListenerCount(user))
		count, err := store.CountLiveSessions(utCtxt, user)
		assert.Nil(err)
		assert.Equal(0, count)
	}

	// Case 2: double close is harmless
	{
		sessions[0].Close()
		count, err := store.CountLiveSessions(utCtxt, user)
		assert.Nil(err)
		assert.Equal(0, count)
	}
}

func TestStreamSessionDelivery(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer utCtxtCancel()

	registry, store, _ := defineTestRegistry(assert, utCtxt, &wg, 8)
	uut, err := GetStreamController(utCtxt, store, registry, 8)
	assert.Nil(err)

	owner := uuid.NewString()
	subscriber := uuid.NewString()
	assert.Nil(store.AddSubscription(utCtxt, owner, subscriber))

	session, err := uut.OpenStream(utCtxt, subscriber)
	assert.Nil(err)

	// Case 0: a dispatched reading arrives tagged with the session ID
	{
		reading := Reading{
			OwnerID:        owner,
			Value:          66,
			PublishedAt:    time.Now().UnixMilli(),
			OriginInstance: uuid.NewString(),
		}
		assert.Nil(registry.Dispatch(utCtxt, reading))
		select {
		case event := <-session.Events():
			assert.False(event.IsOwnReading)
			assert.NotNil(event.SubscriptionID)
			assert.Equal(session.ID(), *event.SubscriptionID)
			assert.Equal(float64(66), event.Value)
		case <-time.After(time.Second):
			assert.FailNow("timed out waiting for delivery")
		}
	}

	// Case 1: the event channel closes with the session
	{
		session.Close()
		_, ok := <-session.Events()
		assert.False(ok)
	}
}
