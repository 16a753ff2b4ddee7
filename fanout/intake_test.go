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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// recordingHandler ReadingHandler test double capturing handled readings
type recordingHandler struct {
	name     string
	eligible func(userID string, value float64) bool
	handled  chan Reading
}

func newRecordingHandler(name string) *recordingHandler {
	return &recordingHandler{
		name:     name,
		eligible: func(string, float64) bool { return true },
		handled:  make(chan Reading, 16),
	}
}

func (h *recordingHandler) Name() string {
	return h.name
}

func (h *recordingHandler) ShouldHandle(userID string, value float64) bool {
	return h.eligible(userID, value)
}

func (h *recordingHandler) Handle(ctxt context.Context, reading Reading) error {
	h.handled <- reading
	return nil
}

// faultyHandler ReadingHandler test double which always fails
type faultyHandler struct {
	name      string
	doPanic   bool
	attempted chan Reading
}

func (h *faultyHandler) Name() string {
	return h.name
}

func (h *faultyHandler) ShouldHandle(userID string, value float64) bool {
	return true
}

func (h *faultyHandler) Handle(ctxt context.Context, reading Reading) error {
	h.attempted <- reading
	if h.doPanic {
		panic("unit test induced panic")
	}
	return fmt.Errorf("unit test induced failure")
}

func waitForReading(assert *assert.Assertions, source chan Reading) Reading {
	select {
	case reading := <-source:
		return reading
	case <-time.After(time.Second):
		assert.FailNow("timed out waiting for handler")
	}
	return Reading{}
}

func TestReadingIntakeStamping(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer utCtxtCancel()

	instanceID := uuid.NewString()
	handler := newRecordingHandler("recorder")
	uut, err := GetReadingIntake(utCtxt, instanceID, []ReadingHandler{handler}, 8, &wg)
	assert.Nil(err)

	// Case 0: an accepted value reaches the handler fully stamped
	{
		user := uuid.NewString()
		before := time.Now().UnixMilli()
		assert.Nil(uut.Submit(utCtxt, user, 72.5))
		reading := waitForReading(assert, handler.handled)
		assert.Equal(user, reading.OwnerID)
		assert.Equal(72.5, reading.Value)
		assert.Equal(instanceID, reading.OriginInstance)
		assert.GreaterOrEqual(reading.PublishedAt, before)
		assert.LessOrEqual(reading.PublishedAt, time.Now().UnixMilli())
	}

	// Case 1: invalid value is rejected before reaching any handler
	{
		assert.NotNil(uut.Submit(utCtxt, uuid.NewString(), 0))
		select {
		case <-handler.handled:
			assert.FailNow("invalid reading reached a handler")
		case <-time.After(time.Millisecond * 100):
		}
	}

	// Case 2: one handler sees a user's readings in submission order
	{
		user := uuid.NewString()
		for _, value := range []float64{60, 61, 62, 63, 64} {
			assert.Nil(uut.Submit(utCtxt, user, value))
		}
		for _, expected := range []float64{60, 61, 62, 63, 64} {
			reading := waitForReading(assert, handler.handled)
			assert.Equal(expected, reading.Value)
		}
	}

	utCtxtCancel()
}

func TestReadingIntakeHandlerIsolation(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer utCtxtCancel()

	failing := &faultyHandler{name: "failing", attempted: make(chan Reading, 16)}
	panicking := &faultyHandler{name: "panicking", doPanic: true, attempted: make(chan Reading, 16)}
	healthy := newRecordingHandler("healthy")
	uut, err := GetReadingIntake(
		utCtxt,
		uuid.NewString(),
		[]ReadingHandler{failing, panicking, healthy},
		8,
		&wg,
	)
	assert.Nil(err)

	user := uuid.NewString()

	// Case 0: failing and panicking handlers do not stop the healthy one
	{
		assert.Nil(uut.Submit(utCtxt, user, 90))
		waitForReading(assert, failing.attempted)
		waitForReading(assert, panicking.attempted)
		reading := waitForReading(assert, healthy.handled)
		assert.Equal(float64(90), reading.Value)
	}

	// Case 1: the pipeline keeps processing subsequent readings
	{
		assert.Nil(uut.Submit(utCtxt, user, 91))
		reading := waitForReading(assert, healthy.handled)
		assert.Equal(float64(91), reading.Value)
	}

	utCtxtCancel()
}

func TestReadingIntakeHandlerSelectivity(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer utCtxtCancel()

	selective := newRecordingHandler("selective")
	selective.eligible = func(userID string, value float64) bool {
		return value > 100
	}
	unconditional := newRecordingHandler("unconditional")
	uut, err := GetReadingIntake(
		utCtxt, uuid.NewString(), []ReadingHandler{selective, unconditional}, 8, &wg,
	)
	assert.Nil(err)

	// Case 0: value below the predicate skips the selective handler only
	{
		assert.Nil(uut.Submit(utCtxt, uuid.NewString(), 80))
		waitForReading(assert, unconditional.handled)
		select {
		case <-selective.handled:
			assert.FailNow("ineligible reading reached the selective handler")
		case <-time.After(time.Millisecond * 100):
		}
	}

	// Case 1: value passing the predicate reaches both
	{
		assert.Nil(uut.Submit(utCtxt, uuid.NewString(), 150))
		waitForReading(assert, unconditional.handled)
		waitForReading(assert, selective.handled)
	}

	utCtxtCancel()
}
