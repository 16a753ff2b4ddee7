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

package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskDemuxProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskDemuxProcessorInstance("testing", 4, 3, time.Second, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// recast to source
	uutc := uut.(*taskDemuxProcessorImpl)
	assert.Equal(0, uutc.routeIdx)

	// start the built in processes
	assert.Nil(uut.StartEventLoop(&wg))

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	path1 := make(chan bool, 4)
	path2 := make(chan bool, 4)
	path3 := make(chan bool, 4)

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			path1 <- true
			return nil
		},
		reflect.TypeOf(testStruct2{}): func(p interface{}) error {
			path2 <- true
			return nil
		},
		reflect.TypeOf(testStruct3{}): func(p interface{}) error {
			path3 <- true
			return nil
		},
	}

	assert.Nil(uut.SetTaskExecutionMap(executorMap))

	waitOn := func(sig chan bool) {
		waitCtxt, waitCancel := context.WithTimeout(ctxt, time.Second)
		defer waitCancel()
		select {
		case <-sig:
			break
		case <-waitCtxt.Done():
			assert.False(true)
		}
	}

	// Case 1: trigger each path
	{
		useContext, lclCancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Submit(testStruct1{}, useContext))
		lclCancel()
		waitOn(path1)
	}
	{
		useContext, lclCancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Submit(testStruct2{}, useContext))
		lclCancel()
		waitOn(path2)
	}

	// Case 2: trigger back to back
	{
		useContext, lclCancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Submit(testStruct3{}, useContext))
		assert.Nil(uut.Submit(testStruct1{}, useContext))
		lclCancel()
		waitOn(path3)
		waitOn(path1)
	}
}
