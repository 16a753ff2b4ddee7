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
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/pulsemesh/pulsemesh/common"
)

// ReadingHandler one processing step applied to accepted readings. Handlers
// are independent; one handler failing or panicking must not affect the others.
type ReadingHandler interface {
	// Name identifies the handler in logs
	Name() string
	// ShouldHandle whether this handler applies to a reading from userID with
	// this value. Called synchronously on the submission path, so it must be
	// cheap and must not block.
	ShouldHandle(userID string, value float64) bool
	// Handle process the reading
	Handle(ctxt context.Context, reading Reading) error
}

// ReadingIntake entry point for locally published readings. Stamps each
// accepted value into a Reading and schedules it onto the registered handlers.
//
// Each handler runs on its own event loop with its own task queue, so a slow
// or failing handler never delays the others, and one handler sees the
// readings of a given user in submission order.
type ReadingIntake interface {
	// Submit accept one heart rate value published by userID
	Submit(ctxt context.Context, userID string, value float64) error
}

// handlerTask one reading paired with the handler to run it through
type handlerTask struct {
	handler ReadingHandler
	reading Reading
}

// readingIntakeImpl implements ReadingIntake
type readingIntakeImpl struct {
	common.Component
	instanceID string
	handlers   []ReadingHandler
	// workers one task processor per handler, index aligned with handlers
	workers  []common.TaskProcessor
	validate *validator.Validate
	ctxt     context.Context
}

// GetReadingIntake define a new ReadingIntake and start its handler event loops
func GetReadingIntake(
	ctxt context.Context,
	instanceID string,
	handlers []ReadingHandler,
	taskBuffer int,
	wg *sync.WaitGroup,
) (ReadingIntake, error) {
	logTags := log.Fields{
		"module": "fanout", "component": "reading-intake", "instance": instanceID,
	}
	instance := &readingIntakeImpl{
		Component:  common.Component{LogTags: logTags},
		instanceID: instanceID,
		handlers:   handlers,
		workers:    make([]common.TaskProcessor, len(handlers)),
		validate:   validator.New(),
		ctxt:       ctxt,
	}
	for idx, handler := range handlers {
		worker, err := common.GetNewTaskProcessorInstance(
			fmt.Sprintf("reading-intake.%s", handler.Name()), taskBuffer, ctxt,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to define worker for handler %s", handler.Name(),
			)
			return nil, err
		}
		if err := worker.AddToTaskExecutionMap(
			reflect.TypeOf(handlerTask{}), instance.runHandlerTask,
		); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to register task handler for %s", handler.Name(),
			)
			return nil, err
		}
		if err := worker.StartEventLoop(wg); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to start worker for handler %s", handler.Name(),
			)
			return nil, err
		}
		instance.workers[idx] = worker
	}
	return instance, nil
}

// Submit accept one heart rate value published by userID.
//
// The reading is stamped with the publish time and this instance's identity,
// then scheduled onto every applicable handler. Handler execution is async;
// Submit only fails if the value is invalid or a handler queue rejects tasks.
func (i *readingIntakeImpl) Submit(ctxt context.Context, userID string, value float64) error {
	reading := Reading{
		OwnerID:        userID,
		Value:          value,
		PublishedAt:    time.Now().UnixMilli(),
		OriginInstance: i.instanceID,
	}
	if err := i.validate.Struct(&reading); err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf("Rejected invalid %s", reading)
		return err
	}
	for idx, handler := range i.handlers {
		if !handler.ShouldHandle(userID, value) {
			continue
		}
		task := handlerTask{handler: handler, reading: reading}
		if err := i.workers[idx].Submit(task, ctxt); err != nil {
			log.WithError(err).WithFields(i.LogTags).Errorf(
				"Failed to schedule handler %s for %s", handler.Name(), reading,
			)
			return err
		}
	}
	return nil
}

// runHandlerTask run one reading through one handler. Errors and panics are
// logged and absorbed so handlers stay isolated from each other.
func (i *readingIntakeImpl) runHandlerTask(param interface{}) error {
	task, ok := param.(handlerTask)
	if !ok {
		return fmt.Errorf("received unexpected task param of %s", reflect.TypeOf(param))
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			log.WithFields(i.LogTags).Errorf(
				"Handler %s panicked on %s: %v", task.handler.Name(), task.reading, recovered,
			)
		}
	}()
	if err := task.handler.Handle(i.ctxt, task.reading); err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf(
			"Handler %s failed on %s", task.handler.Name(), task.reading,
		)
	}
	return nil
}
