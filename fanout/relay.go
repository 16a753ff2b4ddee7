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
	"github.com/nats-io/nats.go"
	"github.com/pulsemesh/pulsemesh/common"
	"github.com/pulsemesh/pulsemesh/core"
)

// CrossInstanceRelay exchanges readings with the other server instances over
// a shared NATS subject.
//
// Every locally accepted reading is published; every inbound message is
// re-injected into the local registry unless it originated from this same
// instance or is older than the staleness cutoff. Delivery is at-most-once;
// readings published while the NATS connection is down are lost, which is
// acceptable for a live stream. Reconnect with backoff is handled by the NATS
// client itself.
type CrossInstanceRelay interface {
	// Publish send a locally accepted reading to the other instances
	Publish(ctxt context.Context, reading Reading) error
	// StartReceiving begin re-injecting readings from other instances
	StartReceiving(wg *sync.WaitGroup) error
}

// crossInstanceRelayImpl implements CrossInstanceRelay
type crossInstanceRelayImpl struct {
	common.Component
	nats       *core.NatsClient
	subject    string
	instanceID string
	maxAge     time.Duration
	target     FanoutRegistry
	workers    common.TaskProcessor
	validate   *validator.Validate
	lock       *sync.Mutex
	receiving  bool
	ctxt       context.Context
}

// inboundRelayMessage one relay message as received off the wire
type inboundRelayMessage struct {
	payload    []byte
	receivedAt time.Time
}

// GetCrossInstanceRelay define a new CrossInstanceRelay.
//
// Inbound messages are decoded and filtered on a worker pool rather than in
// the NATS callback. Relayed readings carry no ordering guarantee between
// instances, so parallel decode is safe.
func GetCrossInstanceRelay(
	ctxt context.Context,
	natsClient *core.NatsClient,
	subject string,
	instanceID string,
	maxAge time.Duration,
	receiveWorkers int,
	receiveBuffer int,
	target FanoutRegistry,
) (CrossInstanceRelay, error) {
	logTags := log.Fields{
		"module":    "fanout",
		"component": "cross-instance-relay",
		"subject":   subject,
		"instance":  instanceID,
	}
	workers, err := common.GetNewTaskDemuxProcessorInstance(
		"relay-receive", receiveBuffer, receiveWorkers, time.Second, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define receive workers")
		return nil, err
	}
	instance := &crossInstanceRelayImpl{
		Component:  common.Component{LogTags: logTags},
		nats:       natsClient,
		subject:    subject,
		instanceID: instanceID,
		maxAge:     maxAge,
		target:     target,
		workers:    workers,
		validate:   validator.New(),
		lock:       &sync.Mutex{},
		receiving:  false,
		ctxt:       ctxt,
	}
	if err := workers.AddToTaskExecutionMap(
		reflect.TypeOf(inboundRelayMessage{}), instance.processInboundTask,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Publish send a locally accepted reading to the other instances
func (r *crossInstanceRelayImpl) Publish(ctxt context.Context, reading Reading) error {
	serialized, err := reading.Serialize()
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to serialize %s", reading)
		return err
	}
	if err := r.nats.NATs().Publish(r.subject, serialized); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to relay %s", reading)
		return err
	}
	log.WithFields(r.LogTags).Debugf("Relayed %s", reading)
	return nil
}

// StartReceiving begin re-injecting readings from other instances
func (r *crossInstanceRelayImpl) StartReceiving(wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.receiving {
		err := fmt.Errorf("already receiving")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start receiving")
		return err
	}
	if err := r.workers.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start receive workers")
		return err
	}
	sub, err := r.nats.NATs().Subscribe(r.subject, func(msg *nats.Msg) {
		task := inboundRelayMessage{payload: msg.Data, receivedAt: time.Now()}
		if err := r.workers.Submit(task, r.ctxt); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Discarding inbound relay message")
		}
	})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to subscribe")
		return err
	}
	r.receiving = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-r.ctxt.Done()
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
		} else {
			log.WithFields(r.LogTags).Info("Unsubscribed from relay subject")
		}
	}()
	log.WithFields(r.LogTags).Info("Receiving relayed readings")
	return nil
}

// processInboundTask worker entry point for one inbound relay message
func (r *crossInstanceRelayImpl) processInboundTask(param interface{}) error {
	msg, ok := param.(inboundRelayMessage)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for relay receive", reflect.TypeOf(param),
		)
	}
	r.processInboundMessage(msg.payload, msg.receivedAt)
	return nil
}

// processInboundMessage filter one inbound relay message, and forward the
// reading to the local registry if it passes
func (r *crossInstanceRelayImpl) processInboundMessage(data []byte, now time.Time) {
	reading, err := ParseReading(data, r.validate)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Discarding undecodable relay message")
		return
	}
	if !r.shouldAccept(reading, now) {
		return
	}
	if err := r.target.Dispatch(r.ctxt, reading); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to dispatch relayed %s", reading)
	}
}

// shouldAccept whether an inbound relay reading should reach local listeners.
// Rejects this instance's own loopback and stale replays.
func (r *crossInstanceRelayImpl) shouldAccept(reading Reading, now time.Time) bool {
	if reading.OriginInstance == r.instanceID {
		log.WithFields(r.LogTags).Debugf("Ignoring own %s", reading)
		return false
	}
	if reading.Age(now) > r.maxAge {
		log.WithFields(r.LogTags).Debugf("Ignoring stale %s", reading)
		return false
	}
	return true
}
