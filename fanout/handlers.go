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
	"time"

	"github.com/apex/log"
	"github.com/pulsemesh/pulsemesh/common"
	"github.com/pulsemesh/pulsemesh/storage"
)

// localFanoutHandler delivers readings to the listeners on this instance
type localFanoutHandler struct {
	registry FanoutRegistry
}

// NewLocalFanoutHandler define a ReadingHandler forwarding into the local registry
func NewLocalFanoutHandler(registry FanoutRegistry) ReadingHandler {
	return &localFanoutHandler{registry: registry}
}

func (h *localFanoutHandler) Name() string {
	return "local-fanout"
}

func (h *localFanoutHandler) ShouldHandle(userID string, value float64) bool {
	return true
}

func (h *localFanoutHandler) Handle(ctxt context.Context, reading Reading) error {
	return h.registry.Dispatch(ctxt, reading)
}

// ========================================================================================

// relayHandler publishes readings to the other instances
type relayHandler struct {
	relay CrossInstanceRelay
}

// NewRelayHandler define a ReadingHandler forwarding onto the cross-instance relay
func NewRelayHandler(relay CrossInstanceRelay) ReadingHandler {
	return &relayHandler{relay: relay}
}

func (h *relayHandler) Name() string {
	return "cross-instance-relay"
}

func (h *relayHandler) ShouldHandle(userID string, value float64) bool {
	return true
}

func (h *relayHandler) Handle(ctxt context.Context, reading Reading) error {
	return h.relay.Publish(ctxt, reading)
}

// ========================================================================================

// OnlineStatusSink receives user activity timestamps derived from readings
type OnlineStatusSink interface {
	// RecordLastSeen note that userID was active at the given time
	RecordLastSeen(ctxt context.Context, userID string, timestamp time.Time) error
}

// onlineStatusHandler marks the publishing user as recently active
type onlineStatusHandler struct {
	sink OnlineStatusSink
}

// NewOnlineStatusHandler define a ReadingHandler updating user last-seen state
func NewOnlineStatusHandler(sink OnlineStatusSink) ReadingHandler {
	return &onlineStatusHandler{sink: sink}
}

func (h *onlineStatusHandler) Name() string {
	return "online-status"
}

func (h *onlineStatusHandler) ShouldHandle(userID string, value float64) bool {
	return true
}

func (h *onlineStatusHandler) Handle(ctxt context.Context, reading Reading) error {
	return h.sink.RecordLastSeen(ctxt, reading.OwnerID, time.UnixMilli(reading.PublishedAt))
}

// storeOnlineStatusSink records last-seen timestamps in the subscription store
type storeOnlineStatusSink struct {
	store storage.SubscriptionStore
}

// NewStoreOnlineStatusSink define an OnlineStatusSink backed by the subscription store
func NewStoreOnlineStatusSink(store storage.SubscriptionStore) OnlineStatusSink {
	return &storeOnlineStatusSink{store: store}
}

func (s *storeOnlineStatusSink) RecordLastSeen(
	ctxt context.Context, userID string, timestamp time.Time,
) error {
	return s.store.RecordLastSeen(ctxt, userID, timestamp)
}

// ========================================================================================

// AlertSink receives out-of-range heart rate notifications
type AlertSink interface {
	// RaiseAlert report that a reading fell outside the accepted range
	RaiseAlert(ctxt context.Context, reading Reading) error
}

// thresholdAlertHandler flags readings outside the configured range
type thresholdAlertHandler struct {
	highThreshold float64
	lowThreshold  float64
	sink          AlertSink
}

// NewThresholdAlertHandler define a ReadingHandler which alerts on readings
// above highThreshold or below lowThreshold
func NewThresholdAlertHandler(highThreshold, lowThreshold float64, sink AlertSink) ReadingHandler {
	return &thresholdAlertHandler{
		highThreshold: highThreshold, lowThreshold: lowThreshold, sink: sink,
	}
}

func (h *thresholdAlertHandler) Name() string {
	return "threshold-alert"
}

func (h *thresholdAlertHandler) ShouldHandle(userID string, value float64) bool {
	return value > h.highThreshold || value < h.lowThreshold
}

func (h *thresholdAlertHandler) Handle(ctxt context.Context, reading Reading) error {
	return h.sink.RaiseAlert(ctxt, reading)
}

// loggingAlertSink records alerts in the process log
type loggingAlertSink struct {
	common.Component
}

// NewLoggingAlertSink define an AlertSink writing to the process log
func NewLoggingAlertSink() AlertSink {
	return &loggingAlertSink{
		Component: common.Component{
			LogTags: log.Fields{"module": "fanout", "component": "alert-sink"},
		},
	}
}

func (s *loggingAlertSink) RaiseAlert(ctxt context.Context, reading Reading) error {
	log.WithFields(s.LogTags).Warnf("Out of range %s", reading)
	return nil
}
