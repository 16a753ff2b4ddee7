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
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Reading one heart rate value published by a user at a point in time. Never
// persisted; it only travels through the intake pipeline and across instances.
type Reading struct {
	// OwnerID the user the reading belongs to
	OwnerID string `json:"owner_id" validate:"required"`
	// Value the heart rate value
	Value float64 `json:"value" validate:"gt=0"`
	// PublishedAt when the reading was accepted, in epoch milliseconds
	PublishedAt int64 `json:"published_at_ms" validate:"required,gt=0"`
	// OriginInstance identity of the process which first accepted the reading
	OriginInstance string `json:"origin_instance" validate:"required"`
}

// String toString function
func (r Reading) String() string {
	return fmt.Sprintf("reading[%s %.2f @ %d]", r.OwnerID, r.Value, r.PublishedAt)
}

// Age how old the reading is relative to now
func (r Reading) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.PublishedAt))
}

// Serialize encode the reading for cross-instance transmission. All instances
// agree on this wire format.
func (r Reading) Serialize() ([]byte, error) {
	return json.Marshal(&r)
}

// ParseReading decode a reading received from another instance
func ParseReading(data []byte, validate *validator.Validate) (Reading, error) {
	var reading Reading
	if err := json.Unmarshal(data, &reading); err != nil {
		return Reading{}, err
	}
	if err := validate.Struct(&reading); err != nil {
		return Reading{}, err
	}
	return reading, nil
}

// DeliveredEvent one reading as delivered to one live listener
type DeliveredEvent struct {
	// SubscriptionID set only when delivered to a subscriber's listener; names
	// the live session the delivery belongs to
	SubscriptionID *string `json:"subscription_id,omitempty"`
	// Value the heart rate value
	Value float64 `json:"value"`
	// IsOwnReading true when the listener belongs to the reading's owner
	IsOwnReading bool `json:"is_own_reading"`
}

// CapacityExceededError error when a user is already at the concurrent live
// stream cap and requests another
type CapacityExceededError struct {
	// UserID the requesting user
	UserID string
	// Limit the configured per-user cap
	Limit int
}

// Error implements the error interface
func (e CapacityExceededError) Error() string {
	return fmt.Sprintf("user %s already holds %d live streams", e.UserID, e.Limit)
}
