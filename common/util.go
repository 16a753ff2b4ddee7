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
	"os"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// ValidateUserID check whether a user ID is acceptable
func ValidateUserID(userID string, validate *validator.Validate) error {
	return validate.Var(userID, "required,max=64,alphanum|uuid")
}

// GetUnitTestNatsURI fetch the NATS URI used by unit tests
func GetUnitTestNatsURI() string {
	if uri, ok := os.LookupEnv("UNITTEST_NATS_URI"); ok {
		return uri
	}
	return "nats://127.0.0.1:4222"
}

// GetUnitTestEtcdEndpoint fetch the etcd endpoint used by unit tests
func GetUnitTestEtcdEndpoint() string {
	if ep, ok := os.LookupEnv("UNITTEST_ETCD_ENDPOINT"); ok {
		return ep
	}
	return "localhost:2379"
}
