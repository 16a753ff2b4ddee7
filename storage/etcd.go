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

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/pulsemesh/pulsemesh/common"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdSubscriptionStore SubscriptionStore backed by etcd
//
// Key layout under keyPrefix:
//
//	subscribers/{owner}/{subscriber} -> RFC3339 creation time
//	live-sessions/{user}/{session}   -> LiveSessionRecord as JSON
//	last-seen/{user}                 -> RFC3339 timestamp
type etcdSubscriptionStore struct {
	common.Component
	client    *clientv3.Client
	keyPrefix string
}

// CreateEtcdSubscriptionStore define an etcd backed SubscriptionStore
func CreateEtcdSubscriptionStore(
	endpoints []string, keyPrefix string, connectTimeout time.Duration,
) (SubscriptionStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: connectTimeout,
	})
	if err != nil {
		log.WithError(err).Errorf("Unable to connect with etcd servers %s", endpoints)
		return nil, err
	}
	logTags := log.Fields{"module": "storage", "component": "etcd-subscription-store"}
	log.WithFields(logTags).Infof("Connected with etcd servers %s", endpoints)
	return &etcdSubscriptionStore{
		Component: common.Component{LogTags: logTags},
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

func (d *etcdSubscriptionStore) subscriberPrefix(ownerID string) string {
	return fmt.Sprintf("%s/subscribers/%s/", d.keyPrefix, ownerID)
}

func (d *etcdSubscriptionStore) liveSessionPrefix(userID string) string {
	return fmt.Sprintf("%s/live-sessions/%s/", d.keyPrefix, userID)
}

func (d *etcdSubscriptionStore) lastSeenKey(userID string) string {
	return fmt.Sprintf("%s/last-seen/%s", d.keyPrefix, userID)
}

// ================================================================
// Subscription relationships

// AddSubscription record that subscriberID follows ownerID
func (d *etcdSubscriptionStore) AddSubscription(
	ctxt context.Context, ownerID, subscriberID string,
) error {
	key := d.subscriberPrefix(ownerID) + subscriberID
	if _, err := d.client.Put(ctxt, key, time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to record subscription %s", key)
		return err
	}
	log.WithFields(d.LogTags).Debugf("Recorded subscription %s", key)
	return nil
}

// RemoveSubscription delete the (ownerID, subscriberID) relationship
func (d *etcdSubscriptionStore) RemoveSubscription(
	ctxt context.Context, ownerID, subscriberID string,
) error {
	key := d.subscriberPrefix(ownerID) + subscriberID
	resp, err := d.client.Delete(ctxt, key)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to delete subscription %s", key)
		return err
	}
	if resp.Deleted == 0 {
		return RecordNotFoundError{Key: key}
	}
	log.WithFields(d.LogTags).Debugf("Deleted subscription %s", key)
	return nil
}

// CountSubscribers number of users following ownerID
func (d *etcdSubscriptionStore) CountSubscribers(
	ctxt context.Context, ownerID string,
) (int, error) {
	resp, err := d.client.Get(
		ctxt, d.subscriberPrefix(ownerID), clientv3.WithPrefix(), clientv3.WithCountOnly(),
	)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to count subscribers of %s", ownerID,
		)
		return 0, err
	}
	return int(resp.Count), nil
}

// ListSubscriberIDs the set of user IDs following ownerID
func (d *etcdSubscriptionStore) ListSubscriberIDs(
	ctxt context.Context, ownerID string,
) (map[string]bool, error) {
	prefix := d.subscriberPrefix(ownerID)
	resp, err := d.client.Get(ctxt, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to list subscribers of %s", ownerID,
		)
		return nil, err
	}
	result := map[string]bool{}
	for _, kv := range resp.Kvs {
		subscriberID := strings.TrimPrefix(string(kv.Key), prefix)
		if len(subscriberID) > 0 {
			result[subscriberID] = true
		}
	}
	return result, nil
}

// ================================================================
// Live session records

// CreateLiveSession persist a record for a newly accepted live stream
func (d *etcdSubscriptionStore) CreateLiveSession(
	ctxt context.Context, record LiveSessionRecord,
) error {
	serialized, err := json.Marshal(&record)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to serialize %s", record)
		return err
	}
	key := d.liveSessionPrefix(record.UserID) + record.ID
	if _, err := d.client.Put(ctxt, key, string(serialized)); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to persist %s", record)
		return err
	}
	log.WithFields(d.LogTags).Debugf("Persisted %s", record)
	return nil
}

// DeleteLiveSession remove the record of a closed live stream
func (d *etcdSubscriptionStore) DeleteLiveSession(
	ctxt context.Context, userID, sessionID string,
) error {
	key := d.liveSessionPrefix(userID) + sessionID
	resp, err := d.client.Delete(ctxt, key)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to delete %s", key)
		return err
	}
	if resp.Deleted == 0 {
		return RecordNotFoundError{Key: key}
	}
	log.WithFields(d.LogTags).Debugf("Deleted %s", key)
	return nil
}

// CountLiveSessions number of live session records held by userID
func (d *etcdSubscriptionStore) CountLiveSessions(
	ctxt context.Context, userID string,
) (int, error) {
	resp, err := d.client.Get(
		ctxt, d.liveSessionPrefix(userID), clientv3.WithPrefix(), clientv3.WithCountOnly(),
	)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to count live sessions of %s", userID,
		)
		return 0, err
	}
	return int(resp.Count), nil
}

// ================================================================
// Online status

// RecordLastSeen note that userID published a reading at seenAt
func (d *etcdSubscriptionStore) RecordLastSeen(
	ctxt context.Context, userID string, seenAt time.Time,
) error {
	key := d.lastSeenKey(userID)
	if _, err := d.client.Put(ctxt, key, seenAt.UTC().Format(time.RFC3339)); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to update %s", key)
		return err
	}
	return nil
}

// GetLastSeen fetch when userID last published a reading
func (d *etcdSubscriptionStore) GetLastSeen(
	ctxt context.Context, userID string,
) (time.Time, error) {
	key := d.lastSeenKey(userID)
	resp, err := d.client.Get(ctxt, key)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to fetch %s", key)
		return time.Time{}, err
	}
	if len(resp.Kvs) == 0 {
		return time.Time{}, RecordNotFoundError{Key: key}
	}
	return time.Parse(time.RFC3339, string(resp.Kvs[0].Value))
}
