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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pulsemesh/pulsemesh/apis"
	"github.com/pulsemesh/pulsemesh/common"
	"github.com/pulsemesh/pulsemesh/core"
	"github.com/pulsemesh/pulsemesh/fanout"
	"github.com/pulsemesh/pulsemesh/storage"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunDataplaneServer run the dataplane server
func RunDataplaneServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	store storage.SubscriptionStore,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "dataplane",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Assemble the fan-out core

	cache, err := fanout.GetSubscriberCache(
		localCtxt,
		store,
		config.Fanout.Cache.MaxEntries,
		time.Second*time.Duration(config.Fanout.Cache.IdleExpiry),
		time.Second*time.Duration(config.Fanout.Cache.SweepInterval),
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber cache")
		return err
	}

	registry, err := fanout.GetFanoutRegistry(cache, config.Fanout.ListenerBuffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fan-out registry")
		return err
	}

	relay, err := fanout.GetCrossInstanceRelay(
		localCtxt,
		natsClient,
		config.Fanout.Relay.Subject,
		instance,
		time.Second*time.Duration(config.Fanout.Relay.MaxAge),
		config.Fanout.Relay.ReceiveWorkers,
		config.Fanout.Relay.ReceiveBuffer,
		registry,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define cross-instance relay")
		return err
	}
	if err := relay.StartReceiving(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start cross-instance relay")
		return err
	}

	intake, err := fanout.GetReadingIntake(
		localCtxt,
		instance,
		[]fanout.ReadingHandler{
			fanout.NewRelayHandler(relay),
			fanout.NewLocalFanoutHandler(registry),
			fanout.NewOnlineStatusHandler(fanout.NewStoreOnlineStatusSink(store)),
			fanout.NewThresholdAlertHandler(
				config.Alert.HighThreshold, config.Alert.LowThreshold, fanout.NewLoggingAlertSink(),
			),
		},
		config.Fanout.PipelineBuffer,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reading intake")
		return err
	}

	streams, err := fanout.GetStreamController(
		localCtxt, store, registry, config.Fanout.MaxLiveSessionsPerUser,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stream controller")
		return err
	}

	httpHandler, err := apis.GetAPIRestDataplaneHandler(
		localCtxt,
		natsClient,
		&config.Dataplane.HTTPSetting,
		intake,
		streams,
		store,
		cache,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(
		router, config.Dataplane.Endpoints.PathPrefix, nil,
	)

	// Reading publish
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/user/{userID}/reading", map[string]http.HandlerFunc{
			"post": httpHandler.PublishReadingHandler(),
		},
	)

	// Live stream
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/user/{userID}/live", map[string]http.HandlerFunc{
			"get": httpHandler.LiveStreamHandler(),
		},
	)

	// User status
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/user/{userID}/status", map[string]http.HandlerFunc{
			"get": httpHandler.GetUserStatusHandler(),
		},
	)

	// Subscription management
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/user/{ownerID}/subscriber/{subscriberID}", map[string]http.HandlerFunc{
			"put":    httpHandler.CreateSubscriptionHandler(),
			"delete": httpHandler.DeleteSubscriptionHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverConfig := config.Dataplane.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
