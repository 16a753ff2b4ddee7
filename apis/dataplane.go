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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/pulsemesh/pulsemesh/common"
	"github.com/pulsemesh/pulsemesh/core"
	"github.com/pulsemesh/pulsemesh/fanout"
	"github.com/pulsemesh/pulsemesh/storage"
)

// ReadingSubmission request body for publishing one heart rate value
type ReadingSubmission struct {
	// Value the heart rate value
	Value float64 `json:"value" validate:"gt=0"`
}

// APIRestDataplaneHandler REST handler for the heart rate dataplane
type APIRestDataplaneHandler struct {
	goutils.RestAPIHandler
	natsClient  *core.NatsClient
	intake      fanout.ReadingIntake
	streams     fanout.StreamController
	store       storage.SubscriptionStore
	cache       fanout.SubscriberCache
	validate    *validator.Validate
	baseContext context.Context
}

// GetAPIRestDataplaneHandler define APIRestDataplaneHandler
func GetAPIRestDataplaneHandler(
	baseContext context.Context,
	client *core.NatsClient,
	httpConfig *common.HTTPConfig,
	intake fanout.ReadingIntake,
	streams fanout.StreamController,
	store storage.SubscriptionStore,
	cache fanout.SubscriberCache,
) (APIRestDataplaneHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "heart-rate-dataplane",
	}
	return APIRestDataplaneHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		natsClient:  client,
		intake:      intake,
		streams:     streams,
		store:       store,
		cache:       cache,
		validate:    validator.New(),
		baseContext: baseContext,
	}, nil
}

// Write logging support
func (h APIRestDataplaneHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Reading publish

// -----------------------------------------------------------------------

// PublishReading godoc
// @Summary Publish a heart rate reading
// @Description Accept one heart rate value from a user and run it through the intake pipeline
// @tags Dataplane
// @Accept json
// @Produce json
// @Param Pulsemesh-Request-ID header string false "User provided request ID to match against logs"
// @Param userID path string true "User the reading belongs to"
// @Param reading body ReadingSubmission true "The reading"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Pulsemesh-Request-ID "Request ID to match against logs"
// @Router /v1/user/{userID}/reading [post]
func (h APIRestDataplaneHandler) PublishReading(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	userID, ok := vars["userID"]
	if !ok {
		msg := "No user ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := common.ValidateUserID(userID, h.validate); err != nil {
		msg := "Invalid user ID"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	var submission ReadingSubmission
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&submission); err != nil {
		msg := "Reading value out of range"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.intake.Submit(r.Context(), userID, submission.Value); err != nil {
		msg := fmt.Sprintf("Unable to accept reading from %s", userID)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PublishReadingHandler Wrapper around PublishReading
func (h APIRestDataplaneHandler) PublishReadingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishReading(w, r)
	}
}

// =======================================================================
// Live stream

// -----------------------------------------------------------------------

// APIRestRespLiveEvent wrapper object for one event on a live stream
type APIRestRespLiveEvent struct {
	goutils.RestAPIBaseResponse
	fanout.DeliveredEvent
}

// LiveStream godoc
// @Summary Establish a live heart rate stream
// @Description Open a live stream delivering the user's own readings plus the readings of
// every user they subscribe to. This is a long lived server send event stream. The stream
// will close on client disconnect, server shutdown, or server internal error.
// @tags Dataplane
// @Produce json
// @Param Pulsemesh-Request-ID header string false "User provided request ID to match against logs"
// @Param userID path string true "User opening the stream"
// @Success 200 {object} APIRestRespLiveEvent "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,429,500 {string} Pulsemesh-Request-ID "Request ID to match against logs"
// @Router /v1/user/{userID}/live [get]
func (h APIRestDataplaneHandler) LiveStream(w http.ResponseWriter, r *http.Request) {
	localLogTagsInitial := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTagsInitial).Error("Failed to form response")
		}
	}()

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")

	// --------------------------------------------------------------------------
	// Read operation parameters
	vars := mux.Vars(r)
	userID, ok := vars["userID"]
	if !ok {
		msg := "No user ID provided"
		log.WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := common.ValidateUserID(userID, h.validate); err != nil {
		msg := "Invalid user ID"
		log.WithError(err).WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	// --------------------------------------------------------------------------
	// Start operation

	logTags := localLogTagsInitial
	logTags["user"] = userID

	// Create stream flusher
	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	// Open the live stream session
	session, err := h.streams.OpenStream(r.Context(), userID)
	if err != nil {
		if capErr, ok := err.(fanout.CapacityExceededError); ok {
			msg := fmt.Sprintf("User %s is at the live stream limit", userID)
			log.WithError(capErr).WithFields(logTags).Info(msg)
			respCode = http.StatusTooManyRequests
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusTooManyRequests, msg, capErr.Error(),
			)
			return
		}
		msg := "Unable to open live stream"
		log.WithError(err).WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	defer session.Close()
	logTags["session"] = session.ID()

	// Process events
	complete := false
	onError := func(err error, msg string) {
		complete = true
		log.WithError(err).WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	}
	for !complete {
		select {
		case <-h.baseContext.Done():
			// Server stopping
			complete = true
			log.WithFields(logTags).Info("Terminating live stream on server stop")
			msg := "Server stopping"
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		case <-r.Context().Done():
			// Request closed
			complete = true
			log.WithFields(logTags).Info("Terminating live stream on request end")
			respCode = http.StatusOK
			respBody = APIRestRespLiveEvent{
				RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
			}
		case event, ok := <-session.Events():
			// Send out a new event
			if !ok {
				err := fmt.Errorf("live stream event channel read fail")
				onError(err, "Event channel read fail")
				break
			}
			resp := APIRestRespLiveEvent{
				RestAPIBaseResponse: goutils.RestAPIBaseResponse{
					Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
				},
				DeliveredEvent: event,
			}
			serialize, err := json.Marshal(&resp)
			if err != nil {
				onError(err, "Failed to serialize event for transmission")
				break
			}
			written, err := fmt.Fprintf(w, "%s\n", serialize)
			writeFlusher.Flush()
			if err != nil {
				onError(err, "Failed to transmit event")
				break
			}
			log.WithFields(logTags).Debugf("Written %dB", written)
		}
	}
	// On final flush
	writeFlusher.Flush()
}

// LiveStreamHandler Wrapper around LiveStream
func (h APIRestDataplaneHandler) LiveStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.LiveStream(w, r)
	}
}

// =======================================================================
// Subscription management

// -----------------------------------------------------------------------

// readSubscriptionVars helper to read and validate the owner / subscriber path pair
func (h APIRestDataplaneHandler) readSubscriptionVars(
	r *http.Request, logTags log.Fields,
) (string, string, error) {
	vars := mux.Vars(r)
	ownerID, ok := vars["ownerID"]
	if !ok {
		return "", "", fmt.Errorf("no owner ID provided")
	}
	if err := common.ValidateUserID(ownerID, h.validate); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid owner ID")
		return "", "", err
	}
	subscriberID, ok := vars["subscriberID"]
	if !ok {
		return "", "", fmt.Errorf("no subscriber ID provided")
	}
	if err := common.ValidateUserID(subscriberID, h.validate); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid subscriber ID")
		return "", "", err
	}
	if ownerID == subscriberID {
		return "", "", fmt.Errorf("user can not subscribe to self")
	}
	return ownerID, subscriberID, nil
}

// CreateSubscription godoc
// @Summary Subscribe one user to another
// @Description Record that subscriberID follows the heart rate readings of ownerID
// @tags Dataplane
// @Produce json
// @Param Pulsemesh-Request-ID header string false "User provided request ID to match against logs"
// @Param ownerID path string true "User whose readings are followed"
// @Param subscriberID path string true "User following the readings"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Pulsemesh-Request-ID "Request ID to match against logs"
// @Router /v1/user/{ownerID}/subscriber/{subscriberID} [put]
func (h APIRestDataplaneHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ownerID, subscriberID, err := h.readSubscriptionVars(r, localLogTags)
	if err != nil {
		msg := "Invalid subscription request"
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.store.AddSubscription(r.Context(), ownerID, subscriberID); err != nil {
		msg := fmt.Sprintf("Unable to subscribe %s to %s", subscriberID, ownerID)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	// The cached subscriber set of the owner is now stale
	h.cache.Invalidate(ownerID)

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// CreateSubscriptionHandler Wrapper around CreateSubscription
func (h APIRestDataplaneHandler) CreateSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateSubscription(w, r)
	}
}

// -----------------------------------------------------------------------

// DeleteSubscription godoc
// @Summary Remove a subscription
// @Description Record that subscriberID no longer follows the readings of ownerID
// @tags Dataplane
// @Produce json
// @Param Pulsemesh-Request-ID header string false "User provided request ID to match against logs"
// @Param ownerID path string true "User whose readings were followed"
// @Param subscriberID path string true "User no longer following the readings"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Pulsemesh-Request-ID "Request ID to match against logs"
// @Router /v1/user/{ownerID}/subscriber/{subscriberID} [delete]
func (h APIRestDataplaneHandler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ownerID, subscriberID, err := h.readSubscriptionVars(r, localLogTags)
	if err != nil {
		msg := "Invalid subscription request"
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.store.RemoveSubscription(r.Context(), ownerID, subscriberID); err != nil {
		msg := fmt.Sprintf("Unable to unsubscribe %s from %s", subscriberID, ownerID)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		if _, ok := err.(storage.RecordNotFoundError); ok {
			respCode = http.StatusNotFound
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	h.cache.Invalidate(ownerID)

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DeleteSubscriptionHandler Wrapper around DeleteSubscription
func (h APIRestDataplaneHandler) DeleteSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteSubscription(w, r)
	}
}

// =======================================================================
// User status

// -----------------------------------------------------------------------

// APIRestRespUserStatus response body for a user status query
type APIRestRespUserStatus struct {
	goutils.RestAPIBaseResponse
	// LastSeen when the user last published a reading
	LastSeen time.Time `json:"last_seen"`
}

// GetUserStatus godoc
// @Summary Query when a user was last active
// @Description Return when the user last published a heart rate reading
// @tags Dataplane
// @Produce json
// @Param Pulsemesh-Request-ID header string false "User provided request ID to match against logs"
// @Param userID path string true "User to query"
// @Success 200 {object} APIRestRespUserStatus "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Pulsemesh-Request-ID "Request ID to match against logs"
// @Router /v1/user/{userID}/status [get]
func (h APIRestDataplaneHandler) GetUserStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	userID, ok := vars["userID"]
	if !ok {
		msg := "No user ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := common.ValidateUserID(userID, h.validate); err != nil {
		msg := "Invalid user ID"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	lastSeen, err := h.store.GetLastSeen(r.Context(), userID)
	if err != nil {
		msg := fmt.Sprintf("No activity recorded for %s", userID)
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusInternalServerError
		if _, ok := err.(storage.RecordNotFoundError); ok {
			respCode = http.StatusNotFound
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespUserStatus{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		LastSeen:            lastSeen,
	}
}

// GetUserStatusHandler Wrapper around GetUserStatus
func (h APIRestDataplaneHandler) GetUserStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetUserStatus(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For dataplane REST API liveness check
// @Description Will return success to indicate dataplane REST API module is live
// @tags Dataplane
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestDataplaneHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestDataplaneHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For dataplane REST API readiness check
// @Description Will return success if dataplane REST API module is ready for use
// @tags Dataplane
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestDataplaneHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient.NATs().Status() == nats.CONNECTED {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestDataplaneHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
