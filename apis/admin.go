// Copyright 2022 The sirimux Authors
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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/common"
	"github.com/alwitt/sirimux/lifecycle"
	"github.com/alwitt/sirimux/subscription"
	"github.com/alwitt/sirimux/workflow"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// ReadinessCheck reports whether the service can do its work
type ReadinessCheck func() (bool, error)

// APIRestAdminHandler REST handler for subscription administration
type APIRestAdminHandler struct {
	goutils.RestAPIHandler
	core  lifecycle.AdminController
	ready ReadinessCheck
}

// GetAPIRestAdminHandler define APIRestAdminHandler
func GetAPIRestAdminHandler(
	core lifecycle.AdminController, ready ReadinessCheck, httpConfig *common.HTTPConfig,
) (APIRestAdminHandler, error) {
	if core == nil {
		return APIRestAdminHandler{}, fmt.Errorf("admin handler requires an admin controller")
	}
	if ready == nil {
		ready = func() (bool, error) { return true, nil }
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "admin",
	}
	return APIRestAdminHandler{
		RestAPIHandler: defineRestHandler(logTags, httpConfig),
		core:           core,
		ready:          ready,
	}, nil
}

// APIRestRespSubscription adhoc structure for presenting one registered subscription
type APIRestRespSubscription struct {
	// InternalID stable feed identity
	InternalID int64 `json:"internal_id"`
	// SubscriptionID current subscription ID
	SubscriptionID string `json:"subscription_id"`
	// Name feed name
	Name string `json:"name,omitempty"`
	// Vendor provider name
	Vendor string `json:"vendor"`
	// DatasetID dataset the data belongs to
	DatasetID string `json:"dataset_id"`
	// DataType kind of data delivered
	DataType string `json:"data_type"`
	// Mode how data is obtained
	Mode string `json:"mode"`
	// Version protocol version
	Version string `json:"version"`
	// Active operator intent
	Active bool `json:"active"`
	// State PENDING or ACTIVE
	State string `json:"state"`
	// AwaitingConfirmation whether a start waits on the provider's confirmation
	AwaitingConfirmation bool `json:"awaiting_confirmation"`
	// RegisteredAt when the subscription entered the registry
	RegisteredAt time.Time `json:"registered_at"`
	// LastActivity last sign of life, when Active
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

func convertEntry(entry subscription.Entry) APIRestRespSubscription {
	result := APIRestRespSubscription{
		InternalID:           entry.Record.InternalID,
		SubscriptionID:       entry.Record.SubscriptionID,
		Name:                 entry.Record.Name,
		Vendor:               entry.Record.Vendor,
		DatasetID:            entry.Record.DatasetID,
		DataType:             string(entry.Record.DataType),
		Mode:                 string(entry.Record.Mode),
		Version:              entry.Record.Version,
		Active:               entry.Record.Active,
		State:                string(entry.Status.State),
		AwaitingConfirmation: entry.Status.AwaitingConfirmation,
		RegisteredAt:         entry.Status.RegisteredAt,
	}
	if entry.Status.State == subscription.StateActive {
		lastActivity := entry.Status.LastActivity
		result.LastActivity = &lastActivity
	}
	return result
}

// APIRestRespAllSubscriptions response for listing all subscriptions
type APIRestRespAllSubscriptions struct {
	goutils.RestAPIBaseResponse
	// Pending number of Pending subscriptions
	Pending int `json:"pending"`
	// Active number of Active subscriptions
	Active int `json:"active"`
	// Subscriptions every registered subscription
	Subscriptions []APIRestRespSubscription `json:"subscriptions"`
}

// -----------------------------------------------------------------------

// GetAllSubscriptions godoc
// @Summary Query for all subscriptions
// @Description Query for the state of every registered subscription
// @tags Admin
// @Produce json
// @Param Sirimux-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllSubscriptions "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Sirimux-Request-ID "Request ID to match against logs"
// @Router /v1/admin/subscriptions [get]
func (h APIRestAdminHandler) GetAllSubscriptions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	stats := h.core.Stats()
	converted := make([]APIRestRespSubscription, 0, len(stats.Subscriptions))
	for _, entry := range stats.Subscriptions {
		converted = append(converted, convertEntry(entry))
	}
	resp := APIRestRespAllSubscriptions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Pending:       stats.Pending,
		Active:        stats.Active,
		Subscriptions: converted,
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetAllSubscriptionsHandler Wrapper around GetAllSubscriptions
func (h APIRestAdminHandler) GetAllSubscriptionsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.GetAllSubscriptions(w, r)
	})
}

// -----------------------------------------------------------------------

// subscriptionAction apply an operator action to the subscription named in the path
func (h APIRestAdminHandler) subscriptionAction(
	w http.ResponseWriter, r *http.Request, actionName string, action func(string) error,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscriptionID, ok := mux.Vars(r)["subscriptionId"]
	if !ok || subscriptionID == "" {
		msg := "No subscription ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	if err := action(subscriptionID); err != nil {
		msg := fmt.Sprintf("Unable to %s subscription %s", actionName, subscriptionID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		switch {
		case errors.Is(err, lifecycle.ErrSubscriptionNotFound):
			respCode = http.StatusNotFound
		case errors.Is(err, workflow.ErrActionInFlight):
			respCode = http.StatusConflict
		default:
			respCode = http.StatusInternalServerError
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// StartSubscription godoc
// @Summary Switch a subscription on
// @Description Set the operator intent of a subscription to active
// @tags Admin
// @Produce json
// @Param Sirimux-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriptionId path string true "Subscription ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/subscriptions/{subscriptionId}/start [put]
func (h APIRestAdminHandler) StartSubscription(w http.ResponseWriter, r *http.Request) {
	h.subscriptionAction(w, r, "start", h.core.Start)
}

// StartSubscriptionHandler Wrapper around StartSubscription
func (h APIRestAdminHandler) StartSubscriptionHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.StartSubscription(w, r)
	})
}

// StopSubscription godoc
// @Summary Switch a subscription off
// @Description Set the operator intent of a subscription to inactive. An Active
// @Description subscription is terminated.
// @tags Admin
// @Produce json
// @Param Sirimux-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriptionId path string true "Subscription ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/subscriptions/{subscriptionId}/stop [put]
func (h APIRestAdminHandler) StopSubscription(w http.ResponseWriter, r *http.Request) {
	h.subscriptionAction(w, r, "stop", h.core.Stop)
}

// StopSubscriptionHandler Wrapper around StopSubscription
func (h APIRestAdminHandler) StopSubscriptionHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.StopSubscription(w, r)
	})
}

// RestartSubscription godoc
// @Summary Restart a subscription
// @Description Terminate a subscription so that it is started again under a new ID
// @tags Admin
// @Produce json
// @Param Sirimux-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriptionId path string true "Subscription ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/subscriptions/{subscriptionId}/restart [put]
func (h APIRestAdminHandler) RestartSubscription(w http.ResponseWriter, r *http.Request) {
	h.subscriptionAction(w, r, "restart", h.core.Restart)
}

// RestartSubscriptionHandler Wrapper around RestartSubscription
func (h APIRestAdminHandler) RestartSubscriptionHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.RestartSubscription(w, r)
	})
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestAdminHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestAdminHandler) AliveHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the service is ready for use
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestAdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ready, err := h.ready()
	switch {
	case err != nil:
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	case !ready:
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	default:
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestAdminHandler) ReadyHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
