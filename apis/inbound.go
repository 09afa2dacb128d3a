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
	"io"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/adapter"
	"github.com/alwitt/sirimux/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// maxInboundPayload largest accepted provider payload
const maxInboundPayload = 32 << 20

// APIRestInboundHandler REST handler for provider deliveries
type APIRestInboundHandler struct {
	goutils.RestAPIHandler
	core     adapter.ProtocolAdapter
	validate *validator.Validate
}

// GetAPIRestInboundHandler define APIRestInboundHandler
func GetAPIRestInboundHandler(
	core adapter.ProtocolAdapter, httpConfig *common.HTTPConfig,
) (APIRestInboundHandler, error) {
	if core == nil {
		return APIRestInboundHandler{}, fmt.Errorf("inbound handler requires a protocol adapter")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "inbound",
	}
	return APIRestInboundHandler{
		RestAPIHandler: defineRestHandler(logTags, httpConfig),
		core:           core,
		validate:       validator.New(),
	}, nil
}

// inboundPath path parameters of a delivery
type inboundPath struct {
	Version        string `validate:"required,oneof=1.4 2.0"`
	Transport      string `validate:"required,oneof=rs ws"`
	Vendor         string `validate:"required"`
	SubscriptionID string `validate:"required"`
}

// -----------------------------------------------------------------------

// ReceiveDelivery godoc
// @Summary Receive a provider message
// @Description Accept a SIRI message a provider sends for a subscription. Heartbeats, status
// @Description answers and deliveries count as signs of life.
// @tags Inbound
// @Accept xml
// @Produce json
// @Param Sirimux-Request-ID header string false "User provided request ID to match against logs"
// @Param version path string true "Protocol version"
// @Param transport path string true "rs or ws"
// @Param vendor path string true "Provider name"
// @Param subscriptionId path string true "Subscription ID"
// @Success 200 {string} string "accepted"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /{version}/{transport}/{vendor}/{subscriptionId} [post]
func (h APIRestInboundHandler) ReceiveDelivery(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	respCode := http.StatusOK
	var respBody interface{}
	defer func() {
		if respBody == nil {
			w.WriteHeader(respCode)
			return
		}
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	params := inboundPath{
		Version:        vars["version"],
		Transport:      vars["transport"],
		Vendor:         vars["vendor"],
		SubscriptionID: vars["subscriptionId"],
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid delivery path"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboundPayload))
	if err != nil {
		msg := "Unable to read payload"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	received, err := h.core.Receive(r.Context(), params.Vendor, params.SubscriptionID, payload)
	if err != nil {
		if errors.Is(err, adapter.ErrUnknownSubscription) {
			msg := fmt.Sprintf("Unknown subscription %s", params.SubscriptionID)
			log.WithFields(localLogTags).Warnf(msg)
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, err.Error())
			return
		}
		msg := fmt.Sprintf("Unable to process payload for %s", params.SubscriptionID)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	log.WithFields(localLogTags).Debugf(
		"Received %s from %s for %s", received.Kind, params.Vendor, params.SubscriptionID,
	)
}

// ReceiveDeliveryHandler Wrapper around ReceiveDelivery
func (h APIRestInboundHandler) ReceiveDeliveryHandler() http.HandlerFunc {
	return h.LoggingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		h.ReceiveDelivery(w, r)
	})
}
