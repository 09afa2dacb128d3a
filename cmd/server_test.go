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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alwitt/sirimux/apis"
	"github.com/alwitt/sirimux/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

const testFeeds = `---
subscriptions:
  - internalId: 42
    name: ruter-et
    vendor: ruter
    datasetId: RUT
    subscriptionType: ESTIMATED_TIMETABLE
    serviceType: REST
    version: "2.0"
    subscriptionMode: SUBSCRIBE
    subscriptionId: ruter-et-1
    heartbeatInterval: 60s
    durationOfSubscription: 168h
    active: true
    urlMap:
      SUBSCRIBE: http://127.0.0.1:1/subscribe
      DELETE_SUBSCRIPTION: http://127.0.0.1:1/delete
`

func TestSubscriptionServerWiring(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	common.InstallDefaultConfigValues()
	var config common.SystemConfig
	assert.Nil(viper.Unmarshal(&config))

	feedsFile := filepath.Join(t.TempDir(), "subscriptions.yaml")
	assert.Nil(os.WriteFile(feedsFile, []byte(testFeeds), 0600))
	config.SubscriptionsFile = feedsFile

	wg := &sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: clustering through NATS without a client
	{
		natsConfig := config
		natsConfig.Cluster.Mode = ClusterModeNATS
		assert.True(NeedsNATS(&natsConfig))
		_, err := defineSubscriptionServer(ctxt, &natsConfig, "ut", nil, wg)
		assert.NotNil(err)
	}

	// Case 1: standalone
	assert.False(NeedsNATS(&config))
	server, err := defineSubscriptionServer(ctxt, &config, "ut", nil, wg)
	assert.Nil(err)
	assert.Nil(server.replicator)
	defer func() {
		server.trigger.Wait()
		_ = server.core.Stop()
		server.engine.Stop()
	}()

	assert.Nil(server.loadFeeds(ctxt, feedsFile))
	assert.True(server.registry.IsPending("ruter-et-1"))

	router, err := server.defineRouter(&config.Inbound.HTTPSetting, nil)
	assert.Nil(err)
	call := func(method, path, body string) *httptest.ResponseRecorder {
		req, err := http.NewRequest(method, path, strings.NewReader(body))
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 2: health checks and metrics
	assert.Equal(http.StatusOK, call("GET", "/alive", "").Code)
	assert.Equal(http.StatusOK, call("GET", "/ready", "").Code)
	{
		resp := call("GET", "/metrics", "")
		assert.Equal(http.StatusOK, resp.Code)
		assert.Contains(resp.Body.String(), "sirimux_registry")
	}

	// Case 3: admin listing
	{
		resp := call("GET", "/v1/admin/subscriptions", "")
		assert.Equal(http.StatusOK, resp.Code)
		var msg apis.APIRestRespAllSubscriptions
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.Equal(1, msg.Pending)
		assert.Len(msg.Subscriptions, 1)
		assert.NotEmpty(resp.Header().Get(config.Inbound.HTTPSetting.Logging.RequestIDHeader))
	}

	// Case 4: admin action routes
	assert.Equal(
		http.StatusOK, call("PUT", "/v1/admin/subscriptions/ruter-et-1/stop", "").Code,
	)
	assert.Equal(
		http.StatusNotFound,
		call("PUT", fmt.Sprintf("/v1/admin/subscriptions/%s/start", uuid.NewString()), "").Code,
	)

	// Case 5: inbound route
	assert.Equal(
		http.StatusNotFound,
		call("POST", fmt.Sprintf("/2.0/rs/ruter/%s", uuid.NewString()), "<Siri/>").Code,
	)
}
