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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/sirimux/adapter"
	"github.com/alwitt/sirimux/apis"
	"github.com/alwitt/sirimux/cluster"
	"github.com/alwitt/sirimux/common"
	"github.com/alwitt/sirimux/core"
	"github.com/alwitt/sirimux/lifecycle"
	"github.com/alwitt/sirimux/metrics"
	"github.com/alwitt/sirimux/pipeline"
	"github.com/alwitt/sirimux/siri"
	"github.com/alwitt/sirimux/subscription"
	"github.com/alwitt/sirimux/workflow"
	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ClusterModeNATS cluster coordination through JetStream
const ClusterModeNATS = "nats"

// subscriptionServer the running components of the subscription server
type subscriptionServer struct {
	registry    subscription.Registry
	engine      workflow.Engine
	trigger     workflow.EphemeralTrigger
	core        adapter.ProtocolAdapter
	initializer lifecycle.SubscriptionInitializer
	supervisor  lifecycle.HealthSupervisor
	admin       lifecycle.AdminController
	replicator  cluster.RegistryReplicator
	promReg     *prometheus.Registry
}

// defineCoordinator define the cluster coordinator for the configured mode
func defineCoordinator(
	config common.ClusterConfig, instance string, natsClient *core.NatsClient, clock common.Clock,
) (cluster.Coordinator, error) {
	ttl := time.Second * time.Duration(config.LeaseTTL)
	if config.Mode != ClusterModeNATS {
		return cluster.GetLocalCoordinator(instance, cluster.DefineLocalLeaseTable(ttl, clock)), nil
	}
	if natsClient == nil {
		return nil, fmt.Errorf("cluster mode %s requires a NATS client", config.Mode)
	}
	return cluster.GetJetStreamCoordinator(
		natsClient, instance, config.LockBucket, config.StateBucket, ttl,
	)
}

// defineSubscriptionServer build every component of the subscription server
func defineSubscriptionServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) (*subscriptionServer, error) {
	clock := common.RealClock{}
	server := &subscriptionServer{promReg: prometheus.NewRegistry()}
	server.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewPrometheusCollector(server.promReg)

	server.registry = subscription.DefineRegistry(instance, clock)

	coordinator, err := defineCoordinator(config.Cluster, instance, natsClient, clock)
	if err != nil {
		return nil, fmt.Errorf("unable to define cluster coordinator: %w", err)
	}

	var sink pipeline.Sink = pipeline.DiscardSink{}
	if config.Delivery.Publish {
		if natsClient == nil {
			return nil, fmt.Errorf("publishing deliveries requires a NATS client")
		}
		if err := pipeline.EnsureDeliveryStream(natsClient.JetStream(), pipeline.StreamParam{
			Name:          config.Delivery.StreamName,
			SubjectPrefix: config.Delivery.SubjectPrefix,
			MaxAge:        time.Second * time.Duration(config.Delivery.MaxAge),
			MaxBytes:      config.Delivery.MaxBytes,
		}); err != nil {
			return nil, fmt.Errorf("unable to prepare delivery stream: %w", err)
		}
		sink, err = pipeline.GetNATSSink(natsClient, config.Delivery.SubjectPrefix, collector)
		if err != nil {
			return nil, fmt.Errorf("unable to define delivery sink: %w", err)
		}
	}
	if config.Cluster.Mode == ClusterModeNATS {
		server.replicator, err = cluster.GetRegistryReplicator(
			instance, config.Cluster.ReplicationSubject, natsClient, server.registry,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to define registry replicator: %w", err)
		}
	}

	server.engine, err = workflow.GetEngineInstance(instance, config.Trigger.Workers)
	if err != nil {
		return nil, fmt.Errorf("unable to define workflow engine: %w", err)
	}
	server.trigger, err = workflow.GetEphemeralTrigger(
		instance, server.engine, time.Second*time.Duration(config.Trigger.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to define ephemeral trigger: %w", err)
	}

	sender, err := adapter.GetSender(
		instance,
		&http.Client{},
		adapter.RetryPolicy{
			MaxAttempts:  config.Outbound.Retry.MaxAttempts,
			InitialDelay: time.Second * time.Duration(config.Outbound.Retry.InitialDelay),
		},
		siri.EnvelopeTranscoder{},
		collector,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to define provider sender: %w", err)
	}

	server.core, err = adapter.GetProtocolAdapter(
		instance, runtimeContext, wg, adapter.ProtocolAdapterParams{
			Registry:       server.registry,
			Notifier:       lifecycle.DefineActivityNotifier(instance, server.registry),
			Sender:         sender,
			Transcoder:     siri.EnvelopeTranscoder{},
			Sink:           sink,
			Coordinator:    coordinator,
			InboundBaseURL: config.Inbound.BaseURL,
			Clock:          clock,
			Metrics:        collector,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to define protocol adapter: %w", err)
	}

	requestorRef := config.Outbound.RequestorRef
	if requestorRef == "" {
		requestorRef = uuid.NewString()
	}
	server.initializer, err = lifecycle.GetSubscriptionInitializer(
		instance, lifecycle.SubscriptionInitializerParams{
			Registry:     server.registry,
			Builder:      server.core,
			Trigger:      server.trigger,
			Environment:  config.Environment,
			RequestorRef: requestorRef,
			Metrics:      collector,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to define subscription initializer: %w", err)
	}

	server.supervisor, err = lifecycle.GetHealthSupervisor(
		instance, runtimeContext, wg, lifecycle.HealthSupervisorParams{
			Registry:     server.registry,
			Builder:      server.core,
			Trigger:      server.trigger,
			Coordinator:  coordinator,
			Clock:        clock,
			Metrics:      collector,
			LockKey:      config.HealthCheck.LockKey,
			TickInterval: time.Second * time.Duration(config.HealthCheck.TickInterval),
			RunInterval:  time.Second * time.Duration(config.HealthCheck.RunInterval),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to define health supervisor: %w", err)
	}

	server.admin, err = lifecycle.GetAdminController(
		instance, runtimeContext, server.registry, server.core, server.trigger, collector,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to define admin controller: %w", err)
	}
	return server, nil
}

// loadFeeds read the subscriptions file and reconcile the registry with it
func (s *subscriptionServer) loadFeeds(ctxt context.Context, feedsFile string) error {
	feeds, err := subscription.LoadFeedConfigFile(feedsFile)
	if err != nil {
		return err
	}
	report, err := s.initializer.Reconcile(ctxt, feeds)
	if err != nil {
		return err
	}
	log.Infof(
		"Loaded %s: %d registered, %d replaced, %d unchanged, %d removed",
		feedsFile,
		len(report.Registered),
		len(report.Replaced),
		len(report.Unchanged),
		len(report.Removed),
	)
	return nil
}

// defineRouter define the HTTP routes of the subscription server
func (s *subscriptionServer) defineRouter(
	httpConfig *common.HTTPConfig, ready apis.ReadinessCheck,
) (*mux.Router, error) {
	adminHandler, err := apis.GetAPIRestAdminHandler(s.admin, ready, httpConfig)
	if err != nil {
		return nil, err
	}
	inboundHandler, err := apis.GetAPIRestInboundHandler(s.core, httpConfig)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()

	// Subscription administration
	subscriptionsRouter := apis.RegisterPathPrefix(
		router, "/v1/admin/subscriptions", map[string]http.HandlerFunc{
			"get": adminHandler.GetAllSubscriptionsHandler(),
		},
	)
	perSubscriptionRouter := apis.RegisterPathPrefix(
		subscriptionsRouter, "/{subscriptionId}", nil,
	)
	_ = apis.RegisterPathPrefix(perSubscriptionRouter, "/start", map[string]http.HandlerFunc{
		"put": adminHandler.StartSubscriptionHandler(),
	})
	_ = apis.RegisterPathPrefix(perSubscriptionRouter, "/stop", map[string]http.HandlerFunc{
		"put": adminHandler.StopSubscriptionHandler(),
	})
	_ = apis.RegisterPathPrefix(perSubscriptionRouter, "/restart", map[string]http.HandlerFunc{
		"put": adminHandler.RestartSubscriptionHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(router, "/alive", map[string]http.HandlerFunc{
		"get": adminHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/ready", map[string]http.HandlerFunc{
		"get": adminHandler.ReadyHandler(),
	})
	router.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})).Methods("GET")

	// Provider deliveries
	router.HandleFunc(
		"/{version}/{transport}/{vendor}/{subscriptionId}", inboundHandler.ReceiveDeliveryHandler(),
	).Methods("POST")

	return router, nil
}

// NeedsNATS whether the configuration requires a NATS connection
func NeedsNATS(config *common.SystemConfig) bool {
	return config.Cluster.Mode == ClusterModeNATS || config.Delivery.Publish
}

// RunSubscriptionServer run the subscription server
func RunSubscriptionServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "subscription-server",
		"instance":  instance,
	}

	server, err := defineSubscriptionServer(runtimeContext, config, instance, natsClient, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription server")
		return err
	}

	if server.replicator != nil {
		if err := server.replicator.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start registry replication")
			return err
		}
		// Pick up the peers' registry before reconciling against the subscriptions file
		syncCtxt, syncCancel := context.WithTimeout(
			runtimeContext, time.Second*time.Duration(config.Cluster.SyncTimeout),
		)
		err := server.replicator.Sync(syncCtxt)
		syncCancel()
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to sync registry with peers")
			return err
		}
	}

	// Load the subscriptions. Invalid configuration stops the startup.
	if config.SubscriptionsFile != "" {
		if err := server.loadFeeds(runtimeContext, config.SubscriptionsFile); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Invalid subscriptions file %s", config.SubscriptionsFile,
			)
			return err
		}
		feedWatcher := viper.New()
		feedWatcher.SetConfigFile(config.SubscriptionsFile)
		feedWatcher.OnConfigChange(func(e fsnotify.Event) {
			log.WithFields(logTags).Infof("Subscriptions file %s changed (%s)", e.Name, e.Op)
			if err := server.loadFeeds(runtimeContext, config.SubscriptionsFile); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Ignoring invalid subscriptions file %s", config.SubscriptionsFile,
				)
			}
		})
		feedWatcher.WatchConfig()
	} else {
		log.WithFields(logTags).Warn("No subscriptions file configured")
	}

	if err := server.supervisor.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start health supervisor")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	ready := func() (bool, error) {
		if natsClient == nil {
			return true, nil
		}
		if !natsClient.Connected() {
			return false, fmt.Errorf("NATS client not connected")
		}
		return true, nil
	}
	httpConfig := &config.Inbound.HTTPSetting
	router, err := server.defineRouter(httpConfig, ready)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handlers")
		return err
	}

	serverListen := fmt.Sprintf(
		"%s:%d", httpConfig.Server.ListenOn, httpConfig.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(httpConfig.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(httpConfig.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(httpConfig.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	if err := server.supervisor.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping health supervisor")
	}
	if err := server.core.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping feed loops")
	}
	server.trigger.Wait()
	server.engine.Stop()
	if server.replicator != nil {
		if err := server.replicator.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure stopping registry replication")
		}
	}

	return nil
}
