// Copyright 2024-2026 The pushmq Authors
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
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/alwitt/pushmq/apis"
	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/engine"
	"github.com/alwitt/pushmq/ingress"
)

// RunServer run the event push server
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *ingress.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	eng, err := engine.Define(runTimeContext, config.Engine, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define push engine")
		return err
	}
	if err := eng.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start push engine")
		return err
	}

	// Optional producer ingress over NATS
	var bridge ingress.Bridge
	if natsClient != nil && config.NATS != nil {
		bridge, err = ingress.DefineBridge(*natsClient, eng, config.NATS.SubjectPrefix)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define ingress bridge")
			return err
		}
		if err := bridge.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start ingress bridge")
			return err
		}
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	httpConfig := &config.API.HTTPSetting
	attachHandler, err := apis.GetAPIRestEventAttachHandler(
		localCtxt, wg, eng, config.Websocket, httpConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define attach handler")
		return err
	}
	adminHandler, err := apis.GetAPIRestAdminHandler(eng, httpConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define admin handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.API.PathPrefix, nil)

	// Websocket attach
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/attach", map[string]http.HandlerFunc{
		"get": attachHandler.AttachHandler(),
	})

	// Engine administration
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/health", map[string]http.HandlerFunc{
		"get": adminHandler.HealthHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/stats", map[string]http.HandlerFunc{
		"get":    adminHandler.GetStatsHandler(),
		"delete": adminHandler.ResetStatsHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/broadcast", map[string]http.HandlerFunc{
		"post": adminHandler.BroadcastHandler(),
	})
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/admin/user/{userID}/send", map[string]http.HandlerFunc{
			"post": adminHandler.SendToUserHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/admin/org/{orgID}/send", map[string]http.HandlerFunc{
			"post": adminHandler.SendToOrganizationHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/connection", map[string]http.HandlerFunc{
		"get": adminHandler.GetAllConnectionsHandler(),
	})
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/admin/connection/{connID}", map[string]http.HandlerFunc{
			"get":    adminHandler.GetConnectionHandler(),
			"delete": adminHandler.EvictConnectionHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": attachHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": attachHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(attachHandler, next)
	})

	serverCfg := config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
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

	// Stop the ingress bridge before the engine so no new events arrive
	if bridge != nil {
		drainCtxt, drainCancel := context.WithTimeout(context.Background(), time.Second*10)
		if err := bridge.Stop(drainCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during ingress drain")
		}
		drainCancel()
	}

	// Evict the remaining connections
	{
		stopCtxt, stopCancel := context.WithTimeout(context.Background(), time.Second*10)
		if err := eng.Stop(stopCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during engine stop")
		}
		stopCancel()
	}

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
