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

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/core"
	"github.com/alwitt/pushmq/dispatch"
	"github.com/alwitt/pushmq/monitor"
	"github.com/alwitt/pushmq/registry"
	"github.com/alwitt/pushmq/stats"
	"github.com/alwitt/pushmq/subscription"
)

// Engine the event push engine. It owns the registries, the delivery engine,
// the liveness monitor, and the stats aggregator, and is the single object a
// transport or producer surface talks to.
type Engine interface {
	// Attach register a freshly accepted transport session
	Attach(ctxt context.Context, transport core.ClientTransport) (*registry.Connection, error)
	// Detach tear down one connection
	Detach(ctxt context.Context, connID, reason string) bool
	// SendToConnection deliver one event to one connection
	SendToConnection(ctxt context.Context, connID string, event core.Event) error
	// SendToUser deliver one event to every connection of a user
	SendToUser(ctxt context.Context, userID string, event core.Event) (int, error)
	// SendToOrganization deliver one event to every connection of an organization
	SendToOrganization(ctxt context.Context, orgID string, event core.Event) (int, error)
	// Broadcast deliver one event to every matching subscription, excluding
	// the listed connection IDs
	Broadcast(ctxt context.Context, event core.Event, excludeConnIDs []string) (int, error)
	// Connections the connection registry
	Connections() registry.ConnectionRegistry
	// Subscriptions the subscription registry
	Subscriptions() subscription.SubscriptionRegistry
	// Delivery the delivery engine
	Delivery() dispatch.DeliveryEngine
	// Stats the statistics aggregator
	Stats() stats.StatsAggregator
	// Authenticator the credential verifier for client auth requests
	Authenticator() Authenticator
	// Config the engine parameters in force
	Config() common.EngineConfig
	// Start launch the background liveness and stats refresh loops
	Start(wg *sync.WaitGroup) error
	// Stop halt the background loops and evict every connection
	Stop(ctxt context.Context) error
}

// disconnectRecorderProxy late-bound stats hook; the registry is built before
// the aggregator that observes it
type disconnectRecorderProxy struct {
	mu    sync.Mutex
	inner registry.DisconnectRecorder
}

func (p *disconnectRecorderProxy) RecordDisconnect(
	connID, reason string, duration time.Duration, messageCount uint64,
) {
	p.mu.Lock()
	inner := p.inner
	p.mu.Unlock()
	if inner != nil {
		inner.RecordDisconnect(connID, reason, duration, messageCount)
	}
}

func (p *disconnectRecorderProxy) bind(inner registry.DisconnectRecorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner = inner
}

// engineImpl implements Engine
type engineImpl struct {
	common.Component
	cfg           common.EngineConfig
	rootContext   context.Context
	connections   registry.ConnectionRegistry
	subscriptions subscription.SubscriptionRegistry
	delivery      dispatch.DeliveryEngine
	liveness      monitor.LivenessMonitor
	aggregator    stats.StatsAggregator
	authenticator Authenticator

	sweepTimer common.IntervalTimer
	statsTimer common.IntervalTimer
}

// Define assemble the event push engine. When authenticator is nil the
// payload identity verifier is used.
func Define(
	ctxt context.Context, cfg common.EngineConfig, authenticator Authenticator,
) (Engine, error) {
	recorder := &disconnectRecorderProxy{}

	connections, err := registry.DefineConnectionRegistry(recorder)
	if err != nil {
		return nil, err
	}
	subscriptions, err := subscription.DefineSubscriptionRegistry(
		connections, cfg.MaxSubscriptionsPerConnection,
	)
	if err != nil {
		return nil, err
	}
	connections.SetSubscriptionPurger(subscriptions)

	aggregator, err := stats.DefineStatsAggregator(
		connections, subscriptions, cfg.ActiveConnectionCeiling, stats.HistoryCapacities{
			Connections:    cfg.History.Connections,
			Messages:       cfg.History.Messages,
			FailedMessages: cfg.History.FailedMessages,
		},
	)
	if err != nil {
		return nil, err
	}
	recorder.bind(aggregator)

	delivery, err := dispatch.DefineDeliveryEngine(
		connections, subscriptions, aggregator, cfg.RateLimit,
	)
	if err != nil {
		return nil, err
	}
	liveness, err := monitor.DefineLivenessMonitor(
		connections,
		delivery,
		time.Second*time.Duration(cfg.HeartbeatIntervalSec),
		time.Second*time.Duration(cfg.ConnectionTimeoutSec),
	)
	if err != nil {
		return nil, err
	}

	if authenticator == nil {
		authenticator = DefinePayloadAuthenticator()
	}

	logTags := log.Fields{
		"module": "engine", "component": "push-engine",
	}
	return &engineImpl{
		Component:     common.Component{LogTags: logTags},
		cfg:           cfg,
		rootContext:   ctxt,
		connections:   connections,
		subscriptions: subscriptions,
		delivery:      delivery,
		liveness:      liveness,
		aggregator:    aggregator,
		authenticator: authenticator,
	}, nil
}

// Attach register a freshly accepted transport session
func (e *engineImpl) Attach(
	ctxt context.Context, transport core.ClientTransport,
) (*registry.Connection, error) {
	conn, err := e.connections.Register(transport)
	if err != nil {
		return nil, err
	}
	// Greet the client so it learns its connection ID before authenticating
	welcome := core.NewEventMessage(core.Event{
		Type:  "connection.established",
		Scope: core.ScopeUser,
		Payload: map[string]interface{}{
			"connection_id": conn.ID(),
		},
		Timestamp: time.Now().UTC(),
	})
	if err := e.delivery.SendDirect(ctxt, conn, welcome); err != nil {
		return nil, fmt.Errorf("connection %s failed during greeting: %w", conn.ID(), err)
	}
	return conn, nil
}

// Detach tear down one connection
func (e *engineImpl) Detach(ctxt context.Context, connID, reason string) bool {
	return e.connections.Disconnect(ctxt, connID, reason)
}

// SendToConnection deliver one event to one connection
func (e *engineImpl) SendToConnection(
	ctxt context.Context, connID string, event core.Event,
) error {
	return e.delivery.SendToConnection(ctxt, connID, core.NewEventMessage(event))
}

// SendToUser deliver one event to every connection of a user
func (e *engineImpl) SendToUser(
	ctxt context.Context, userID string, event core.Event,
) (int, error) {
	return e.delivery.SendToUser(ctxt, userID, event)
}

// SendToOrganization deliver one event to every connection of an organization
func (e *engineImpl) SendToOrganization(
	ctxt context.Context, orgID string, event core.Event,
) (int, error) {
	return e.delivery.SendToOrganization(ctxt, orgID, event)
}

// Broadcast deliver one event to every matching subscription
func (e *engineImpl) Broadcast(
	ctxt context.Context, event core.Event, excludeConnIDs []string,
) (int, error) {
	var exclude map[string]struct{}
	if len(excludeConnIDs) > 0 {
		exclude = make(map[string]struct{}, len(excludeConnIDs))
		for _, connID := range excludeConnIDs {
			exclude[connID] = struct{}{}
		}
	}
	return e.delivery.Broadcast(ctxt, event, exclude)
}

// Connections the connection registry
func (e *engineImpl) Connections() registry.ConnectionRegistry { return e.connections }

// Subscriptions the subscription registry
func (e *engineImpl) Subscriptions() subscription.SubscriptionRegistry { return e.subscriptions }

// Delivery the delivery engine
func (e *engineImpl) Delivery() dispatch.DeliveryEngine { return e.delivery }

// Stats the statistics aggregator
func (e *engineImpl) Stats() stats.StatsAggregator { return e.aggregator }

// Authenticator the credential verifier
func (e *engineImpl) Authenticator() Authenticator { return e.authenticator }

// Config the engine parameters in force
func (e *engineImpl) Config() common.EngineConfig { return e.cfg }

// Start launch the background liveness and stats refresh loops
func (e *engineImpl) Start(wg *sync.WaitGroup) error {
	sweepTimer, err := common.GetIntervalTimerInstance("liveness-sweep", e.rootContext, wg)
	if err != nil {
		return err
	}
	statsTimer, err := common.GetIntervalTimerInstance("stats-refresh", e.rootContext, wg)
	if err != nil {
		return err
	}
	e.sweepTimer = sweepTimer
	e.statsTimer = statsTimer

	sweepInterval := time.Second * time.Duration(e.cfg.SweepIntervalSec)
	if err := e.sweepTimer.Start(sweepInterval, e.liveness.Sweep, false); err != nil {
		return err
	}
	if err := e.statsTimer.Start(sweepInterval, e.aggregator.Refresh, false); err != nil {
		return err
	}
	log.WithFields(e.LogTags).Info("Background loops started")
	return nil
}

// Stop halt the background loops and evict every connection
func (e *engineImpl) Stop(ctxt context.Context) error {
	if e.sweepTimer != nil {
		_ = e.sweepTimer.Stop()
	}
	if e.statsTimer != nil {
		_ = e.statsTimer.Stop()
	}
	evicted := 0
	for _, conn := range e.connections.AllConnections() {
		if e.connections.Disconnect(ctxt, conn.ID(), "server_shutdown") {
			evicted++
		}
	}
	log.WithFields(e.LogTags).Infof("Stopped after evicting %d connections", evicted)
	return nil
}
