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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/core"
	"github.com/alwitt/pushmq/registry"
	"github.com/alwitt/pushmq/stats"
	"github.com/alwitt/pushmq/subscription"
)

// ErrRateLimited the send was denied by the per-connection rate limiter
var ErrRateLimited = errors.New("rate limit exceeded")

// DeliveryEngine routes outbound messages onto connection transports.
//
// Every event delivery passes through the per-connection fixed-window rate
// limiter; control notices (heartbeat, error, rate_limit) use SendDirect and
// are never counted against the window. A transport write failure moves the
// connection into the Error state and tears it down.
type DeliveryEngine interface {
	// SendToConnection deliver one message to one connection, subject to the
	// connection's rate limiter. Returns ErrRateLimited when denied.
	SendToConnection(ctxt context.Context, connID string, msg core.OutboundMessage) error
	// SendDirect deliver one control message, bypassing the rate limiter
	SendDirect(ctxt context.Context, conn *registry.Connection, msg core.OutboundMessage) error
	// SendToUser deliver one event to every connection of a user. Returns
	// how many connections received it.
	SendToUser(ctxt context.Context, userID string, event core.Event) (int, error)
	// SendToOrganization deliver one event to every connection of an
	// organization. Returns how many connections received it.
	SendToOrganization(ctxt context.Context, orgID string, event core.Event) (int, error)
	// Broadcast deliver one event to every connection holding a matching
	// subscription, excluding the listed connection IDs. Each connection
	// receives the event at most once. Returns how many connections
	// received it.
	Broadcast(ctxt context.Context, event core.Event, exclude map[string]struct{}) (int, error)
}

// deliveryEngineImpl implements DeliveryEngine
type deliveryEngineImpl struct {
	common.Component
	connections   registry.ConnectionRegistry
	subscriptions subscription.SubscriptionRegistry
	metrics       stats.MetricsCollector
	rateCapacity  int
	rateWindow    time.Duration
}

// DefineDeliveryEngine create new delivery engine
func DefineDeliveryEngine(
	connections registry.ConnectionRegistry,
	subscriptions subscription.SubscriptionRegistry,
	metrics stats.MetricsCollector,
	rateLimit common.RateLimitConfig,
) (DeliveryEngine, error) {
	if rateLimit.TokensPerWindow < 1 || rateLimit.WindowSec < 1 {
		return nil, fmt.Errorf("rate limit window must admit at least one message")
	}
	logTags := log.Fields{
		"module": "dispatch", "component": "delivery-engine",
	}
	return &deliveryEngineImpl{
		Component:     common.Component{LogTags: logTags},
		connections:   connections,
		subscriptions: subscriptions,
		metrics:       metrics,
		rateCapacity:  rateLimit.TokensPerWindow,
		rateWindow:    time.Second * time.Duration(rateLimit.WindowSec),
	}, nil
}

// write push one encoded message onto the connection's transport. On failure
// the connection is torn down; the caller must not retry.
func (d *deliveryEngineImpl) write(
	ctxt context.Context, conn *registry.Connection, msg core.OutboundMessage,
) error {
	encoded, err := msg.Encode()
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to encode %s message for connection %s", msg.Type, conn.ID(),
		)
		d.metrics.RecordSendFailure(conn.ID(), msg.Type, "encode failure")
		return err
	}
	if err := conn.Transport().WriteMessage(encoded); err != nil {
		log.WithError(err).WithFields(d.LogTags).Infof(
			"Write to connection %s failed", conn.ID(),
		)
		d.metrics.RecordSendFailure(conn.ID(), msg.Type, err.Error())
		conn.MarkError()
		d.connections.Disconnect(ctxt, conn.ID(), "send_error")
		return err
	}
	conn.IncrementMessageCount()
	d.metrics.RecordMessageSent(conn.ID(), msg.Type)
	return nil
}

// deliver run the rate limiter, then write. A denied send pushes a
// rate_limit notice through the direct path so the client learns when to
// retry.
func (d *deliveryEngineImpl) deliver(
	ctxt context.Context, conn *registry.Connection, msg core.OutboundMessage,
) error {
	admitted, resetAt := conn.TakeToken(d.rateCapacity, d.rateWindow, time.Now())
	if !admitted {
		d.metrics.RecordRateLimitRejection()
		notice := core.NewRateLimitMessage(time.Until(resetAt))
		if err := d.write(ctxt, conn, notice); err != nil {
			return err
		}
		return ErrRateLimited
	}
	return d.write(ctxt, conn, msg)
}

// SendToConnection deliver one message to one connection
func (d *deliveryEngineImpl) SendToConnection(
	ctxt context.Context, connID string, msg core.OutboundMessage,
) error {
	conn, ok := d.connections.Get(connID)
	if !ok {
		return fmt.Errorf("unknown connection %s", connID)
	}
	if conn.State().Terminal() {
		return fmt.Errorf("connection %s is closing", connID)
	}
	return d.deliver(ctxt, conn, msg)
}

// SendDirect deliver one control message, bypassing the rate limiter
func (d *deliveryEngineImpl) SendDirect(
	ctxt context.Context, conn *registry.Connection, msg core.OutboundMessage,
) error {
	return d.write(ctxt, conn, msg)
}

// SendToUser deliver one event to every connection of a user
func (d *deliveryEngineImpl) SendToUser(
	ctxt context.Context, userID string, event core.Event,
) (int, error) {
	return d.fanOut(ctxt, d.connections.ConnectionsForUser(userID), event)
}

// SendToOrganization deliver one event to every connection of an organization
func (d *deliveryEngineImpl) SendToOrganization(
	ctxt context.Context, orgID string, event core.Event,
) (int, error) {
	return d.fanOut(ctxt, d.connections.ConnectionsForOrganization(orgID), event)
}

// fanOut deliver one event to a snapshot of connections. Failed or rate
// limited connections are skipped; delivery continues with the rest.
func (d *deliveryEngineImpl) fanOut(
	ctxt context.Context, targets []*registry.Connection, event core.Event,
) (int, error) {
	delivered := 0
	for _, conn := range targets {
		if conn.State().Terminal() {
			continue
		}
		if err := d.deliver(ctxt, conn, core.NewEventMessage(event)); err != nil {
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Broadcast deliver one event to every connection holding a matching
// subscription
func (d *deliveryEngineImpl) Broadcast(
	ctxt context.Context, event core.Event, exclude map[string]struct{},
) (int, error) {
	matched := d.subscriptions.Match(event)
	if len(matched) == 0 {
		return 0, nil
	}

	// A connection may hold several matching subscriptions; group them so
	// each connection receives the event at most once
	perConnection := make(map[string][]*subscription.Subscription)
	order := make([]string, 0, len(matched))
	for _, sub := range matched {
		connID := sub.ConnectionID()
		if _, skip := exclude[connID]; skip {
			continue
		}
		if _, seen := perConnection[connID]; !seen {
			order = append(order, connID)
		}
		perConnection[connID] = append(perConnection[connID], sub)
	}

	delivered := 0
	now := time.Now()
	for _, connID := range order {
		conn, ok := d.connections.Get(connID)
		if !ok || conn.State().Terminal() {
			continue
		}
		if err := d.deliver(ctxt, conn, core.NewEventMessage(event)); err != nil {
			continue
		}
		delivered++
		for _, sub := range perConnection[connID] {
			sub.RecordMatch(now)
		}
	}

	log.WithFields(d.LogTags).Debugf(
		"Broadcast %s@%s reached %d of %d candidate connections",
		event.Type, event.Scope, delivered, len(order),
	)
	return delivered, nil
}
