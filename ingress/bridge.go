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

package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"

	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/core"
	"github.com/alwitt/pushmq/engine"
)

// ingressEnvelope one producer event published over NATS
type ingressEnvelope struct {
	EventType string                 `json:"event_type"`
	Scope     string                 `json:"scope"`
	Payload   map[string]interface{} `json:"payload"`
}

// Bridge feeds producer events from NATS subjects into the push engine.
//
// Three subject shapes are consumed under the configured prefix:
//
//	<prefix>.event        broadcast to matching subscriptions
//	<prefix>.user.<id>    direct to every connection of one user
//	<prefix>.org.<id>     direct to every connection of one organization
type Bridge interface {
	// Start subscribe to the ingress subjects
	Start() error
	// Stop drain the subscriptions
	Stop(ctxt context.Context) error
}

// bridgeImpl implements Bridge
type bridgeImpl struct {
	common.Component
	client        NatsClient
	eng           engine.Engine
	subjectPrefix string
	subs          []*nats.Subscription
}

// DefineBridge create new producer ingress bridge
func DefineBridge(client NatsClient, eng engine.Engine, subjectPrefix string) (Bridge, error) {
	if subjectPrefix == "" {
		return nil, fmt.Errorf("ingress subject prefix must not be empty")
	}
	logTags := log.Fields{
		"module": "ingress", "component": "nats-bridge", "prefix": subjectPrefix,
	}
	return &bridgeImpl{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		eng:           eng,
		subjectPrefix: subjectPrefix,
	}, nil
}

// Start subscribe to the ingress subjects
func (b *bridgeImpl) Start() error {
	nc := b.client.NATS()

	broadcastSub, err := nc.Subscribe(
		fmt.Sprintf("%s.event", b.subjectPrefix), b.handleBroadcast,
	)
	if err != nil {
		return err
	}
	b.subs = append(b.subs, broadcastSub)

	userSub, err := nc.Subscribe(
		fmt.Sprintf("%s.user.*", b.subjectPrefix), b.handleUserEvent,
	)
	if err != nil {
		return err
	}
	b.subs = append(b.subs, userSub)

	orgSub, err := nc.Subscribe(
		fmt.Sprintf("%s.org.*", b.subjectPrefix), b.handleOrgEvent,
	)
	if err != nil {
		return err
	}
	b.subs = append(b.subs, orgSub)

	log.WithFields(b.LogTags).Info("Producer ingress subscribed")
	return nil
}

// Stop drain the subscriptions
func (b *bridgeImpl) Stop(ctxt context.Context) error {
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Failed to drain subscription on %s", sub.Subject,
			)
		}
	}
	b.subs = nil
	return nil
}

// decode parse one producer envelope; the scope falls back when the subject
// already implies one
func (b *bridgeImpl) decode(msg *nats.Msg, fallback core.DeliveryScope) (core.Event, error) {
	var envelope ingressEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		return core.Event{}, err
	}
	if envelope.EventType == "" {
		return core.Event{}, fmt.Errorf("producer event on %s missing event_type", msg.Subject)
	}
	scope := core.DeliveryScope(envelope.Scope)
	if envelope.Scope == "" {
		scope = fallback
	}
	if !scope.Valid() {
		return core.Event{}, fmt.Errorf(
			"producer event on %s carries unsupported scope '%s'", msg.Subject, envelope.Scope,
		)
	}
	return core.Event{
		Type:      envelope.EventType,
		Scope:     scope,
		Payload:   envelope.Payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

// subjectTarget the trailing token of a targeted subject
func subjectTarget(subject string) string {
	parts := strings.Split(subject, ".")
	return parts[len(parts)-1]
}

func (b *bridgeImpl) handleBroadcast(msg *nats.Msg) {
	event, err := b.decode(msg, core.ScopeGlobal)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Discarding producer event")
		return
	}
	delivered, err := b.eng.Broadcast(context.Background(), event, nil)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Broadcast failed")
		return
	}
	log.WithFields(b.LogTags).Debugf(
		"Broadcast %s reached %d connections", event.Type, delivered,
	)
}

func (b *bridgeImpl) handleUserEvent(msg *nats.Msg) {
	event, err := b.decode(msg, core.ScopeUser)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Discarding producer event")
		return
	}
	userID := subjectTarget(msg.Subject)
	if _, err := b.eng.SendToUser(context.Background(), userID, event); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Delivery to user %s failed", userID)
	}
}

func (b *bridgeImpl) handleOrgEvent(msg *nats.Msg) {
	event, err := b.decode(msg, core.ScopeOrganization)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Discarding producer event")
		return
	}
	orgID := subjectTarget(msg.Subject)
	if _, err := b.eng.SendToOrganization(context.Background(), orgID, event); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Delivery to organization %s failed", orgID,
		)
	}
}
