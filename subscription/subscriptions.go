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

package subscription

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/core"
	"github.com/alwitt/pushmq/registry"
)

// Subscription request failure modes surfaced to the client
var (
	// ErrAuthenticationRequired subscribing before authenticating
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrLimitReached the per-connection subscription cap is exhausted
	ErrLimitReached = errors.New("limit reached")
	// ErrConnectionClosing the connection no longer accepts subscriptions
	ErrConnectionClosing = errors.New("connection not accepting subscriptions")
)

// Filter per-subscription match predicate: field name to either a required
// value, or a []interface{} of allowed values
type Filter map[string]interface{}

// Matches evaluate the filter against an event payload. A filter field
// missing from the payload, or present with a non-matching value, excludes
// the event. An empty filter matches everything.
func (f Filter) Matches(payload map[string]interface{}) bool {
	for field, required := range f {
		actual, ok := payload[field]
		if !ok {
			return false
		}
		if allowed, isSet := required.([]interface{}); isSet {
			member := false
			for _, candidate := range allowed {
				if reflect.DeepEqual(candidate, actual) {
					member = true
					break
				}
			}
			if !member {
				return false
			}
		} else if !reflect.DeepEqual(required, actual) {
			return false
		}
	}
	return true
}

// Subscription one standing (connection, event-type, scope, filter)
// registration
type Subscription struct {
	id           string
	connectionID string
	eventType    string
	scope        core.DeliveryScope
	filter       Filter
	createdAt    time.Time

	mu          sync.Mutex
	lastMatched time.Time
	matchCount  uint64
}

// SubscriptionInfo a point-in-time snapshot of one subscription
type SubscriptionInfo struct {
	ID           string                 `json:"id"`
	ConnectionID string                 `json:"connection_id"`
	EventType    string                 `json:"event_type"`
	Scope        string                 `json:"scope"`
	Filter       map[string]interface{} `json:"filter,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	LastMatched  time.Time              `json:"last_matched,omitempty"`
	MatchCount   uint64                 `json:"match_count"`
}

// ID the subscription identifier
func (s *Subscription) ID() string { return s.id }

// ConnectionID the owning connection
func (s *Subscription) ConnectionID() string { return s.connectionID }

// EventType the subscribed event type
func (s *Subscription) EventType() string { return s.eventType }

// Scope the subscribed delivery scope
func (s *Subscription) Scope() core.DeliveryScope { return s.scope }

// Filter the match predicate, nil when absent
func (s *Subscription) Filter() Filter { return s.filter }

// RecordMatch bump the match counter after a successful delivery
func (s *Subscription) RecordMatch(at time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMatched = at
	s.matchCount++
	return s.matchCount
}

// MatchCount successful deliveries through this subscription
func (s *Subscription) MatchCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchCount
}

// Snapshot produce a point-in-time view of the subscription
func (s *Subscription) Snapshot() SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionInfo{
		ID:           s.id,
		ConnectionID: s.connectionID,
		EventType:    s.eventType,
		Scope:        string(s.scope),
		Filter:       s.filter,
		CreatedAt:    s.createdAt,
		LastMatched:  s.lastMatched,
		MatchCount:   s.matchCount,
	}
}

// ========================================================================================

// SubscriptionRegistry owns the subscriptions and their event-type and scope
// indexes
type SubscriptionRegistry interface {
	// Subscribe register a new subscription for a connection
	Subscribe(
		ctxt context.Context,
		connID, eventType string,
		scope core.DeliveryScope,
		filter Filter,
	) (*Subscription, error)
	// Unsubscribe remove one subscription. Fails closed: false unless the
	// subscription exists and connID owns it.
	Unsubscribe(ctxt context.Context, connID, subID string) bool
	// Get look up a subscription; (nil, false) when unknown
	Get(subID string) (*Subscription, bool)
	// Match find the subscriptions matching an event, in registration order.
	// Pure read; mutates nothing.
	Match(event core.Event) []*Subscription
	// PurgeConnection remove every subscription a connection owns
	PurgeConnection(ctxt context.Context, connID string) int
	// TotalCount number of active subscriptions
	TotalCount() int
	// CountsByEventType active subscriptions grouped by event type
	CountsByEventType() map[string]int
	// CountsByScope active subscriptions grouped by scope
	CountsByScope() map[string]int
}

// subscriptionRegistryImpl implements SubscriptionRegistry
type subscriptionRegistryImpl struct {
	common.Component
	connections      registry.ConnectionRegistry
	maxPerConnection int

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	byEventType   map[string]map[string]*Subscription
	byScope       map[core.DeliveryScope]map[string]*Subscription
	byConnection  map[string]map[string]*Subscription
}

// DefineSubscriptionRegistry create new subscription registry
func DefineSubscriptionRegistry(
	connections registry.ConnectionRegistry, maxPerConnection int,
) (SubscriptionRegistry, error) {
	if maxPerConnection < 1 {
		return nil, fmt.Errorf("per-connection subscription cap must be at least 1")
	}
	logTags := log.Fields{
		"module": "subscription", "component": "subscription-registry",
	}
	return &subscriptionRegistryImpl{
		Component:        common.Component{LogTags: logTags},
		connections:      connections,
		maxPerConnection: maxPerConnection,
		subscriptions:    make(map[string]*Subscription),
		byEventType:      make(map[string]map[string]*Subscription),
		byScope:          make(map[core.DeliveryScope]map[string]*Subscription),
		byConnection:     make(map[string]map[string]*Subscription),
	}, nil
}

// authorizeScope check the connection may subscribe at the requested scope
func authorizeScope(conn *registry.Connection, scope core.DeliveryScope) error {
	switch scope {
	case core.ScopeGlobal:
		if !conn.Elevated() {
			return fmt.Errorf("global scope requires elevated capability")
		}
	case core.ScopeOrganization:
		if conn.OrgID() == "" {
			return fmt.Errorf("organization scope requires an organization identity")
		}
	case core.ScopeUser, core.ScopeProject, core.ScopeRoom:
		// permitted for any authenticated connection
	default:
		return fmt.Errorf("unsupported scope '%s'", scope)
	}
	return nil
}

// Subscribe register a new subscription for a connection
func (r *subscriptionRegistryImpl) Subscribe(
	ctxt context.Context,
	connID, eventType string,
	scope core.DeliveryScope,
	filter Filter,
) (*Subscription, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type must not be empty")
	}
	conn, ok := r.connections.Get(connID)
	if !ok {
		return nil, fmt.Errorf("unknown connection %s", connID)
	}
	state := conn.State()
	if !state.AcceptsSubscriptions() {
		if state.Terminal() || state == registry.StateError {
			return nil, ErrConnectionClosing
		}
		return nil, ErrAuthenticationRequired
	}
	if conn.SubscriptionCount() >= r.maxPerConnection {
		return nil, ErrLimitReached
	}
	if err := authorizeScope(conn, scope); err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:           uuid.New().String(),
		connectionID: connID,
		eventType:    eventType,
		scope:        scope,
		filter:       filter,
		createdAt:    time.Now(),
	}

	r.mu.Lock()
	r.subscriptions[sub.id] = sub
	if _, ok := r.byEventType[eventType]; !ok {
		r.byEventType[eventType] = make(map[string]*Subscription)
	}
	r.byEventType[eventType][sub.id] = sub
	if _, ok := r.byScope[scope]; !ok {
		r.byScope[scope] = make(map[string]*Subscription)
	}
	r.byScope[scope][sub.id] = sub
	if _, ok := r.byConnection[connID]; !ok {
		r.byConnection[connID] = make(map[string]*Subscription)
	}
	r.byConnection[connID][sub.id] = sub
	r.mu.Unlock()

	conn.AddSubscription(sub.id)

	log.WithFields(r.LogTags).Infof(
		"Connection %s subscribed to %s@%s as %s", connID, eventType, scope, sub.id,
	)
	return sub, nil
}

// Unsubscribe remove one subscription
func (r *subscriptionRegistryImpl) Unsubscribe(ctxt context.Context, connID, subID string) bool {
	r.mu.Lock()
	sub, ok := r.subscriptions[subID]
	if !ok || sub.connectionID != connID {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(sub)
	r.mu.Unlock()

	if conn, ok := r.connections.Get(connID); ok {
		conn.RemoveSubscription(subID)
	}
	log.WithFields(r.LogTags).Infof(
		"Connection %s unsubscribed %s", connID, subID,
	)
	return true
}

// removeLocked caller must hold the write lock
func (r *subscriptionRegistryImpl) removeLocked(sub *Subscription) {
	delete(r.subscriptions, sub.id)
	if entries, ok := r.byEventType[sub.eventType]; ok {
		delete(entries, sub.id)
		if len(entries) == 0 {
			delete(r.byEventType, sub.eventType)
		}
	}
	if entries, ok := r.byScope[sub.scope]; ok {
		delete(entries, sub.id)
		if len(entries) == 0 {
			delete(r.byScope, sub.scope)
		}
	}
	if entries, ok := r.byConnection[sub.connectionID]; ok {
		delete(entries, sub.id)
		if len(entries) == 0 {
			delete(r.byConnection, sub.connectionID)
		}
	}
}

// Get look up a subscription
func (r *subscriptionRegistryImpl) Get(subID string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subscriptions[subID]
	return sub, ok
}

// Match find the subscriptions matching an event
func (r *subscriptionRegistryImpl) Match(event core.Event) []*Subscription {
	r.mu.RLock()
	byType := r.byEventType[event.Type]
	byScope := r.byScope[event.Scope]
	candidates := make([]*Subscription, 0, len(byType))
	for subID, sub := range byType {
		if _, inScope := byScope[subID]; !inScope {
			continue
		}
		candidates = append(candidates, sub)
	}
	r.mu.RUnlock()

	matched := make([]*Subscription, 0, len(candidates))
	for _, sub := range candidates {
		if sub.filter != nil && !sub.filter.Matches(event.Payload) {
			continue
		}
		matched = append(matched, sub)
	}
	// Deliver in registration order for a stable in-process ordering
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].createdAt.Equal(matched[j].createdAt) {
			return matched[i].id < matched[j].id
		}
		return matched[i].createdAt.Before(matched[j].createdAt)
	})
	return matched
}

// PurgeConnection remove every subscription a connection owns
func (r *subscriptionRegistryImpl) PurgeConnection(ctxt context.Context, connID string) int {
	r.mu.Lock()
	owned := make([]*Subscription, 0, len(r.byConnection[connID]))
	for _, sub := range r.byConnection[connID] {
		owned = append(owned, sub)
	}
	for _, sub := range owned {
		r.removeLocked(sub)
	}
	r.mu.Unlock()

	if conn, ok := r.connections.Get(connID); ok {
		for _, sub := range owned {
			conn.RemoveSubscription(sub.id)
		}
	}
	return len(owned)
}

// TotalCount number of active subscriptions
func (r *subscriptionRegistryImpl) TotalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions)
}

// CountsByEventType active subscriptions grouped by event type
func (r *subscriptionRegistryImpl) CountsByEventType() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]int, len(r.byEventType))
	for eventType, entries := range r.byEventType {
		result[eventType] = len(entries)
	}
	return result
}

// CountsByScope active subscriptions grouped by scope
func (r *subscriptionRegistryImpl) CountsByScope() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]int, len(r.byScope))
	for scope, entries := range r.byScope {
		result[string(scope)] = len(entries)
	}
	return result
}
