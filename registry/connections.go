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

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/pushmq/core"
	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/alwitt/pushmq/common"
)

// SubscriptionPurger tears down every subscription a connection owns. The
// subscription registry implements this; an interface breaks the package
// cycle while keeping the lock order connection-registry first.
type SubscriptionPurger interface {
	// PurgeConnection remove all subscriptions owned by connID, returning
	// how many were removed
	PurgeConnection(ctxt context.Context, connID string) int
}

// DisconnectRecorder receives one record per completed disconnect
type DisconnectRecorder interface {
	// RecordDisconnect record a completed disconnect for statistics
	RecordDisconnect(connID, reason string, duration time.Duration, messageCount uint64)
}

// ConnectionRegistry owns the connection records and the user / organization
// indexes, and governs the connection state machine
type ConnectionRegistry interface {
	// Register create a record for a freshly attached transport
	Register(transport core.ClientTransport) (*Connection, error)
	// Get look up a connection; (nil, false) when unknown
	Get(connID string) (*Connection, bool)
	// Authenticate install a validated identity and index the connection
	// under its user and organization. Returns false if the connection is
	// unknown or can no longer authenticate.
	Authenticate(connID, userID, orgID, sessionID string, attrs map[string]interface{}) bool
	// Disconnect tear down a connection. Idempotent; exactly one concurrent
	// caller wins and the rest observe a no-op (false).
	Disconnect(ctxt context.Context, connID, reason string) bool
	// ConnectionsForUser snapshot the connections indexed under a user
	ConnectionsForUser(userID string) []*Connection
	// ConnectionsForOrganization snapshot the connections indexed under an org
	ConnectionsForOrganization(orgID string) []*Connection
	// AllConnections snapshot every active connection
	AllConnections() []*Connection
	// ActiveCount currently registered connections
	ActiveCount() int
	// AuthenticatedCount currently authenticated connections
	AuthenticatedCount() int
	// TotalRegistered historical count of registrations
	TotalRegistered() uint64
	// SetSubscriptionPurger install the subscription teardown hook; called
	// once during engine assembly
	SetSubscriptionPurger(purger SubscriptionPurger)
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	mu              sync.RWMutex
	connections     map[string]*Connection
	byUser          map[string]map[string]*Connection
	byOrg           map[string]map[string]*Connection
	totalRegistered uint64
	purger          SubscriptionPurger
	recorder        DisconnectRecorder
}

// DefineConnectionRegistry create new connection registry
func DefineConnectionRegistry(recorder DisconnectRecorder) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry",
	}
	return &connectionRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		connections: make(map[string]*Connection),
		byUser:      make(map[string]map[string]*Connection),
		byOrg:       make(map[string]map[string]*Connection),
		recorder:    recorder,
	}, nil
}

// SetSubscriptionPurger install the subscription teardown hook
func (r *connectionRegistryImpl) SetSubscriptionPurger(purger SubscriptionPurger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purger = purger
}

// Register create a record for a freshly attached transport
func (r *connectionRegistryImpl) Register(transport core.ClientTransport) (*Connection, error) {
	conn := &Connection{
		id:            uuid.New().String(),
		transport:     transport,
		connectedAt:   time.Now(),
		state:         StateConnecting,
		lastActivity:  time.Now(),
		subscriptions: make(map[string]struct{}),
		metadata:      make(map[string]interface{}),
	}
	// The transport handshake already completed by the time the session
	// hands the transport over, so the record moves to Connected at once.
	conn.markConnected()

	r.mu.Lock()
	r.connections[conn.id] = conn
	r.totalRegistered++
	r.mu.Unlock()

	log.WithFields(r.LogTags).Infof(
		"Registered connection %s from %s", conn.id, transport.RemoteAddr(),
	)
	return conn, nil
}

// Get look up a connection
func (r *connectionRegistryImpl) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// Authenticate install a validated identity and index the connection
func (r *connectionRegistryImpl) Authenticate(
	connID, userID, orgID, sessionID string, attrs map[string]interface{},
) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[connID]
	if !ok {
		return false
	}

	// Re-authentication overwrites identity; drop the old index entries first
	prevUser := conn.UserID()
	prevOrg := conn.OrgID()

	if !conn.markAuthenticated(userID, orgID, sessionID, attrs) {
		return false
	}

	if prevUser != "" && prevUser != userID {
		r.dropUserIndexEntry(prevUser, connID)
	}
	if prevOrg != "" && prevOrg != orgID {
		r.dropOrgIndexEntry(prevOrg, connID)
	}

	if userID != "" {
		if _, ok := r.byUser[userID]; !ok {
			r.byUser[userID] = make(map[string]*Connection)
		}
		r.byUser[userID][connID] = conn
	}
	if orgID != "" {
		if _, ok := r.byOrg[orgID]; !ok {
			r.byOrg[orgID] = make(map[string]*Connection)
		}
		r.byOrg[orgID][connID] = conn
	}

	log.WithFields(r.LogTags).Infof(
		"Authenticated connection %s as user %s", connID, userID,
	)
	return true
}

// Disconnect tear down a connection
func (r *connectionRegistryImpl) Disconnect(ctxt context.Context, connID, reason string) bool {
	r.mu.RLock()
	conn, ok := r.connections[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	// Exactly one concurrent caller moves the record onto the terminal path
	if !conn.beginDisconnect() {
		return false
	}

	// Tear down owned subscriptions before dropping the record. Lock order:
	// this never runs while holding the registry lock.
	if r.purger != nil {
		removed := r.purger.PurgeConnection(ctxt, connID)
		log.WithFields(r.LogTags).Debugf(
			"Removed %d subscriptions of connection %s", removed, connID,
		)
	}

	if err := conn.Transport().Close(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf(
			"Transport close failed for connection %s", connID,
		)
	}

	r.mu.Lock()
	delete(r.connections, connID)
	if userID := conn.UserID(); userID != "" {
		r.dropUserIndexEntry(userID, connID)
	}
	if orgID := conn.OrgID(); orgID != "" {
		r.dropOrgIndexEntry(orgID, connID)
	}
	r.mu.Unlock()

	conn.markDisconnected()

	duration := time.Since(conn.ConnectedAt())
	if r.recorder != nil {
		r.recorder.RecordDisconnect(connID, reason, duration, conn.MessageCount())
	}
	log.WithFields(r.LogTags).Infof(
		"Disconnected connection %s after %s: %s", connID, duration, reason,
	)
	return true
}

// dropUserIndexEntry caller must hold the write lock
func (r *connectionRegistryImpl) dropUserIndexEntry(userID, connID string) {
	if entries, ok := r.byUser[userID]; ok {
		delete(entries, connID)
		if len(entries) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// dropOrgIndexEntry caller must hold the write lock
func (r *connectionRegistryImpl) dropOrgIndexEntry(orgID, connID string) {
	if entries, ok := r.byOrg[orgID]; ok {
		delete(entries, connID)
		if len(entries) == 0 {
			delete(r.byOrg, orgID)
		}
	}
}

// ConnectionsForUser snapshot the connections indexed under a user
func (r *connectionRegistryImpl) ConnectionsForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Connection, 0, len(r.byUser[userID]))
	for _, conn := range r.byUser[userID] {
		result = append(result, conn)
	}
	return result
}

// ConnectionsForOrganization snapshot the connections indexed under an org
func (r *connectionRegistryImpl) ConnectionsForOrganization(orgID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Connection, 0, len(r.byOrg[orgID]))
	for _, conn := range r.byOrg[orgID] {
		result = append(result, conn)
	}
	return result
}

// AllConnections snapshot every active connection
func (r *connectionRegistryImpl) AllConnections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		result = append(result, conn)
	}
	return result
}

// ActiveCount currently registered connections
func (r *connectionRegistryImpl) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// AuthenticatedCount currently authenticated connections
func (r *connectionRegistryImpl) AuthenticatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, conn := range r.connections {
		if conn.State().Authenticated() {
			count++
		}
	}
	return count
}

// TotalRegistered historical count of registrations
func (r *connectionRegistryImpl) TotalRegistered() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalRegistered
}
