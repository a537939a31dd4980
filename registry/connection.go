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
	"sync"
	"time"

	"github.com/alwitt/pushmq/core"
)

// MetadataKeyElevated metadata flag marking a connection as permitted to
// subscribe at global scope
const MetadataKeyElevated = "elevated"

// Connection one attached client transport session.
//
// Identity, lifecycle, and counters are guarded by the connection's own
// mutex; the registry lock only guards the registry maps and indexes. Nothing
// here performs transport I/O.
type Connection struct {
	id          string
	transport   core.ClientTransport
	connectedAt time.Time

	mu                sync.Mutex
	state             ConnState
	userID            string
	orgID             string
	sessionID         string
	lastActivity      time.Time
	lastHeartbeatSent time.Time
	lastHeartbeatAck  time.Time
	messageCount      uint64
	subscriptions     map[string]struct{}
	metadata          map[string]interface{}
	rateTokens        int
	rateResetAt       time.Time
}

// ConnectionInfo a point-in-time snapshot of one connection
type ConnectionInfo struct {
	ID                string                 `json:"id"`
	State             string                 `json:"state"`
	UserID            string                 `json:"user_id,omitempty"`
	OrgID             string                 `json:"org_id,omitempty"`
	SessionID         string                 `json:"session_id,omitempty"`
	RemoteAddr        string                 `json:"remote_addr"`
	ConnectedAt       time.Time              `json:"connected_at"`
	LastActivity      time.Time              `json:"last_activity"`
	MessageCount      uint64                 `json:"message_count"`
	SubscriptionCount int                    `json:"subscription_count"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// ID the server generated connection identifier
func (c *Connection) ID() string { return c.id }

// Transport the transport session exclusively owned by this connection
func (c *Connection) Transport() core.ClientTransport { return c.transport }

// ConnectedAt when the transport attached
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// State the current lifecycle state
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID the authenticated user identity, empty before authentication
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// OrgID the authenticated organization identity, may be empty
func (c *Connection) OrgID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orgID
}

// SessionID the authenticated session identifier, may be empty
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastActivity when the client last originated a message or heartbeat ack
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// LastHeartbeatSent when the liveness monitor last probed this connection
func (c *Connection) LastHeartbeatSent() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeatSent
}

// MessageCount messages delivered to this connection so far
func (c *Connection) MessageCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageCount
}

// MetadataValue read one metadata entry
func (c *Connection) MetadataValue(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.metadata[key]
	return val, ok
}

// Elevated whether the connection carries the elevated capability flag
func (c *Connection) Elevated() bool {
	val, ok := c.MetadataValue(MetadataKeyElevated)
	if !ok {
		return false
	}
	flag, ok := val.(bool)
	return ok && flag
}

// Touch record client originated activity
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// MarkHeartbeatSent record a heartbeat probe. Sending a heartbeat does not
// refresh last-activity; only the client's answer does.
func (c *Connection) MarkHeartbeatSent(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeatSent = at
}

// MarkHeartbeatAck record the client answering a heartbeat probe
func (c *Connection) MarkHeartbeatAck(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeatAck = at
	c.lastActivity = at
}

// IncrementMessageCount bump the delivered message counter
func (c *Connection) IncrementMessageCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCount++
	return c.messageCount
}

// TakeToken run the fixed-window token bucket admission check. The bucket
// refills to capacity when the window boundary passes; within a window each
// admitted send consumes one token. Returns whether the send is admitted, and
// when the bucket next refills.
func (c *Connection) TakeToken(capacity int, window time.Duration, now time.Time) (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !now.Before(c.rateResetAt) {
		c.rateTokens = capacity
		c.rateResetAt = now.Add(window)
	}
	if c.rateTokens > 0 {
		c.rateTokens--
		return true, c.rateResetAt
	}
	return false, c.rateResetAt
}

// AddSubscription record ownership of a subscription; promotes the
// connection to Subscribed
func (c *Connection) AddSubscription(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[subID] = struct{}{}
	if c.state == StateAuthenticated {
		c.state = StateSubscribed
		c.lastActivity = time.Now()
	}
}

// RemoveSubscription drop ownership of a subscription; demotes the
// connection back to Authenticated when none remain
func (c *Connection) RemoveSubscription(subID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[subID]; !ok {
		return false
	}
	delete(c.subscriptions, subID)
	if len(c.subscriptions) == 0 && c.state == StateSubscribed {
		c.state = StateAuthenticated
		c.lastActivity = time.Now()
	}
	return true
}

// SubscriptionIDs snapshot of the owned subscription IDs
func (c *Connection) SubscriptionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	return ids
}

// SubscriptionCount number of owned subscriptions
func (c *Connection) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions)
}

// MarkError move the connection into the Error state. No-op once on the
// terminal path.
func (c *Connection) MarkError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.state = StateError
	c.lastActivity = time.Now()
}

// Snapshot produce a point-in-time view of the connection
func (c *Connection) Snapshot() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	metadata := make(map[string]interface{}, len(c.metadata))
	for key, val := range c.metadata {
		metadata[key] = val
	}
	return ConnectionInfo{
		ID:                c.id,
		State:             c.state.String(),
		UserID:            c.userID,
		OrgID:             c.orgID,
		SessionID:         c.sessionID,
		RemoteAddr:        c.transport.RemoteAddr(),
		ConnectedAt:       c.connectedAt,
		LastActivity:      c.lastActivity,
		MessageCount:      c.messageCount,
		SubscriptionCount: len(c.subscriptions),
		Metadata:          metadata,
	}
}

// markConnected complete the attach handshake
func (c *Connection) markConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		c.state = StateConnected
		c.lastActivity = time.Now()
	}
}

// markAuthenticated install a validated identity. Moves Connected to
// Authenticated; re-authentication overwrites identity without a state change.
// Returns false when the connection can no longer authenticate.
func (c *Connection) markAuthenticated(
	userID, orgID, sessionID string, attrs map[string]interface{},
) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() || c.state == StateError {
		return false
	}
	c.userID = userID
	c.orgID = orgID
	c.sessionID = sessionID
	for key, val := range attrs {
		c.metadata[key] = val
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.state = StateAuthenticated
	}
	c.lastActivity = time.Now()
	return true
}

// beginDisconnect move onto the terminal path. Exactly one caller wins;
// all others observe false.
func (c *Connection) beginDisconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return false
	}
	c.state = StateDisconnecting
	c.lastActivity = time.Now()
	return true
}

// markDisconnected settle into the terminal state
func (c *Connection) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
}
