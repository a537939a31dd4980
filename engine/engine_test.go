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
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/core"
	"github.com/alwitt/pushmq/registry"
)

type mockTransport struct {
	mu      sync.Mutex
	written []core.OutboundMessage
	closed  bool
}

func (m *mockTransport) WriteMessage(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var msg core.OutboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	m.written = append(m.written, msg)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) RemoteAddr() string { return "10.0.0.1:54321" }

func (m *mockTransport) messages() []core.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]core.OutboundMessage, len(m.written))
	copy(result, m.written)
	return result
}

func testEngineConfig() common.EngineConfig {
	return common.EngineConfig{
		HeartbeatIntervalSec:          30,
		ConnectionTimeoutSec:          300,
		SweepIntervalSec:              10,
		MaxSubscriptionsPerConnection: 50,
		ActiveConnectionCeiling:       10000,
		RateLimit:                     common.RateLimitConfig{TokensPerWindow: 100, WindowSec: 60},
		History:                       common.HistoryConfig{Connections: 16, Messages: 64, FailedMessages: 16},
	}
}

func TestEngineAttachAndDetach(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut, err := Define(utCtxt, testEngineConfig(), nil)
	assert.Nil(err)

	transport := &mockTransport{}
	conn, err := uut.Attach(utCtxt, transport)
	assert.Nil(err)
	assert.Equal(registry.StateConnected, conn.State())
	assert.Equal(1, uut.Connections().ActiveCount())

	// The greeting carries the connection ID
	written := transport.messages()
	assert.Len(written, 1)
	assert.Equal(core.MsgTypeData, written[0].Type)
	assert.Equal("connection.established", *written[0].EventType)
	assert.Equal(conn.ID(), written[0].Payload["connection_id"])

	assert.True(uut.Detach(utCtxt, conn.ID(), "client_closed"))
	assert.False(uut.Detach(utCtxt, conn.ID(), "client_closed"))
	assert.Equal(0, uut.Connections().ActiveCount())
	assert.True(transport.closed)
}

func TestEngineEndToEndDelivery(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut, err := Define(utCtxt, testEngineConfig(), nil)
	assert.Nil(err)

	// Two subscribed clients, one unsubscribed
	transportA := &mockTransport{}
	connA, err := uut.Attach(utCtxt, transportA)
	assert.Nil(err)
	assert.True(uut.Connections().Authenticate(connA.ID(), "user-1", "org-1", "", nil))
	_, err = uut.Subscriptions().Subscribe(
		utCtxt, connA.ID(), "order.created", core.ScopeOrganization, nil,
	)
	assert.Nil(err)

	transportB := &mockTransport{}
	connB, err := uut.Attach(utCtxt, transportB)
	assert.Nil(err)
	assert.True(uut.Connections().Authenticate(connB.ID(), "user-2", "org-1", "", nil))
	_, err = uut.Subscriptions().Subscribe(
		utCtxt, connB.ID(), "order.created", core.ScopeOrganization, nil,
	)
	assert.Nil(err)

	transportC := &mockTransport{}
	_, err = uut.Attach(utCtxt, transportC)
	assert.Nil(err)

	event := core.Event{
		Type:      "order.created",
		Scope:     core.ScopeOrganization,
		Payload:   map[string]interface{}{"order_id": "o-1"},
		Timestamp: time.Now().UTC(),
	}

	// Broadcast excluding the originating connection
	delivered, err := uut.Broadcast(utCtxt, event, []string{connA.ID()})
	assert.Nil(err)
	assert.Equal(1, delivered)
	assert.Len(transportA.messages(), 1) // just the greeting
	assert.Len(transportB.messages(), 2)
	assert.Len(transportC.messages(), 1)

	// Direct delivery by user and organization
	delivered, err = uut.SendToUser(utCtxt, "user-1", event)
	assert.Nil(err)
	assert.Equal(1, delivered)
	delivered, err = uut.SendToOrganization(utCtxt, "org-1", event)
	assert.Nil(err)
	assert.Equal(2, delivered)

	// Stats saw the traffic
	snapshot := uut.Stats().Snapshot()
	assert.Equal(3, snapshot.Connections.Active)
	assert.Equal(2, snapshot.Subscriptions.Total)
	assert.True(snapshot.Messages.Sent > 0)
}

func TestEngineStartStop(t *testing.T) {
	assert := assert.New(t)
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	wg := sync.WaitGroup{}

	cfg := testEngineConfig()
	cfg.SweepIntervalSec = 1
	uut, err := Define(utCtxt, cfg, nil)
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))

	transport := &mockTransport{}
	conn, err := uut.Attach(utCtxt, transport)
	assert.Nil(err)

	// Stop evicts every connection
	assert.Nil(uut.Stop(context.Background()))
	assert.Equal(0, uut.Connections().ActiveCount())
	assert.Equal(registry.StateDisconnected, conn.State())
	records := uut.Stats().RecentDisconnects()
	assert.Len(records, 1)
	assert.Equal("server_shutdown", records[0].Reason)

	utCtxtCancel()
	wg.Wait()
}

func TestPayloadAuthenticator(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := DefinePayloadAuthenticator()

	// user_id is mandatory
	_, err := uut.Authenticate(utCtxt, map[string]interface{}{})
	assert.NotNil(err)
	_, err = uut.Authenticate(utCtxt, map[string]interface{}{"user_id": 42})
	assert.NotNil(err)

	identity, err := uut.Authenticate(utCtxt, map[string]interface{}{
		"user_id":    "user-1",
		"org_id":     "org-1",
		"session_id": "sess-1",
	})
	assert.Nil(err)
	assert.Equal("user-1", identity.UserID)
	assert.Equal("org-1", identity.OrgID)
	assert.Equal("sess-1", identity.SessionID)
	assert.Nil(identity.Attributes)

	// Elevated flag becomes connection metadata
	identity, err = uut.Authenticate(utCtxt, map[string]interface{}{
		"user_id": "admin-1", "elevated": true,
	})
	assert.Nil(err)
	assert.Equal(true, identity.Attributes[registry.MetadataKeyElevated])
}
