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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alwitt/pushmq/core"
	"github.com/alwitt/pushmq/registry"
)

type mockTransport struct{}

func (m *mockTransport) WriteMessage(payload []byte) error { return nil }
func (m *mockTransport) Close() error                      { return nil }
func (m *mockTransport) RemoteAddr() string                { return "10.0.0.1:54321" }

func defineTestRegistries(
	t *testing.T, maxPerConnection int,
) (registry.ConnectionRegistry, SubscriptionRegistry) {
	assert := assert.New(t)
	connections, err := registry.DefineConnectionRegistry(nil)
	assert.Nil(err)
	subscriptions, err := DefineSubscriptionRegistry(connections, maxPerConnection)
	assert.Nil(err)
	connections.SetSubscriptionPurger(subscriptions)
	return connections, subscriptions
}

func registerAuthenticated(
	t *testing.T, connections registry.ConnectionRegistry, userID, orgID string,
) *registry.Connection {
	assert := assert.New(t)
	conn, err := connections.Register(&mockTransport{})
	assert.Nil(err)
	assert.True(connections.Authenticate(conn.ID(), userID, orgID, "", nil))
	return conn
}

func TestSubscribeRequiresAuthentication(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	connections, uut := defineTestRegistries(t, 10)

	conn, err := connections.Register(&mockTransport{})
	assert.Nil(err)

	_, err = uut.Subscribe(utCtxt, conn.ID(), "order.created", core.ScopeUser, nil)
	assert.ErrorIs(err, ErrAuthenticationRequired)

	assert.True(connections.Authenticate(conn.ID(), "user-1", "", "", nil))
	sub, err := uut.Subscribe(utCtxt, conn.ID(), "order.created", core.ScopeUser, nil)
	assert.Nil(err)
	assert.NotEmpty(sub.ID())
	assert.Equal(registry.StateSubscribed, conn.State())
}

func TestSubscribeRejectsUnknownAndClosingConnections(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	connections, uut := defineTestRegistries(t, 10)

	_, err := uut.Subscribe(utCtxt, "no-such-connection", "x", core.ScopeUser, nil)
	assert.NotNil(err)

	conn := registerAuthenticated(t, connections, "user-1", "")
	conn.MarkError()
	_, err = uut.Subscribe(utCtxt, conn.ID(), "x", core.ScopeUser, nil)
	assert.ErrorIs(err, ErrConnectionClosing)
}

func TestPerConnectionSubscriptionCap(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	connections, uut := defineTestRegistries(t, 3)

	conn := registerAuthenticated(t, connections, "user-1", "")
	for idx := 0; idx < 3; idx++ {
		_, err := uut.Subscribe(
			utCtxt, conn.ID(), fmt.Sprintf("event.%d", idx), core.ScopeUser, nil,
		)
		assert.Nil(err)
	}
	_, err := uut.Subscribe(utCtxt, conn.ID(), "event.3", core.ScopeUser, nil)
	assert.ErrorIs(err, ErrLimitReached)

	// Unsubscribing frees a slot
	owned := conn.SubscriptionIDs()
	assert.True(uut.Unsubscribe(utCtxt, conn.ID(), owned[0]))
	_, err = uut.Subscribe(utCtxt, conn.ID(), "event.3", core.ScopeUser, nil)
	assert.Nil(err)
}

func TestScopeAuthorization(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	connections, uut := defineTestRegistries(t, 10)

	// Plain user: no org, not elevated
	plain := registerAuthenticated(t, connections, "user-1", "")
	_, err := uut.Subscribe(utCtxt, plain.ID(), "x", core.ScopeGlobal, nil)
	assert.NotNil(err)
	_, err = uut.Subscribe(utCtxt, plain.ID(), "x", core.ScopeOrganization, nil)
	assert.NotNil(err)
	_, err = uut.Subscribe(utCtxt, plain.ID(), "x", core.ScopeUser, nil)
	assert.Nil(err)
	_, err = uut.Subscribe(utCtxt, plain.ID(), "x", core.ScopeRoom, nil)
	assert.Nil(err)
	_, err = uut.Subscribe(utCtxt, plain.ID(), "x", core.DeliveryScope("galaxy"), nil)
	assert.NotNil(err)

	// Org member may subscribe at organization scope
	orgMember := registerAuthenticated(t, connections, "user-2", "org-1")
	_, err = uut.Subscribe(utCtxt, orgMember.ID(), "x", core.ScopeOrganization, nil)
	assert.Nil(err)
	_, err = uut.Subscribe(utCtxt, orgMember.ID(), "x", core.ScopeGlobal, nil)
	assert.NotNil(err)

	// Elevated connection may subscribe at global scope
	elevated, err2 := connections.Register(&mockTransport{})
	assert.Nil(err2)
	assert.True(connections.Authenticate(
		elevated.ID(), "admin-1", "", "",
		map[string]interface{}{registry.MetadataKeyElevated: true},
	))
	_, err = uut.Subscribe(utCtxt, elevated.ID(), "x", core.ScopeGlobal, nil)
	assert.Nil(err)
}

func TestFilterMatching(t *testing.T) {
	assert := assert.New(t)

	// Exact value match
	filter := Filter{"region": "us-east"}
	assert.True(filter.Matches(map[string]interface{}{"region": "us-east"}))
	assert.False(filter.Matches(map[string]interface{}{"region": "eu-west"}))

	// A field missing from the payload excludes the event
	assert.False(filter.Matches(map[string]interface{}{"other": "us-east"}))
	assert.False(filter.Matches(nil))

	// List values mean set membership
	filter = Filter{"priority": []interface{}{"high", "critical"}}
	assert.True(filter.Matches(map[string]interface{}{"priority": "critical"}))
	assert.False(filter.Matches(map[string]interface{}{"priority": "low"}))

	// Multiple fields AND together
	filter = Filter{"region": "us-east", "priority": "high"}
	assert.True(filter.Matches(
		map[string]interface{}{"region": "us-east", "priority": "high", "extra": 1},
	))
	assert.False(filter.Matches(map[string]interface{}{"region": "us-east"}))

	// Empty filter matches everything
	assert.True(Filter{}.Matches(nil))
}

func TestMatchRequiresTypeAndScope(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	connections, uut := defineTestRegistries(t, 10)

	conn := registerAuthenticated(t, connections, "user-1", "org-1")
	_, err := uut.Subscribe(utCtxt, conn.ID(), "order.created", core.ScopeUser, nil)
	assert.Nil(err)
	_, err = uut.Subscribe(utCtxt, conn.ID(), "order.created", core.ScopeOrganization, nil)
	assert.Nil(err)

	// Same type, matching scope only
	matched := uut.Match(core.Event{Type: "order.created", Scope: core.ScopeUser})
	assert.Len(matched, 1)
	assert.Equal(core.ScopeUser, matched[0].Scope())

	// Unknown type matches nothing
	matched = uut.Match(core.Event{Type: "order.deleted", Scope: core.ScopeUser})
	assert.Empty(matched)

	// Filters narrow the match
	_, err = uut.Subscribe(
		utCtxt, conn.ID(), "ticket.updated", core.ScopeUser,
		Filter{"severity": "high"},
	)
	assert.Nil(err)
	matched = uut.Match(core.Event{
		Type: "ticket.updated", Scope: core.ScopeUser,
		Payload: map[string]interface{}{"severity": "low"},
	})
	assert.Empty(matched)
	matched = uut.Match(core.Event{
		Type: "ticket.updated", Scope: core.ScopeUser,
		Payload: map[string]interface{}{"severity": "high"},
	})
	assert.Len(matched, 1)
}

func TestMatchOrderIsRegistrationOrder(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	connections, uut := defineTestRegistries(t, 10)

	conn := registerAuthenticated(t, connections, "user-1", "")
	first, err := uut.Subscribe(utCtxt, conn.ID(), "x", core.ScopeUser, nil)
	assert.Nil(err)
	time.Sleep(time.Millisecond * 2)
	second, err := uut.Subscribe(utCtxt, conn.ID(), "x", core.ScopeUser, nil)
	assert.Nil(err)

	matched := uut.Match(core.Event{Type: "x", Scope: core.ScopeUser})
	assert.Len(matched, 2)
	assert.Equal(first.ID(), matched[0].ID())
	assert.Equal(second.ID(), matched[1].ID())
}

func TestUnsubscribeFailsClosed(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	connections, uut := defineTestRegistries(t, 10)

	owner := registerAuthenticated(t, connections, "user-1", "")
	other := registerAuthenticated(t, connections, "user-2", "")

	sub, err := uut.Subscribe(utCtxt, owner.ID(), "x", core.ScopeUser, nil)
	assert.Nil(err)

	// Wrong owner, unknown ID, then the real owner
	assert.False(uut.Unsubscribe(utCtxt, other.ID(), sub.ID()))
	assert.False(uut.Unsubscribe(utCtxt, owner.ID(), "no-such-subscription"))
	assert.True(uut.Unsubscribe(utCtxt, owner.ID(), sub.ID()))
	assert.False(uut.Unsubscribe(utCtxt, owner.ID(), sub.ID()))
	assert.Equal(0, uut.TotalCount())
}

func TestDisconnectPurgesSubscriptions(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	connections, uut := defineTestRegistries(t, 10)

	conn := registerAuthenticated(t, connections, "user-1", "org-1")
	_, err := uut.Subscribe(utCtxt, conn.ID(), "a", core.ScopeUser, nil)
	assert.Nil(err)
	_, err = uut.Subscribe(utCtxt, conn.ID(), "b", core.ScopeOrganization, nil)
	assert.Nil(err)
	assert.Equal(2, uut.TotalCount())

	assert.True(connections.Disconnect(utCtxt, conn.ID(), "client_closed"))
	assert.Equal(0, uut.TotalCount())
	assert.Empty(uut.Match(core.Event{Type: "a", Scope: core.ScopeUser}))
	assert.Empty(uut.CountsByEventType())
	assert.Empty(uut.CountsByScope())
}

func TestSubscriptionCounts(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	connections, uut := defineTestRegistries(t, 10)

	conn := registerAuthenticated(t, connections, "user-1", "org-1")
	_, err := uut.Subscribe(utCtxt, conn.ID(), "a", core.ScopeUser, nil)
	assert.Nil(err)
	_, err = uut.Subscribe(utCtxt, conn.ID(), "a", core.ScopeOrganization, nil)
	assert.Nil(err)
	_, err = uut.Subscribe(utCtxt, conn.ID(), "b", core.ScopeUser, nil)
	assert.Nil(err)

	assert.Equal(3, uut.TotalCount())
	assert.Equal(map[string]int{"a": 2, "b": 1}, uut.CountsByEventType())
	assert.Equal(
		map[string]int{"user": 2, "organization": 1}, uut.CountsByScope(),
	)
}
