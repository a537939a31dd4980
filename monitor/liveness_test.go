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

package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/core"
	"github.com/alwitt/pushmq/dispatch"
	"github.com/alwitt/pushmq/registry"
	"github.com/alwitt/pushmq/stats"
	"github.com/alwitt/pushmq/subscription"
)

type mockTransport struct {
	mu      sync.Mutex
	written []core.OutboundMessage
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

func (m *mockTransport) Close() error       { return nil }
func (m *mockTransport) RemoteAddr() string { return "10.0.0.1:54321" }

func (m *mockTransport) messages() []core.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]core.OutboundMessage, len(m.written))
	copy(result, m.written)
	return result
}

type recorderProxy struct {
	inner registry.DisconnectRecorder
}

func (p *recorderProxy) RecordDisconnect(
	connID, reason string, duration time.Duration, messageCount uint64,
) {
	if p.inner != nil {
		p.inner.RecordDisconnect(connID, reason, duration, messageCount)
	}
}

type testFixture struct {
	connections registry.ConnectionRegistry
	aggregator  stats.StatsAggregator
	uut         LivenessMonitor
}

func defineTestFixture(
	t *testing.T, heartbeatInterval, timeout time.Duration,
) testFixture {
	assert := assert.New(t)
	recorder := &recorderProxy{}
	connections, err := registry.DefineConnectionRegistry(recorder)
	assert.Nil(err)
	subscriptions, err := subscription.DefineSubscriptionRegistry(connections, 50)
	assert.Nil(err)
	connections.SetSubscriptionPurger(subscriptions)
	aggregator, err := stats.DefineStatsAggregator(
		connections, subscriptions, 100, stats.HistoryCapacities{
			Connections: 16, Messages: 64, FailedMessages: 16,
		},
	)
	assert.Nil(err)
	recorder.inner = aggregator
	delivery, err := dispatch.DefineDeliveryEngine(
		connections, subscriptions, aggregator,
		common.RateLimitConfig{TokensPerWindow: 100, WindowSec: 60},
	)
	assert.Nil(err)
	uut, err := DefineLivenessMonitor(connections, delivery, heartbeatInterval, timeout)
	assert.Nil(err)
	return testFixture{connections: connections, aggregator: aggregator, uut: uut}
}

func TestDefineLivenessMonitorValidation(t *testing.T) {
	assert := assert.New(t)
	connections, err := registry.DefineConnectionRegistry(nil)
	assert.Nil(err)

	// Heartbeat interval must undercut the timeout
	_, err = DefineLivenessMonitor(connections, nil, time.Minute, time.Second)
	assert.NotNil(err)
	_, err = DefineLivenessMonitor(connections, nil, time.Minute, time.Minute)
	assert.NotNil(err)
	_, err = DefineLivenessMonitor(connections, nil, 0, time.Minute)
	assert.NotNil(err)
}

func TestHeartbeatProbing(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	fixture := defineTestFixture(t, time.Millisecond*30, time.Millisecond*200)

	transport := &mockTransport{}
	conn, err := fixture.connections.Register(transport)
	assert.Nil(err)

	// Fresh connection is not probed
	assert.Nil(fixture.uut.Sweep(utCtxt))
	assert.Empty(transport.messages())

	// Idle past the heartbeat interval draws a probe
	time.Sleep(time.Millisecond * 40)
	assert.Nil(fixture.uut.Sweep(utCtxt))
	written := transport.messages()
	assert.Len(written, 1)
	assert.Equal(core.MsgTypeHeartbeat, written[0].Type)
	assert.Equal(1, fixture.connections.ActiveCount())

	// An immediate second sweep does not probe again
	assert.Nil(fixture.uut.Sweep(utCtxt))
	assert.Len(transport.messages(), 1)

	// The probe must not count as client activity
	assert.Greater(time.Since(conn.LastActivity()), time.Millisecond*30)
}

func TestIdleConnectionExpiry(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	fixture := defineTestFixture(t, time.Millisecond*20, time.Millisecond*60)

	transport := &mockTransport{}
	conn, err := fixture.connections.Register(transport)
	assert.Nil(err)

	// Answering probes keeps the connection alive
	time.Sleep(time.Millisecond * 30)
	assert.Nil(fixture.uut.Sweep(utCtxt))
	conn.MarkHeartbeatAck(time.Now())
	time.Sleep(time.Millisecond * 30)
	assert.Nil(fixture.uut.Sweep(utCtxt))
	assert.Equal(1, fixture.connections.ActiveCount())

	// Going quiet past the timeout gets the connection evicted
	time.Sleep(time.Millisecond * 80)
	assert.Nil(fixture.uut.Sweep(utCtxt))
	assert.Equal(0, fixture.connections.ActiveCount())
	assert.Equal(registry.StateDisconnected, conn.State())

	records := fixture.aggregator.RecentDisconnects()
	assert.Len(records, 1)
	assert.Equal("heartbeat_timeout", records[0].Reason)
}
