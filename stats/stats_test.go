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

package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockConnectionView struct {
	active        int
	authenticated int
	total         uint64
}

func (m *mockConnectionView) ActiveCount() int        { return m.active }
func (m *mockConnectionView) AuthenticatedCount() int { return m.authenticated }
func (m *mockConnectionView) TotalRegistered() uint64 { return m.total }

type mockSubscriptionView struct {
	total   int
	byType  map[string]int
	byScope map[string]int
}

func (m *mockSubscriptionView) TotalCount() int                   { return m.total }
func (m *mockSubscriptionView) CountsByEventType() map[string]int { return m.byType }
func (m *mockSubscriptionView) CountsByScope() map[string]int     { return m.byScope }

func defineTestAggregator(
	t *testing.T, connections *mockConnectionView, ceiling int,
) StatsAggregator {
	assert := assert.New(t)
	uut, err := DefineStatsAggregator(
		connections,
		&mockSubscriptionView{
			total:   3,
			byType:  map[string]int{"order.created": 2, "ticket.updated": 1},
			byScope: map[string]int{"user": 3},
		},
		ceiling,
		HistoryCapacities{Connections: 4, Messages: 32, FailedMessages: 4},
	)
	assert.Nil(err)
	return uut
}

func TestStatisticsSnapshot(t *testing.T) {
	assert := assert.New(t)

	connections := &mockConnectionView{active: 5, authenticated: 3, total: 20}
	uut := defineTestAggregator(t, connections, 100)

	uut.RecordMessageSent("conn-1", "data")
	uut.RecordMessageSent("conn-1", "data")
	uut.RecordMessageReceived()
	uut.RecordSendFailure("conn-2", "data", "transport gone")
	uut.RecordRateLimitRejection()

	snapshot := uut.Snapshot()
	assert.Equal(uint64(20), snapshot.Connections.TotalHistorical)
	assert.Equal(5, snapshot.Connections.Active)
	assert.Equal(3, snapshot.Connections.Authenticated)
	assert.Equal(uint64(2), snapshot.Messages.Sent)
	assert.Equal(uint64(1), snapshot.Messages.Received)
	assert.Equal(uint64(1), snapshot.Messages.Failed)
	assert.Equal(uint64(1), snapshot.Messages.RateLimitRejections)
	assert.Equal(3, snapshot.Subscriptions.Total)
	assert.Equal(2, snapshot.Subscriptions.ByEventType["order.created"])

	// Two sends in the last minute
	assert.InDelta(2.0/60.0, snapshot.Performance.MessagesPerSecond, 0.001)
}

func TestHealthThresholds(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	// No history yet: healthy
	connections := &mockConnectionView{active: 10, total: 0}
	uut := defineTestAggregator(t, connections, 100)
	assert.Nil(uut.Refresh(utCtxt))
	assert.Equal(HealthStatusHealthy, uut.Health().Status)

	// 100 connections, 4 errors: 4% is still healthy
	connections.total = 100
	for idx := 0; idx < 4; idx++ {
		uut.RecordProtocolError()
	}
	assert.Nil(uut.Refresh(utCtxt))
	assert.Equal(HealthStatusHealthy, uut.Health().Status)

	// 6%: degraded
	uut.RecordProtocolError()
	uut.RecordSendFailure("conn-1", "data", "transport gone")
	assert.Nil(uut.Refresh(utCtxt))
	assert.Equal(HealthStatusDegraded, uut.Health().Status)

	// 11%: critical
	for idx := 0; idx < 5; idx++ {
		uut.RecordProtocolError()
	}
	assert.Nil(uut.Refresh(utCtxt))
	assert.Equal(HealthStatusCritical, uut.Health().Status)

	// Reset clears the error history
	uut.Reset()
	assert.Nil(uut.Refresh(utCtxt))
	assert.Equal(HealthStatusHealthy, uut.Health().Status)
}

func TestHealthConnectionCeiling(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	connections := &mockConnectionView{active: 101, total: 100}
	uut := defineTestAggregator(t, connections, 100)
	assert.Nil(uut.Refresh(utCtxt))
	assert.Equal(HealthStatusWarning, uut.Health().Status)

	// Error rate outranks the ceiling warning
	for idx := 0; idx < 11; idx++ {
		uut.RecordProtocolError()
	}
	assert.Nil(uut.Refresh(utCtxt))
	assert.Equal(HealthStatusCritical, uut.Health().Status)

	connections.active = 99
	uut.Reset()
	assert.Nil(uut.Refresh(utCtxt))
	assert.Equal(HealthStatusHealthy, uut.Health().Status)
}

func TestBoundedHistoryEviction(t *testing.T) {
	assert := assert.New(t)

	connections := &mockConnectionView{}
	uut := defineTestAggregator(t, connections, 100)

	// Capacity is 4; the oldest records get evicted
	for idx := 0; idx < 6; idx++ {
		uut.RecordDisconnect(
			fmt.Sprintf("conn-%d", idx), "client_closed",
			time.Duration(idx)*time.Second, uint64(idx),
		)
	}
	records := uut.RecentDisconnects()
	assert.Len(records, 4)
	assert.Equal("conn-2", records[0].ConnectionID)
	assert.Equal("conn-5", records[3].ConnectionID)

	// Mean duration over the retained records only: (2+3+4+5)/4
	snapshot := uut.Snapshot()
	assert.InDelta(3.5, snapshot.Performance.MeanConnectionDurationSec, 0.001)

	// Failed delivery history behaves the same way
	for idx := 0; idx < 5; idx++ {
		uut.RecordSendFailure(fmt.Sprintf("conn-%d", idx), "data", "transport gone")
	}
	failures := uut.RecentFailures()
	assert.Len(failures, 4)
	assert.Equal("conn-1", failures[0].ConnectionID)
}

func TestStatsReset(t *testing.T) {
	assert := assert.New(t)

	connections := &mockConnectionView{active: 1, total: 10}
	uut := defineTestAggregator(t, connections, 100)

	uut.RecordMessageSent("conn-1", "data")
	uut.RecordMessageReceived()
	uut.RecordDisconnect("conn-1", "client_closed", time.Second, 1)
	uut.RecordSendFailure("conn-1", "data", "transport gone")
	uut.RecordRateLimitRejection()

	uut.Reset()
	snapshot := uut.Snapshot()
	assert.Equal(uint64(0), snapshot.Messages.Sent)
	assert.Equal(uint64(0), snapshot.Messages.Received)
	assert.Equal(uint64(0), snapshot.Messages.Failed)
	assert.Equal(uint64(0), snapshot.Messages.RateLimitRejections)
	assert.Empty(uut.RecentDisconnects())
	assert.Empty(uut.RecentFailures())
	assert.Equal(0.0, snapshot.Performance.MessagesPerSecond)

	// Registry gauges are not touched by a stats reset
	assert.Equal(uint64(10), snapshot.Connections.TotalHistorical)
}

func TestCachedHealthSnapshot(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	connections := &mockConnectionView{active: 5, total: 10}
	uut := defineTestAggregator(t, connections, 100)
	assert.Nil(uut.Refresh(utCtxt))

	before := uut.Health()
	assert.Equal(5, before.Statistics.Connections.Active)

	// Health reads the cached snapshot until the next refresh
	connections.active = 7
	assert.Equal(5, uut.Health().Statistics.Connections.Active)
	assert.Nil(uut.Refresh(utCtxt))
	assert.Equal(7, uut.Health().Statistics.Connections.Active)
}
