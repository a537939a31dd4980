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
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/alwitt/pushmq/common"
)

// Health statuses
const (
	HealthStatusHealthy  = "healthy"
	HealthStatusWarning  = "warning"
	HealthStatusDegraded = "degraded"
	HealthStatusCritical = "critical"
)

// Error-rate thresholds over total historical connections
const (
	degradedErrorRate = 0.05
	criticalErrorRate = 0.10
)

// ConnectionView the connection registry gauges the aggregator reads
type ConnectionView interface {
	ActiveCount() int
	AuthenticatedCount() int
	TotalRegistered() uint64
}

// SubscriptionView the subscription registry gauges the aggregator reads
type SubscriptionView interface {
	TotalCount() int
	CountsByEventType() map[string]int
	CountsByScope() map[string]int
}

// ConnectionStats connection related counters and gauges
type ConnectionStats struct {
	// TotalHistorical registrations since start / last reset
	TotalHistorical uint64 `json:"total_historical"`
	// Active currently attached connections
	Active int `json:"active"`
	// Authenticated currently authenticated connections
	Authenticated int `json:"authenticated"`
}

// MessageStats message flow counters
type MessageStats struct {
	Sent                uint64 `json:"sent"`
	Received            uint64 `json:"received"`
	Failed              uint64 `json:"failed"`
	RateLimitRejections uint64 `json:"rate_limit_rejections"`
}

// SubscriptionStats subscription gauges
type SubscriptionStats struct {
	Total       int            `json:"total"`
	ByEventType map[string]int `json:"by_event_type"`
	ByScope     map[string]int `json:"by_scope"`
}

// PerformanceStats derived rates
type PerformanceStats struct {
	// MessagesPerSecond over the trailing sixty seconds
	MessagesPerSecond float64 `json:"messages_per_second"`
	// MeanConnectionDurationSec over the retained disconnect history
	MeanConnectionDurationSec float64 `json:"mean_connection_duration_sec"`
}

// Statistics one statistics snapshot
type Statistics struct {
	Connections   ConnectionStats   `json:"connections"`
	Messages      MessageStats      `json:"messages"`
	Subscriptions SubscriptionStats `json:"subscriptions"`
	Performance   PerformanceStats  `json:"performance"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

// HealthReport derived health status with its supporting snapshot
type HealthReport struct {
	Status      string     `json:"status"`
	Statistics  Statistics `json:"statistics"`
	LastUpdated time.Time  `json:"last_updated"`
}

// ========================================================================================

// MetricsCollector receives delivery events from the engine components.
// Counters accumulate monotonically; Reset is an explicit operator action.
type MetricsCollector interface {
	// RecordDisconnect implements registry.DisconnectRecorder
	RecordDisconnect(connID, reason string, duration time.Duration, messageCount uint64)
	// RecordMessageSent one successful delivery
	RecordMessageSent(connID, msgType string)
	// RecordMessageReceived one client originated message
	RecordMessageReceived()
	// RecordSendFailure one failed delivery
	RecordSendFailure(connID, msgType, reason string)
	// RecordRateLimitRejection one send denied by the rate limiter
	RecordRateLimitRejection()
	// RecordProtocolError one malformed / unknown inbound message
	RecordProtocolError()
	// Reset zero every counter and drop retained history
	Reset()
}

// StatsAggregator derives statistics and health from the registries plus the
// collected counters
type StatsAggregator interface {
	MetricsCollector
	// Snapshot compute a fresh statistics snapshot
	Snapshot() Statistics
	// Refresh recompute and cache the snapshot; run periodically
	Refresh(ctxt context.Context) error
	// Health derive the health report from the cached snapshot
	Health() HealthReport
	// RecentDisconnects the retained disconnect history, oldest first
	RecentDisconnects() []DisconnectRecord
	// RecentFailures the retained failed delivery history, oldest first
	RecentFailures() []FailedMessageRecord
}

// statsAggregatorImpl implements StatsAggregator
type statsAggregatorImpl struct {
	common.Component
	connections   ConnectionView
	subscriptions SubscriptionView
	activeCeiling int

	messagesSent        uint64
	messagesReceived    uint64
	messagesFailed      uint64
	rateLimitRejections uint64
	errorCount          uint64

	disconnects *disconnectHistory
	messages    *messageHistory
	failures    *failedMessageHistory

	cacheMu     sync.RWMutex
	cached      Statistics
	lastUpdated time.Time
}

// HistoryCapacities bounded history buffer sizes
type HistoryCapacities struct {
	Connections    int
	Messages       int
	FailedMessages int
}

// DefineStatsAggregator create new stats aggregator
func DefineStatsAggregator(
	connections ConnectionView,
	subscriptions SubscriptionView,
	activeCeiling int,
	capacities HistoryCapacities,
) (StatsAggregator, error) {
	logTags := log.Fields{
		"module": "stats", "component": "aggregator",
	}
	instance := &statsAggregatorImpl{
		Component:     common.Component{LogTags: logTags},
		connections:   connections,
		subscriptions: subscriptions,
		activeCeiling: activeCeiling,
		disconnects:   newDisconnectHistory(capacities.Connections),
		messages:      newMessageHistory(capacities.Messages),
		failures:      newFailedMessageHistory(capacities.FailedMessages),
	}
	instance.cached = instance.Snapshot()
	instance.lastUpdated = time.Now()
	return instance, nil
}

// RecordDisconnect record a completed disconnect
func (s *statsAggregatorImpl) RecordDisconnect(
	connID, reason string, duration time.Duration, messageCount uint64,
) {
	s.disconnects.add(DisconnectRecord{
		ConnectionID: connID,
		Reason:       reason,
		Duration:     duration,
		MessageCount: messageCount,
		At:           time.Now(),
	})
}

// RecordMessageSent one successful delivery
func (s *statsAggregatorImpl) RecordMessageSent(connID, msgType string) {
	atomic.AddUint64(&s.messagesSent, 1)
	s.messages.add(MessageRecord{ConnectionID: connID, MsgType: msgType, At: time.Now()})
}

// RecordMessageReceived one client originated message
func (s *statsAggregatorImpl) RecordMessageReceived() {
	atomic.AddUint64(&s.messagesReceived, 1)
}

// RecordSendFailure one failed delivery
func (s *statsAggregatorImpl) RecordSendFailure(connID, msgType, reason string) {
	atomic.AddUint64(&s.messagesFailed, 1)
	atomic.AddUint64(&s.errorCount, 1)
	s.failures.add(FailedMessageRecord{
		ConnectionID: connID, MsgType: msgType, Reason: reason, At: time.Now(),
	})
}

// RecordRateLimitRejection one send denied by the rate limiter
func (s *statsAggregatorImpl) RecordRateLimitRejection() {
	atomic.AddUint64(&s.rateLimitRejections, 1)
}

// RecordProtocolError one malformed / unknown inbound message
func (s *statsAggregatorImpl) RecordProtocolError() {
	atomic.AddUint64(&s.errorCount, 1)
}

// Reset zero every counter and drop retained history
func (s *statsAggregatorImpl) Reset() {
	atomic.StoreUint64(&s.messagesSent, 0)
	atomic.StoreUint64(&s.messagesReceived, 0)
	atomic.StoreUint64(&s.messagesFailed, 0)
	atomic.StoreUint64(&s.rateLimitRejections, 0)
	atomic.StoreUint64(&s.errorCount, 0)
	s.disconnects.reset()
	s.messages.reset()
	s.failures.reset()
	log.WithFields(s.LogTags).Warn("Statistics reset by operator")
}

// Snapshot compute a fresh statistics snapshot
func (s *statsAggregatorImpl) Snapshot() Statistics {
	now := time.Now()
	return Statistics{
		Connections: ConnectionStats{
			TotalHistorical: s.connections.TotalRegistered(),
			Active:          s.connections.ActiveCount(),
			Authenticated:   s.connections.AuthenticatedCount(),
		},
		Messages: MessageStats{
			Sent:                atomic.LoadUint64(&s.messagesSent),
			Received:            atomic.LoadUint64(&s.messagesReceived),
			Failed:              atomic.LoadUint64(&s.messagesFailed),
			RateLimitRejections: atomic.LoadUint64(&s.rateLimitRejections),
		},
		Subscriptions: SubscriptionStats{
			Total:       s.subscriptions.TotalCount(),
			ByEventType: s.subscriptions.CountsByEventType(),
			ByScope:     s.subscriptions.CountsByScope(),
		},
		Performance: PerformanceStats{
			MessagesPerSecond:         float64(s.messages.countSince(now.Add(-time.Minute))) / 60.0,
			MeanConnectionDurationSec: s.disconnects.meanDuration().Seconds(),
		},
		GeneratedAt: now,
	}
}

// Refresh recompute and cache the snapshot
func (s *statsAggregatorImpl) Refresh(ctxt context.Context) error {
	snapshot := s.Snapshot()
	s.cacheMu.Lock()
	s.cached = snapshot
	s.lastUpdated = time.Now()
	s.cacheMu.Unlock()
	return nil
}

// Health derive the health report from the cached snapshot
func (s *statsAggregatorImpl) Health() HealthReport {
	s.cacheMu.RLock()
	snapshot := s.cached
	lastUpdated := s.lastUpdated
	s.cacheMu.RUnlock()

	status := HealthStatusHealthy
	if total := snapshot.Connections.TotalHistorical; total > 0 {
		errorRate := float64(atomic.LoadUint64(&s.errorCount)) / float64(total)
		switch {
		case errorRate > criticalErrorRate:
			status = HealthStatusCritical
		case errorRate > degradedErrorRate:
			status = HealthStatusDegraded
		}
	}
	if status == HealthStatusHealthy && snapshot.Connections.Active > s.activeCeiling {
		status = HealthStatusWarning
	}
	return HealthReport{
		Status:      status,
		Statistics:  snapshot,
		LastUpdated: lastUpdated,
	}
}

// RecentDisconnects the retained disconnect history
func (s *statsAggregatorImpl) RecentDisconnects() []DisconnectRecord {
	return s.disconnects.snapshot()
}

// RecentFailures the retained failed delivery history
func (s *statsAggregatorImpl) RecentFailures() []FailedMessageRecord {
	return s.failures.snapshot()
}
