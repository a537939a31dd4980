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
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/core"
	"github.com/alwitt/pushmq/dispatch"
	"github.com/alwitt/pushmq/registry"
)

// disconnectReasonTimeout reason recorded when liveness expires a connection
const disconnectReasonTimeout = "heartbeat_timeout"

// LivenessMonitor periodically probes idle connections and expires dead ones.
//
// Two thresholds govern a sweep: a connection idle past the timeout is torn
// down; a connection merely idle past the heartbeat interval is probed with a
// heartbeat message. Probes do not refresh a connection's activity clock, so
// an unresponsive client still ages toward the timeout.
type LivenessMonitor interface {
	// Sweep examine every connection once; run periodically
	Sweep(ctxt context.Context) error
}

// livenessMonitorImpl implements LivenessMonitor
type livenessMonitorImpl struct {
	common.Component
	connections       registry.ConnectionRegistry
	delivery          dispatch.DeliveryEngine
	heartbeatInterval time.Duration
	timeout           time.Duration
}

// DefineLivenessMonitor create new liveness monitor
func DefineLivenessMonitor(
	connections registry.ConnectionRegistry,
	delivery dispatch.DeliveryEngine,
	heartbeatInterval, timeout time.Duration,
) (LivenessMonitor, error) {
	if heartbeatInterval <= 0 || timeout <= 0 {
		return nil, fmt.Errorf("liveness intervals must be positive")
	}
	if heartbeatInterval >= timeout {
		return nil, fmt.Errorf(
			"heartbeat interval %s must be shorter than connection timeout %s",
			heartbeatInterval, timeout,
		)
	}
	logTags := log.Fields{
		"module": "monitor", "component": "liveness-monitor",
	}
	return &livenessMonitorImpl{
		Component:         common.Component{LogTags: logTags},
		connections:       connections,
		delivery:          delivery,
		heartbeatInterval: heartbeatInterval,
		timeout:           timeout,
	}, nil
}

// Sweep examine every connection once
func (m *livenessMonitorImpl) Sweep(ctxt context.Context) error {
	now := time.Now()
	expired := 0
	probed := 0
	for _, conn := range m.connections.AllConnections() {
		if conn.State().Terminal() {
			continue
		}
		idle := now.Sub(conn.LastActivity())
		if idle > m.timeout {
			if m.connections.Disconnect(ctxt, conn.ID(), disconnectReasonTimeout) {
				expired++
				log.WithFields(m.LogTags).Infof(
					"Connection %s expired after %s idle", conn.ID(), idle,
				)
			}
			continue
		}
		// Probe once the connection is idle past the heartbeat interval, but
		// not more often than the interval itself
		if idle <= m.heartbeatInterval ||
			now.Sub(conn.LastHeartbeatSent()) < m.heartbeatInterval {
			continue
		}
		if err := m.delivery.SendDirect(ctxt, conn, core.NewHeartbeatMessage()); err != nil {
			// Already torn down by the delivery engine
			continue
		}
		conn.MarkHeartbeatSent(now)
		probed++
	}
	if expired > 0 || probed > 0 {
		log.WithFields(m.LogTags).Debugf(
			"Liveness sweep probed %d and expired %d connections", probed, expired,
		)
	}
	return nil
}
