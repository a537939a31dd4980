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

package dataplane

import (
	"net"
	"sync"
	"time"

	"github.com/apex/log"
	"golang.org/x/time/rate"

	"github.com/alwitt/pushmq/common"
)

// admissionPruneAfter idle period after which a per-IP limiter is dropped
const admissionPruneAfter = time.Minute * 10

// AdmissionController throttles connection attempts per client IP. This
// guards the attach endpoint; the per-connection message rate limiter is a
// separate mechanism downstream.
type AdmissionController interface {
	// Allow whether a connection attempt from this remote address may proceed
	Allow(remoteAddr string) bool
}

// admissionControllerImpl implements AdmissionController
type admissionControllerImpl struct {
	common.Component
	enabled bool
	rate    rate.Limit
	burst   int

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastSeen  map[string]time.Time
	lastPrune time.Time
}

// DefineAdmissionController create new per-IP admission controller
func DefineAdmissionController(cfg common.AdmissionConfig) (AdmissionController, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "admission-controller",
	}
	return &admissionControllerImpl{
		Component: common.Component{LogTags: logTags},
		enabled:   cfg.Enabled,
		rate:      rate.Limit(cfg.Rate),
		burst:     cfg.Burst,
		limiters:  make(map[string]*rate.Limiter),
		lastSeen:  make(map[string]time.Time),
		lastPrune: time.Now(),
	}, nil
}

// Allow whether a connection attempt from this remote address may proceed
func (a *admissionControllerImpl) Allow(remoteAddr string) bool {
	if !a.enabled {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	a.mu.Lock()
	now := time.Now()
	if now.Sub(a.lastPrune) > admissionPruneAfter {
		for key, seen := range a.lastSeen {
			if now.Sub(seen) > admissionPruneAfter {
				delete(a.lastSeen, key)
				delete(a.limiters, key)
			}
		}
		a.lastPrune = now
	}
	limiter, ok := a.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(a.rate, a.burst)
		a.limiters[host] = limiter
	}
	a.lastSeen[host] = now
	a.mu.Unlock()

	admitted := limiter.Allow()
	if !admitted {
		log.WithFields(a.LogTags).Infof("Refused connection attempt from %s", host)
	}
	return admitted
}
