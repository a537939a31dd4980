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
	"sync"
	"time"
)

// DisconnectRecord one completed disconnect
type DisconnectRecord struct {
	ConnectionID string        `json:"connection_id"`
	Reason       string        `json:"reason"`
	Duration     time.Duration `json:"duration_ns"`
	MessageCount uint64        `json:"message_count"`
	At           time.Time     `json:"at"`
}

// MessageRecord one delivered message
type MessageRecord struct {
	ConnectionID string    `json:"connection_id"`
	MsgType      string    `json:"msg_type"`
	At           time.Time `json:"at"`
}

// FailedMessageRecord one failed delivery
type FailedMessageRecord struct {
	ConnectionID string    `json:"connection_id"`
	MsgType      string    `json:"msg_type"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}

// ========================================================================================
// Fixed-capacity rings; the oldest entry is evicted on overflow. One ring
// type per history kind keeps the call sites allocation free.

// disconnectHistory bounded ring of disconnect records
type disconnectHistory struct {
	mu      sync.Mutex
	entries []DisconnectRecord
	next    int
	full    bool
}

func newDisconnectHistory(capacity int) *disconnectHistory {
	return &disconnectHistory{entries: make([]DisconnectRecord, capacity)}
}

func (h *disconnectHistory) add(record DisconnectRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = record
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

func (h *disconnectHistory) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = 0
	h.full = false
}

// snapshot the retained records, oldest first
func (h *disconnectHistory) snapshot() []DisconnectRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		result := make([]DisconnectRecord, h.next)
		copy(result, h.entries[:h.next])
		return result
	}
	result := make([]DisconnectRecord, 0, len(h.entries))
	result = append(result, h.entries[h.next:]...)
	result = append(result, h.entries[:h.next]...)
	return result
}

// meanDuration average connection lifetime over the retained records
func (h *disconnectHistory) meanDuration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := h.next
	if h.full {
		count = len(h.entries)
	}
	if count == 0 {
		return 0
	}
	var total time.Duration
	for idx := 0; idx < count; idx++ {
		total += h.entries[idx].Duration
	}
	return total / time.Duration(count)
}

// messageHistory bounded ring of delivered message records
type messageHistory struct {
	mu      sync.Mutex
	entries []MessageRecord
	next    int
	full    bool
}

func newMessageHistory(capacity int) *messageHistory {
	return &messageHistory{entries: make([]MessageRecord, capacity)}
}

func (h *messageHistory) add(record MessageRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = record
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

func (h *messageHistory) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = 0
	h.full = false
}

// countSince number of retained records newer than the cutoff
func (h *messageHistory) countSince(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := h.next
	if h.full {
		count = len(h.entries)
	}
	matched := 0
	for idx := 0; idx < count; idx++ {
		if h.entries[idx].At.After(cutoff) {
			matched++
		}
	}
	return matched
}

// failedMessageHistory bounded ring of failed delivery records
type failedMessageHistory struct {
	mu      sync.Mutex
	entries []FailedMessageRecord
	next    int
	full    bool
}

func newFailedMessageHistory(capacity int) *failedMessageHistory {
	return &failedMessageHistory{entries: make([]FailedMessageRecord, capacity)}
}

func (h *failedMessageHistory) add(record FailedMessageRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = record
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

func (h *failedMessageHistory) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = 0
	h.full = false
}

func (h *failedMessageHistory) snapshot() []FailedMessageRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		result := make([]FailedMessageRecord, h.next)
		copy(result, h.entries[:h.next])
		return result
	}
	result := make([]FailedMessageRecord, 0, len(h.entries))
	result = append(result, h.entries[h.next:]...)
	result = append(result, h.entries[:h.next]...)
	return result
}
