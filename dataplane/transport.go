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
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alwitt/pushmq/core"
)

// wsTransport adapts one websocket connection to the transport contract.
// Writes are serialized by a mutex; gorilla/websocket permits only one
// concurrent writer.
type wsTransport struct {
	wsConn       *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
}

// DefineWebsocketTransport wrap a websocket connection as a client transport
func DefineWebsocketTransport(
	wsConn *websocket.Conn, writeTimeout time.Duration,
) core.ClientTransport {
	return &wsTransport{wsConn: wsConn, writeTimeout: writeTimeout}
}

// WriteMessage push one text frame onto the websocket
func (t *wsTransport) WriteMessage(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.wsConn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.wsConn.WriteMessage(websocket.TextMessage, payload)
}

// Close shut the websocket down. Safe to call repeatedly; the close frame is
// best effort.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	deadline := time.Now().Add(t.writeTimeout)
	_ = t.wsConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	return t.wsConn.Close()
}

// RemoteAddr the peer address
func (t *wsTransport) RemoteAddr() string {
	return t.wsConn.RemoteAddr().String()
}
