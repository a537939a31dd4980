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

package core

// ClientTransport is one client's message transport session. A connection
// record exclusively owns its transport.
//
// WriteMessage may block on backpressure from a slow client; callers must not
// hold registry locks across it. Implementations must serialize concurrent
// writers so sequential sends arrive in call order.
type ClientTransport interface {
	// WriteMessage write one encoded message frame to the client
	WriteMessage(payload []byte) error
	// Close tear down the transport session
	Close() error
	// RemoteAddr the client's remote address for logging
	RemoteAddr() string
}
