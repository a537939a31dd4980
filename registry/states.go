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

package registry

// ConnState is one connection's lifecycle state
type ConnState int

// Connection lifecycle states.
//
//	Connecting -> Connected -> Authenticated -> Subscribed
//
// Disconnecting -> Disconnected is the terminal path; Error is reachable from
// any non-terminal state. Subscribed is not sticky: it denotes holding at
// least one active subscription.
const (
	StateConnecting ConnState = iota
	StateConnected
	StateAuthenticated
	StateSubscribed
	StateDisconnecting
	StateDisconnected
	StateError
)

// String implements fmt.Stringer
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Terminal whether the state is on the terminal path
func (s ConnState) Terminal() bool {
	return s == StateDisconnecting || s == StateDisconnected
}

// AcceptsSubscriptions whether a connection in this state may register new
// subscriptions. Disconnecting, Disconnected, and Error are treated uniformly
// as "no new subscriptions accepted".
func (s ConnState) AcceptsSubscriptions() bool {
	return s == StateAuthenticated || s == StateSubscribed
}

// Authenticated whether the connection has presented a validated identity
func (s ConnState) Authenticated() bool {
	return s == StateAuthenticated || s == StateSubscribed
}
