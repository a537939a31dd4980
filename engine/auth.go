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

package engine

import (
	"context"
	"fmt"

	"github.com/alwitt/pushmq/registry"
)

// Identity a validated client identity
type Identity struct {
	// UserID the authenticated user, never empty
	UserID string
	// OrgID the user's organization, may be empty
	OrgID string
	// SessionID the client session, may be empty
	SessionID string
	// Attributes extra connection metadata installed on success
	Attributes map[string]interface{}
}

// Authenticator verifies the credentials of a client auth request
type Authenticator interface {
	// Authenticate verify the auth payload, returning the identity to
	// install on the connection
	Authenticate(ctxt context.Context, credentials map[string]interface{}) (Identity, error)
}

// payloadAuthenticator trusts the identity fields carried in the auth
// payload. Suitable when an upstream gateway already verified the caller.
type payloadAuthenticator struct{}

// DefinePayloadAuthenticator create the payload trusting authenticator
func DefinePayloadAuthenticator() Authenticator {
	return &payloadAuthenticator{}
}

func stringField(payload map[string]interface{}, field string) string {
	if val, ok := payload[field]; ok {
		if asString, ok := val.(string); ok {
			return asString
		}
	}
	return ""
}

// Authenticate verify the auth payload
func (a *payloadAuthenticator) Authenticate(
	ctxt context.Context, credentials map[string]interface{},
) (Identity, error) {
	userID := stringField(credentials, "user_id")
	if userID == "" {
		return Identity{}, fmt.Errorf("user_id is required")
	}
	identity := Identity{
		UserID:    userID,
		OrgID:     stringField(credentials, "org_id"),
		SessionID: stringField(credentials, "session_id"),
	}
	if elevated, ok := credentials["elevated"].(bool); ok && elevated {
		identity.Attributes = map[string]interface{}{
			registry.MetadataKeyElevated: true,
		}
	}
	return identity, nil
}
