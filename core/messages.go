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

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DeliveryScope is the breadth of an event's intended audience
type DeliveryScope string

// Supported delivery scopes
const (
	ScopeGlobal       DeliveryScope = "global"
	ScopeOrganization DeliveryScope = "organization"
	ScopeProject      DeliveryScope = "project"
	ScopeUser         DeliveryScope = "user"
	ScopeRoom         DeliveryScope = "room"
)

// SupportedScopes the set of valid delivery scopes
func SupportedScopes() []DeliveryScope {
	return []DeliveryScope{
		ScopeGlobal, ScopeOrganization, ScopeProject, ScopeUser, ScopeRoom,
	}
}

// Valid whether this is a known delivery scope
func (s DeliveryScope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeOrganization, ScopeProject, ScopeUser, ScopeRoom:
		return true
	}
	return false
}

// Event one ephemeral event driving matching and delivery. It has no
// lifecycle beyond the delivery call that produced it.
type Event struct {
	// Type is the event type
	Type string `json:"event_type" validate:"required"`
	// Scope is the intended audience breadth
	Scope DeliveryScope `json:"scope" validate:"required"`
	// Payload is the opaque application payload
	Payload map[string]interface{} `json:"payload"`
	// Timestamp is when the event was produced
	Timestamp time.Time `json:"timestamp"`
}

// ===============================================================================
// Inbound envelope (client -> server)

// Inbound message types. This is a closed set; anything else is a protocol error.
const (
	InboundTypePing        = "ping"
	InboundTypeAuth        = "auth"
	InboundTypeSubscribe   = "subscribe"
	InboundTypeUnsubscribe = "unsubscribe"
	InboundTypeData        = "data"
)

// InboundMessage envelope for one client originated message
type InboundMessage struct {
	// Type is the message type
	Type string `json:"type" validate:"required,oneof=ping auth subscribe unsubscribe data"`
	// Payload is the message payload
	Payload map[string]interface{} `json:"payload,omitempty"`
	// MessageID is the optional client provided message ID
	MessageID string `json:"message_id,omitempty"`
}

// ErrInvalidJSON inbound frame was not valid JSON
type ErrInvalidJSON struct {
	wrapped error
}

func (e ErrInvalidJSON) Error() string {
	return "Invalid JSON format"
}

func (e ErrInvalidJSON) Unwrap() error {
	return e.wrapped
}

// ErrUnknownMessageType inbound frame carried an unsupported type tag
type ErrUnknownMessageType struct {
	// Type is the offending type tag
	Type string
}

func (e ErrUnknownMessageType) Error() string {
	return fmt.Sprintf("unknown message type '%s'", e.Type)
}

// ParseInboundMessage parse and validate one inbound frame.
//
// Malformed JSON returns ErrInvalidJSON; a syntactically valid frame with an
// unsupported type tag returns ErrUnknownMessageType; any other validation
// failure is returned as is.
func ParseInboundMessage(raw []byte, validate *validator.Validate) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return InboundMessage{}, ErrInvalidJSON{wrapped: err}
	}
	if err := validate.Struct(&msg); err != nil {
		switch msg.Type {
		case InboundTypePing, InboundTypeAuth, InboundTypeSubscribe,
			InboundTypeUnsubscribe, InboundTypeData:
			return InboundMessage{}, err
		default:
			return InboundMessage{}, ErrUnknownMessageType{Type: msg.Type}
		}
	}
	return msg, nil
}

// ===============================================================================
// Outbound envelope (server -> client)

// Outbound message types produced by the engine
const (
	MsgTypeAuthSuccess      = "auth_success"
	MsgTypeAuthFailed       = "auth_failed"
	MsgTypeSubscribeSuccess = "subscription_success"
	MsgTypeSubscribeFailed  = "subscription_failed"
	MsgTypeData             = "data"
	MsgTypeHeartbeat        = "heartbeat"
	MsgTypeError            = "error"
	MsgTypeRateLimit        = "rate_limit"
)

// OutboundMessage envelope for one server originated message
type OutboundMessage struct {
	// Type is the message type
	Type string `json:"type"`
	// EventType is the event type for event deliveries, null otherwise
	EventType *string `json:"event_type"`
	// Payload is the message payload
	Payload map[string]interface{} `json:"payload"`
	// Timestamp is when the message was formed
	Timestamp time.Time `json:"timestamp"`
	// MessageID is the server generated message ID
	MessageID string `json:"message_id"`
	// CorrelationID echos the triggering inbound message ID if any
	CorrelationID *string `json:"correlation_id"`
	// Metadata carries message annotations
	Metadata map[string]interface{} `json:"metadata"`
}

// NewOutboundMessage define a new outbound message of a given type
func NewOutboundMessage(msgType string, payload map[string]interface{}) OutboundMessage {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return OutboundMessage{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.New().String(),
		Metadata:  map[string]interface{}{},
	}
}

// NewEventMessage define a `data` outbound message carrying one event
func NewEventMessage(event Event) OutboundMessage {
	msg := NewOutboundMessage(MsgTypeData, event.Payload)
	eventType := event.Type
	msg.EventType = &eventType
	msg.Metadata["scope"] = string(event.Scope)
	return msg
}

// NewErrorMessage define an `error` outbound message
func NewErrorMessage(detail string) OutboundMessage {
	return NewOutboundMessage(MsgTypeError, map[string]interface{}{
		"message": detail,
	})
}

// NewHeartbeatMessage define a `heartbeat` outbound message
func NewHeartbeatMessage() OutboundMessage {
	return NewOutboundMessage(MsgTypeHeartbeat, map[string]interface{}{
		"server_time": time.Now().UTC().Format(time.RFC3339),
	})
}

// NewRateLimitMessage define a `rate_limit` outbound message
func NewRateLimitMessage(retryAfter time.Duration) OutboundMessage {
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return NewOutboundMessage(MsgTypeRateLimit, map[string]interface{}{
		"message":             "Rate limit exceeded",
		"retry_after_seconds": seconds,
	})
}

// WithCorrelation attach the triggering inbound message ID
func (m OutboundMessage) WithCorrelation(inboundMsgID string) OutboundMessage {
	if inboundMsgID != "" {
		m.CorrelationID = &inboundMsgID
	}
	return m
}

// Encode serialize the message to its wire format
func (m OutboundMessage) Encode() ([]byte, error) {
	return json.Marshal(&m)
}
