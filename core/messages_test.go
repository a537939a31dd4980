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
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestParseInboundMessage(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	// Case 0: valid ping
	{
		msg, err := ParseInboundMessage([]byte(`{"type": "ping"}`), validate)
		assert.Nil(err)
		assert.Equal(InboundTypePing, msg.Type)
	}

	// Case 1: valid subscribe with payload and message ID
	{
		raw := `{
			"type": "subscribe",
			"message_id": "msg-01",
			"payload": {"event_type": "order.created", "scope": "user"}
		}`
		msg, err := ParseInboundMessage([]byte(raw), validate)
		assert.Nil(err)
		assert.Equal(InboundTypeSubscribe, msg.Type)
		assert.Equal("msg-01", msg.MessageID)
		assert.Equal("order.created", msg.Payload["event_type"])
	}

	// Case 2: malformed JSON
	{
		_, err := ParseInboundMessage([]byte(`{"type": "ping"`), validate)
		assert.NotNil(err)
		assert.IsType(ErrInvalidJSON{}, err)
		assert.Equal("Invalid JSON format", err.Error())
	}

	// Case 3: not JSON at all
	{
		_, err := ParseInboundMessage([]byte(`hello world`), validate)
		assert.NotNil(err)
		assert.IsType(ErrInvalidJSON{}, err)
	}

	// Case 4: unknown message type
	{
		_, err := ParseInboundMessage([]byte(`{"type": "teleport"}`), validate)
		assert.NotNil(err)
		assert.IsType(ErrUnknownMessageType{}, err)
	}

	// Case 5: missing type
	{
		_, err := ParseInboundMessage([]byte(`{"payload": {}}`), validate)
		assert.NotNil(err)
		assert.IsType(ErrUnknownMessageType{}, err)
	}
}

func TestOutboundMessageConstruction(t *testing.T) {
	assert := assert.New(t)

	// Every message carries a unique ID and a timestamp
	msg1 := NewOutboundMessage(MsgTypeError, nil)
	msg2 := NewOutboundMessage(MsgTypeError, nil)
	assert.NotEqual(msg1.MessageID, msg2.MessageID)
	assert.False(msg1.Timestamp.IsZero())
	assert.NotNil(msg1.Payload)
	assert.Nil(msg1.EventType)
	assert.Nil(msg1.CorrelationID)

	// Event deliveries carry the event type and scope
	event := Event{
		Type:      "order.created",
		Scope:     ScopeOrganization,
		Payload:   map[string]interface{}{"order_id": "o-123"},
		Timestamp: time.Now(),
	}
	delivery := NewEventMessage(event)
	assert.Equal(MsgTypeData, delivery.Type)
	assert.NotNil(delivery.EventType)
	assert.Equal("order.created", *delivery.EventType)
	assert.Equal(string(ScopeOrganization), delivery.Metadata["scope"])
	assert.Equal("o-123", delivery.Payload["order_id"])

	// Correlation echos the inbound message ID
	correlated := NewOutboundMessage(MsgTypeAuthSuccess, nil).WithCorrelation("msg-42")
	assert.NotNil(correlated.CorrelationID)
	assert.Equal("msg-42", *correlated.CorrelationID)
	uncorrelated := NewOutboundMessage(MsgTypeAuthSuccess, nil).WithCorrelation("")
	assert.Nil(uncorrelated.CorrelationID)
}

func TestRateLimitMessage(t *testing.T) {
	assert := assert.New(t)

	// Sub-second retry windows round up to one second
	msg := NewRateLimitMessage(time.Millisecond * 100)
	assert.Equal(MsgTypeRateLimit, msg.Type)
	assert.Equal(1, msg.Payload["retry_after_seconds"])

	msg = NewRateLimitMessage(time.Second * 42)
	assert.Equal(42, msg.Payload["retry_after_seconds"])

	msg = NewRateLimitMessage(-time.Second)
	assert.Equal(1, msg.Payload["retry_after_seconds"])
}

func TestOutboundMessageEncode(t *testing.T) {
	assert := assert.New(t)

	msg := NewHeartbeatMessage()
	encoded, err := msg.Encode()
	assert.Nil(err)

	var decoded map[string]interface{}
	assert.Nil(json.Unmarshal(encoded, &decoded))
	assert.Equal(MsgTypeHeartbeat, decoded["type"])
	// Null fields stay present on the wire
	_, present := decoded["event_type"]
	assert.True(present)
}

func TestDeliveryScopeValidation(t *testing.T) {
	assert := assert.New(t)

	for _, scope := range SupportedScopes() {
		assert.True(scope.Valid())
	}
	assert.False(DeliveryScope("galaxy").Valid())
	assert.False(DeliveryScope("").Valid())
}
