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
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/core"
	"github.com/alwitt/pushmq/engine"
	"github.com/alwitt/pushmq/registry"
	"github.com/alwitt/pushmq/subscription"
)

// sessionTaskBuffer depth of one session's pending request queue
const sessionTaskBuffer = 16

// Session one client websocket session. The read loop parses inbound frames
// and feeds them through a per-session event loop, so request handling is
// single threaded per connection while deliveries from other goroutines go
// straight to the transport.
type Session interface {
	// ConnectionID the connection this session drives
	ConnectionID() string
	// Run the session until the peer disconnects or the context ends. Blocks.
	Run(wg *sync.WaitGroup) error
}

// Per-request task parameters for the session event loop
type (
	sessionPingTask        struct{ message core.InboundMessage }
	sessionAuthTask        struct{ message core.InboundMessage }
	sessionSubscribeTask   struct{ message core.InboundMessage }
	sessionUnsubscribeTask struct{ message core.InboundMessage }
	sessionDataTask        struct{ message core.InboundMessage }
)

// sessionImpl implements Session
type sessionImpl struct {
	common.Component
	eng        engine.Engine
	wsConn     *websocket.Conn
	conn       *registry.Connection
	processor  common.TaskProcessor
	validate   *validator.Validate
	runContext context.Context
	maxPayload int64
}

// DefineSession attach a websocket connection to the engine and build its
// session event loop
func DefineSession(
	ctxt context.Context,
	eng engine.Engine,
	wsConn *websocket.Conn,
	wsCfg common.WebsocketConfig,
	validate *validator.Validate,
) (Session, error) {
	transport := DefineWebsocketTransport(
		wsConn, time.Second*time.Duration(wsCfg.WriteTimeoutSec),
	)
	conn, err := eng.Attach(ctxt, transport)
	if err != nil {
		return nil, err
	}

	processor, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("session/%s", conn.ID()), sessionTaskBuffer, ctxt,
	)
	if err != nil {
		return nil, err
	}

	logTags := log.Fields{
		"module": "dataplane", "component": "session", "connection": conn.ID(),
	}
	session := &sessionImpl{
		Component:  common.Component{LogTags: logTags},
		eng:        eng,
		wsConn:     wsConn,
		conn:       conn,
		processor:  processor,
		validate:   validate,
		runContext: ctxt,
		maxPayload: wsCfg.MaxInboundPayloadBytes,
	}

	if err := processor.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(sessionPingTask{}):        session.processPing,
		reflect.TypeOf(sessionAuthTask{}):        session.processAuth,
		reflect.TypeOf(sessionSubscribeTask{}):   session.processSubscribe,
		reflect.TypeOf(sessionUnsubscribeTask{}): session.processUnsubscribe,
		reflect.TypeOf(sessionDataTask{}):        session.processData,
	}); err != nil {
		return nil, err
	}
	return session, nil
}

// ConnectionID the connection this session drives
func (s *sessionImpl) ConnectionID() string { return s.conn.ID() }

// Run the session until the peer disconnects or the context ends
func (s *sessionImpl) Run(wg *sync.WaitGroup) error {
	if err := s.processor.StartEventLoop(wg); err != nil {
		return err
	}
	defer func() {
		s.eng.Detach(s.runContext, s.conn.ID(), "client_closed")
		_ = s.processor.StopEventLoop()
	}()

	s.wsConn.SetReadLimit(s.maxPayload)
	for {
		_, raw, err := s.wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(s.LogTags).Info("Read loop ending")
			}
			return nil
		}
		s.eng.Stats().RecordMessageReceived()

		message, err := core.ParseInboundMessage(raw, s.validate)
		if err != nil {
			s.eng.Stats().RecordProtocolError()
			notice := core.NewErrorMessage(inboundErrorDetail(err))
			if err := s.eng.Delivery().SendDirect(s.runContext, s.conn, notice); err != nil {
				return nil
			}
			continue
		}
		s.conn.Touch()

		var task interface{}
		switch message.Type {
		case core.InboundTypePing:
			task = sessionPingTask{message: message}
		case core.InboundTypeAuth:
			task = sessionAuthTask{message: message}
		case core.InboundTypeSubscribe:
			task = sessionSubscribeTask{message: message}
		case core.InboundTypeUnsubscribe:
			task = sessionUnsubscribeTask{message: message}
		case core.InboundTypeData:
			task = sessionDataTask{message: message}
		}
		if err := s.processor.Submit(task, s.runContext); err != nil {
			log.WithError(err).WithFields(s.LogTags).Info("Unable to queue request")
			return nil
		}
	}
}

// inboundErrorDetail the client facing detail for a rejected inbound frame
func inboundErrorDetail(err error) string {
	var invalidJSON core.ErrInvalidJSON
	if errors.As(err, &invalidJSON) {
		return invalidJSON.Error()
	}
	var unknownType core.ErrUnknownMessageType
	if errors.As(err, &unknownType) {
		return unknownType.Error()
	}
	return "invalid message envelope"
}

func sessionStringField(payload map[string]interface{}, field string) string {
	if val, ok := payload[field]; ok {
		if asString, ok := val.(string); ok {
			return asString
		}
	}
	return ""
}

// processPing handle one ping request
func (s *sessionImpl) processPing(taskParam interface{}) error {
	task, ok := taskParam.(sessionPingTask)
	if !ok {
		return fmt.Errorf("processPing received wrong task param")
	}
	s.conn.MarkHeartbeatAck(time.Now())
	reply := core.NewHeartbeatMessage().WithCorrelation(task.message.MessageID)
	return s.eng.Delivery().SendDirect(s.runContext, s.conn, reply)
}

// processAuth handle one auth request
func (s *sessionImpl) processAuth(taskParam interface{}) error {
	task, ok := taskParam.(sessionAuthTask)
	if !ok {
		return fmt.Errorf("processAuth received wrong task param")
	}
	message := task.message

	identity, err := s.eng.Authenticator().Authenticate(s.runContext, message.Payload)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Info("Authentication refused")
		reply := core.NewOutboundMessage(core.MsgTypeAuthFailed, map[string]interface{}{
			"message": err.Error(),
		}).WithCorrelation(message.MessageID)
		return s.eng.Delivery().SendDirect(s.runContext, s.conn, reply)
	}

	if !s.eng.Connections().Authenticate(
		s.conn.ID(), identity.UserID, identity.OrgID, identity.SessionID, identity.Attributes,
	) {
		reply := core.NewOutboundMessage(core.MsgTypeAuthFailed, map[string]interface{}{
			"message": "connection can no longer authenticate",
		}).WithCorrelation(message.MessageID)
		return s.eng.Delivery().SendDirect(s.runContext, s.conn, reply)
	}

	cfg := s.eng.Config()
	scopes := make([]string, 0, len(core.SupportedScopes()))
	for _, scope := range core.SupportedScopes() {
		scopes = append(scopes, string(scope))
	}
	reply := core.NewOutboundMessage(core.MsgTypeAuthSuccess, map[string]interface{}{
		"connection_id":     s.conn.ID(),
		"user_id":           identity.UserID,
		"org_id":            identity.OrgID,
		"session_id":        identity.SessionID,
		"max_subscriptions": cfg.MaxSubscriptionsPerConnection,
		"rate_limit": map[string]interface{}{
			"tokens_per_window": cfg.RateLimit.TokensPerWindow,
			"window_sec":        cfg.RateLimit.WindowSec,
		},
		"supported_scopes": scopes,
	}).WithCorrelation(message.MessageID)
	return s.eng.Delivery().SendDirect(s.runContext, s.conn, reply)
}

// processSubscribe handle one subscribe request
func (s *sessionImpl) processSubscribe(taskParam interface{}) error {
	task, ok := taskParam.(sessionSubscribeTask)
	if !ok {
		return fmt.Errorf("processSubscribe received wrong task param")
	}
	message := task.message

	eventType := sessionStringField(message.Payload, "event_type")
	scope := core.DeliveryScope(sessionStringField(message.Payload, "scope"))
	var filter subscription.Filter
	if raw, ok := message.Payload["filter"].(map[string]interface{}); ok && len(raw) > 0 {
		filter = subscription.Filter(raw)
	}

	if !scope.Valid() {
		reply := core.NewOutboundMessage(core.MsgTypeSubscribeFailed, map[string]interface{}{
			"message":    fmt.Sprintf("unsupported scope '%s'", scope),
			"event_type": eventType,
		}).WithCorrelation(message.MessageID)
		return s.eng.Delivery().SendDirect(s.runContext, s.conn, reply)
	}

	sub, err := s.eng.Subscriptions().Subscribe(
		s.runContext, s.conn.ID(), eventType, scope, filter,
	)
	if err != nil {
		reply := core.NewOutboundMessage(core.MsgTypeSubscribeFailed, map[string]interface{}{
			"message":    err.Error(),
			"event_type": eventType,
		}).WithCorrelation(message.MessageID)
		return s.eng.Delivery().SendDirect(s.runContext, s.conn, reply)
	}

	reply := core.NewOutboundMessage(core.MsgTypeSubscribeSuccess, map[string]interface{}{
		"subscription_id": sub.ID(),
		"event_type":      sub.EventType(),
		"scope":           string(sub.Scope()),
	}).WithCorrelation(message.MessageID)
	return s.eng.Delivery().SendDirect(s.runContext, s.conn, reply)
}

// processUnsubscribe handle one unsubscribe request
func (s *sessionImpl) processUnsubscribe(taskParam interface{}) error {
	task, ok := taskParam.(sessionUnsubscribeTask)
	if !ok {
		return fmt.Errorf("processUnsubscribe received wrong task param")
	}
	message := task.message

	subID := sessionStringField(message.Payload, "subscription_id")
	if subID == "" || !s.eng.Subscriptions().Unsubscribe(s.runContext, s.conn.ID(), subID) {
		reply := core.NewOutboundMessage(core.MsgTypeSubscribeFailed, map[string]interface{}{
			"message":         "unknown subscription",
			"subscription_id": subID,
		}).WithCorrelation(message.MessageID)
		return s.eng.Delivery().SendDirect(s.runContext, s.conn, reply)
	}

	reply := core.NewOutboundMessage(core.MsgTypeSubscribeSuccess, map[string]interface{}{
		"subscription_id": subID,
	}).WithCorrelation(message.MessageID)
	return s.eng.Delivery().SendDirect(s.runContext, s.conn, reply)
}

// processData handle one client published event. The event fans out to every
// matching subscription except the publisher's own connection.
func (s *sessionImpl) processData(taskParam interface{}) error {
	task, ok := taskParam.(sessionDataTask)
	if !ok {
		return fmt.Errorf("processData received wrong task param")
	}
	message := task.message

	if !s.conn.State().Authenticated() {
		notice := core.NewErrorMessage("authentication required").
			WithCorrelation(message.MessageID)
		return s.eng.Delivery().SendDirect(s.runContext, s.conn, notice)
	}

	eventType := sessionStringField(message.Payload, "event_type")
	scope := core.DeliveryScope(sessionStringField(message.Payload, "scope"))
	if eventType == "" || !scope.Valid() {
		s.eng.Stats().RecordProtocolError()
		notice := core.NewErrorMessage("data message requires event_type and a valid scope").
			WithCorrelation(message.MessageID)
		return s.eng.Delivery().SendDirect(s.runContext, s.conn, notice)
	}
	payload, _ := message.Payload["payload"].(map[string]interface{})

	event := core.Event{
		Type:      eventType,
		Scope:     scope,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	delivered, err := s.eng.Broadcast(s.runContext, event, []string{s.conn.ID()})
	if err != nil {
		return err
	}
	log.WithFields(s.LogTags).Debugf(
		"Published %s@%s to %d connections", eventType, scope, delivered,
	)
	return nil
}
