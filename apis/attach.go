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

package apis

import (
	"context"
	"net/http"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/dataplane"
	"github.com/alwitt/pushmq/engine"
)

// APIRestEventAttachHandler REST handler for attaching websocket clients
type APIRestEventAttachHandler struct {
	goutils.RestAPIHandler
	eng        engine.Engine
	wsConfig   common.WebsocketConfig
	admission  dataplane.AdmissionController
	upgrader   websocket.Upgrader
	validate   *validator.Validate
	runContext context.Context
	wg         *sync.WaitGroup
}

// GetAPIRestEventAttachHandler define APIRestEventAttachHandler
func GetAPIRestEventAttachHandler(
	ctxt context.Context,
	wg *sync.WaitGroup,
	eng engine.Engine,
	wsConfig common.WebsocketConfig,
	httpConfig *common.HTTPConfig,
) (APIRestEventAttachHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "event-attach",
	}
	admission, err := dataplane.DefineAdmissionController(wsConfig.Admission)
	if err != nil {
		return APIRestEventAttachHandler{}, err
	}
	return APIRestEventAttachHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		eng:            eng,
		wsConfig:       wsConfig,
		admission:      admission,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin screening belongs to the gateway fronting this service
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validate:   validator.New(),
		runContext: ctxt,
		wg:         wg,
	}, nil
}

// Attach godoc
// @Summary Attach a websocket client
// @Description Upgrade the request to a websocket session and register the
// connection with the push engine
// @tags Dataplane
// @Success 101 {string} string "protocol switch"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/attach [get]
func (h APIRestEventAttachHandler) Attach(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	if !h.admission.Allow(r.RemoteAddr) {
		msg := "Too many connection attempts"
		respBody := h.GetStdRESTErrorMsg(
			r.Context(), http.StatusTooManyRequests, msg, "per-IP admission limit reached",
		)
		if err := h.WriteRESTResponse(w, http.StatusTooManyRequests, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	session, err := dataplane.DefineSession(
		h.runContext, h.eng, wsConn, h.wsConfig, h.validate,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		_ = wsConn.Close()
		return
	}

	// The websocket owns this goroutine until the client leaves
	if err := session.Run(h.wg); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Session %s ended with failure", session.ConnectionID(),
		)
	}
}

// AttachHandler Wrapper around Attach
func (h APIRestEventAttachHandler) AttachHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Attach(w, r)
	}
}

// Write logging support
func (h APIRestEventAttachHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate service is live
// @tags Dataplane
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestEventAttachHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestEventAttachHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For readiness check
// @Description Will return success if the engine background loops are running
// @tags Dataplane
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestEventAttachHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestEventAttachHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
