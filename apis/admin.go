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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/core"
	"github.com/alwitt/pushmq/engine"
	"github.com/alwitt/pushmq/registry"
	"github.com/alwitt/pushmq/stats"
)

// APIRestAdminHandler REST handler for administrating the push engine
type APIRestAdminHandler struct {
	goutils.RestAPIHandler
	eng      engine.Engine
	validate *validator.Validate
}

// GetAPIRestAdminHandler define APIRestAdminHandler
func GetAPIRestAdminHandler(
	eng engine.Engine, httpConfig *common.HTTPConfig,
) (APIRestAdminHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "engine-admin",
	}
	return APIRestAdminHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		eng:            eng,
		validate:       validator.New(),
	}, nil
}

// APIRestReqEvent request body carrying one producer event
type APIRestReqEvent struct {
	// EventType is the event type
	EventType string `json:"event_type" validate:"required"`
	// Scope is the delivery scope
	Scope string `json:"scope" validate:"required"`
	// Payload is the opaque event payload
	Payload map[string]interface{} `json:"payload"`
	// ExcludeConnections lists connection IDs to skip during broadcast
	ExcludeConnections []string `json:"exclude_connections,omitempty"`
}

// APIRestRespDelivery response for event submission
type APIRestRespDelivery struct {
	goutils.RestAPIBaseResponse
	// Delivered the number of connections the event reached
	Delivered int `json:"delivered"`
}

// APIRestRespHealth response for the health check
type APIRestRespHealth struct {
	goutils.RestAPIBaseResponse
	// Health the derived health report
	Health stats.HealthReport `json:"health"`
}

// APIRestRespStats response for the statistics query
type APIRestRespStats struct {
	goutils.RestAPIBaseResponse
	// Stats the current statistics snapshot
	Stats stats.Statistics `json:"stats"`
	// RecentDisconnects the retained disconnect history, oldest first
	RecentDisconnects []stats.DisconnectRecord `json:"recent_disconnects"`
	// RecentFailures the retained failed delivery history, oldest first
	RecentFailures []stats.FailedMessageRecord `json:"recent_failures"`
}

// APIRestRespConnections response for the connection listing
type APIRestRespConnections struct {
	goutils.RestAPIBaseResponse
	// Connections snapshots of the active connections
	Connections []registry.ConnectionInfo `json:"connections"`
}

// APIRestRespOneConnection response for one connection query
type APIRestRespOneConnection struct {
	goutils.RestAPIBaseResponse
	// Connection snapshot of the requested connection
	Connection registry.ConnectionInfo `json:"connection"`
}

// parseEvent decode and validate an event request body
func (h APIRestAdminHandler) parseEvent(
	r *http.Request, defaultScope core.DeliveryScope,
) (APIRestReqEvent, core.Event, error) {
	var params APIRestReqEvent
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return params, core.Event{}, err
	}
	if params.Scope == "" {
		params.Scope = string(defaultScope)
	}
	if err := h.validate.Struct(&params); err != nil {
		return params, core.Event{}, err
	}
	event := core.Event{
		Type:      params.EventType,
		Scope:     core.DeliveryScope(params.Scope),
		Payload:   params.Payload,
		Timestamp: time.Now().UTC(),
	}
	if !event.Scope.Valid() {
		return params, core.Event{}, fmt.Errorf("unsupported scope '%s'", params.Scope)
	}
	return params, event, nil
}

// Health godoc
// @Summary Query engine health
// @Description Derive the engine health from the cached statistics snapshot
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespHealth "success"
// @Failure 503 {object} APIRestRespHealth "critical"
// @Router /v1/admin/health [get]
func (h APIRestAdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	report := h.eng.Stats().Health()
	respCode := http.StatusOK
	if report.Status == stats.HealthStatusCritical {
		respCode = http.StatusServiceUnavailable
	}
	resp := APIRestRespHealth{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Health: report,
	}
	if err := h.WriteRESTResponse(w, respCode, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// HealthHandler Wrapper around Health
func (h APIRestAdminHandler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Health(w, r)
	}
}

// -----------------------------------------------------------------------

// GetStats godoc
// @Summary Query engine statistics
// @Description Compute a fresh statistics snapshot with recent history
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespStats "success"
// @Router /v1/admin/stats [get]
func (h APIRestAdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	aggregator := h.eng.Stats()
	resp := APIRestRespStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Stats:             aggregator.Snapshot(),
		RecentDisconnects: aggregator.RecentDisconnects(),
		RecentFailures:    aggregator.RecentFailures(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestAdminHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// -----------------------------------------------------------------------

// ResetStats godoc
// @Summary Reset engine statistics
// @Description Zero the counters and drop the retained histories
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/admin/stats [delete]
func (h APIRestAdminHandler) ResetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	h.eng.Stats().Reset()
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ResetStatsHandler Wrapper around ResetStats
func (h APIRestAdminHandler) ResetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ResetStats(w, r)
	}
}

// -----------------------------------------------------------------------

// Broadcast godoc
// @Summary Broadcast an event
// @Description Deliver one event to every matching subscription
// @tags Management
// @Accept json
// @Produce json
// @Param event body APIRestReqEvent true "event to broadcast"
// @Success 200 {object} APIRestRespDelivery "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/broadcast [post]
func (h APIRestAdminHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	params, event, err := h.parseEvent(r, core.ScopeGlobal)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	delivered, err := h.eng.Broadcast(r.Context(), event, params.ExcludeConnections)
	if err != nil {
		msg := "Broadcast failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDelivery{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Delivered: delivered,
	}
}

// BroadcastHandler Wrapper around Broadcast
func (h APIRestAdminHandler) BroadcastHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Broadcast(w, r)
	}
}

// -----------------------------------------------------------------------

// SendToUser godoc
// @Summary Send an event to one user
// @Description Deliver one event to every connection of the named user
// @tags Management
// @Accept json
// @Produce json
// @Param userID path string true "target user ID"
// @Param event body APIRestReqEvent true "event to deliver"
// @Success 200 {object} APIRestRespDelivery "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/user/{userID}/send [post]
func (h APIRestAdminHandler) SendToUser(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	userID, ok := vars["userID"]
	if !ok || userID == "" {
		msg := "No user ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	_, event, err := h.parseEvent(r, core.ScopeUser)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	delivered, err := h.eng.SendToUser(r.Context(), userID, event)
	if err != nil {
		msg := "Delivery failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDelivery{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Delivered: delivered,
	}
}

// SendToUserHandler Wrapper around SendToUser
func (h APIRestAdminHandler) SendToUserHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SendToUser(w, r)
	}
}

// -----------------------------------------------------------------------

// SendToOrganization godoc
// @Summary Send an event to one organization
// @Description Deliver one event to every connection of the named organization
// @tags Management
// @Accept json
// @Produce json
// @Param orgID path string true "target organization ID"
// @Param event body APIRestReqEvent true "event to deliver"
// @Success 200 {object} APIRestRespDelivery "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/org/{orgID}/send [post]
func (h APIRestAdminHandler) SendToOrganization(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	orgID, ok := vars["orgID"]
	if !ok || orgID == "" {
		msg := "No organization ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	_, event, err := h.parseEvent(r, core.ScopeOrganization)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	delivered, err := h.eng.SendToOrganization(r.Context(), orgID, event)
	if err != nil {
		msg := "Delivery failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDelivery{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Delivered: delivered,
	}
}

// SendToOrganizationHandler Wrapper around SendToOrganization
func (h APIRestAdminHandler) SendToOrganizationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SendToOrganization(w, r)
	}
}

// -----------------------------------------------------------------------

// GetAllConnections godoc
// @Summary List active connections
// @Description Snapshot every active connection
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespConnections "success"
// @Router /v1/admin/connection [get]
func (h APIRestAdminHandler) GetAllConnections(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	active := h.eng.Connections().AllConnections()
	snapshots := make([]registry.ConnectionInfo, 0, len(active))
	for _, conn := range active {
		snapshots = append(snapshots, conn.Snapshot())
	}
	resp := APIRestRespConnections{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Connections: snapshots,
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetAllConnectionsHandler Wrapper around GetAllConnections
func (h APIRestAdminHandler) GetAllConnectionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetAllConnections(w, r)
	}
}

// -----------------------------------------------------------------------

// GetConnection godoc
// @Summary Query one connection
// @Description Snapshot one active connection
// @tags Management
// @Produce json
// @Param connID path string true "target connection ID"
// @Success 200 {object} APIRestRespOneConnection "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/connection/{connID} [get]
func (h APIRestAdminHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	connID := vars["connID"]
	conn, ok := h.eng.Connections().Get(connID)
	if !ok {
		msg := "Unknown connection"
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, connID)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneConnection{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Connection: conn.Snapshot(),
	}
}

// GetConnectionHandler Wrapper around GetConnection
func (h APIRestAdminHandler) GetConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConnection(w, r)
	}
}

// -----------------------------------------------------------------------

// EvictConnection godoc
// @Summary Evict one connection
// @Description Force disconnect one active connection
// @tags Management
// @Produce json
// @Param connID path string true "target connection ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/connection/{connID} [delete]
func (h APIRestAdminHandler) EvictConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	connID := vars["connID"]
	if !h.eng.Detach(r.Context(), connID, "admin_disconnect") {
		msg := "Unknown connection"
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, connID)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// EvictConnectionHandler Wrapper around EvictConnection
func (h APIRestAdminHandler) EvictConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.EvictConnection(w, r)
	}
}
