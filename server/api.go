// Copyright 2024 The Arena Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ApiServer is the public HTTP surface: ticket minting, queueing,
// tournament rounds, the admin endpoints and the WebSocket upgrade.
type ApiServer struct {
	logger          *zap.Logger
	config          Config
	tickets         *TicketService
	pairing         *Pairing
	matchRegistry   *MatchRegistry
	sessionRegistry *SessionRegistry
	handler         http.Handler
	server          *http.Server
}

// NewApiServer builds the router without binding a listener, so tests can
// mount it on their own server.
func NewApiServer(logger *zap.Logger, config Config, tickets *TicketService, pairing *Pairing, matchRegistry *MatchRegistry, sessionRegistry *SessionRegistry, pipeline *Pipeline) *ApiServer {
	a := &ApiServer{
		logger:          logger,
		config:          config,
		tickets:         tickets,
		pairing:         pairing,
		matchRegistry:   matchRegistry,
		sessionRegistry: sessionRegistry,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	router.HandleFunc("/ticket", a.ticket).Methods(http.MethodPost)
	router.HandleFunc("/queue_ready", a.queueReady).Methods(http.MethodPost)
	router.HandleFunc("/queue_cancel", a.queueCancel).Methods(http.MethodPost)
	router.HandleFunc("/register", a.register).Methods(http.MethodPost)
	router.HandleFunc("/start_round", a.startRound).Methods(http.MethodPost)
	router.HandleFunc("/assignment", a.assignment).Methods(http.MethodGet)
	router.HandleFunc("/admin/reset", a.adminReset).Methods(http.MethodPost)
	router.HandleFunc("/admin/state", a.adminState).Methods(http.MethodGet)
	router.HandleFunc("/ws", NewSocketWsAcceptor(logger, config, tickets, sessionRegistry, matchRegistry, pipeline))

	CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
	CORSOrigins := handlers.AllowedOrigins([]string{"*"})
	CORSMethods := handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead, http.MethodPost})
	a.handler = handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)

	return a
}

func StartApiServer(logger, startupLogger *zap.Logger, config Config, tickets *TicketService, pairing *Pairing, matchRegistry *MatchRegistry, sessionRegistry *SessionRegistry, pipeline *Pipeline) *ApiServer {
	a := NewApiServer(logger, config, tickets, pairing, matchRegistry, sessionRegistry, pipeline)

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", config.GetPort()),
		Handler: a.handler,
	}

	startupLogger.Info("Starting API server for HTTP and WebSocket requests", zap.Int("port", config.GetPort()))
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLogger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return a
}

// Handler exposes the routed handler, primarily for tests.
func (a *ApiServer) Handler() http.Handler {
	return a.handler
}

func (a *ApiServer) Stop() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("API server shutdown failed", zap.Error(err))
	}
}

func (a *ApiServer) healthz(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

type ticketRequest struct {
	Participant string `json:"participant"`
	Match       string `json:"match"`
}

func (a *ApiServer) ticket(w http.ResponseWriter, r *http.Request) {
	var req ticketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Participant == "" || req.Match == "" {
		http.Error(w, "participant and match are required", http.StatusBadRequest)
		return
	}
	ticket, err := a.tickets.Issue(req.Participant, req.Match)
	if err != nil {
		a.logger.Error("Could not issue ticket", zap.Error(err))
		http.Error(w, "could not issue ticket", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"ticket": ticket})
}

type queueReadyRequest struct {
	Tournament  string `json:"tournament"`
	Participant string `json:"participant"`
	Handle      string `json:"handle"`
	AiIfAlone   bool   `json:"ai_if_alone"`
}

// assignmentResponse is the ASSIGN/WAIT polling answer shared by
// /queue_ready and /assignment.
type assignmentResponse struct {
	Status string          `json:"status"`
	Match  string          `json:"match,omitempty"`
	Role   string          `json:"role,omitempty"`
	Peer   *PeerDescriptor `json:"peer,omitempty"`
	Ticket string          `json:"ticket,omitempty"`
}

func assignmentToResponse(a *Assignment) *assignmentResponse {
	if a == nil {
		return &assignmentResponse{Status: "WAIT"}
	}
	peer := a.Peer
	return &assignmentResponse{
		Status: "ASSIGN",
		Match:  a.Match,
		Role:   a.Role,
		Peer:   &peer,
		Ticket: a.Ticket,
	}
}

func (a *ApiServer) queueReady(w http.ResponseWriter, r *http.Request) {
	var req queueReadyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Tournament == "" || req.Participant == "" {
		http.Error(w, "tournament and participant are required", http.StatusBadRequest)
		return
	}
	assignment, err := a.pairing.QueueReady(req.Tournament, req.Participant, req.Handle, req.AiIfAlone)
	if err != nil {
		a.logger.Error("Could not pair participant", zap.Error(err))
		http.Error(w, "could not pair participant", http.StatusInternalServerError)
		return
	}
	writeJSON(w, assignmentToResponse(assignment))
}

type queueCancelRequest struct {
	Participant string `json:"participant"`
}

func (a *ApiServer) queueCancel(w http.ResponseWriter, r *http.Request) {
	var req queueCancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	removed := a.pairing.QueueCancel(req.Participant)
	writeJSON(w, map[string]interface{}{"ok": true, "removed": removed})
}

type registerRequest struct {
	Tournament  string `json:"tournament"`
	Participant string `json:"participant"`
	Handle      string `json:"handle"`
}

func (a *ApiServer) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Tournament == "" || req.Participant == "" {
		http.Error(w, "tournament and participant are required", http.StatusBadRequest)
		return
	}
	a.pairing.Register(req.Tournament, req.Participant, req.Handle)
	writeJSON(w, map[string]bool{"ok": true})
}

type startRoundRequest struct {
	Tournament string `json:"tournament"`
	Round      int    `json:"round"`
}

func (a *ApiServer) startRound(w http.ResponseWriter, r *http.Request) {
	var req startRoundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Tournament == "" {
		http.Error(w, "tournament is required", http.StatusBadRequest)
		return
	}
	pairs, err := a.pairing.StartRound(req.Tournament, req.Round)
	if err != nil {
		a.logger.Error("Could not start round", zap.Error(err))
		http.Error(w, "could not start round", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"ok": true, "pairs": pairs})
}

func (a *ApiServer) assignment(w http.ResponseWriter, r *http.Request) {
	tournament := r.URL.Query().Get("tournament")
	participant := r.URL.Query().Get("participant")
	if participant == "" {
		http.Error(w, "participant is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, assignmentToResponse(a.pairing.Assignment(tournament, participant)))
}

type adminResetRequest struct {
	Tournament string `json:"tournament"`
	Match      string `json:"match"`
}

func (a *ApiServer) adminReset(w http.ResponseWriter, r *http.Request) {
	var req adminResetRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Match != "" {
		matches := 0
		if a.matchRegistry.ResetMatch(req.Match) {
			matches = 1
		}
		writeJSON(w, map[string]interface{}{"ok": true, "matches": matches})
		return
	}

	cleared := a.pairing.ResetTournament(req.Tournament)
	matches := 0
	if req.Tournament == "" {
		matches = a.matchRegistry.ResetAll()
	}
	writeJSON(w, map[string]interface{}{"ok": true, "pairing": cleared, "matches": matches})
}

func (a *ApiServer) adminState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{
		"matches":              a.matchRegistry.Count(),
		"sessions":             a.sessionRegistry.Count(),
		"queue_waiting":        a.pairing.QueueDepth(),
		"prepared_assignments": a.pairing.PreparedAssignments(),
		"entrants":             a.pairing.Entrants(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
