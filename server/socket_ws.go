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
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// NewSocketWsAcceptor returns the `/ws` handler: it authenticates the
// upgrade via the `ticket` query parameter, attaches the new session to its
// match and runs the frame pipeline until the socket closes.
func NewSocketWsAcceptor(logger *zap.Logger, config Config, tickets *TicketService, sessionRegistry *SessionRegistry, matchRegistry *MatchRegistry, pipeline *Pipeline) func(http.ResponseWriter, *http.Request) {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			http.Error(w, "Missing or invalid ticket", http.StatusUnauthorized)
			return
		}
		claims, err := tickets.Verify(ticket)
		if err != nil {
			http.Error(w, "Missing or invalid ticket", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// http.Error is invoked automatically from within Upgrade.
			logger.Warn("Could not upgrade to WebSocket", zap.Error(err))
			return
		}

		unregister := func(s Session) {
			sessionRegistry.remove(s)
			matchRegistry.Detach(s.Logger(), s.MatchID(), s)
		}
		s := NewSessionWS(logger, config, claims.ParticipantID, claims.MatchID, conn, unregister)

		sessionRegistry.add(s)
		matchRegistry.Attach(s.Logger(), claims.MatchID, s)

		// Allow the server to begin processing incoming messages from this session.
		s.Consume(pipeline.ProcessFrame)
	}
}
