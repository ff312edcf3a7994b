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
	"encoding/json"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type sessionWS struct {
	sync.Mutex
	logger        *zap.Logger
	config        Config
	id            string
	participantID string
	matchID       string
	stopped       bool
	conn          *websocket.Conn

	outgoingCh       chan *Envelope
	outgoingStopCh   chan struct{}
	pingTicker       *time.Ticker
	pingTickerStopCh chan struct{}
	unregister       func(s Session)
}

// NewSessionWS wraps an upgraded WebSocket connection bound to the
// (participant, match) claims of a verified ticket.
func NewSessionWS(logger *zap.Logger, config Config, participantID, matchID string, conn *websocket.Conn, unregister func(s Session)) Session {
	sessionID := uuid.Must(uuid.NewV4()).String()
	sessionLogger := logger.With(zap.String("sid", sessionID), zap.String("did", participantID), zap.String("mid", matchID))

	sessionLogger.Debug("New WS session connected")

	s := &sessionWS{
		logger:        sessionLogger,
		config:        config,
		id:            sessionID,
		participantID: participantID,
		matchID:       matchID,
		conn:          conn,

		outgoingCh:       make(chan *Envelope, config.GetMatch().OutboundQueueSize),
		outgoingStopCh:   make(chan struct{}),
		pingTicker:       time.NewTicker(time.Duration(config.GetSocket().PingPeriodMs) * time.Millisecond),
		pingTickerStopCh: make(chan struct{}),
		unregister:       unregister,
	}

	go s.processOutgoing()
	return s
}

func (s *sessionWS) Logger() *zap.Logger {
	return s.logger
}

func (s *sessionWS) SessionID() string {
	return s.id
}

func (s *sessionWS) ParticipantID() string {
	return s.participantID
}

func (s *sessionWS) MatchID() string {
	return s.matchID
}

// Deliver queues an event for this session without blocking the caller.
// Events queued after the session stopped, or past a full queue, are
// dropped and reported as such.
func (s *sessionWS) Deliver(env *Envelope) bool {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return false
	}
	s.Unlock()

	select {
	case s.outgoingCh <- env:
		return true
	default:
		return false
	}
}

// Consume runs the session's read loop until the socket closes or errors.
// Text frames are decoded and handed to processFrame; binary frames are
// refused with a structured error.
func (s *sessionWS) Consume(processFrame func(logger *zap.Logger, session Session, data []byte)) {
	defer s.cleanupClosedConnection()
	s.conn.SetReadLimit(s.config.GetSocket().MaxMessageSizeBytes)
	s.conn.SetReadDeadline(time.Now().Add(time.Duration(s.config.GetSocket().PongWaitMs) * time.Millisecond))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(time.Duration(s.config.GetSocket().PongWaitMs) * time.Millisecond))
		return nil
	})

	// Send an initial ping immediately, then at intervals.
	s.pingNow()
	go s.pingPeriodically()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Warn("Error reading message from client", zap.Error(err))
			}
			break
		}
		if messageType != websocket.TextMessage {
			s.Deliver(ErrorFrame(ErrorCodeUnsupported, "binary frames are not supported"))
			continue
		}

		processFrame(s.logger, s, data)
	}
}

func (s *sessionWS) pingPeriodically() {
	for {
		select {
		case <-s.pingTicker.C:
			if !s.pingNow() {
				// If ping fails the session will be stopped, clean up the loop.
				return
			}
		case <-s.pingTickerStopCh:
			return
		}
	}
}

func (s *sessionWS) pingNow() bool {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return false
	}
	s.conn.SetWriteDeadline(time.Now().Add(time.Duration(s.config.GetSocket().WriteWaitMs) * time.Millisecond))
	err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
	s.Unlock()
	if err != nil {
		s.logger.Warn("Could not send ping, closing channel", zap.String("remoteAddress", s.conn.RemoteAddr().String()), zap.Error(err))
		s.cleanupClosedConnection()
		return false
	}
	return true
}

func (s *sessionWS) processOutgoing() {
	for {
		select {
		case <-s.outgoingStopCh:
			return
		case env := <-s.outgoingCh:
			payload, err := json.Marshal(env)
			if err != nil {
				s.logger.Warn("Could not marshal outgoing envelope", zap.Error(err))
				continue
			}
			s.Lock()
			if s.stopped {
				s.Unlock()
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(time.Duration(s.config.GetSocket().WriteWaitMs) * time.Millisecond))
			err = s.conn.WriteMessage(websocket.TextMessage, payload)
			s.Unlock()
			if err != nil {
				s.logger.Warn("Could not write message", zap.Error(err))
			}
		}
	}
}

func (s *sessionWS) cleanupClosedConnection() {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.Unlock()

	s.logger.Debug("Cleaning up closed client connection", zap.String("remoteAddress", s.conn.RemoteAddr().String()))
	s.unregister(s)
	s.pingTicker.Stop()
	close(s.pingTickerStopCh)
	close(s.outgoingStopCh)
	s.conn.Close()
	s.logger.Debug("Closed client connection")
}

func (s *sessionWS) Close() {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.Unlock()

	s.unregister(s)
	s.pingTicker.Stop()
	close(s.pingTickerStopCh)
	close(s.outgoingStopCh)
	err := s.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Duration(s.config.GetSocket().WriteWaitMs)*time.Millisecond))
	if err != nil {
		s.logger.Warn("Could not send close message, closing prematurely", zap.String("remoteAddress", s.conn.RemoteAddr().String()), zap.Error(err))
	}
	s.conn.Close()
	s.logger.Debug("Closed client connection")
}
