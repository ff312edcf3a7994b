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
	"sync"

	"go.uber.org/zap"
)

// Session is one connected socket bound to a (participant, match) pair by
// its ticket. Every session is also the fan-out endpoint for its match.
type Session interface {
	Endpoint

	Logger() *zap.Logger
	MatchID() string
	Consume(processFrame func(logger *zap.Logger, session Session, data []byte))
	Close()
}

// SessionRegistry tracks all currently connected sessions.
type SessionRegistry struct {
	sync.RWMutex
	metrics  *Metrics
	sessions map[string]Session
}

func NewSessionRegistry(metrics *Metrics) *SessionRegistry {
	return &SessionRegistry{
		metrics:  metrics,
		sessions: make(map[string]Session),
	}
}

func (r *SessionRegistry) Get(sessionID string) Session {
	r.RLock()
	s := r.sessions[sessionID]
	r.RUnlock()
	return s
}

func (r *SessionRegistry) Count() int {
	r.RLock()
	n := len(r.sessions)
	r.RUnlock()
	return n
}

func (r *SessionRegistry) add(s Session) {
	r.Lock()
	r.sessions[s.SessionID()] = s
	r.metrics.SessionsGauge.Update(float64(len(r.sessions)))
	r.Unlock()
}

func (r *SessionRegistry) remove(s Session) {
	r.Lock()
	delete(r.sessions, s.SessionID())
	r.metrics.SessionsGauge.Update(float64(len(r.sessions)))
	r.Unlock()
}

// Stop closes every connected session, used during shutdown.
func (r *SessionRegistry) Stop() {
	r.RLock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}
