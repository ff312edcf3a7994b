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
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Endpoint is a fan-out delivery handle owned by a session. Deliver must
// never block; it reports false when the event was dropped.
type Endpoint interface {
	SessionID() string
	ParticipantID() string
	Deliver(env *Envelope) bool
}

// MatchState is the shared per-match state. All reads and mutations happen
// under its mutex; the owning registry is looked up under the registry lock
// and the two are never held across each other.
type MatchState struct {
	sync.Mutex
	ID string

	// Canonical seat ordering, fixed once known. Empty until the pairing
	// layer records it or both participants are observed.
	p1, p2 string

	participants map[string]struct{}
	endpoints    []Endpoint

	turn     int
	deadline time.Time
	timer    *time.Timer

	reveals  map[int]map[string]Move
	resolved map[int]struct{}
	commits  map[string][]string

	scoreP1 int
	scoreP2 int

	started bool
	ended   bool
}

func newMatchState(id, p1, p2 string) *MatchState {
	return &MatchState{
		ID:           id,
		p1:           p1,
		p2:           p2,
		participants: make(map[string]struct{}, 2),
		endpoints:    make([]Endpoint, 0, 2),
		reveals:      make(map[int]map[string]Move),
		resolved:     make(map[int]struct{}),
		commits:      make(map[string][]string, 2),
	}
}

// orderingLocked returns the canonical (P1, P2) pair, deriving it from the
// observed participants when the pairing layer never recorded one.
func (m *MatchState) orderingLocked() (string, string) {
	if m.p1 != "" && m.p2 != "" {
		return m.p1, m.p2
	}

	seen := make(map[string]struct{}, 2)
	for did := range m.participants {
		seen[did] = struct{}{}
	}
	for _, picks := range m.reveals {
		for did := range picks {
			seen[did] = struct{}{}
		}
	}
	dids := make([]string, 0, len(seen))
	for did := range seen {
		dids = append(dids, did)
	}
	sort.Strings(dids)

	switch len(dids) {
	case 0:
		return "", ""
	case 1:
		m.p1, m.p2 = dids[0], SyntheticParticipantID
	default:
		m.p1, m.p2 = dids[0], dids[1]
	}
	return m.p1, m.p2
}

// seatedLocked counts occupied seats. The synthetic opponent always counts
// as seated, it never holds a socket.
func (m *MatchState) seatedLocked() int {
	seats := len(m.participants)
	if m.p1 == SyntheticParticipantID || m.p2 == SyntheticParticipantID {
		seats++
	}
	return seats
}

func (m *MatchState) removeEndpointLocked(sessionID string) {
	for i, ep := range m.endpoints {
		if ep.SessionID() == sessionID {
			m.endpoints[i] = m.endpoints[len(m.endpoints)-1]
			m.endpoints = m.endpoints[:len(m.endpoints)-1]
			return
		}
	}
}

// MatchRegistry is the process-wide mapping from match id to match state.
type MatchRegistry struct {
	sync.RWMutex
	logger  *zap.Logger
	config  Config
	metrics *Metrics

	matches  map[string]*MatchState
	pairings map[string][2]string

	matchCount *atomic.Int64
	stopped    *atomic.Bool
}

func NewMatchRegistry(logger *zap.Logger, config Config, metrics *Metrics) *MatchRegistry {
	return &MatchRegistry{
		logger:     logger,
		config:     config,
		metrics:    metrics,
		matches:    make(map[string]*MatchState),
		pairings:   make(map[string][2]string),
		matchCount: atomic.NewInt64(0),
		stopped:    atomic.NewBool(false),
	}
}

// RecordPairing fixes the canonical (P1, P2) ordering for a match before
// any session attaches. The arbiter consults this instead of parsing ids.
func (r *MatchRegistry) RecordPairing(matchID, p1, p2 string) {
	r.Lock()
	if m, ok := r.matches[matchID]; ok {
		r.Unlock()
		m.Lock()
		if m.p1 == "" {
			m.p1, m.p2 = p1, p2
		}
		m.Unlock()
		return
	}
	r.pairings[matchID] = [2]string{p1, p2}
	r.Unlock()
}

func (r *MatchRegistry) getOrCreate(matchID string) *MatchState {
	r.RLock()
	m, ok := r.matches[matchID]
	r.RUnlock()
	if ok {
		return m
	}

	r.Lock()
	if m, ok = r.matches[matchID]; ok {
		r.Unlock()
		return m
	}
	var p1, p2 string
	if pair, ok := r.pairings[matchID]; ok {
		p1, p2 = pair[0], pair[1]
	}
	m = newMatchState(matchID, p1, p2)
	r.matches[matchID] = m
	r.metrics.MatchesGauge.Update(float64(r.matchCount.Inc()))
	r.Unlock()
	return m
}

func (r *MatchRegistry) get(matchID string) *MatchState {
	r.RLock()
	m := r.matches[matchID]
	r.RUnlock()
	return m
}

// Attach registers a session's fan-out endpoint with the match, creating
// the match state lazily on the first attach. If the match has not started
// yet it is initialised: turn 1 announced and its deadline armed. A session
// attaching to a running match receives a catch-up turn announcement on its
// own endpoint only.
func (r *MatchRegistry) Attach(logger *zap.Logger, matchID string, ep Endpoint) {
	m := r.getOrCreate(matchID)

	m.Lock()
	defer m.Unlock()

	m.removeEndpointLocked(ep.SessionID())
	m.endpoints = append(m.endpoints, ep)
	m.participants[ep.ParticipantID()] = struct{}{}

	if m.ended {
		return
	}
	if !m.started {
		r.startLocked(logger, m)
		return
	}

	ep.Deliver(NewEnvelope(FrameTurnStart, &TurnStartMessage{
		Match:           m.ID,
		Turn:            m.turn,
		DeadlineMsEpoch: m.deadline.UnixMilli(),
		NowMsEpoch:      time.Now().UnixMilli(),
	}))
}

// StartIfNeeded initialises turn 1 for a match that exists but has not
// started, used by bootstrapping flows that skip the queue.
func (r *MatchRegistry) StartIfNeeded(logger *zap.Logger, matchID string) {
	m := r.get(matchID)
	if m == nil {
		return
	}
	m.Lock()
	if !m.started && !m.ended {
		r.startLocked(logger, m)
	}
	m.Unlock()
}

// Detach removes a session's endpoint and participant from the match. If
// the match is under-populated afterwards the remaining side is told the
// opponent left. Ended matches are destroyed once the last endpoint is gone.
func (r *MatchRegistry) Detach(logger *zap.Logger, matchID string, ep Endpoint) {
	m := r.get(matchID)
	if m == nil {
		return
	}

	m.Lock()
	m.removeEndpointLocked(ep.SessionID())
	delete(m.participants, ep.ParticipantID())

	if m.started && !m.ended && m.seatedLocked() < 2 {
		r.broadcastLocked(logger, m, NewEnvelope(FrameOpponentLeft, &OpponentLeftMessage{Match: m.ID}))
	}
	remove := m.ended && len(m.endpoints) == 0
	if remove && m.timer != nil {
		m.timer.Stop()
	}
	m.Unlock()

	if remove {
		r.remove(matchID)
	}
}

// StoreCommits keeps a participant's commit hashes for the match. They are
// held at the wire level only and never consulted during resolution.
func (r *MatchRegistry) StoreCommits(matchID, participantID string, hashes []string) {
	m := r.get(matchID)
	if m == nil {
		return
	}
	m.Lock()
	m.commits[participantID] = hashes
	m.Unlock()
}

// Relay forwards an opaque frame to every endpoint currently attached to
// the match. Payload bodies are not parsed or validated.
func (r *MatchRegistry) Relay(logger *zap.Logger, matchID string, env *Envelope) {
	m := r.get(matchID)
	if m == nil {
		return
	}
	m.Lock()
	r.broadcastLocked(logger, m, env)
	m.Unlock()
}

// ResetMatch destroys a single match. Returns whether it existed.
func (r *MatchRegistry) ResetMatch(matchID string) bool {
	r.Lock()
	m, ok := r.matches[matchID]
	if ok {
		delete(r.matches, matchID)
		r.metrics.MatchesGauge.Update(float64(r.matchCount.Dec()))
	}
	delete(r.pairings, matchID)
	r.Unlock()

	if ok {
		m.Lock()
		if m.timer != nil {
			m.timer.Stop()
		}
		m.ended = true
		m.Unlock()
	}
	return ok
}

// ResetAll destroys every match. Returns the number cleared.
func (r *MatchRegistry) ResetAll() int {
	r.Lock()
	cleared := len(r.matches)
	matches := r.matches
	r.matches = make(map[string]*MatchState)
	r.pairings = make(map[string][2]string)
	r.matchCount.Store(0)
	r.metrics.MatchesGauge.Update(0)
	r.Unlock()

	for _, m := range matches {
		m.Lock()
		if m.timer != nil {
			m.timer.Stop()
		}
		m.ended = true
		m.Unlock()
	}
	return cleared
}

// Count returns the number of currently tracked matches.
func (r *MatchRegistry) Count() int {
	return int(r.matchCount.Load())
}

// Stop halts all deadline timers, used during shutdown.
func (r *MatchRegistry) Stop() {
	r.stopped.Store(true)
	r.ResetAll()
}

func (r *MatchRegistry) remove(matchID string) {
	r.Lock()
	if _, ok := r.matches[matchID]; ok {
		delete(r.matches, matchID)
		r.metrics.MatchesGauge.Update(float64(r.matchCount.Dec()))
	}
	delete(r.pairings, matchID)
	r.Unlock()
}

// broadcastLocked fans one canonical event out to every attached endpoint.
// Endpoint queues are non-blocking so this is safe under the match lock.
func (r *MatchRegistry) broadcastLocked(logger *zap.Logger, m *MatchState, env *Envelope) {
	for _, ep := range m.endpoints {
		if !ep.Deliver(env) {
			r.metrics.DroppedEvents.Inc(1)
			logger.Warn("Dropped outbound event, session queue full",
				zap.String("mid", m.ID), zap.String("sid", ep.SessionID()), zap.String("type", env.Type))
		}
	}
}
