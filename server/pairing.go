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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Assignment is the bundle delivered to a participant after pairing. Each
// assignment is consumed exactly once by its addressee.
type Assignment struct {
	Match  string         `json:"match"`
	Role   string         `json:"role"`
	Peer   PeerDescriptor `json:"peer"`
	Ticket string         `json:"ticket"`
}

type queueEntry struct {
	participantID string
	handle        string
	arrivedAt     time.Time
}

// Pairing supplies each participant with exactly one Assignment whose peer
// side another participant also holds. It runs a single-slot drop-in queue
// and batch pairing over pre-registered tournament rosters.
type Pairing struct {
	logger   *zap.Logger
	tickets  *TicketService
	registry *MatchRegistry
	anchor   *AnchorClient
	metrics  *Metrics

	mu          sync.Mutex
	waiting     *queueEntry
	assignments map[string]*Assignment
	entrants    map[string][]string
	handles     map[string]string
}

func NewPairing(logger *zap.Logger, tickets *TicketService, registry *MatchRegistry, anchor *AnchorClient, metrics *Metrics) *Pairing {
	return &Pairing{
		logger:      logger,
		tickets:     tickets,
		registry:    registry,
		anchor:      anchor,
		metrics:     metrics,
		assignments: make(map[string]*Assignment),
		entrants:    make(map[string][]string),
		handles:     make(map[string]string),
	}
}

// QueueReady handles a drop-in queue arrival. It returns the participant's
// Assignment when one is ready, or nil to signal WAIT. With aiIfAlone set
// an empty queue seats the participant against the synthetic opponent
// immediately.
func (p *Pairing) QueueReady(tournament, participantID, handle string, aiIfAlone bool) (*Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if handle != "" {
		p.handles[participantID] = handle
	}

	if a, ok := p.assignments[participantID]; ok {
		delete(p.assignments, participantID)
		return a, nil
	}

	if p.waiting == nil || p.waiting.participantID == participantID {
		if aiIfAlone {
			return p.assignSyntheticLocked(tournament, participantID)
		}
		p.waiting = &queueEntry{participantID: participantID, handle: handle, arrivedAt: time.Now()}
		p.metrics.QueueGauge.Update(1)
		return nil, nil
	}

	other := p.waiting
	p.waiting = nil
	p.metrics.QueueGauge.Update(0)

	p1, p2 := other.participantID, participantID
	if p2 < p1 {
		p1, p2 = p2, p1
	}
	matchID := fmt.Sprintf("%v-%v-%v", tournament, sanitizeDid(p1), sanitizeDid(p2))
	p.registry.RecordPairing(matchID, p1, p2)

	t1, err := p.tickets.Issue(p1, matchID)
	if err != nil {
		return nil, err
	}
	t2, err := p.tickets.Issue(p2, matchID)
	if err != nil {
		return nil, err
	}

	a1 := &Assignment{Match: matchID, Role: RoleP1, Peer: PeerDescriptor{Did: p2, Handle: p.handleLocked(p2)}, Ticket: t1}
	a2 := &Assignment{Match: matchID, Role: RoleP2, Peer: PeerDescriptor{Did: p1, Handle: p.handleLocked(p1)}, Ticket: t2}

	p.logger.Info("Paired drop-in participants", zap.String("mid", matchID), zap.String("p1", p1), zap.String("p2", p2))

	// Hold the waiting side's assignment for its next poll, hand the
	// requester theirs directly.
	if other.participantID == p1 {
		p.assignments[p1] = a1
		return a2, nil
	}
	p.assignments[p2] = a2
	return a1, nil
}

// QueueCancel removes the participant from the queue slot and discards any
// prepared assignment. Returns whether anything was removed.
func (p *Pairing) QueueCancel(participantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := false
	if p.waiting != nil && p.waiting.participantID == participantID {
		p.waiting = nil
		p.metrics.QueueGauge.Update(0)
		removed = true
	}
	if _, ok := p.assignments[participantID]; ok {
		delete(p.assignments, participantID)
		removed = true
	}
	return removed
}

// Register adds a participant to a tournament roster ahead of batch pairing.
func (p *Pairing) Register(tournament, participantID, handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if handle != "" {
		p.handles[participantID] = handle
	}
	for _, did := range p.entrants[tournament] {
		if did == participantID {
			return
		}
	}
	p.entrants[tournament] = append(p.entrants[tournament], participantID)
}

// StartRound batch-pairs the sorted roster of a tournament. Adjacent pairs
// become matches with the earlier entrant as P1; an odd final entrant is
// seated against the synthetic opponent. Returns the number of human-pair
// matches produced.
func (p *Pairing) StartRound(tournament string, round int) (int, error) {
	p.mu.Lock()
	roster := p.entrants[tournament]
	delete(p.entrants, tournament)
	sort.Strings(roster)

	pairs := 0
	for i := 0; i < len(roster); i += 2 {
		p1 := roster[i]
		if i+1 < len(roster) {
			p2 := roster[i+1]
			matchID := fmt.Sprintf("%v-r%v-%v-%v", tournament, round, sanitizeDid(p1), sanitizeDid(p2))
			p.registry.RecordPairing(matchID, p1, p2)

			t1, err := p.tickets.Issue(p1, matchID)
			if err != nil {
				p.mu.Unlock()
				return pairs, err
			}
			t2, err := p.tickets.Issue(p2, matchID)
			if err != nil {
				p.mu.Unlock()
				return pairs, err
			}
			p.assignments[p1] = &Assignment{Match: matchID, Role: RoleP1, Peer: PeerDescriptor{Did: p2, Handle: p.handleLocked(p2)}, Ticket: t1}
			p.assignments[p2] = &Assignment{Match: matchID, Role: RoleP2, Peer: PeerDescriptor{Did: p1, Handle: p.handleLocked(p1)}, Ticket: t2}
			pairs++
			continue
		}

		matchID := fmt.Sprintf("%v-r%v-%v-%v", tournament, round, sanitizeDid(p1), SyntheticParticipantID)
		p.registry.RecordPairing(matchID, p1, SyntheticParticipantID)
		t1, err := p.tickets.Issue(p1, matchID)
		if err != nil {
			p.mu.Unlock()
			return pairs, err
		}
		p.assignments[p1] = &Assignment{Match: matchID, Role: RoleP1, Peer: PeerDescriptor{Did: SyntheticParticipantID, Handle: "AI_BYE"}, Ticket: t1}
	}
	p.mu.Unlock()

	p.logger.Info("Round started", zap.String("tid", tournament), zap.Int("round", round), zap.Int("pairs", pairs))
	p.anchor.PostRoundAnchor(tournament, round)
	return pairs, nil
}

// Assignment pops the prepared assignment for a participant, or nil (WAIT).
func (p *Pairing) Assignment(tournament, participantID string) *Assignment {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.assignments[participantID]
	if !ok {
		return nil
	}
	delete(p.assignments, participantID)
	return a
}

// ResetTournament clears the roster, queue slot and prepared assignments.
// An empty tournament id clears everything. Returns the number of entries
// cleared.
func (p *Pairing) ResetTournament(tournament string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cleared := 0
	if tournament == "" {
		for _, roster := range p.entrants {
			cleared += len(roster)
		}
		cleared += len(p.assignments)
		p.entrants = make(map[string][]string)
		p.assignments = make(map[string]*Assignment)
	} else {
		cleared = len(p.entrants[tournament])
		delete(p.entrants, tournament)
		for did, a := range p.assignments {
			if strings.HasPrefix(a.Match, tournament+"-") {
				delete(p.assignments, did)
				cleared++
			}
		}
	}
	if p.waiting != nil {
		p.waiting = nil
		p.metrics.QueueGauge.Update(0)
		cleared++
	}
	return cleared
}

// QueueDepth reports the number of participants parked in the queue slot.
func (p *Pairing) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiting != nil {
		return 1
	}
	return 0
}

// PreparedAssignments reports the number of assignments awaiting pickup.
func (p *Pairing) PreparedAssignments() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assignments)
}

// Entrants reports the number of registered entrants across tournaments.
func (p *Pairing) Entrants() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, roster := range p.entrants {
		n += len(roster)
	}
	return n
}

func (p *Pairing) assignSyntheticLocked(tournament, participantID string) (*Assignment, error) {
	matchID := fmt.Sprintf("%v-%v-%v", tournament, sanitizeDid(participantID), SyntheticParticipantID)
	p.registry.RecordPairing(matchID, participantID, SyntheticParticipantID)
	ticket, err := p.tickets.Issue(participantID, matchID)
	if err != nil {
		return nil, err
	}
	return &Assignment{
		Match:  matchID,
		Role:   RoleP1,
		Peer:   PeerDescriptor{Did: SyntheticParticipantID, Handle: "AI_BYE"},
		Ticket: ticket,
	}, nil
}

func (p *Pairing) handleLocked(participantID string) string {
	if h, ok := p.handles[participantID]; ok {
		return h
	}
	return "peer"
}

// DIDs carry colons which make awkward match id separators.
func sanitizeDid(did string) string {
	return strings.ReplaceAll(did, ":", "_")
}
