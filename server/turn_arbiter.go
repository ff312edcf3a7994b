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
	"hash/fnv"
	"time"

	"go.uber.org/zap"
)

// The turn arbiter serialises the two event classes of a match, reveal
// arrival and deadline firing, under the match lock. A turn is finalised by
// exactly one of them: whichever enters the critical section first commits
// the outcome, the other finds the resolution mark and becomes a no-op.

// Reveal records a participant's pick and resolves the turn once both
// canonical picks are present. A reveal whose turn disagrees with the
// current turn is clamped to the current turn, unless that turn is already
// resolved, in which case it is discarded without error.
func (r *MatchRegistry) Reveal(logger *zap.Logger, matchID, participantID string, turn int, move Move) {
	m := r.get(matchID)
	if m == nil || !move.Valid() {
		return
	}

	m.Lock()
	defer m.Unlock()

	if !m.started || m.ended {
		return
	}
	if turn != m.turn {
		if _, done := m.resolved[turn]; done {
			return
		}
		turn = m.turn
	}
	if _, done := m.resolved[turn]; done {
		return
	}

	picks := m.reveals[turn]
	if picks == nil {
		picks = make(map[string]Move, 2)
		m.reveals[turn] = picks
	}
	picks[participantID] = move

	p1, p2 := m.orderingLocked()
	if p1 == "" {
		return
	}

	// A synthetic opponent never reveals, resolve as soon as the human
	// pick lands rather than waiting out the deadline.
	_, p1Revealed := picks[p1]
	_, p2Revealed := picks[p2]
	if p1 == SyntheticParticipantID {
		p1Revealed = false
	}
	if p2 == SyntheticParticipantID {
		p2Revealed = false
	}

	bothRevealed := p1Revealed && p2Revealed
	aiSeat := p1 == SyntheticParticipantID || p2 == SyntheticParticipantID
	humanRevealed := p1Revealed || p2Revealed

	if bothRevealed || (aiSeat && humanRevealed) {
		r.resolveTurnLocked(logger, m, turn)
	}
}

// handleDeadline fires when the deadline timer armed for (match, turn)
// expires. Stale timers for superseded turns are discarded.
func (r *MatchRegistry) handleDeadline(matchID string, expectedTurn int) {
	m := r.get(matchID)
	if m == nil {
		return
	}
	logger := r.logger.With(zap.String("mid", matchID))

	m.Lock()
	defer m.Unlock()

	if m.ended || !m.started || m.turn != expectedTurn {
		return
	}

	if m.seatedLocked() < 2 {
		logger.Debug("Deadline fired on under-populated match", zap.Int("turn", expectedTurn))
		r.broadcastLocked(logger, m, NewEnvelope(FrameOpponentLeft, &OpponentLeftMessage{Match: m.ID}))
		m.ended = true
		if m.timer != nil {
			m.timer.Stop()
		}
		return
	}

	r.resolveTurnLocked(logger, m, expectedTurn)
}

// startLocked initialises turn 1: announce it, set its deadline and arm the
// deadline timer. Caller holds the match lock.
func (r *MatchRegistry) startLocked(logger *zap.Logger, m *MatchState) {
	m.started = true
	m.turn = 1
	r.announceTurnLocked(logger, m)
}

// announceTurnLocked broadcasts TURN_START for the current turn with its
// absolute deadline and the server clock, then arms the deadline timer.
func (r *MatchRegistry) announceTurnLocked(logger *zap.Logger, m *MatchState) {
	deadline := time.Duration(r.config.GetMatch().TurnDeadlineMs) * time.Millisecond
	now := time.Now()
	m.deadline = now.Add(deadline)

	r.broadcastLocked(logger, m, NewEnvelope(FrameTurnStart, &TurnStartMessage{
		Match:           m.ID,
		Turn:            m.turn,
		DeadlineMsEpoch: m.deadline.UnixMilli(),
		NowMsEpoch:      now.UnixMilli(),
	}))

	if m.timer != nil {
		m.timer.Stop()
	}
	matchID, turn := m.ID, m.turn
	m.timer = time.AfterFunc(deadline, func() {
		r.handleDeadline(matchID, turn)
	})
}

// resolveTurnLocked commits the outcome of one turn exactly once: compute
// authoritative picks with substitution, score, mark resolved, fan out the
// result, then either finish the match or advance to the next turn. Caller
// holds the match lock.
func (r *MatchRegistry) resolveTurnLocked(logger *zap.Logger, m *MatchState, turn int) {
	if _, done := m.resolved[turn]; done {
		return
	}

	p1, p2 := m.orderingLocked()
	if p1 == "" {
		// No participant was ever observed, nothing to arbitrate.
		return
	}

	picks := m.reveals[turn]
	substituted := []string{}

	p1Move, ok := picks[p1]
	if !ok || p1 == SyntheticParticipantID {
		p1Move = substitutePick(RoleP1)
		substituted = append(substituted, p1)
	}
	p2Move, ok := picks[p2]
	if !ok || p2 == SyntheticParticipantID {
		p2Move = substitutePick(RoleP2)
		substituted = append(substituted, p2)
	}

	result := ResultDraw
	switch {
	case p1Move == p2Move:
	case p1Move.Beats(p2Move):
		result = ResultP1
		m.scoreP1++
	default:
		result = ResultP2
		m.scoreP2++
	}

	m.resolved[turn] = struct{}{}
	r.metrics.TurnsResolved.Inc(1)
	r.metrics.SubstitutedPicks.Inc(int64(len(substituted)))

	logger.Debug("Turn resolved",
		zap.Int("turn", turn), zap.String("result", result),
		zap.String("p1_move", string(p1Move)), zap.String("p2_move", string(p2Move)),
		zap.Strings("substituted", substituted))

	r.broadcastLocked(logger, m, NewEnvelope(FrameTurnResult, &TurnResultMessage{
		Match:     m.ID,
		Turn:      turn,
		Result:    result,
		Ai:        len(substituted) > 0,
		AiForDids: substituted,
		P1Move:    p1Move,
		P2Move:    p2Move,
	}))

	winsTarget := r.config.GetMatch().WinsTarget
	if m.scoreP1 >= winsTarget || m.scoreP2 >= winsTarget {
		winner := RoleP1
		if m.scoreP2 >= winsTarget {
			winner = RoleP2
		}
		logger.Info("Match finished", zap.String("winner", winner),
			zap.Int("p1_score", m.scoreP1), zap.Int("p2_score", m.scoreP2))
		r.broadcastLocked(logger, m, NewEnvelope(FrameMatchResult, &MatchResultMessage{
			Match:  m.ID,
			Winner: winner,
		}))
		m.ended = true
		if m.timer != nil {
			m.timer.Stop()
		}
		return
	}

	m.turn = turn + 1
	r.announceTurnLocked(logger, m)
}

// substitutePick produces a pick for a participant who failed to reveal in
// time, seeded from the wall clock blended with a role salt. Deterministic
// reproducibility across runs is not required.
func substitutePick(roleSalt string) Move {
	h := fnv.New64a()
	h.Write([]byte(roleSalt))
	seed := h.Sum64() ^ uint64(time.Now().UnixNano())
	return Moves[seed%3]
}
