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
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Pipeline dispatches decoded inbound frames to their handlers. Per-frame
// failures are answered with ERROR frames on the same socket; the session
// always continues.
type Pipeline struct {
	config        Config
	matchRegistry *MatchRegistry
	metrics       *Metrics
}

func NewPipeline(config Config, matchRegistry *MatchRegistry, metrics *Metrics) *Pipeline {
	return &Pipeline{
		config:        config,
		matchRegistry: matchRegistry,
		metrics:       metrics,
	}
}

func (p *Pipeline) ProcessFrame(logger *zap.Logger, session Session, data []byte) {
	p.metrics.FramesReceived.Inc(1)

	env, payload, err := DecodeFrame(data)
	if err != nil {
		if errors.Is(err, ErrUnknownFrameType) {
			logger.Warn("Received frame with unknown type", zap.String("type", env.Type))
			session.Deliver(ErrorFrame(ErrorCodeUnimplemented, "no handler for "+env.Type))
			return
		}
		logger.Warn("Received malformed payload", zap.String("data", string(data)), zap.Error(err))
		session.Deliver(ErrorFrame(ErrorCodeBadRequest, "unrecognized payload"))
		return
	}
	logger.Debug("Received frame", zap.String("type", env.Type))

	switch msg := payload.(type) {
	case *HeartbeatMessage:
		session.Deliver(ErrorFrame(ErrorCodeOK, "heartbeat"))

	case *ReadyForRoundMessage:
		// Bootstrapping flows that skip the queue get a fabricated
		// assignment echo for the match their ticket was scoped to.
		session.Deliver(NewEnvelope(FrameAssign, &AssignMessage{
			Match: session.MatchID(),
			Role:  RoleP1,
			Peer:  PeerDescriptor{Did: SyntheticParticipantID, Handle: "AI_BYE"},
			Rtc:   RtcDescriptor{Turns: []string{}},
		}))
		p.matchRegistry.StartIfNeeded(logger, session.MatchID())

	case *SdpMessage, *IceMessage:
		// Pure relay. The match id comes from the session's ticket, never
		// from the payload, so a frame cannot cross into another match.
		p.matchRegistry.Relay(logger, session.MatchID(), env)

	case *CommitHashesMessage:
		p.matchRegistry.StoreCommits(session.MatchID(), session.ParticipantID(), msg.Hashes)

	case *RevealMessage:
		if !msg.Move.Valid() {
			session.Deliver(ErrorFrame(ErrorCodeBadRequest, "move must be one of R, P, S"))
			return
		}
		p.matchRegistry.Reveal(logger, session.MatchID(), session.ParticipantID(), msg.Turn, msg.Move)

	default:
		session.Deliver(ErrorFrame(ErrorCodeUnimplemented, "no handler for "+env.Type))
	}
}
