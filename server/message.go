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

	"github.com/pkg/errors"
)

// Frame type discriminators, client to server.
const (
	FrameHeartbeat     = "HEARTBEAT"
	FrameReadyForRound = "READY_FOR_ROUND"
	FrameSdpOffer      = "SDP_OFFER"
	FrameSdpAnswer     = "SDP_ANSWER"
	FrameIce           = "ICE"
	FrameCommitHashes  = "COMMIT_HASHES"
	FrameReveal        = "REVEAL"
)

// Frame type discriminators, server to client.
const (
	FrameAssign       = "ASSIGN"
	FrameTurnStart    = "TURN_START"
	FrameTurnResult   = "TURN_RESULT"
	FrameMatchResult  = "MATCH_RESULT"
	FrameOpponentLeft = "OPPONENT_LEFT"
	FrameError        = "ERROR"
)

// Stable wire error codes carried by ERROR frames.
const (
	ErrorCodeOK            = "OK"
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeUnsupported   = "UNSUPPORTED"
	ErrorCodeUnimplemented = "UNIMPLEMENTED"
	ErrorCodeInvalidReveal = "INVALID_REVEAL"
)

// Turn outcome labels and seat roles.
const (
	ResultP1   = "P1"
	ResultP2   = "P2"
	ResultDraw = "DRAW"

	RoleP1 = "P1"
	RoleP2 = "P2"
)

// SyntheticParticipantID is the id of the server-operated opponent seated
// against an odd entrant or a solo queue arrival.
const SyntheticParticipantID = "AI"

var ErrUnknownFrameType = errors.New("unknown frame type")

// Move is a single symmetric-choice pick.
type Move string

const (
	MoveRock     Move = "R"
	MovePaper    Move = "P"
	MoveScissors Move = "S"
)

// Moves lists all valid picks in a stable order.
var Moves = [3]Move{MoveRock, MovePaper, MoveScissors}

func (m Move) Valid() bool {
	return m == MoveRock || m == MovePaper || m == MoveScissors
}

// Beats reports whether m wins against other under the cycle
// R beats S, S beats P, P beats R.
func (m Move) Beats(other Move) bool {
	switch m {
	case MoveRock:
		return other == MoveScissors
	case MoveScissors:
		return other == MovePaper
	case MovePaper:
		return other == MoveRock
	}
	return false
}

// Envelope is the wire framing for every socket message: a type
// discriminator plus a type-specific payload object.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps a payload struct into a typed envelope.
func NewEnvelope(frameType string, payload interface{}) *Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload types are plain structs, marshalling cannot fail at runtime.
		panic(err)
	}
	return &Envelope{Type: frameType, Data: data}
}

// ErrorFrame builds an ERROR envelope with a stable code.
func ErrorFrame(code, msg string) *Envelope {
	return NewEnvelope(FrameError, &ErrorMessage{Code: code, Msg: msg})
}

type HeartbeatMessage struct{}

type ReadyForRoundMessage struct {
	Tournament string `json:"tournament"`
	Round      int    `json:"round"`
}

type SdpMessage struct {
	Match string `json:"match"`
	Sdp   string `json:"sdp"`
}

type IceMessage struct {
	Match     string `json:"match"`
	Candidate string `json:"candidate"`
}

type CommitHashesMessage struct {
	Match  string   `json:"match"`
	Hashes []string `json:"hashes"`
}

type RevealMessage struct {
	Match string `json:"match"`
	Turn  int    `json:"turn"`
	Move  Move   `json:"move_"`
	Nonce string `json:"nonce"`
}

type PeerDescriptor struct {
	Did    string `json:"did"`
	Handle string `json:"handle"`
}

type RtcDescriptor struct {
	Turns []string `json:"turns"`
}

type AssignMessage struct {
	Match string         `json:"match"`
	Role  string         `json:"role"`
	Peer  PeerDescriptor `json:"peer"`
	Rtc   RtcDescriptor  `json:"rtc"`
}

type TurnStartMessage struct {
	Match           string `json:"match"`
	Turn            int    `json:"turn"`
	DeadlineMsEpoch int64  `json:"deadline_ms_epoch"`
	NowMsEpoch      int64  `json:"now_ms_epoch"`
}

type TurnResultMessage struct {
	Match     string   `json:"match"`
	Turn      int      `json:"turn"`
	Result    string   `json:"result"`
	Ai        bool     `json:"ai"`
	AiForDids []string `json:"ai_for_dids"`
	P1Move    Move     `json:"p1_move,omitempty"`
	P2Move    Move     `json:"p2_move,omitempty"`
}

type MatchResultMessage struct {
	Match  string `json:"match"`
	Winner string `json:"winner"`
}

type OpponentLeftMessage struct {
	Match string `json:"match"`
}

type ErrorMessage struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// DecodeFrame parses a raw text frame into an envelope and its payload.
// The second return value is the decoded payload struct for known types.
func DecodeFrame(data []byte) (*Envelope, interface{}, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, nil, errors.Wrap(err, "malformed frame")
	}

	var payload interface{}
	switch env.Type {
	case FrameHeartbeat:
		payload = &HeartbeatMessage{}
	case FrameReadyForRound:
		payload = &ReadyForRoundMessage{}
	case FrameSdpOffer, FrameSdpAnswer:
		payload = &SdpMessage{}
	case FrameIce:
		payload = &IceMessage{}
	case FrameCommitHashes:
		payload = &CommitHashesMessage{}
	case FrameReveal:
		payload = &RevealMessage{}
	default:
		return env, nil, ErrUnknownFrameType
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return nil, nil, errors.Wrapf(err, "malformed %v payload", env.Type)
		}
	}
	return env, payload, nil
}
