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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// CommitHash computes the commit digest for a pick:
// SHA-256(move || nonce || turn_be32 || match || participant), hex encoded.
// Commit hashes are accepted at the wire level and stored per participant
// but are not consulted during turn resolution.
func CommitHash(move Move, nonce string, turn int, matchID, participantID string) string {
	var turnBytes [4]byte
	binary.BigEndian.PutUint32(turnBytes[:], uint32(turn))

	h := sha256.New()
	h.Write([]byte(move))
	h.Write([]byte(nonce))
	h.Write(turnBytes[:])
	h.Write([]byte(matchID))
	h.Write([]byte(participantID))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyReveal reports whether a reveal is consistent with an earlier
// commit hash.
func VerifyReveal(commit string, move Move, nonce string, turn int, matchID, participantID string) bool {
	return commit == CommitHash(move, nonce, turn, matchID, participantID)
}
