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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommitHashDeterministic(t *testing.T) {
	a := CommitHash(MoveRock, "n1", 1, "m1", "did:plc:alice")
	b := CommitHash(MoveRock, "n1", 1, "m1", "did:plc:alice")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestCommitHashSensitiveToEveryInput(t *testing.T) {
	base := CommitHash(MoveRock, "n1", 1, "m1", "did:plc:alice")

	assert.NotEqual(t, base, CommitHash(MovePaper, "n1", 1, "m1", "did:plc:alice"))
	assert.NotEqual(t, base, CommitHash(MoveRock, "n2", 1, "m1", "did:plc:alice"))
	assert.NotEqual(t, base, CommitHash(MoveRock, "n1", 2, "m1", "did:plc:alice"))
	assert.NotEqual(t, base, CommitHash(MoveRock, "n1", 1, "m2", "did:plc:alice"))
	assert.NotEqual(t, base, CommitHash(MoveRock, "n1", 1, "m1", "did:plc:bob"))
}

func TestCommitHashTurnIsBinaryNotText(t *testing.T) {
	// Turn 10 must not collide with nonce "n11" + turn 0 style ambiguity;
	// the turn is a fixed-width big-endian field.
	assert.NotEqual(t,
		CommitHash(MoveRock, "n1", 10, "m1", "did:plc:alice"),
		CommitHash(MoveRock, "n110", 0, "m1", "did:plc:alice"))
}

func TestVerifyReveal(t *testing.T) {
	commit := CommitHash(MoveScissors, "nonce", 3, "m1", "did:plc:bob")

	assert.True(t, VerifyReveal(commit, MoveScissors, "nonce", 3, "m1", "did:plc:bob"))
	assert.False(t, VerifyReveal(commit, MoveRock, "nonce", 3, "m1", "did:plc:bob"))
	assert.False(t, VerifyReveal(commit, MoveScissors, "other", 3, "m1", "did:plc:bob"))
	assert.False(t, VerifyReveal("", MoveScissors, "nonce", 3, "m1", "did:plc:bob"))
}

func TestMoveBeats(t *testing.T) {
	assert.True(t, MoveRock.Beats(MoveScissors))
	assert.True(t, MoveScissors.Beats(MovePaper))
	assert.True(t, MovePaper.Beats(MoveRock))

	for _, m := range Moves {
		assert.False(t, m.Beats(m))
	}
}
