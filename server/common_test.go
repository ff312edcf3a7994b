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
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// loggerForTest allows for easily adjusting log output produced by tests in one place.
func loggerForTest(t *testing.T) *zap.Logger {
	return NewJSONLogger(os.Stdout, zapcore.ErrorLevel)
}

// newTestConfig returns defaults with a turn deadline long enough that
// timers never interfere with purely event-driven tests.
func newTestConfig() *config {
	c := NewConfig()
	c.Match.TurnDeadlineMs = 60000
	return c
}

func newTestMetrics(t *testing.T) *Metrics {
	return NewMetrics(loggerForTest(t), newTestConfig())
}

func newTestRegistry(t *testing.T, cfg *config) *MatchRegistry {
	return NewMatchRegistry(loggerForTest(t), cfg, NewMetrics(loggerForTest(t), cfg))
}

// testEndpoint is an in-memory fan-out endpoint capturing delivered events.
type testEndpoint struct {
	mu            sync.Mutex
	sessionID     string
	participantID string
	events        []*Envelope
}

func newTestEndpoint(sessionID, participantID string) *testEndpoint {
	return &testEndpoint{sessionID: sessionID, participantID: participantID}
}

func (e *testEndpoint) SessionID() string {
	return e.sessionID
}

func (e *testEndpoint) ParticipantID() string {
	return e.participantID
}

func (e *testEndpoint) Deliver(env *Envelope) bool {
	e.mu.Lock()
	e.events = append(e.events, env)
	e.mu.Unlock()
	return true
}

func (e *testEndpoint) eventsOfType(frameType string) []*Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Envelope, 0, len(e.events))
	for _, env := range e.events {
		if env.Type == frameType {
			out = append(out, env)
		}
	}
	return out
}

func (e *testEndpoint) allEvents() []*Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Envelope, len(e.events))
	copy(out, e.events)
	return out
}

// waitForEvent polls until at least count events of the given type arrived.
func (e *testEndpoint) waitForEvent(t *testing.T, frameType string, count int, timeout time.Duration) []*Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		events := e.eventsOfType(frameType)
		if len(events) >= count {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %v events, have %d", count, frameType, len(e.eventsOfType(frameType)))
	return nil
}

func decodeTurnResult(t *testing.T, env *Envelope) *TurnResultMessage {
	t.Helper()
	require.Equal(t, FrameTurnResult, env.Type)
	msg := &TurnResultMessage{}
	require.NoError(t, json.Unmarshal(env.Data, msg))
	return msg
}

func decodeTurnStart(t *testing.T, env *Envelope) *TurnStartMessage {
	t.Helper()
	require.Equal(t, FrameTurnStart, env.Type)
	msg := &TurnStartMessage{}
	require.NoError(t, json.Unmarshal(env.Data, msg))
	return msg
}

func decodeMatchResult(t *testing.T, env *Envelope) *MatchResultMessage {
	t.Helper()
	require.Equal(t, FrameMatchResult, env.Type)
	msg := &MatchResultMessage{}
	require.NoError(t, json.Unmarshal(env.Data, msg))
	return msg
}
