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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	cfg      *config
	tickets  *TicketService
	pairing  *Pairing
	registry *MatchRegistry
	sessions *SessionRegistry
	srv      *httptest.Server
}

func newApiFixture(t *testing.T, cfg *config) *apiFixture {
	logger := loggerForTest(t)
	metrics := NewMetrics(logger, cfg)
	tickets := NewTicketService(cfg)
	sessions := NewSessionRegistry(metrics)
	registry := NewMatchRegistry(logger, cfg, metrics)
	pairing := NewPairing(logger, tickets, registry, NewAnchorClient(logger, cfg), metrics)
	pipeline := NewPipeline(cfg, registry, metrics)
	api := NewApiServer(logger, cfg, tickets, pairing, registry, sessions, pipeline)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{
		cfg:      cfg,
		tickets:  tickets,
		pairing:  pairing,
		registry: registry,
		sessions: sessions,
		srv:      srv,
	}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (f *apiFixture) wsURL(ticket string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?ticket=" + url.QueryEscape(ticket)
}

// wsPeer is a connected test client reading typed envelopes.
type wsPeer struct {
	conn *websocket.Conn
}

func dialPeer(t *testing.T, f *apiFixture, ticket string) *wsPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(ticket), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{conn: conn}
}

func (p *wsPeer) send(t *testing.T, env *Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, data))
}

func (p *wsPeer) read(t *testing.T, timeout time.Duration) *Envelope {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := p.conn.ReadMessage()
	require.NoError(t, err)
	env := &Envelope{}
	require.NoError(t, json.Unmarshal(data, env))
	return env
}

// expect reads frames until one of the wanted type arrives.
func (p *wsPeer) expect(t *testing.T, frameType string, timeout time.Duration) *Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		env := p.read(t, time.Until(deadline))
		if env.Type == frameType {
			return env
		}
	}
	t.Fatalf("timed out waiting for %v frame", frameType)
	return nil
}

func TestApiHealthz(t *testing.T) {
	f := newApiFixture(t, newTestConfig())
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApiTicketEndpoint(t *testing.T) {
	f := newApiFixture(t, newTestConfig())

	status, body := f.postJSON(t, "/ticket", map[string]string{"participant": "did:plc:alice", "match": "m1"})
	require.Equal(t, http.StatusOK, status)

	ticket, _ := body["ticket"].(string)
	require.NotEmpty(t, ticket)
	claims, err := f.tickets.Verify(ticket)
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", claims.ParticipantID)
	assert.Equal(t, "m1", claims.MatchID)

	status, _ = f.postJSON(t, "/ticket", map[string]string{"participant": "did:plc:alice"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestApiQueueFlow(t *testing.T) {
	f := newApiFixture(t, newTestConfig())

	status, body := f.postJSON(t, "/queue_ready", map[string]interface{}{
		"tournament": "t1", "participant": "did:plc:bob", "handle": "bob",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "WAIT", body["status"])

	status, body = f.postJSON(t, "/queue_ready", map[string]interface{}{
		"tournament": "t1", "participant": "did:plc:alice", "handle": "alice",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ASSIGN", body["status"])
	assert.Equal(t, RoleP1, body["role"])
	assert.NotEmpty(t, body["ticket"])

	status, body = f.postJSON(t, "/queue_ready", map[string]interface{}{
		"tournament": "t1", "participant": "did:plc:bob", "handle": "bob",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ASSIGN", body["status"])
	assert.Equal(t, RoleP2, body["role"])
}

func TestApiRegisterStartRoundAssignment(t *testing.T) {
	f := newApiFixture(t, newTestConfig())

	for _, did := range []string{"did:plc:a", "did:plc:b"} {
		status, _ := f.postJSON(t, "/register", map[string]string{"tournament": "t1", "participant": did})
		require.Equal(t, http.StatusOK, status)
	}

	status, body := f.postJSON(t, "/start_round", map[string]interface{}{"tournament": "t1", "round": 1})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["pairs"])

	resp, err := http.Get(f.srv.URL + "/assignment?tournament=t1&participant=" + url.QueryEscape("did:plc:a"))
	require.NoError(t, err)
	defer resp.Body.Close()
	var assign assignmentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&assign))
	assert.Equal(t, "ASSIGN", assign.Status)
	assert.Equal(t, RoleP1, assign.Role)
	require.NotNil(t, assign.Peer)
	assert.Equal(t, "did:plc:b", assign.Peer.Did)
}

func TestApiAdminStateAndReset(t *testing.T) {
	f := newApiFixture(t, newTestConfig())
	f.postJSON(t, "/register", map[string]string{"tournament": "t1", "participant": "did:plc:a"})
	f.postJSON(t, "/queue_ready", map[string]interface{}{"tournament": "t1", "participant": "did:plc:b"})

	resp, err := http.Get(f.srv.URL + "/admin/state")
	require.NoError(t, err)
	var state map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()
	assert.Equal(t, 1, state["entrants"])
	assert.Equal(t, 1, state["queue_waiting"])

	status, body := f.postJSON(t, "/admin/reset", map[string]string{})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])

	resp, err = http.Get(f.srv.URL + "/admin/state")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()
	assert.Equal(t, 0, state["entrants"])
	assert.Equal(t, 0, state["queue_waiting"])
}

func TestWsRejectsMissingOrInvalidTicket(t *testing.T) {
	f := newApiFixture(t, newTestConfig())

	resp, err := http.Get(f.srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/ws?ticket=garbage")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWsRejectsExpiredTicket(t *testing.T) {
	f := newApiFixture(t, newTestConfig())

	expiredCfg := newTestConfig()
	expiredCfg.Ticket.ExpiryMs = -1000
	ticket, err := NewTicketService(expiredCfg).Issue("did:plc:alice", "m1")
	require.NoError(t, err)

	resp, err := http.Get(f.srv.URL + "/ws?ticket=" + url.QueryEscape(ticket))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWsHeartbeat(t *testing.T) {
	f := newApiFixture(t, newTestConfig())
	ticket, err := f.tickets.Issue("did:plc:solo", "m-solo")
	require.NoError(t, err)

	peer := dialPeer(t, f, ticket)
	peer.send(t, NewEnvelope(FrameHeartbeat, &HeartbeatMessage{}))

	env := peer.expect(t, FrameError, 2*time.Second)
	var em ErrorMessage
	require.NoError(t, json.Unmarshal(env.Data, &em))
	assert.Equal(t, ErrorCodeOK, em.Code)
}

// playMatch connects one participant and reveals the same move every turn,
// returning the raw TURN_RESULT payloads seen before MATCH_RESULT.
func playMatch(t *testing.T, f *apiFixture, ticket, match string, move Move) (results []string, winner string) {
	peer := dialPeer(t, f, ticket)
	for {
		env := peer.read(t, 5*time.Second)
		switch env.Type {
		case FrameTurnStart:
			msg := decodeTurnStart(t, env)
			peer.send(t, NewEnvelope(FrameReveal, &RevealMessage{
				Match: match,
				Turn:  msg.Turn,
				Move:  move,
				Nonce: "n",
			}))
		case FrameTurnResult:
			results = append(results, string(env.Data))
		case FrameMatchResult:
			mr := decodeMatchResult(t, env)
			return results, mr.Winner
		}
	}
}

func TestWsFullMatch(t *testing.T) {
	cfg := newTestConfig()
	cfg.Match.WinsTarget = 2
	f := newApiFixture(t, cfg)

	_, body := f.postJSON(t, "/queue_ready", map[string]interface{}{"tournament": "t1", "participant": "did:plc:bob", "handle": "bob"})
	require.Equal(t, "WAIT", body["status"])
	_, aliceAssign := f.postJSON(t, "/queue_ready", map[string]interface{}{"tournament": "t1", "participant": "did:plc:alice", "handle": "alice"})
	require.Equal(t, "ASSIGN", aliceAssign["status"])
	_, bobAssign := f.postJSON(t, "/queue_ready", map[string]interface{}{"tournament": "t1", "participant": "did:plc:bob", "handle": "bob"})
	require.Equal(t, "ASSIGN", bobAssign["status"])

	match := aliceAssign["match"].(string)
	require.Equal(t, match, bobAssign["match"].(string))

	var (
		wg          sync.WaitGroup
		aliceSeen   []string
		bobSeen     []string
		aliceWinner string
		bobWinner   string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		aliceSeen, aliceWinner = playMatch(t, f, aliceAssign["ticket"].(string), match, MoveRock)
	}()
	go func() {
		defer wg.Done()
		bobSeen, bobWinner = playMatch(t, f, bobAssign["ticket"].(string), match, MoveScissors)
	}()
	wg.Wait()

	// alice is P1 and wins every turn, the match ends at the wins target.
	assert.Equal(t, RoleP1, aliceWinner)
	assert.Equal(t, aliceWinner, bobWinner)
	require.Len(t, aliceSeen, 2)

	// Both sides observed byte-identical result sequences.
	require.Equal(t, aliceSeen, bobSeen)
	for i, raw := range aliceSeen {
		var tr TurnResultMessage
		require.NoError(t, json.Unmarshal([]byte(raw), &tr))
		assert.Equal(t, i+1, tr.Turn)
		assert.Equal(t, ResultP1, tr.Result)
		assert.False(t, tr.Ai)
		assert.Empty(t, tr.AiForDids)
	}
}

func TestWsOpponentLeft(t *testing.T) {
	f := newApiFixture(t, newTestConfig())

	_, _ = f.postJSON(t, "/queue_ready", map[string]interface{}{"tournament": "t1", "participant": "did:plc:bob"})
	_, aliceAssign := f.postJSON(t, "/queue_ready", map[string]interface{}{"tournament": "t1", "participant": "did:plc:alice"})
	_, bobAssign := f.postJSON(t, "/queue_ready", map[string]interface{}{"tournament": "t1", "participant": "did:plc:bob"})
	match := aliceAssign["match"].(string)

	alice := dialPeer(t, f, aliceAssign["ticket"].(string))
	bob := dialPeer(t, f, bobAssign["ticket"].(string))

	// Both are seated before bob walks away.
	alice.expect(t, FrameTurnStart, 2*time.Second)
	bob.expect(t, FrameTurnStart, 2*time.Second)
	bob.conn.Close()

	env := alice.expect(t, FrameOpponentLeft, 2*time.Second)
	var ol OpponentLeftMessage
	require.NoError(t, json.Unmarshal(env.Data, &ol))
	assert.Equal(t, match, ol.Match)
}

func TestWsRejectsBinaryFrames(t *testing.T) {
	f := newApiFixture(t, newTestConfig())
	ticket, err := f.tickets.Issue("did:plc:solo", "m-solo")
	require.NoError(t, err)

	peer := dialPeer(t, f, ticket)
	require.NoError(t, peer.conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))

	env := peer.expect(t, FrameError, 2*time.Second)
	var em ErrorMessage
	require.NoError(t, json.Unmarshal(env.Data, &em))
	assert.Equal(t, ErrorCodeUnsupported, em.Code)
}
