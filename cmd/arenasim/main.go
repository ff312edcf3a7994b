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

// Command arenasim drives two scripted participants through a full match
// against a running arena server: queue, connect, reveal every turn, and
// report the outcome. Useful for manual end-to-end verification.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/duelgrid/arena/server"
)

type assignInfo struct {
	Status string                 `json:"status"`
	Match  string                 `json:"match"`
	Role   string                 `json:"role"`
	Peer   *server.PeerDescriptor `json:"peer"`
	Ticket string                 `json:"ticket"`
}

func main() {
	coord := flag.String("coord", "http://127.0.0.1:8080", "coordinator base URL")
	tournament := flag.String("tournament", "sim", "tournament id to queue under")
	moves := flag.String("moves", "", "comma-free move script per player, e.g. RRPSS; empty plays randomly")
	flag.Parse()

	logger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel)

	var wg sync.WaitGroup
	for _, name := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := runPlayer(logger.With(zap.String("player", name)), *coord, *tournament, name, *moves); err != nil {
				logger.Error("Player failed", zap.String("player", name), zap.Error(err))
			}
		}(name)
	}
	wg.Wait()
}

func runPlayer(logger *zap.Logger, coord, tournament, name, script string) error {
	httpc := &http.Client{Timeout: 5 * time.Second}
	did := "did:plc:" + name

	assign, err := queueUntilAssigned(httpc, coord, tournament, did, name)
	if err != nil {
		return err
	}
	logger.Info("Assigned", zap.String("mid", assign.Match), zap.String("role", assign.Role))

	wsURL := "ws" + coord[len("http"):] + "/ws?ticket=" + url.QueryEscape(assign.Ticket)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("ws connect failed: %w", err)
	}
	defer conn.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		conn.SetReadDeadline(time.Now().Add(45 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read failed: %w", err)
		}

		var env server.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("Unparseable frame", zap.String("data", string(data)))
			continue
		}

		switch env.Type {
		case server.FrameTurnStart:
			var ts server.TurnStartMessage
			if err := json.Unmarshal(env.Data, &ts); err != nil {
				return err
			}
			move := pickMove(rng, script, ts.Turn)
			logger.Info("Revealing", zap.Int("turn", ts.Turn), zap.String("move", string(move)))
			reveal := server.NewEnvelope(server.FrameReveal, &server.RevealMessage{
				Match: assign.Match,
				Turn:  ts.Turn,
				Move:  move,
				Nonce: fmt.Sprintf("n-%v-%v", name, ts.Turn),
			})
			payload, _ := json.Marshal(reveal)
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return fmt.Errorf("ws write failed: %w", err)
			}

		case server.FrameTurnResult:
			var tr server.TurnResultMessage
			if err := json.Unmarshal(env.Data, &tr); err != nil {
				return err
			}
			logger.Info("Turn resolved", zap.Int("turn", tr.Turn), zap.String("result", tr.Result),
				zap.String("p1_move", string(tr.P1Move)), zap.String("p2_move", string(tr.P2Move)), zap.Bool("ai", tr.Ai))

		case server.FrameMatchResult:
			var mr server.MatchResultMessage
			if err := json.Unmarshal(env.Data, &mr); err != nil {
				return err
			}
			logger.Info("Match finished", zap.String("winner", mr.Winner))
			return nil

		case server.FrameOpponentLeft:
			logger.Warn("Opponent left")
			return nil

		case server.FrameError:
			var em server.ErrorMessage
			json.Unmarshal(env.Data, &em)
			if em.Code != server.ErrorCodeOK {
				logger.Warn("Server error", zap.String("code", em.Code), zap.String("msg", em.Msg))
			}
		}
	}
}

func queueUntilAssigned(httpc *http.Client, coord, tournament, did, handle string) (*assignInfo, error) {
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		body, _ := json.Marshal(map[string]interface{}{
			"tournament":  tournament,
			"participant": did,
			"handle":      handle,
		})
		resp, err := httpc.Post(coord+"/queue_ready", "application/json", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("queue_ready request failed: %w", err)
		}
		var assign assignInfo
		err = json.NewDecoder(resp.Body).Decode(&assign)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("queue_ready decode failed: %w", err)
		}
		if assign.Status == "ASSIGN" {
			return &assign, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil, fmt.Errorf("queue timeout for %v", did)
}

func pickMove(rng *rand.Rand, script string, turn int) server.Move {
	if script != "" {
		i := (turn - 1) % len(script)
		if m := server.Move(script[i : i+1]); m.Valid() {
			return m
		}
	}
	return server.Moves[rng.Intn(3)]
}
