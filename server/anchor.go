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
	"time"

	"go.uber.org/zap"
)

// RoundAnchor is the payload posted to the external anchor writer at round
// boundaries. The anchor fields are opaque stubs until a real randomness
// beacon is wired in.
type RoundAnchor struct {
	Tournament  string `json:"tid"`
	Round       int    `json:"round"`
	AliveRoot   string `json:"aliveRoot"`
	PairingSeed string `json:"pairingSeed"`
	MerkleRoot  string `json:"merkleRoot"`
	PostedAt    string `json:"postedAt"`
}

// AnchorClient posts round anchors to an external writer on a best-effort
// basis. Failures are logged and swallowed; callers never wait on it.
type AnchorClient struct {
	logger *zap.Logger
	url    string
	client *http.Client
}

func NewAnchorClient(logger *zap.Logger, config Config) *AnchorClient {
	return &AnchorClient{
		logger: logger,
		url:    config.GetAnchor().URL,
		client: &http.Client{
			Timeout: time.Duration(config.GetAnchor().TimeoutMs) * time.Millisecond,
		},
	}
}

// PostRoundAnchor fires a round boundary notification in the background.
// It returns immediately.
func (a *AnchorClient) PostRoundAnchor(tournament string, round int) {
	if a.url == "" {
		return
	}

	anchor := &RoundAnchor{
		Tournament:  tournament,
		Round:       round,
		AliveRoot:   "0x00",
		PairingSeed: "0x00",
		MerkleRoot:  "0x00",
		PostedAt:    time.Now().UTC().Format(time.RFC3339),
	}

	go func() {
		payload, err := json.Marshal(anchor)
		if err != nil {
			a.logger.Warn("Could not marshal round anchor", zap.Error(err))
			return
		}
		resp, err := a.client.Post(a.url+"/round_anchor", "application/json", bytes.NewReader(payload))
		if err != nil {
			a.logger.Warn("Could not post round anchor", zap.String("tid", tournament), zap.Int("round", round), zap.Error(err))
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			a.logger.Warn("Round anchor rejected", zap.String("tid", tournament), zap.Int("round", round), zap.Int("status", resp.StatusCode))
		}
	}()
}
