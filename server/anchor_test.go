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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchorPostsRoundBoundary(t *testing.T) {
	received := make(chan *RoundAnchor, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/round_anchor", r.URL.Path)
		anchor := &RoundAnchor{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(anchor))
		received <- anchor
	}))
	defer srv.Close()

	cfg := newTestConfig()
	cfg.Anchor.URL = srv.URL
	client := NewAnchorClient(loggerForTest(t), cfg)

	client.PostRoundAnchor("t1", 3)

	select {
	case anchor := <-received:
		assert.Equal(t, "t1", anchor.Tournament)
		assert.Equal(t, 3, anchor.Round)
		assert.NotEmpty(t, anchor.PostedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("anchor writer was never called")
	}
}

func TestAnchorDisabledWithoutURL(t *testing.T) {
	client := NewAnchorClient(loggerForTest(t), newTestConfig())
	// Must return without attempting any network activity.
	client.PostRoundAnchor("t1", 1)
}

func TestAnchorSwallowsWriterErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := newTestConfig()
	cfg.Anchor.URL = srv.URL
	client := NewAnchorClient(loggerForTest(t), cfg)

	// Neither the error response nor an unreachable writer may surface.
	client.PostRoundAnchor("t1", 1)
	srv.Close()
	client.PostRoundAnchor("t1", 2)
	time.Sleep(50 * time.Millisecond)
}
