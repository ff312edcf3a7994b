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
	"crypto"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

// ErrInvalidTicket covers malformed, badly signed, and expired tickets.
var ErrInvalidTicket = errors.New("invalid ticket")

// TicketClaims binds a participant to a match for the ticket's validity
// window. Claim names follow the coordinator wire format: sub carries the
// participant DID, mid the match id.
type TicketClaims struct {
	ParticipantID string `json:"sub"`
	MatchID       string `json:"mid"`
	IssuedAt      int64  `json:"iat"`
	ExpiresAt     int64  `json:"exp"`
}

func (c *TicketClaims) Valid() error {
	if c.ParticipantID == "" || c.MatchID == "" {
		return ErrInvalidTicket
	}
	if time.Now().Unix() >= c.ExpiresAt {
		return errors.Wrap(ErrInvalidTicket, "ticket expired")
	}
	return nil
}

// TicketService mints and validates short-lived signed session tickets.
type TicketService struct {
	secret []byte
	expiry time.Duration
}

func NewTicketService(config Config) *TicketService {
	return &TicketService{
		secret: []byte(config.GetTicket().Secret),
		expiry: time.Duration(config.GetTicket().ExpiryMs) * time.Millisecond,
	}
}

// Issue signs a compact ticket for the given participant and match.
func (s *TicketService) Issue(participantID, matchID string) (string, error) {
	now := time.Now()
	claims := &TicketClaims{
		ParticipantID: participantID,
		MatchID:       matchID,
		IssuedAt:      now.Unix(),
		ExpiresAt:     now.Add(s.expiry).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify decodes a ticket and checks its signature and expiry.
func (s *TicketService) Verify(ticket string) (*TicketClaims, error) {
	claims := &TicketClaims{}
	token, err := jwt.ParseWithClaims(ticket, claims, func(token *jwt.Token) (interface{}, error) {
		if m, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || m.Hash != crypto.SHA256 {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, errors.Wrap(ErrInvalidTicket, err.Error())
	}
	if !token.Valid {
		return nil, ErrInvalidTicket
	}
	return claims, nil
}
