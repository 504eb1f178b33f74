// Copyright 2025 The flowd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshworks/flowd/pkg/errors"
)

// tokenTTL bounds how long a session token stays valid for resume. It is
// deliberately much longer than the disconnect grace: the registry, not the
// token, decides whether a session is still resumable.
const tokenTTL = 24 * time.Hour

// TokenClaims are the session-token claims handed to workers on
// session.accept and verified on control.resume.
type TokenClaims struct {
	WorkerInstanceID string `json:"wid"`
	Tenant           string `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HMAC-signed session tokens.
type TokenIssuer struct {
	key []byte
	now func() time.Time
}

// NewTokenIssuer creates an issuer for the given signing key.
func NewTokenIssuer(key []byte, clock func() time.Time) *TokenIssuer {
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{key: key, now: clock}
}

// Mint issues a token binding the session id to its worker instance.
func (t *TokenIssuer) Mint(sessionID, workerInstanceID, tenant string) (string, error) {
	now := t.now().UTC()
	claims := TokenClaims{
		WorkerInstanceID: workerInstanceID,
		Tenant:           tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			Issuer:    "flowd",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", errors.Wrap(err, "signing session token")
	}
	return signed, nil
}

// Verify parses a token and checks it against the expected session id.
func (t *TokenIssuer) Verify(token, sessionID string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now), jwt.WithIssuer("flowd"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing session token")
	}
	if !parsed.Valid || claims.Subject != sessionID {
		return nil, errors.New("session token does not match session")
	}
	return claims, nil
}
