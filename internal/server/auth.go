// Copyright 2026 Forgeline Labs
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

package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Auth mode names accepted by NewAuthenticator.
const (
	AuthNone  = "none"
	AuthToken = "token"
	AuthJWT   = "jwt"
)

// Authenticator checks a request's credentials. Implementations must be
// safe for concurrent use.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// NewAuthenticator builds the authenticator for the given mode. Mode
// none returns nil, meaning no authentication.
func NewAuthenticator(mode, token, jwtSecret string) (Authenticator, error) {
	switch mode {
	case AuthNone, "":
		return nil, nil
	case AuthToken:
		if token == "" {
			return nil, fmt.Errorf("token auth requires a token")
		}
		return &tokenAuthenticator{token: token}, nil
	case AuthJWT:
		if jwtSecret == "" {
			return nil, fmt.Errorf("jwt auth requires a secret")
		}
		return &jwtAuthenticator{secret: []byte(jwtSecret)}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

// bearerToken extracts the token from an Authorization header.
// The Bearer scheme is matched case-insensitively per RFC 6750.
func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", fmt.Errorf("expected 'Bearer <token>'")
	}
	token := strings.TrimSpace(auth[len(prefix):])
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

// tokenAuthenticator compares a static bearer token in constant time.
type tokenAuthenticator struct {
	token string
}

func (a *tokenAuthenticator) Authenticate(r *http.Request) error {
	token, err := bearerToken(r)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
		return fmt.Errorf("invalid bearer token")
	}
	return nil
}

// jwtAuthenticator validates HS256-signed bearer tokens.
type jwtAuthenticator struct {
	secret []byte
}

func (a *jwtAuthenticator) Authenticate(r *http.Request) error {
	raw, err := bearerToken(r)
	if err != nil {
		return err
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.Parse(raw, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("token is invalid")
	}
	return nil
}
