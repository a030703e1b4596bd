// Copyright (C) 2024 right-sizer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package orchestrator

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceAccountTokenSource mints a DC/OS-IAM login token from an
// RS256-signed service-account assertion, and refreshes it shortly
// before it expires. It satisfies the orchestrator.TokenSource
// interface, letting a Gateway use it in place of HTTP basic auth.
type ServiceAccountTokenSource struct {
	accountID     string
	privateKey    *rsa.PrivateKey
	loginEndpoint string
	client        *http.Client

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

type loginAssertionClaims struct {
	UID string `json:"uid"`
	jwt.RegisteredClaims
}

type loginRequest struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// NewServiceAccountTokenSource loads an RSA private key from
// privateKeyPath (PEM, PKCS#1 or PKCS#8) and returns a token source
// that logs in to loginEndpoint as accountID on demand.
func NewServiceAccountTokenSource(accountID, privateKeyPath, loginEndpoint string, client *http.Client) (*ServiceAccountTokenSource, error) {
	pemBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read service-account private key: %w", err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service-account private key: %w", err)
	}

	return &ServiceAccountTokenSource{
		accountID:     accountID,
		privateKey:    key,
		loginEndpoint: loginEndpoint,
		client:        client,
	}, nil
}

// Token returns a cached login token, refreshing it if it is absent
// or within a minute of expiring.
func (s *ServiceAccountTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" && time.Now().Before(s.expiresAt.Add(-time.Minute)) {
		return s.cached, nil
	}

	assertion, err := s.signAssertion()
	if err != nil {
		return "", err
	}

	token, err := s.login(ctx, assertion)
	if err != nil {
		return "", err
	}

	s.cached = token
	s.expiresAt = time.Now().Add(5 * time.Minute)
	return token, nil
}

func (s *ServiceAccountTokenSource) signAssertion() (string, error) {
	now := time.Now()
	claims := loginAssertionClaims{
		UID: s.accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.privateKey)
}

func (s *ServiceAccountTokenSource) login(ctx context.Context, assertion string) (string, error) {
	body, err := json.Marshal(loginRequest{UID: s.accountID, Token: assertion})
	if err != nil {
		return "", fmt.Errorf("failed to marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.loginEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("service-account login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("service-account login returned status %d", resp.StatusCode)
	}

	var parsed loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	return parsed.Token, nil
}
