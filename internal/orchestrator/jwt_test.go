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

package orchestrator_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"marathon-autoscaler/internal/orchestrator"
)

func writeTestPrivateKey(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}

	path := filepath.Join(t.TempDir(), "service-account.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestServiceAccountTokenSourceLogsInAndCaches(t *testing.T) {
	keyPath := writeTestPrivateKey(t)

	loginCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loginCalls++
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "login-token-1"})
	}))
	defer server.Close()

	src, err := orchestrator.NewServiceAccountTokenSource("autoscaler", keyPath, server.URL, server.Client())
	require.NoError(t, err)

	token, err := src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "login-token-1", token)

	// second call within the cache window must not hit the login endpoint again
	token2, err := src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "login-token-1", token2)
	require.Equal(t, 1, loginCalls)
}

func TestServiceAccountTokenSourceRejectsBadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := orchestrator.NewServiceAccountTokenSource("autoscaler", path, "http://unused.invalid", http.DefaultClient)
	require.Error(t, err)
}
