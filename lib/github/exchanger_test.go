// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/forgeguard/forgeguard/lib/clock"
)

func testPrivateKeyPEM(t *testing.T) ([]byte, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return pemBytes, &key.PublicKey
}

func TestAppExchanger(t *testing.T) {
	keyPEM, publicKey := testPrivateKeyPEM(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	expiry := start.Add(time.Hour)

	var receivedJWT string
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/app/installations/5005/access_tokens" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		if request.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", request.Method)
		}
		receivedJWT = strings.TrimPrefix(request.Header.Get("Authorization"), "Bearer ")
		writer.WriteHeader(http.StatusCreated)
		json.NewEncoder(writer).Encode(map[string]any{
			"token":      "ghs_installation_token",
			"expires_at": expiry,
			"permissions": map[string]string{
				"pull_requests": "write",
				"contents":      "write",
			},
		})
	}))
	defer server.Close()

	exchanger, err := NewAppExchanger(AppConfig{
		AppID:          12345,
		InstallationID: 5005,
		PrivateKeyPEM:  keyPEM,
		BaseURL:        server.URL,
		HTTPClient:     server.Client(),
		Clock:          clk,
	})
	if err != nil {
		t.Fatalf("NewAppExchanger: %v", err)
	}

	credential, err := exchanger.Exchange(context.Background())
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	defer credential.Close()

	if got := credential.Value(); got != "ghs_installation_token" {
		t.Errorf("Value() = %q", got)
	}
	if !credential.ExpiresAt.Equal(expiry) {
		t.Errorf("ExpiresAt = %v, want %v", credential.ExpiresAt, expiry)
	}
	if credential.Scope != "contents:write,pull_requests:write" {
		t.Errorf("Scope = %q", credential.Scope)
	}

	// Verify the exchange JWT: three segments, valid RS256 signature,
	// issuer is the App ID, expiry ten minutes out.
	segments := strings.Split(receivedJWT, ".")
	if len(segments) != 3 {
		t.Fatalf("JWT has %d segments, want 3", len(segments))
	}

	signingInput := segments[0] + "." + segments[1]
	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		t.Fatalf("decoding signature: %v", err)
	}
	hash := sha256.Sum256([]byte(signingInput))
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, hash[:], signature); err != nil {
		t.Fatalf("signature verification: %v", err)
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		t.Fatalf("decoding claims: %v", err)
	}
	var claims struct {
		IssuedAt  int64  `json:"iat"`
		ExpiresAt int64  `json:"exp"`
		Issuer    string `json:"iss"`
	}
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		t.Fatalf("unmarshaling claims: %v", err)
	}
	if claims.Issuer != "12345" {
		t.Errorf("iss = %q, want %q", claims.Issuer, "12345")
	}
	if claims.IssuedAt != start.Add(-60*time.Second).Unix() {
		t.Errorf("iat = %d, want backdated 60s", claims.IssuedAt)
	}
	if claims.ExpiresAt != start.Add(10*time.Minute).Unix() {
		t.Errorf("exp = %d, want 10m out", claims.ExpiresAt)
	}
}

func TestAppExchangerRejectsExchangeFailure(t *testing.T) {
	keyPEM, _ := testPrivateKeyPEM(t)
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(writer, `{"message":"Integration not found"}`)
	}))
	defer server.Close()

	exchanger, err := NewAppExchanger(AppConfig{
		AppID:          12345,
		InstallationID: 5005,
		PrivateKeyPEM:  keyPEM,
		BaseURL:        server.URL,
		HTTPClient:     server.Client(),
	})
	if err != nil {
		t.Fatalf("NewAppExchanger: %v", err)
	}

	if _, err := exchanger.Exchange(context.Background()); err == nil {
		t.Fatal("expected error from failed exchange")
	}
}

func TestNewAppExchangerValidation(t *testing.T) {
	keyPEM, _ := testPrivateKeyPEM(t)
	tests := []struct {
		name   string
		config AppConfig
	}{
		{"missing app ID", AppConfig{InstallationID: 1, PrivateKeyPEM: keyPEM}},
		{"missing installation ID", AppConfig{AppID: 1, PrivateKeyPEM: keyPEM}},
		{"garbage key", AppConfig{AppID: 1, InstallationID: 1, PrivateKeyPEM: []byte("not a key")}},
		{"http base URL", AppConfig{AppID: 1, InstallationID: 1, PrivateKeyPEM: keyPEM, BaseURL: "http://api.github.com"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewAppExchanger(test.config); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
