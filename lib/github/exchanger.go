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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/forgeguard/forgeguard/lib/clock"
	"github.com/forgeguard/forgeguard/lib/netutil"
	"github.com/forgeguard/forgeguard/refresher"
)

// AppExchanger mints GitHub App installation tokens: it signs a
// short-lived RS256 JWT with the App's private key and exchanges it at
// the installation access-token endpoint. It implements
// refresher.Exchanger, so all caching, rotation scheduling, and
// fail-closed accounting stay in the refresher — every Exchange call
// performs a real exchange.
type AppExchanger struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	baseURL        string
	httpClient     *http.Client
	clock          clock.Clock
}

// AppConfig holds the parameters for creating an AppExchanger.
type AppConfig struct {
	// AppID is the GitHub App's numeric ID. Required.
	AppID int64

	// InstallationID is the installation's numeric ID. Required.
	InstallationID int64

	// PrivateKeyPEM is the PEM-encoded RSA private key for the App.
	// Required. GitHub issues PKCS#1 keys; PKCS#8 is accepted too.
	PrivateKeyPEM []byte

	// BaseURL defaults to "https://api.github.com". Must use HTTPS.
	BaseURL string

	// HTTPClient is used for the exchange request. A client without
	// its own timeout gets Timeout applied.
	HTTPClient *http.Client

	// Timeout bounds each exchange request. Defaults to 30s.
	Timeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock
}

// NewAppExchanger creates an AppExchanger. Returns an error if the
// private key does not parse or required fields are missing.
func NewAppExchanger(config AppConfig) (*AppExchanger, error) {
	if config.AppID == 0 {
		return nil, fmt.Errorf("github: AppID is required")
	}
	if config.InstallationID == 0 {
		return nil, fmt.Errorf("github: InstallationID is required")
	}

	block, _ := pem.Decode(config.PrivateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("github: no PEM block in private key")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// GitHub documents PKCS#1 but some key tools produce PKCS#8.
		keyInterface, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if pkcs8Err != nil {
			return nil, fmt.Errorf("github: parsing private key: %w (also tried PKCS8: %v)", err, pkcs8Err)
		}
		var ok bool
		privateKey, ok = keyInterface.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("github: private key is not RSA")
		}
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: token exchange requires HTTPS (got %q)", baseURL)
	}

	httpClient := boundedHTTPClient(config.HTTPClient, config.Timeout)
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &AppExchanger{
		appID:          config.AppID,
		installationID: config.InstallationID,
		privateKey:     privateKey,
		baseURL:        baseURL,
		httpClient:     httpClient,
		clock:          clk,
	}, nil
}

// Exchange signs a fresh JWT and trades it for an installation token.
func (exchanger *AppExchanger) Exchange(ctx context.Context) (*refresher.Credential, error) {
	jwt, err := exchanger.signJWT()
	if err != nil {
		return nil, fmt.Errorf("github: signing App JWT: %w", err)
	}

	url := exchanger.baseURL + "/app/installations/" + strconv.FormatInt(exchanger.installationID, 10) + "/access_tokens"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("github: creating token exchange request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+jwt)
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", apiVersion)

	response, err := exchanger.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("github: token exchange request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusCreated {
		body := netutil.ErrorBody(response.Body)
		return nil, fmt.Errorf("github: token exchange returned HTTP %d: %s", response.StatusCode, body)
	}

	var result struct {
		Token       string            `json:"token"`
		ExpiresAt   time.Time         `json:"expires_at"`
		Permissions map[string]string `json:"permissions"`
	}
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("github: decoding token exchange response: %w", err)
	}
	if result.Token == "" {
		return nil, fmt.Errorf("github: token exchange returned empty token")
	}

	return refresher.NewCredential(
		[]byte(result.Token),
		exchanger.clock.Now(),
		result.ExpiresAt,
		describePermissions(result.Permissions),
	)
}

// signJWT creates the RS256-signed App JWT used solely for the token
// exchange. Ten-minute expiry, issued-at backdated 60 seconds for
// clock skew. Stdlib crypto covers this fixed header and claim set; a
// JWT library would add nothing.
func (exchanger *AppExchanger) signJWT() (string, error) {
	now := exchanger.clock.Now()

	header := base64URLEncode([]byte(`{"alg":"RS256","typ":"JWT"}`))

	claims := struct {
		IssuedAt  int64  `json:"iat"`
		ExpiresAt int64  `json:"exp"`
		Issuer    string `json:"iss"`
	}{
		IssuedAt:  now.Add(-60 * time.Second).Unix(),
		ExpiresAt: now.Add(10 * time.Minute).Unix(),
		Issuer:    strconv.FormatInt(exchanger.appID, 10),
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshaling claims: %w", err)
	}
	payload := base64URLEncode(claimsJSON)

	signingInput := header + "." + payload
	hash := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, exchanger.privateKey, crypto.SHA256, hash[:])
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}

	return signingInput + "." + base64URLEncode(signature), nil
}

// describePermissions renders the permission map as a stable scope
// string, e.g. "contents:write,pull_requests:write".
func describePermissions(permissions map[string]string) string {
	if len(permissions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(permissions))
	for name, level := range permissions {
		parts = append(parts, name+":"+level)
	}
	// Map order is random; sort for a stable audit field.
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// base64URLEncode encodes data as unpadded base64url, per RFC 7515.
func base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
