// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/forgeguard/forgeguard/lib/codec"
	"github.com/forgeguard/forgeguard/lib/secret"
)

// Credential names the gateway looks up. Sources use these keys
// verbatim (env sources after FORGEGUARD_ prefixing).
const (
	// CredentialGatewaySecret is the pre-shared secret agents present
	// as a bearer token. Required.
	CredentialGatewaySecret = "GATEWAY_SECRET"

	// CredentialGitHubToken is a personal access token, for
	// development mode. Mutually exclusive with the App credentials.
	CredentialGitHubToken = "GITHUB_TOKEN"

	// CredentialAppID, CredentialAppInstallationID, and
	// CredentialAppPrivateKey configure GitHub App authentication,
	// the production mode.
	CredentialAppID             = "GITHUB_APP_ID"
	CredentialAppInstallationID = "GITHUB_APP_INSTALLATION_ID"
	CredentialAppPrivateKey     = "GITHUB_APP_PRIVATE_KEY"
)

// CredentialSource provides named credentials.
//
// Get returns a borrowed *secret.Buffer — the source retains ownership
// and the caller must NOT close it. Returns nil when the credential is
// not found. Close releases all buffers held by the source; consumers
// borrow references and must not call it.
type CredentialSource interface {
	Get(name string) *secret.Buffer
	Close() error
}

// EnvCredentialSource reads credentials from FORGEGUARD_-prefixed
// environment variables. Development convenience: environment
// variables are visible in /proc/<pid>/environ to the same UID, which
// is why production delivery uses the stdin pipe instead. Values are
// cached in mmap-backed buffers on first access.
type EnvCredentialSource struct {
	mu    sync.Mutex
	cache map[string]*secret.Buffer
}

// Get retrieves a credential from the environment.
func (s *EnvCredentialSource) Get(name string) *secret.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buffer, ok := s.cache[name]; ok {
		return buffer
	}

	value := os.Getenv("FORGEGUARD_" + name)
	if value == "" {
		return nil
	}

	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		return nil
	}
	if s.cache == nil {
		s.cache = make(map[string]*secret.Buffer)
	}
	s.cache[name] = buffer
	return buffer
}

// Close releases all cached credential buffers.
func (s *EnvCredentialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, buffer := range s.cache {
		buffer.Close()
		delete(s.cache, name)
	}
	return nil
}

// FileCredentialSource reads credentials from a key=value file. Lines
// starting with # are comments; empty lines are ignored. Loaded lazily
// on first Get. Close must not race with Get.
type FileCredentialSource struct {
	// Path is the credentials file.
	Path string

	once        sync.Once
	credentials map[string]*secret.Buffer
}

// Get retrieves a credential from the file.
func (s *FileCredentialSource) Get(name string) *secret.Buffer {
	s.once.Do(s.load)
	return s.credentials[name]
}

// Close releases all credential buffers.
func (s *FileCredentialSource) Close() error {
	for key, buffer := range s.credentials {
		buffer.Close()
		delete(s.credentials, key)
	}
	return nil
}

func (s *FileCredentialSource) load() {
	s.credentials = make(map[string]*secret.Buffer)
	if s.Path == "" {
		return
	}

	file, err := os.Open(s.Path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20) // App keys exceed the default line limit
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if index := strings.Index(line, "="); index > 0 {
			key := strings.TrimSpace(line[:index])
			value := strings.TrimSpace(line[index+1:])
			buffer, err := secret.NewFromBytes([]byte(value))
			if err != nil {
				continue
			}
			// Multi-line PEM values use \n escapes in the file.
			if strings.Contains(buffer.String(), "\\n") {
				replaced, err := secret.NewFromBytes([]byte(strings.ReplaceAll(buffer.String(), "\\n", "\n")))
				buffer.Close()
				if err != nil {
					continue
				}
				buffer = replaced
			}
			s.credentials[key] = buffer
		}
	}
}

// SystemdCredentialSource reads credentials from systemd's credential
// directory ($CREDENTIALS_DIRECTORY). See systemd.io/CREDENTIALS.
type SystemdCredentialSource struct {
	// Directory defaults to $CREDENTIALS_DIRECTORY.
	Directory string

	mu    sync.Mutex
	cache map[string]*secret.Buffer
}

// Get retrieves a credential file from the directory.
func (s *SystemdCredentialSource) Get(name string) *secret.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buffer, ok := s.cache[name]; ok {
		return buffer
	}

	directory := s.Directory
	if directory == "" {
		directory = os.Getenv("CREDENTIALS_DIRECTORY")
	}
	if directory == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(directory, name))
	if err != nil {
		return nil
	}

	// Credential files commonly end with a newline — strip whitespace
	// before moving into protected memory.
	trimmed := []byte(strings.TrimSpace(string(data)))
	secret.Zero(data)
	if len(trimmed) == 0 {
		return nil
	}

	buffer, err := secret.NewFromBytes(trimmed)
	if err != nil {
		return nil
	}
	if s.cache == nil {
		s.cache = make(map[string]*secret.Buffer)
	}
	s.cache[name] = buffer
	return buffer
}

// Close releases all cached credential buffers.
func (s *SystemdCredentialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, buffer := range s.cache {
		buffer.Close()
		delete(s.cache, name)
	}
	return nil
}

// MapCredentialSource serves credentials from a fixed map. Used in
// tests and by the launcher when it already holds parsed values.
type MapCredentialSource struct {
	credentials map[string]*secret.Buffer
}

// NewMapCredentialSource copies string values into protected buffers.
func NewMapCredentialSource(values map[string]string) (*MapCredentialSource, error) {
	credentials := make(map[string]*secret.Buffer, len(values))
	for key, value := range values {
		buffer, err := secret.NewFromBytes([]byte(value))
		if err != nil {
			for _, existing := range credentials {
				existing.Close()
			}
			return nil, fmt.Errorf("gateway: creating credential buffer for %q: %w", key, err)
		}
		credentials[key] = buffer
	}
	return &MapCredentialSource{credentials: credentials}, nil
}

// Get retrieves a credential from the map.
func (s *MapCredentialSource) Get(name string) *secret.Buffer {
	return s.credentials[name]
}

// Close releases all credential buffers.
func (s *MapCredentialSource) Close() error {
	for key, buffer := range s.credentials {
		buffer.Close()
		delete(s.credentials, key)
	}
	return nil
}

// ChainCredentialSource tries sources in order, returning the first
// hit. The production chain is pipe, systemd, file, env.
type ChainCredentialSource struct {
	Sources []CredentialSource
}

// Get tries each source in order.
func (s *ChainCredentialSource) Get(name string) *secret.Buffer {
	for _, source := range s.Sources {
		if value := source.Get(name); value != nil {
			return value
		}
	}
	return nil
}

// Close closes all child sources.
func (s *ChainCredentialSource) Close() error {
	for _, source := range s.Sources {
		source.Close()
	}
	return nil
}

// CredentialPayload is the CBOR document the launcher pipes to the
// gateway's stdin: the production delivery path, leaving no trace in
// the environment, argv, or filesystem. GatewaySecret is required;
// exactly one of Token or the three App fields must be set.
type CredentialPayload struct {
	GatewaySecret     string `cbor:"gateway_secret"`
	Token             string `cbor:"token,omitempty"`
	AppID             int64  `cbor:"app_id,omitempty"`
	AppInstallationID int64  `cbor:"app_installation_id,omitempty"`
	AppPrivateKey     string `cbor:"app_private_key,omitempty"`
}

// PipeCredentialSource holds credentials parsed from a piped
// CredentialPayload.
type PipeCredentialSource struct {
	credentials map[string]*secret.Buffer
}

// ReadPipeCredentials reads one CBOR CredentialPayload from reader
// (typically stdin, read to completion) and wraps each field in a
// protected buffer. The raw read buffer is zeroed before returning.
func ReadPipeCredentials(reader io.Reader) (*PipeCredentialSource, error) {
	rawBuffer, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gateway: reading credential payload: %w", err)
	}
	defer secret.Zero(rawBuffer)

	if len(rawBuffer) == 0 {
		return nil, fmt.Errorf("gateway: credential payload is empty")
	}

	var payload CredentialPayload
	if err := codec.Unmarshal(rawBuffer, &payload); err != nil {
		return nil, fmt.Errorf("gateway: parsing credential payload: %w", err)
	}

	if payload.GatewaySecret == "" {
		return nil, fmt.Errorf("gateway: credential payload missing gateway_secret")
	}
	hasToken := payload.Token != ""
	hasApp := payload.AppID != 0 || payload.AppInstallationID != 0 || payload.AppPrivateKey != ""
	if hasToken && hasApp {
		return nil, fmt.Errorf("gateway: credential payload sets both token and App credentials")
	}
	if !hasToken && !hasApp {
		return nil, fmt.Errorf("gateway: credential payload has no platform credential")
	}
	if hasApp && (payload.AppID == 0 || payload.AppInstallationID == 0 || payload.AppPrivateKey == "") {
		return nil, fmt.Errorf("gateway: credential payload has incomplete App credentials")
	}

	credentials := make(map[string]*secret.Buffer, 5)
	store := func(key, value string) error {
		if value == "" {
			return nil
		}
		buffer, err := secret.NewFromBytes([]byte(value))
		if err != nil {
			for _, existing := range credentials {
				existing.Close()
			}
			return fmt.Errorf("gateway: creating credential buffer for %q: %w", key, err)
		}
		credentials[key] = buffer
		return nil
	}

	if err := store(CredentialGatewaySecret, payload.GatewaySecret); err != nil {
		return nil, err
	}
	if err := store(CredentialGitHubToken, payload.Token); err != nil {
		return nil, err
	}
	if hasApp {
		if err := store(CredentialAppID, fmt.Sprintf("%d", payload.AppID)); err != nil {
			return nil, err
		}
		if err := store(CredentialAppInstallationID, fmt.Sprintf("%d", payload.AppInstallationID)); err != nil {
			return nil, err
		}
		if err := store(CredentialAppPrivateKey, payload.AppPrivateKey); err != nil {
			return nil, err
		}
	}

	return &PipeCredentialSource{credentials: credentials}, nil
}

// Get retrieves a credential by exact name.
func (s *PipeCredentialSource) Get(name string) *secret.Buffer {
	return s.credentials[name]
}

// Close releases all credential buffers.
func (s *PipeCredentialSource) Close() error {
	for key, buffer := range s.credentials {
		buffer.Close()
		delete(s.credentials, key)
	}
	return nil
}

var (
	_ CredentialSource = (*EnvCredentialSource)(nil)
	_ CredentialSource = (*FileCredentialSource)(nil)
	_ CredentialSource = (*SystemdCredentialSource)(nil)
	_ CredentialSource = (*MapCredentialSource)(nil)
	_ CredentialSource = (*ChainCredentialSource)(nil)
	_ CredentialSource = (*PipeCredentialSource)(nil)
)
