// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

// Package egress is the transport-layer network filter: an HTTP proxy
// that admits outbound connections only to an allow-listed set of
// destinations. It runs as its own process and shares nothing with
// the gateway — a destination the gateway would happily push to is
// still unreachable unless it is on the list here.
package egress

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// Allowlist decides which host:port destinations the proxy may dial.
type Allowlist struct {
	entries []entry
}

type entry struct {
	host     string // lowercase; "*." prefix matches subdomains
	port     int    // 0 means any port
	wildcard bool
}

// allowlistFile is the JSONC document format. The file is ops-edited,
// hence JSONC: comments explaining why a destination is listed are
// part of the point.
type allowlistFile struct {
	Allow []string `json:"allow"`
}

// LoadAllowlist reads a JSONC allow-list file. Entries are
// "host", "host:port", or "host:*"; a bare host implies port 443.
// A leading "*." matches any subdomain but not the apex.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("egress: reading allow-list: %w", err)
	}
	return ParseAllowlist(data)
}

// ParseAllowlist parses JSONC allow-list content.
func ParseAllowlist(data []byte) (*Allowlist, error) {
	var file allowlistFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, fmt.Errorf("egress: parsing allow-list: %w", err)
	}
	if len(file.Allow) == 0 {
		return nil, fmt.Errorf("egress: allow-list is empty; an empty filter blocks everything, state that with an explicit entry")
	}

	list := &Allowlist{entries: make([]entry, 0, len(file.Allow))}
	for _, raw := range file.Allow {
		parsed, err := parseEntry(raw)
		if err != nil {
			return nil, err
		}
		list.entries = append(list.entries, parsed)
	}
	return list, nil
}

func parseEntry(raw string) (entry, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return entry{}, fmt.Errorf("egress: empty allow-list entry")
	}

	host := value
	port := 443
	if index := strings.LastIndex(value, ":"); index >= 0 {
		host = value[:index]
		portPart := value[index+1:]
		if portPart == "*" {
			port = 0
		} else {
			parsed, err := strconv.Atoi(portPart)
			if err != nil || parsed < 1 || parsed > 65535 {
				return entry{}, fmt.Errorf("egress: invalid port in allow-list entry %q", raw)
			}
			port = parsed
		}
	}
	if host == "" || host == "*" || host == "*." {
		return entry{}, fmt.Errorf("egress: allow-list entry %q is too broad", raw)
	}

	wildcard := strings.HasPrefix(host, "*.")
	if wildcard {
		host = host[1:] // keep the leading dot for suffix matching
	}
	return entry{host: host, port: port, wildcard: wildcard}, nil
}

// Allows reports whether host:port may be dialed.
func (list *Allowlist) Allows(host string, port int) bool {
	host = strings.ToLower(host)
	for _, candidate := range list.entries {
		if candidate.port != 0 && candidate.port != port {
			continue
		}
		if candidate.wildcard {
			if strings.HasSuffix(host, candidate.host) && len(host) > len(candidate.host) {
				return true
			}
			continue
		}
		if host == candidate.host {
			return true
		}
	}
	return false
}
