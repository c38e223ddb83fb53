// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"strings"
)

// Identities maps the many textual forms of the agent's platform
// account to one canonical bot identity. GitHub renders the same App
// actor as "forge-agent", "forge-agent[bot]", "app/forge-agent", or
// with different casing depending on the API surface; ownership
// comparisons must treat all of them as the same principal.
type Identities struct {
	canonical string
	aliases   map[string]struct{} // normalized forms, canonical included
}

// NewIdentities builds the identity table. The canonical name is
// required; aliases are additional accepted spellings. All entries are
// stored in normalized form.
func NewIdentities(canonical string, aliases []string) (*Identities, error) {
	normalized := normalizeActor(canonical)
	if normalized == "" {
		return nil, fmt.Errorf("policy: canonical bot identity is required")
	}

	table := &Identities{
		canonical: normalized,
		aliases:   map[string]struct{}{normalized: {}},
	}
	for _, alias := range aliases {
		form := normalizeActor(alias)
		if form == "" {
			return nil, fmt.Errorf("policy: empty bot identity alias")
		}
		table.aliases[form] = struct{}{}
	}
	return table, nil
}

// Canonical returns the canonical bot identity.
func (t *Identities) Canonical() string {
	return t.canonical
}

// Normalize maps an actor string to its canonical form: the canonical
// bot identity when the actor is a recognized alias, otherwise the
// actor's own normalized spelling.
func (t *Identities) Normalize(actor string) string {
	form := normalizeActor(actor)
	if _, ok := t.aliases[form]; ok {
		return t.canonical
	}
	return form
}

// IsBot reports whether actor is a recognized spelling of the bot
// identity.
func (t *Identities) IsBot(actor string) bool {
	_, ok := t.aliases[normalizeActor(actor)]
	return ok
}

// normalizeActor folds the platform's actor spellings to a comparable
// form: lowercase, trimmed, without the "[bot]" suffix or "app/"
// prefix GitHub attaches to App identities.
func normalizeActor(actor string) string {
	form := strings.ToLower(strings.TrimSpace(actor))
	form = strings.TrimPrefix(form, "apps/")
	form = strings.TrimPrefix(form, "app/")
	form = strings.TrimSuffix(form, "[bot]")
	return form
}
