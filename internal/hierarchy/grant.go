// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy

import "strings"

// Grant is one resolved permission entry: a permission name plus
// whether it is granted or denied. Stored entries carry denial as a
// leading '-' on the name; Grant is the parsed in-memory form.
type Grant struct {
	Name    string
	Allowed bool
}

// ParseToken parses a stored permission token. A leading '-' marks a
// denial; anything else is a grant. Names are lowercased so lookups in
// permission maps stay case insensitive.
func ParseToken(token string) Grant {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "-") {
		return Grant{Name: strings.ToLower(token[1:]), Allowed: false}
	}
	return Grant{Name: strings.ToLower(token), Allowed: true}
}

// Token renders the grant back into its stored form.
func (g Grant) Token() string {
	if g.Allowed {
		return g.Name
	}
	return "-" + g.Name
}
