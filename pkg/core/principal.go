// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package core

// Principal is the verified identity attached to every inbound request.
// Authentication happens upstream; the gateway only consumes the result.
type Principal struct {
	// Subject is the unique identifier for the principal.
	Subject string

	// Name is the human-readable name, when the token carries one.
	Name string

	// Email is the email address, when the token carries one.
	Email string

	// Groups are the groups this principal belongs to.
	Groups []string

	// Claims contains the remaining claims from the auth token.
	Claims map[string]any

	// Token is the original bearer token, kept for hashing and
	// pass-through; it is never logged.
	Token string
}

// Anonymous reports whether no identity was presented.
func (p *Principal) Anonymous() bool {
	return p == nil || p.Subject == ""
}
