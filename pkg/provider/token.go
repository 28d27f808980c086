// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import "fmt"

// Lifetime controls where a resolved instance lives and how long it survives.
type Lifetime int

const (
	// LifetimeGlobal instances are constructed once per process and shared
	// by every session and request.
	LifetimeGlobal Lifetime = iota
	// LifetimeSession instances are constructed once per session and shared
	// by all requests on that session.
	LifetimeSession
	// LifetimeRequest instances are constructed fresh for every request.
	LifetimeRequest
)

func (l Lifetime) String() string {
	switch l {
	case LifetimeGlobal:
		return "global"
	case LifetimeSession:
		return "session"
	case LifetimeRequest:
		return "request"
	default:
		return fmt.Sprintf("lifetime(%d)", int(l))
	}
}

// Token identifies a bindable dependency. Tokens are value types and
// compare equal by name, so two packages naming the same token share the
// same binding.
type Token struct {
	name string
}

// NewToken returns the token for name.
func NewToken(name string) Token { return Token{name: name} }

func (t Token) String() string { return t.name }

// IsZero reports whether the token carries no name.
func (t Token) IsZero() bool { return t.name == "" }
