// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFrozen is returned when a record without HotReload is registered after
// the registry has been frozen.
var ErrFrozen = errors.New("registry is frozen")

// ResolveError reports a token with no active binding, or a binding whose
// value does not match the requested type.
type ResolveError struct {
	Token  Token
	Reason string
}

func (e *ResolveError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("resolve %q: %s", e.Token, e.Reason)
	}
	return fmt.Sprintf("resolve %q: no binding", e.Token)
}

// DependencyCycleError reports a dependency cycle. Path holds the tokens
// along the walk, ending with the token that closed the cycle.
type DependencyCycleError struct {
	Path []Token
}

func (e *DependencyCycleError) Error() string {
	names := make([]string, len(e.Path))
	for i, t := range e.Path {
		names[i] = t.String()
	}
	return "dependency cycle: " + strings.Join(names, " -> ")
}

// ScopeViolationError reports a record resolved from a context broader than
// its declared lifetime, such as a request-scoped token resolved from the
// global view.
type ScopeViolationError struct {
	Token    Token
	Declared Lifetime
	From     Lifetime
}

func (e *ScopeViolationError) Error() string {
	return fmt.Sprintf("resolve %q: %s-scoped record resolved from %s context", e.Token, e.Declared, e.From)
}
