// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider implements the dependency container used by scopes and
// flows. Records bind tokens to values, constructors or factories with a
// declared lifetime. A Container materializes records into three views:
// global instances built once per process, session instances memoized per
// session id and request instances built fresh per request.
//
// Lookups walk forked registries child to parent and the first active
// record wins. Declared dependency cycles are rejected at registration,
// undeclared ones are caught during resolution.
package provider
