// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package core holds the shared kernel of the gateway: transport identity,
// verified principals, flow control signals, and the public error taxonomy
// that every component maps onto the wire.
//
// Domain errors are defined here and should be checked with errors.As /
// IsKind. Control signals (Respond, Abort, RetryAfter) are error values so
// they can travel through ordinary return paths, but they are not failures;
// use IsControl to tell them apart before logging.
package core
