// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package testkit has shared helpers for endpoint tests that read
// text/event-stream responses: a line pump over the response body and
// assertions on the pumped lines.
package testkit

import (
	"bufio"
	"io"
	"strings"
	"testing"
	"time"
)

// readTimeout bounds every stream read so a hung endpoint fails the one
// test instead of the whole run.
const readTimeout = 2 * time.Second

// StreamLines pumps r line by line into the returned channel and closes
// it when the stream ends. The channel is buffered so slow assertions do
// not stall the response body.
func StreamLines(r io.Reader) <-chan string {
	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	return lines
}

// RequireLine consumes lines until one equals want, failing the test if
// the stream closes or stalls first. Skipping tolerates keep-alives and
// blank separator lines between events.
func RequireLine(t *testing.T, lines <-chan string, want string) {
	t.Helper()
	deadline := time.After(readTimeout)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before %q", want)
			}
			if line == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

// NextLine returns the next line verbatim, failing the test if the
// stream closes or stalls.
func NextLine(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-lines:
		if !ok {
			t.Fatal("stream closed early")
		}
		return line
	case <-time.After(readTimeout):
		t.Fatal("timed out waiting for next line")
		return ""
	}
}

// DataPayload asserts line is an SSE data line and returns its payload.
func DataPayload(t *testing.T, line string) string {
	t.Helper()
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("not a data line: %q", line)
	}
	return strings.TrimPrefix(line, "data: ")
}
