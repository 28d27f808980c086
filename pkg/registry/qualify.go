// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxSegmentLen is the identifier budget per lineage segment. Segments
// over the budget are truncated deterministically so every node computes
// the same qualified name.
const maxSegmentLen = 64

// QualifyName joins parent and child identifiers with a dot. Each dot
// separated segment longer than the identifier budget is shortened to a
// prefix plus a short hash suffix of the full segment.
func QualifyName(parent, child string) string {
	joined := child
	if parent != "" {
		joined = parent + "." + child
	}
	segments := strings.Split(joined, ".")
	for i, seg := range segments {
		segments[i] = truncateSegment(seg)
	}
	return strings.Join(segments, ".")
}

func truncateSegment(seg string) string {
	if len(seg) <= maxSegmentLen {
		return seg
	}
	sum := sha256.Sum256([]byte(seg))
	return seg[:maxSegmentLen-8] + "-" + hex.EncodeToString(sum[:4])[:7]
}
