package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Payload is the opaque byte bundle checkpointed for a version: a flat map
// of relative file path to file contents. Paths use forward slashes and
// never contain ".." or an absolute prefix; Create rejects anything else.
type Payload map[string][]byte

// ContentHash computes the canonical SHA-256 content hash for a payload.
//
// Canonicalization (resolves the Open Question in spec.md §9): the payload
// is walked in lexicographic path order; each file's SHA-256 is computed
// over its raw bytes; the overall hash is SHA-256 over the newline-joined
// "<path>\t<hex-sha256>" lines. This makes the hash independent of
// filesystem iteration order, mtimes, and permissions, and deterministic
// for a given logical payload regardless of how it was assembled.
func ContentHash(p Payload) string {
	paths := make([]string, 0, len(p))
	for path := range p {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var b strings.Builder
	for i, path := range paths {
		if i > 0 {
			b.WriteByte('\n')
		}
		sum := sha256.Sum256(p[path])
		b.WriteString(path)
		b.WriteByte('\t')
		b.WriteString(hex.EncodeToString(sum[:]))
	}

	overall := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(overall[:])
}

// totalBytes sums the raw size of every file in the payload, used only for
// observability (the checkpoint-bytes-written metric).
func (p Payload) totalBytes() int64 {
	var n int64
	for _, data := range p {
		n += int64(len(data))
	}
	return n
}
