package cache

import (
	"strconv"
	"strings"
)

// Key encodes the cache key layout of spec.md §4.3:
//
//	workspace_id:operation:relative_path:content_digest[:line:column[:extra]]
//
// Because the digest is embedded, any file edit produces a new key space;
// stale entries become unreachable rather than needing an invalidation
// pass, and a prefix scan over workspace_id:operation:relative_path: sweeps
// every position-specific entry for a changed file in one ScanPrefix call.
type Key struct {
	WorkspaceID   int64
	Operation     Operation
	RelativePath  string
	ContentDigest string
	Line          int
	Column        int
	Extra         string
}

// Bytes renders the key deterministically. Two callers building a Key from
// the same fields produce byte-identical output, which is the cache-key
// determinism property of spec.md §8.
func (k Key) Bytes() []byte {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(k.WorkspaceID, 10))
	b.WriteByte(':')
	b.WriteString(string(k.Operation))
	b.WriteByte(':')
	b.WriteString(k.RelativePath)
	b.WriteByte(':')
	b.WriteString(k.ContentDigest)
	if k.Line != 0 || k.Column != 0 || k.Extra != "" {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(k.Line))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(k.Column))
		if k.Extra != "" {
			b.WriteByte(':')
			b.WriteString(k.Extra)
		}
	}
	return []byte(b.String())
}

// WorkspaceOperationPrefix returns the prefix covering every position-
// specific entry for one (workspace, operation, file, content digest): the
// digest is part of the prefix, so entries for other digests of the same
// file are not covered.
func WorkspaceOperationPrefix(workspaceID int64, operation Operation, relativePath, digest string) []byte {
	return Key{WorkspaceID: workspaceID, Operation: operation, RelativePath: relativePath, ContentDigest: digest}.Bytes()
}
