// Package uid generates and parses the content-addressed symbol identifiers
// the rest of the daemon treats as opaque cache and storage keys.
//
// Format: "<workspace-relative-path>:<content-digest>:<symbol-name>:<line>",
// e.g. "src/accounting/billing.go:7f3a9c2d:calculateTotal:42". Content
// addressing lets the cache answer "is this result still valid?" without a
// filesystem-wide invalidation pass: a stale UID simply never matches a
// fresh lookup.
package uid

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"lukechampine.com/blake3"

	"github.com/standardbeagle/lsp-daemon/internal/errors"
	"github.com/standardbeagle/lsp-daemon/pkg/pathutil"
)

// emptyDigest is the content_hash of zero-length content, per spec.
const emptyDigest = "00000000"

// ecosystemGlob is one dependency-cache layout recognized by WorkspaceRelative
// for files living outside the workspace root. Globs are matched against the
// absolute, slash-normalized path; the canonical path keeps the matched path
// from the glob's literal directory (e.g. "pkg/mod") onward, and package and
// version are not split out into separate segments.
type ecosystemGlob struct {
	ecosystem string
	glob      string
}

// ecosystems covers the package-cache layouts of the language servers the
// registry knows about (internal/lspregistry): Go's module cache, Cargo's
// registry checkout layout, npm's node_modules, and Python's site-packages.
var ecosystems = []ecosystemGlob{
	{"go", "**/pkg/mod/**"},
	{"cargo", "**/.cargo/registry/src/**"},
	{"npm", "**/node_modules/**"},
	{"pip", "**/site-packages/**"},
}

// WorkspaceRelative computes the workspace_relative(file, workspace)
// operation: the path stripped of the workspace root when file lies under
// it, a canonical /dep/<ecosystem>/... path for a recognized dependency
// cache layout, or an EXTERNAL:<absolute-path> fallback. The result is
// deterministic for a given (file, workspace) pair.
func WorkspaceRelative(file, workspace string) string {
	absFile := canonicalize(file)
	absWorkspace := canonicalize(workspace)

	rel := pathutil.ToRelative(absFile, absWorkspace)
	if !filepath.IsAbs(rel) && !strings.HasPrefix(rel, "..") {
		return rel
	}

	slashFile := filepath.ToSlash(filepath.Clean(absFile))
	for _, eco := range ecosystems {
		ok, matchErr := doublestar.Match(eco.glob, slashFile)
		if matchErr == nil && ok {
			return fmt.Sprintf("/dep/%s%s", eco.ecosystem, subpathAfter(slashFile, eco.glob))
		}
	}

	return "EXTERNAL:" + filepath.Clean(absFile)
}

// canonicalize resolves symlinks in path so a file reached through a
// symlinked directory still prefix-matches its workspace root, falling
// back to the absolute unresolved path (and from there to the input) when
// resolution fails, e.g. for a file that doesn't exist yet.
func canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// subpathAfter returns the portion of path starting at glob's literal
// directory run (the text between a leading "**/" and the next wildcard),
// used to build a stable /dep/<ecosystem>/<rest> string from a matched
// ecosystem glob.
func subpathAfter(path, glob string) string {
	prefix := strings.TrimPrefix(glob, "**/")
	if idx := strings.IndexAny(prefix, "*?["); idx >= 0 {
		prefix = prefix[:idx]
	}
	prefix = "/" + strings.Trim(prefix, "/") + "/"
	idx := strings.Index(path, prefix)
	if idx < 0 {
		return "/" + path
	}
	return path[idx:]
}

// ContentHash implements content_hash: the first 8 hex characters of the
// Blake3 digest of content, or "00000000" for empty content.
func ContentHash(content []byte) string {
	if len(content) == 0 {
		return emptyDigest
	}
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])[:8]
}

// UID implements uid(workspace, file, content, name, line). Returns
// InvalidInput if name is empty or line is zero.
func UID(workspace, file string, content []byte, name string, line int) (string, error) {
	if name == "" {
		return "", errors.New(errors.InvalidInput, "symbol name cannot be empty")
	}
	if line <= 0 {
		return "", errors.New(errors.InvalidInput, "line number must be greater than 0")
	}

	relPath := WorkspaceRelative(file, workspace)
	digest := ContentHash(content)

	return fmt.Sprintf("%s:%s:%s:%d", relPath, digest, name, line), nil
}

// Parsed is the decomposed form of a UID string.
type Parsed struct {
	Path   string
	Digest string
	Name   string
	Line   int
}

// Parse implements parse_uid. Returns InvalidUid if s does not have exactly
// four colon-separated parts, the digest is not 8 hex characters, the name
// is empty, or the line is not a positive integer.
//
// EXTERNAL paths embed their own colon ("EXTERNAL:/abs/path"), so splitting
// is done from the right: the last three colons delimit digest, name, and
// line, and everything before them is the path.
func Parse(s string) (Parsed, error) {
	idx := make([]int, 0, 3)
	for i := len(s) - 1; i >= 0 && len(idx) < 3; i-- {
		if s[i] == ':' {
			idx = append(idx, i)
		}
	}
	if len(idx) != 3 {
		return Parsed{}, errors.New(errors.InvalidUid, fmt.Sprintf("malformed uid: %q", s))
	}

	lineIdx, nameIdx, digestIdx := idx[0], idx[1], idx[2]
	path := s[:digestIdx]
	digest := s[digestIdx+1 : nameIdx]
	name := s[nameIdx+1 : lineIdx]
	lineStr := s[lineIdx+1:]

	if path == "" {
		return Parsed{}, errors.New(errors.InvalidUid, "empty path in uid")
	}
	if len(digest) != 8 || !isHex(digest) {
		return Parsed{}, errors.New(errors.InvalidUid, "digest must be 8 hex characters")
	}
	if name == "" {
		return Parsed{}, errors.New(errors.InvalidUid, "empty symbol name in uid")
	}
	line, err := strconv.Atoi(lineStr)
	if err != nil || line <= 0 {
		return Parsed{}, errors.New(errors.InvalidUid, "line number must be a positive integer")
	}

	return Parsed{Path: path, Digest: digest, Name: name, Line: line}, nil
}

// Validate implements validate_uid: Parse succeeds.
func Validate(s string) bool {
	_, err := Parse(s)
	return err == nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
