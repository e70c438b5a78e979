package fsutil

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// PathSafetyError reports a path that would escape its root or is otherwise
// unusable as an on-disk name.
type PathSafetyError struct {
	Path   string
	Reason string
}

func (e *PathSafetyError) Error() string {
	return fmt.Sprintf("unsafe path %q: %s", e.Path, e.Reason)
}

var (
	unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	segmentRe     = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

// SafeID maps a tool id onto a single directory name made only of
// [A-Za-z0-9._-]. A leading dot is replaced so the result can never be
// "." or ".." or collide with the store's hidden staging directories.
// The mapping is not injective; callers must detect collisions.
func SafeID(id string) string {
	s := unsafeIDChars.ReplaceAllString(id, "_")
	if s == "" {
		return "_"
	}
	if strings.HasPrefix(s, ".") {
		s = "_" + s[1:]
	}
	return s
}

// SafeSegment checks that s can be used verbatim as one path segment.
func SafeSegment(s string) error {
	switch {
	case s == "":
		return &PathSafetyError{Path: s, Reason: "empty segment"}
	case strings.HasPrefix(s, "."):
		return &PathSafetyError{Path: s, Reason: "segment may not start with '.'"}
	case !segmentRe.MatchString(s):
		return &PathSafetyError{Path: s, Reason: "segment contains disallowed characters"}
	}
	return nil
}

// SafeRelativePath normalizes a bundle-relative path and rejects anything
// absolute, empty, or containing a ".." segment. Backslashes are treated as
// separators so Windows-style paths cannot sneak through.
func SafeRelativePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", &PathSafetyError{Path: p, Reason: "empty path"}
	}
	if strings.ContainsRune(p, 0) {
		return "", &PathSafetyError{Path: p, Reason: "path contains NUL byte"}
	}
	slashed := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(p) || filepath.VolumeName(p) != "" || hasDriveLetter(slashed) {
		return "", &PathSafetyError{Path: p, Reason: "absolute path"}
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", &PathSafetyError{Path: p, Reason: "path traverses outside root"}
		}
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." {
		return "", &PathSafetyError{Path: p, Reason: "path resolves to root"}
	}
	return filepath.FromSlash(cleaned), nil
}

// Within joins rel onto root and verifies the result is strictly inside root.
func Within(root, rel string) (string, error) {
	clean, err := SafeRelativePath(rel)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(root, clean)
	r, err := filepath.Rel(root, joined)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) || filepath.IsAbs(r) {
		return "", &PathSafetyError{Path: rel, Reason: "path escapes root"}
	}
	return joined, nil
}

func hasDriveLetter(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}
