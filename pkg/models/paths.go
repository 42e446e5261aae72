package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned for keys that cannot be normalized.
var ErrInvalidPath = errors.New("invalid path")

// NormalizeKey strips leading slashes, collapses repeated separators and rejects
// dot segments. A trailing slash is preserved so folder ids stay folder ids.
func NormalizeKey(p string) (string, error) {
	folder := strings.HasSuffix(p, "/")
	var segments []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("%w: %q contains a dot segment", ErrInvalidPath, p)
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: %q is empty", ErrInvalidPath, p)
	}
	key := strings.Join(segments, "/")
	if folder {
		key += "/"
	}
	return key, nil
}

// FolderID normalizes p as a folder id (trailing slash).
func FolderID(p string) (string, error) {
	key, err := NormalizeKey(p)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	return key, nil
}

// FileID normalizes p as a file id (no trailing slash).
func FileID(p string) (string, error) {
	if strings.HasSuffix(p, "/") {
		return "", fmt.Errorf("%w: %q names a folder", ErrInvalidPath, p)
	}
	return NormalizeKey(p)
}

// IsFolderID reports whether id names a folder.
func IsFolderID(id string) bool {
	return strings.HasSuffix(id, "/")
}

// ParentID returns the id of the folder containing id, or "" at the root.
func ParentID(id string) string {
	trimmed := strings.TrimSuffix(id, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return ""
	}
	return trimmed[:i+1]
}

// BaseName returns the last segment of id without a trailing slash.
func BaseName(id string) string {
	trimmed := strings.TrimSuffix(id, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// Ancestors returns the folder ids above id, outermost first.
func Ancestors(id string) []string {
	var out []string
	for p := ParentID(id); p != ""; p = ParentID(p) {
		out = append(out, p)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Rebase replaces the oldPrefix of id with newPrefix. ok is false when id is not under oldPrefix.
func Rebase(id, oldPrefix, newPrefix string) (string, bool) {
	if !strings.HasPrefix(id, oldPrefix) {
		return id, false
	}
	return newPrefix + strings.TrimPrefix(id, oldPrefix), true
}

// StripETag removes the quotes (and weak marker) object stores put around etags.
func StripETag(etag string) string {
	etag = strings.TrimPrefix(strings.TrimSpace(etag), "W/")
	return strings.Trim(etag, `"`)
}
