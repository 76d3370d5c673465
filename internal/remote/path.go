package remote

import (
	"fmt"
	"strings"
)

const forbiddenKeyChars = ".#$[]"

// Clean trims surrounding slashes and validates every segment.
// The empty string is the root.
func Clean(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return "", nil
	}
	for _, seg := range strings.Split(p, "/") {
		if err := ValidateKey(seg); err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidPath, path, err)
		}
	}
	return p, nil
}

// ValidateKey checks a single path segment.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty segment")
	}
	if strings.ContainsAny(key, forbiddenKeyChars+"/") {
		return fmt.Errorf("segment %q contains one of %q", key, forbiddenKeyChars+"/")
	}
	return nil
}

// Join concatenates segments without validating them.
func Join(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}

func Base(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Parent returns the enclosing path; the root's parent is the root.
func Parent(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// Related reports whether a change at one path can alter the value seen at the other,
// that is whether one is an ancestor of, or equal to, the other.
func Related(a, b string) bool {
	return a == b || IsAncestor(a, b) || IsAncestor(b, a)
}

// IsAncestor reports whether descendant lies strictly below ancestor.
func IsAncestor(ancestor, descendant string) bool {
	if ancestor == "" {
		return descendant != ""
	}
	return strings.HasPrefix(descendant, ancestor+"/")
}
