package gate

import (
	"fmt"
	"net/url"
	"strings"
)

// Join builds an absolute path from a base path and further segments.
func Join(base string, segments ...string) string {
	parts := make([]string, 0, len(segments)+1)
	if trimmed := strings.Trim(base, "/"); trimmed != "" {
		parts = append(parts, trimmed)
	}
	for _, s := range segments {
		if trimmed := strings.Trim(s, "/"); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return "/" + strings.Join(parts, "/")
}

func Parent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func Base(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

// EscapeSegment turns an arbitrary identifier into a single path segment.
func EscapeSegment(s string) string {
	return url.PathEscape(s)
}

func UnescapeSegment(s string) (string, error) {
	return url.PathUnescape(s)
}

// ValidatePath checks that path is absolute and has no empty or relative segments.
func ValidatePath(path string) error {
	if path == "/" {
		return nil
	}
	if !strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, segment := range strings.Split(path[1:], "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// sequenceName appends the zero padded counter ZooKeeper uses for sequential nodes.
func sequenceName(path string, seq int64) string {
	return fmt.Sprintf("%s%010d", path, seq)
}
