// Package pathutil provides path manipulation for slash-separated object
// locations.
package pathutil

import "strings"

// Normalize converts a user-provided location to canonical form.
//
// Leading and trailing slashes are stripped and consecutive slashes are
// collapsed, so "/date=2022-04-01//adam.parquet/" becomes
// "date=2022-04-01/adam.parquet". The root ("", "/" or ".") is the empty
// string. Other "." and ".." elements are preserved.
func Normalize(p string) string {
	p = strings.Trim(p, "/")
	if p == "." {
		return ""
	}
	if !strings.Contains(p, "//") {
		return p
	}
	parts := strings.Split(p, "/")
	result := parts[:0]
	for _, part := range parts {
		if part != "" {
			result = append(result, part)
		}
	}
	return strings.Join(result, "/")
}

// Base returns the last element of a slash-separated path.
// If path is empty or ".", it returns ".".
func Base(path string) string {
	if path == "" || path == "." {
		return "."
	}
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// DirPrefix converts a normalized location to the prefix its descendants
// share. The root ("" or ".") has the empty prefix.
func DirPrefix(name string) string {
	if name == "" || name == "." {
		return ""
	}
	return name + "/"
}

// Child extracts the immediate child name of path below prefix and reports
// whether the child is a directory (path has more components after it).
// path must start with prefix.
func Child(path, prefix string) (name string, isSubDir bool) {
	relPath := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(relPath, "/"); idx >= 0 {
		return relPath[:idx], true
	}
	return relPath, false
}
