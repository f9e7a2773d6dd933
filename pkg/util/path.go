package util

import (
	"os"
	"path/filepath"
	"strings"
)

// NormalizePath cleans p, keeping a leading double slash out of the result.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	cleaned := filepath.Clean(p)
	if strings.HasPrefix(cleaned, "//") {
		cleaned = "/" + strings.TrimLeft(cleaned, "/")
	}
	return cleaned
}

// JoinRoot places an absolute in-root path under root.
func JoinRoot(root, p string) string {
	return NormalizePath(filepath.Join(root, strings.TrimPrefix(p, "/")))
}

// FirstExisting returns the closest existing ancestor of p, p included.
func FirstExisting(p string) string {
	for _, pa := range IterParents(p) {
		if _, err := os.Lstat(pa); err == nil {
			return pa
		}
	}
	return string(os.PathSeparator)
}

// IterParents lists p followed by each of its ancestors up to "/".
func IterParents(p string) []string {
	p = NormalizePath(p)
	d := []string{p}
	for p != string(os.PathSeparator) && p != "." {
		p = filepath.Dir(p)
		d = append(d, p)
	}
	return d
}

