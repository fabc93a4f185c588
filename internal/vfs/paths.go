package vfs

import (
	"path"
	"strings"
)

// Clean normalizes p to an absolute slash path without a trailing slash.
func Clean(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Base returns the last element of p ("" for the root).
func Base(p string) string {
	p = Clean(p)
	if p == "/" {
		return ""
	}
	return path.Base(p)
}

// Dir returns the parent of p. The parent of the root is the root.
func Dir(p string) string {
	return path.Dir(Clean(p))
}

// Join joins a parent path and a child name.
func Join(parent, name string) string {
	return Clean(path.Join(Clean(parent), name))
}

// Within reports whether p equals root or lies below it.
func Within(p, root string) bool {
	p, root = Clean(p), Clean(root)
	if root == "/" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

// ValidName reports whether name can name a directory entry.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.Contains(name, "/")
}
