// Package acl decides whether an actor may access a node. Admins and
// owners always pass; everyone else needs a grant on the node's path or
// one of its ancestors.
package acl

import (
	"strings"

	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// PathSegments returns all path prefixes from most specific to least.
// "/a/b/c" -> ["/a/b/c", "/a/b", "/a", "/"]
func PathSegments(path string) []string {
	path = vfs.Clean(path)
	segments := []string{path}
	for {
		idx := strings.LastIndex(path, "/")
		if idx <= 0 {
			if path != "/" {
				segments = append(segments, "/")
			}
			break
		}
		path = path[:idx]
		segments = append(segments, path)
	}
	return segments
}

var levels = map[vfs.Permission]int{
	vfs.PermRead:  1,
	vfs.PermWrite: 2,
	vfs.PermOwner: 3,
}

// PermissionSatisfies checks if has satisfies required.
// owner > write > read
func PermissionSatisfies(has, required vfs.Permission) bool {
	return levels[has] >= levels[required]
}

// ValidPermission reports whether p is one of read, write or owner.
func ValidPermission(p vfs.Permission) bool {
	_, ok := levels[p]
	return ok
}
