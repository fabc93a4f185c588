package vfs

import (
	"fmt"
	"strings"
	"time"
)

// NodeType is the kind of a filesystem node. It never changes after creation.
type NodeType int

const (
	TypeFile NodeType = iota
	TypeDirectory
	TypeShortcut
	TypeSymlink
	TypeKVStore
	TypeSocket
)

var nodeTypeNames = [...]string{
	TypeFile:      "file",
	TypeDirectory: "directory",
	TypeShortcut:  "shortcut",
	TypeSymlink:   "symlink",
	TypeKVStore:   "kvstore",
	TypeSocket:    "socket",
}

func (t NodeType) String() string {
	if t < 0 || int(t) >= len(nodeTypeNames) {
		return fmt.Sprintf("unknown(%d)", int(t))
	}
	return nodeTypeNames[t]
}

// ParseNodeType parses the String form of a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	for i, name := range nodeTypeNames {
		if name == s {
			return NodeType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: node type %q", ErrInvalidArgument, s)
}

// Capability is the bitset a backend advertises. Callers must not rely on
// behaviour a backend does not advertise.
type Capability uint32

const (
	PlatformCaseSensitive Capability = 1 << iota
	SupportsOwnerField
	SupportsAppAssociationField
	VerboseReaddir
)

// Has reports whether every bit of c is set.
func (caps Capability) Has(c Capability) bool {
	return caps&c == c
}

func (caps Capability) String() string {
	var names []string
	for _, c := range []struct {
		flag Capability
		name string
	}{
		{PlatformCaseSensitive, "case-sensitive"},
		{SupportsOwnerField, "owner"},
		{SupportsAppAssociationField, "app-association"},
		{VerboseReaddir, "verbose-readdir"},
	} {
		if caps.Has(c.flag) {
			names = append(names, c.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// StatResult is the metadata a backend returns for a node.
type StatResult struct {
	UID       string    `json:"uid"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Type      NodeType  `json:"type"`
	Size      int64     `json:"size,omitempty"` // files only
	Mtime     time.Time `json:"mtime"`
	Ctime     time.Time `json:"ctime"`
	Atime     time.Time `json:"atime"`
	Immutable bool      `json:"immutable"`

	OwnerID    int64  `json:"owner_id,omitempty"`
	ParentUID  string `json:"parent_uid,omitempty"`
	InternalID int64  `json:"-"`

	// ContentKey names the object holding the file content when the
	// backend keeps content in a separate object store.
	ContentKey    string `json:"-"`
	ContentType   string `json:"content_type,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	ShortcutTo    string `json:"shortcut_to,omitempty"`
	SymlinkTarget string `json:"symlink_target,omitempty"`
}

// IsDir reports whether the node is a directory.
func (s *StatResult) IsDir() bool {
	return s.Type == TypeDirectory
}

// Mini returns the minimal readdir form of s.
func (s *StatResult) Mini() MiniStat {
	return MiniStat{UID: s.UID, Name: s.Name, Type: s.Type}
}

// MiniStat is what backends without VerboseReaddir return per entry.
type MiniStat struct {
	UID  string   `json:"uid"`
	Name string   `json:"name"`
	Type NodeType `json:"type"`
}

// DirEntry is one readdir result. Full is set only by backends that
// advertise VerboseReaddir.
type DirEntry struct {
	Name string
	Mini MiniStat
	Full *StatResult
}

// Permission is an access mode requested from the ACL collaborator.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
	PermOwner Permission = "owner"
)

// Actor is the already-authenticated principal an operation runs for.
type Actor struct {
	UserID   int64
	Username string
	Admin    bool
}

func (a Actor) String() string {
	if a.Username != "" {
		return a.Username
	}
	return fmt.Sprintf("user:%d", a.UserID)
}
