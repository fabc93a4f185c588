// Package vfs defines the virtual filesystem core: selectors, nodes, the
// storage backend contract and the mount registry.
package vfs

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Selector is an immutable reference to a filesystem node. Selectors never
// perform I/O and accept any value; validation belongs to the resolver.
type Selector interface {
	// Describe returns a loggable form of the selector.
	Describe(verbose bool) string
	// SetPropertiesKnownBySelector pre-fills what the selector already
	// tells about the node.
	SetPropertiesKnownBySelector(n *Node)

	isSelector()
}

// PathSelector selects a node by absolute path.
type PathSelector struct {
	Value string
}

// UIDSelector selects a node by its public uuid.
type UIDSelector struct {
	Value string
}

// InternalIDSelector selects a node by a backend-local primary key. It is
// never exposed outside the core.
type InternalIDSelector struct {
	Backend   string
	ID        int64
	DebugInfo any
}

func (s PathSelector) Describe(bool) string { return s.Value }

func (s UIDSelector) Describe(bool) string { return "[uid:" + s.Value + "]" }

func (s InternalIDSelector) Describe(verbose bool) string {
	base := "[db:" + strconv.FormatInt(s.ID, 10) + "]"
	if !verbose {
		return base
	}
	if s.DebugInfo == nil {
		return fmt.Sprintf("%s (backend=%s)", base, s.Backend)
	}
	debug, err := json.Marshal(s.DebugInfo)
	if err != nil {
		return fmt.Sprintf("%s (backend=%s debug=%v)", base, s.Backend, s.DebugInfo)
	}
	return fmt.Sprintf("%s (backend=%s debug=%s)", base, s.Backend, debug)
}

func (s PathSelector) SetPropertiesKnownBySelector(n *Node) {
	n.path = s.Value
	n.name = Base(s.Value)
}

func (s UIDSelector) SetPropertiesKnownBySelector(n *Node) {
	n.uid = s.Value
}

func (s InternalIDSelector) SetPropertiesKnownBySelector(n *Node) {
	n.internalID = s.ID
	n.backendName = s.Backend
}

func (PathSelector) isSelector()       {}
func (UIDSelector) isSelector()        {}
func (InternalIDSelector) isSelector() {}

// SameSelector reports whether a and b are the same variant with the same
// value. No cross-variant resolution happens here.
func SameSelector(a, b Selector) bool {
	switch x := a.(type) {
	case PathSelector:
		y, ok := b.(PathSelector)
		return ok && x.Value == y.Value
	case UIDSelector:
		y, ok := b.(UIDSelector)
		return ok && x.Value == y.Value
	case InternalIDSelector:
		y, ok := b.(InternalIDSelector)
		return ok && x.Backend == y.Backend && x.ID == y.ID
	default:
		return false
	}
}

// selectorRank orders selectors by resolution preference.
func selectorRank(s Selector) int {
	switch s.(type) {
	case InternalIDSelector:
		return 0
	case UIDSelector:
		return 1
	case PathSelector:
		return 2
	default:
		return 3
	}
}
