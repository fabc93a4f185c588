package vfs

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Node is a lazily populated handle on a filesystem node. It starts with
// whatever its selector knows and fills the rest from one backend stat.
type Node struct {
	mu sync.RWMutex

	backend   BackendAPI
	selectors []Selector

	path        string
	name        string
	uid         string
	internalID  int64
	backendName string

	entry   *StatResult
	fetched bool
	found   bool
}

// NewNode creates a node for sel on backend. Properties known from the
// selector are set before any backend round trip.
func NewNode(backend BackendAPI, sel Selector) *Node {
	n := &Node{backend: backend}
	n.provide(sel)
	return n
}

// NewNodeFromEntry creates an already fetched node, used when a backend
// call returned the entry of a node it just created.
func NewNodeFromEntry(backend BackendAPI, entry *StatResult) *Node {
	n := &Node{backend: backend}
	n.setEntry(entry)
	return n
}

// Backend returns the backend the node lives on.
func (n *Node) Backend() BackendAPI {
	return n.backend
}

// ProvideSelector records another selector that resolves to this node.
func (n *Node) ProvideSelector(sel Selector) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.provide(sel)
}

func (n *Node) provide(sel Selector) {
	if sel == nil {
		return
	}
	for _, known := range n.selectors {
		if SameSelector(known, sel) {
			return
		}
	}
	n.selectors = append(n.selectors, sel)
	sort.SliceStable(n.selectors, func(i, j int) bool {
		return selectorRank(n.selectors[i]) < selectorRank(n.selectors[j])
	})
	sel.SetPropertiesKnownBySelector(n)
}

// Selector returns the most specific selector known for the node.
// Internal ids of a different backend are skipped.
func (n *Node) Selector() Selector {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bestSelector()
}

func (n *Node) bestSelector() Selector {
	for _, sel := range n.selectors {
		if id, ok := sel.(InternalIDSelector); ok && n.backend != nil && id.Backend != n.backend.Name() {
			continue
		}
		return sel
	}
	if len(n.selectors) > 0 {
		return n.selectors[0]
	}
	return nil
}

// Selectors returns every known selector in resolution order.
func (n *Node) Selectors() []Selector {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Selector, len(n.selectors))
	copy(out, n.selectors)
	return out
}

// Fetch stats the node once. A missing node is not an error; it is
// reported by Exists.
func (n *Node) Fetch(ctx context.Context) error {
	n.mu.RLock()
	fetched := n.fetched
	sel := n.bestSelector()
	n.mu.RUnlock()
	if fetched {
		return nil
	}
	return n.fetch(ctx, sel)
}

// Refresh discards the fetched entry and stats the node again.
func (n *Node) Refresh(ctx context.Context) error {
	n.mu.Lock()
	n.fetched = false
	n.found = false
	n.entry = nil
	sel := n.bestSelector()
	n.mu.Unlock()
	return n.fetch(ctx, sel)
}

func (n *Node) fetch(ctx context.Context, sel Selector) error {
	if n.backend == nil || sel == nil {
		return NewError("stat", n.Describe(false), ErrInvalidArgument)
	}
	entry, err := n.backend.Stat(ctx, sel, StatOptions{})
	if errors.Is(err, ErrNotFound) {
		n.mu.Lock()
		n.fetched = true
		n.found = false
		n.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.setEntry(entry)
	n.mu.Unlock()
	return nil
}

func (n *Node) setEntry(entry *StatResult) {
	n.entry = entry
	n.fetched = true
	n.found = true
	if entry.UID != "" {
		n.provide(UIDSelector{Value: entry.UID})
	}
	if entry.Path != "" {
		n.provide(PathSelector{Value: entry.Path})
	}
	if entry.InternalID != 0 && n.backend != nil {
		n.provide(InternalIDSelector{Backend: n.backend.Name(), ID: entry.InternalID})
	}
}

// Exists fetches the node if needed and reports whether it exists.
func (n *Node) Exists(ctx context.Context) (bool, error) {
	if err := n.Fetch(ctx); err != nil {
		return false, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.found, nil
}

// Get fetches the node if needed and returns its entry, or NotFound.
func (n *Node) Get(ctx context.Context) (*StatResult, error) {
	ok, err := n.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewError("stat", n.Describe(false), ErrNotFound)
	}
	return n.Entry(), nil
}

// Entry returns the fetched entry, or nil before a successful fetch.
func (n *Node) Entry() *StatResult {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.entry
}

func (n *Node) Path() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.path
}

func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

func (n *Node) UID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.uid
}

func (n *Node) InternalID() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.internalID
}

// Immutable reports the fetched immutable flag.
func (n *Node) Immutable() bool {
	e := n.Entry()
	return e != nil && e.Immutable
}

func (n *Node) IsDir() bool {
	e := n.Entry()
	return e != nil && e.IsDir()
}

// OwnerID returns the fetched owner, 0 when unknown.
func (n *Node) OwnerID() int64 {
	e := n.Entry()
	if e == nil {
		return 0
	}
	return e.OwnerID
}

// Describe describes the node by its best selector.
func (n *Node) Describe(verbose bool) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if sel := n.bestSelector(); sel != nil {
		return sel.Describe(verbose)
	}
	return "[unresolved]"
}
