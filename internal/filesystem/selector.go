package filesystem

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fruitsalade/cloudfs/internal/vfs"
)

const uidPrefix = "uid:"

// ParseSelector turns user input into a selector: an absolute path, or
// "uid:" followed by a node uuid.
func ParseSelector(s string) (vfs.Selector, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "/"):
		return vfs.PathSelector{Value: vfs.Clean(s)}, nil
	case strings.HasPrefix(s, uidPrefix):
		sel := vfs.UIDSelector{Value: strings.TrimPrefix(s, uidPrefix)}
		if err := validate(sel); err != nil {
			return nil, err
		}
		return sel, nil
	default:
		return nil, vfs.NewError("resolve", s, fmt.Errorf("%w: expected an absolute path or uid:<uuid>", vfs.ErrInvalidArgument))
	}
}

// validate rejects selectors no backend could resolve.
func validate(sel vfs.Selector) error {
	switch s := sel.(type) {
	case vfs.PathSelector:
		if !strings.HasPrefix(s.Value, "/") {
			return vfs.NewError("resolve", s.Value, fmt.Errorf("%w: path is not absolute", vfs.ErrInvalidArgument))
		}
	case vfs.UIDSelector:
		if _, err := uuid.Parse(s.Value); err != nil {
			return vfs.NewError("resolve", s.Describe(false), fmt.Errorf("%w: malformed uid", vfs.ErrInvalidArgument))
		}
	case vfs.InternalIDSelector:
		if s.ID <= 0 || s.Backend == "" {
			return vfs.NewError("resolve", s.Describe(false), vfs.ErrInvalidArgument)
		}
	case nil:
		return vfs.NewError("resolve", "", fmt.Errorf("%w: no selector", vfs.ErrInvalidArgument))
	}
	return nil
}
