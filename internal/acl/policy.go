package acl

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fruitsalade/cloudfs/internal/logging"
	"github.com/fruitsalade/cloudfs/internal/metrics"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// Policy checks access for the operation pipeline.
type Policy struct {
	grants GrantSource
}

// NewPolicy creates a policy backed by grants.
func NewPolicy(grants GrantSource) *Policy {
	return &Policy{grants: grants}
}

// Check reports whether actor holds perm on node. Admins pass. Owners of
// the node or of any ancestor on the same backend pass. Otherwise the
// most specific grant along the path decides.
func (p *Policy) Check(ctx context.Context, actor vfs.Actor, node *vfs.Node, perm vfs.Permission) (bool, error) {
	allowed, err := p.check(ctx, actor, node, perm)
	if err != nil {
		return false, err
	}
	metrics.RecordPermissionCheck(allowed)
	return allowed, nil
}

func (p *Policy) check(ctx context.Context, actor vfs.Actor, node *vfs.Node, perm vfs.Permission) (bool, error) {
	if actor.Admin {
		return true, nil
	}
	if _, err := node.Exists(ctx); err != nil {
		return false, err
	}
	if owner := node.OwnerID(); owner != 0 && owner == actor.UserID {
		return true, nil
	}

	path := node.Path()
	if path == "" {
		return false, nil
	}
	segments := PathSegments(path)

	owned, err := p.ownsAncestor(ctx, actor, node.Backend(), segments[1:])
	if err != nil || owned {
		return owned, err
	}

	grants, err := p.grants.Grants(ctx, actor.UserID, segments)
	if err != nil {
		return false, err
	}
	for _, seg := range segments {
		if has, ok := grants[seg]; ok {
			return PermissionSatisfies(has, perm), nil
		}
	}
	return false, nil
}

func (p *Policy) ownsAncestor(ctx context.Context, actor vfs.Actor, backend vfs.BackendAPI, ancestors []string) (bool, error) {
	if backend == nil || actor.UserID == 0 {
		return false, nil
	}
	for _, a := range ancestors {
		st, err := backend.Stat(ctx, vfs.PathSelector{Value: a}, vfs.StatOptions{})
		if errors.Is(err, vfs.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if st.OwnerID == actor.UserID {
			return true, nil
		}
	}
	return false, nil
}

// SafeError returns the error shown to an actor denied perm on node. An
// actor who cannot read the node learns nothing about its existence.
func (p *Policy) SafeError(ctx context.Context, actor vfs.Actor, node *vfs.Node, perm vfs.Permission) error {
	subject := node.Describe(false)
	if perm == vfs.PermRead {
		return vfs.NewError("access", subject, vfs.ErrNotFound)
	}
	canSee, err := p.check(ctx, actor, node, vfs.PermRead)
	if err != nil {
		logging.Warn("visibility check failed",
			zap.String("subject", subject),
			zap.String("actor", actor.String()),
			zap.Error(err))
	}
	if !canSee {
		return vfs.NewError("access", subject, vfs.ErrNotFound)
	}
	return vfs.NewError("access", subject, vfs.ErrPermissionDenied)
}
