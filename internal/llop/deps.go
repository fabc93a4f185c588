package llop

import (
	"context"
	"time"

	"github.com/fruitsalade/cloudfs/internal/events"
	"github.com/fruitsalade/cloudfs/internal/retry"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// DefaultMaxParallel caps the sub-tasks an operation runs at once.
const DefaultMaxParallel = 4

// AccessControl decides whether an actor may act on a node.
type AccessControl interface {
	Check(ctx context.Context, actor vfs.Actor, node *vfs.Node, perm vfs.Permission) (bool, error)
	// SafeError is the error shown to an actor that failed Check. It must
	// not reveal why.
	SafeError(ctx context.Context, actor vfs.Actor, node *vfs.Node, perm vfs.Permission) error
}

// UsageAccounting receives signed storage deltas per user.
type UsageAccounting interface {
	ChangeUsage(ctx context.Context, userID, delta int64) error
}

// QuotaChecker is implemented by usage accounting that enforces quotas.
type QuotaChecker interface {
	CheckStorageQuota(ctx context.Context, userID, additionalBytes int64) (bool, error)
}

// Deps are the collaborators every operation receives. ACL is required.
type Deps struct {
	ACL    AccessControl
	Usage  UsageAccounting
	Events events.Publisher
	// Retry applies to sub-tasks failing with ErrBackendUnavailable.
	Retry       retry.Config
	MaxParallel int
	// ProgressInterval throttles progress events; zero publishes every
	// update.
	ProgressInterval time.Duration
}

func (d Deps) maxParallel() int {
	if d.MaxParallel < 1 {
		return DefaultMaxParallel
	}
	return d.MaxParallel
}

func (d Deps) publisher() events.Publisher {
	if d.Events == nil {
		return events.Discard
	}
	return d.Events
}
