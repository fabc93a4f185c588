// Package llop implements the low-level filesystem operations.
//
// Every mutating action is an Operation built from a Definition. Run
// enforces the same shape for all of them: prepare, immutability gate,
// access control, then the mutation as sub-tasks on a bounded pool with
// the usage delta committed once as the mutation lands. Nothing reaches a
// backend before the gate and the ACL have passed.
package llop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/cloudfs/internal/events"
	"github.com/fruitsalade/cloudfs/internal/logging"
	"github.com/fruitsalade/cloudfs/internal/metrics"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// Check is one access requirement.
type Check struct {
	Node *vfs.Node
	Perm vfs.Permission
}

// Usage is the storage delta an operation causes for one user.
type Usage struct {
	UserID int64
	Delta  int64
}

// Definition is the fixed shape of an operation kind.
type Definition struct {
	Name string
	// Subject is the node the operation is about, used in errors and logs.
	Subject *vfs.Node

	// Prepare resolves nodes and measures sizes. It must not mutate.
	Prepare []Step
	// Gate lists nodes that must not be immutable.
	Gate func(op *Operation) []*vfs.Node
	// Checks lists the permissions the actor needs.
	Checks func(op *Operation) []Check
	// Usage computes the storage delta. It is reported once, when the first
	// task marked Accounts succeeds, or after the mutation when no task is
	// marked and at least one succeeded. Nil means the operation does not
	// change consumed storage.
	Usage func(op *Operation) Usage
	// Mutate performs the change.
	Mutate []Step
	// Path is the path named in events.
	Path func(op *Operation) string
}

// Operation is one run of a Definition for an actor. It runs once.
type Operation struct {
	id    string
	def   *Definition
	deps  Deps
	actor vfs.Actor

	ran        atomic.Bool
	usage      Usage
	accounting atomic.Bool
	usageOnce  sync.Once

	mu       sync.Mutex
	state    State
	values   map[string]any
	outcomes []Outcome
	result   *vfs.StatResult
	checksum string
	cleanup  []func()
}

// New creates an operation from def. Most callers use the constructors
// of the individual operations instead.
func New(def *Definition, deps Deps, actor vfs.Actor) *Operation {
	return &Operation{
		id:     uuid.New().String(),
		def:    def,
		deps:   deps,
		actor:  actor,
		state:  StateCreated,
		values: make(map[string]any),
	}
}

func (op *Operation) ID() string { return op.id }

func (op *Operation) Name() string { return op.def.Name }

func (op *Operation) Actor() vfs.Actor { return op.actor }

// State returns the current state.
func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Value returns a value stored by a ValueStep.
func (op *Operation) Value(name string) (any, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	v, ok := op.values[name]
	return v, ok
}

func (op *Operation) setValue(name string, v any) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.values[name] = v
}

// valueOf returns the value stored under name, or the zero T.
func valueOf[T any](op *Operation, name string) T {
	v, _ := op.Value(name)
	t, _ := v.(T)
	return t
}

// Outcomes returns the recorded sub-task outcomes.
func (op *Operation) Outcomes() []Outcome {
	op.mu.Lock()
	defer op.mu.Unlock()
	out := make([]Outcome, len(op.outcomes))
	copy(out, op.outcomes)
	return out
}

// Failed reports whether any sub-task has failed so far.
func (op *Operation) Failed() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, o := range op.outcomes {
		if !o.OK() {
			return true
		}
	}
	return false
}

// Result returns the node the operation created or changed, if any.
func (op *Operation) Result() *vfs.StatResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

// SetResult records the node the operation created or changed.
func (op *Operation) SetResult(r *vfs.StatResult) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.result = r
}

func (op *Operation) setChecksum(sum string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.checksum = sum
}

// Defer registers fn to run once the operation has finished.
func (op *Operation) Defer(fn func()) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.cleanup = append(op.cleanup, fn)
}

func (op *Operation) record(outcomes []Outcome) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.outcomes = append(op.outcomes, outcomes...)
}

func (op *Operation) setState(s State) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.state = s
}

func (op *Operation) subject() string {
	if op.def.Subject == nil {
		return ""
	}
	return op.def.Subject.Describe(false)
}

func (op *Operation) path() string {
	if op.def.Path != nil {
		return op.def.Path(op)
	}
	if op.def.Subject != nil {
		return op.def.Subject.Path()
	}
	return ""
}

func (op *Operation) event(eventType string) events.Event {
	return events.Event{
		Type: eventType,
		Op:   op.def.Name,
		OpID: op.id,
		Path: op.path(),
	}
}

// Run executes the operation. The returned error is a *vfs.Error for
// precondition failures, denials and mutations where no sub-task
// succeeded, or a *PartialFailure when some but not all did.
func (op *Operation) Run(ctx context.Context) (*vfs.StatResult, error) {
	if !op.ran.CompareAndSwap(false, true) {
		return nil, vfs.NewError(op.def.Name, op.subject(),
			fmt.Errorf("%w: operation %s already ran", vfs.ErrInvalidArgument, op.id))
	}

	start := time.Now()
	ctx = logging.WithOperation(ctx, op.def.Name, op.id)
	log := logging.WithContext(ctx)

	err := op.run(ctx)
	state := op.State()

	op.mu.Lock()
	cleanup := op.cleanup
	op.cleanup = nil
	op.mu.Unlock()
	for _, fn := range cleanup {
		fn()
	}

	metrics.RecordOperation(op.def.Name, state.String(), time.Since(start))
	op.complete(state, err)

	fields := []zap.Field{
		zap.String("actor", op.actor.String()),
		zap.String("subject", op.subject()),
		zap.String("state", state.String()),
		zap.Duration("duration", time.Since(start)),
	}
	switch state {
	case StateSucceeded:
		log.Info("operation succeeded", fields...)
	case StateDenied:
		log.Info("operation denied", append(fields, zap.Error(err))...)
	default:
		log.Warn("operation failed", append(fields, zap.Error(err))...)
	}

	if err != nil {
		return nil, err
	}
	return op.Result(), nil
}

func (op *Operation) run(ctx context.Context) error {
	op.setState(StateProceeding)

	if err := op.runSteps(ctx, op.def.Prepare); err != nil {
		op.setState(StateFailed)
		return op.wrap(err)
	}
	if err := op.gate(); err != nil {
		op.setState(StateDenied)
		return err
	}
	if err := op.authorize(ctx); err != nil {
		op.setState(StateDenied)
		return err
	}

	if op.def.Usage != nil {
		op.usage = op.def.Usage(op)
	}
	if err := op.checkQuota(ctx, op.usage); err != nil {
		op.setState(StateDenied)
		return err
	}

	// No cancellation once storage starts changing.
	mctx := context.WithoutCancel(ctx)
	op.setState(StateMutating)
	if err := op.runSteps(mctx, op.def.Mutate); err != nil {
		op.record([]Outcome{{Name: "mutate", Err: err, Attempts: 1}})
	}
	if !op.accounting.Load() && op.succeededAny() {
		op.reportUsage(mctx)
	}
	return op.finish()
}

// runSteps stops at the first step error. Task failures are not step
// errors.
func (op *Operation) runSteps(ctx context.Context, steps []Step) error {
	for _, s := range steps {
		if err := s.run(ctx, op); err != nil {
			logging.WithContext(ctx).Debug("step failed", zap.String("step", s.StepName()), zap.Error(err))
			return err
		}
	}
	return nil
}

func (op *Operation) wrap(err error) error {
	var verr *vfs.Error
	if errors.As(err, &verr) {
		return err
	}
	return vfs.NewError(op.def.Name, op.subject(), err)
}

// gate rejects mutations of immutable nodes before any ACL call.
func (op *Operation) gate() error {
	if op.def.Gate == nil {
		return nil
	}
	for _, n := range op.def.Gate(op) {
		if n == nil || !n.Immutable() {
			continue
		}
		metrics.RecordImmutableRejection(op.def.Name)
		return vfs.NewError(op.def.Name, n.Describe(false),
			fmt.Errorf("%w: node is immutable", vfs.ErrPermissionDenied))
	}
	return nil
}

// authorize surfaces the collaborator's safe error on the first denial.
// A failing check counts as a denial.
func (op *Operation) authorize(ctx context.Context) error {
	if op.def.Checks == nil {
		return nil
	}
	for _, c := range op.def.Checks(op) {
		ok, err := op.deps.ACL.Check(ctx, op.actor, c.Node, c.Perm)
		if err != nil {
			logging.WithContext(ctx).Error("permission check failed",
				zap.String("node", c.Node.Describe(false)),
				zap.String("perm", string(c.Perm)),
				zap.Error(err))
			ok = false
		}
		if ok {
			continue
		}
		if serr := op.deps.ACL.SafeError(ctx, op.actor, c.Node, c.Perm); serr != nil {
			return serr
		}
		return vfs.NewError(op.def.Name, c.Node.Describe(false), vfs.ErrPermissionDenied)
	}
	return nil
}

// checkQuota denies growth beyond the user's quota when the accounting
// collaborator enforces one. An unavailable quota lookup does not block.
func (op *Operation) checkQuota(ctx context.Context, usage Usage) error {
	if usage.Delta <= 0 {
		return nil
	}
	qc, ok := op.deps.Usage.(QuotaChecker)
	if !ok {
		return nil
	}
	allowed, err := qc.CheckStorageQuota(ctx, usage.UserID, usage.Delta)
	if err != nil {
		logging.WithContext(ctx).Warn("quota check failed", zap.Int64("user_id", usage.UserID), zap.Error(err))
		return nil
	}
	if allowed {
		return nil
	}
	metrics.RecordQuotaExceeded()
	return vfs.NewError(op.def.Name, op.subject(),
		fmt.Errorf("%w: quota exceeded", vfs.ErrPermissionDenied))
}

func (op *Operation) succeededAny() bool {
	for _, o := range op.Outcomes() {
		if o.OK() {
			return true
		}
	}
	return false
}

// reportUsage reports the delta at most once. Failures are logged and
// counted; the mutation stands regardless.
func (op *Operation) reportUsage(ctx context.Context) {
	usage := op.usage
	if usage.Delta == 0 || op.deps.Usage == nil {
		return
	}
	op.usageOnce.Do(func() {
		err := op.deps.Usage.ChangeUsage(ctx, usage.UserID, usage.Delta)
		metrics.RecordUsageReport(usage.Delta, err == nil)
		if err != nil {
			logging.WithContext(ctx).Error("usage accounting failed",
				zap.Int64("user_id", usage.UserID),
				zap.Int64("delta", usage.Delta),
				zap.Error(err))
		}
	})
}

func (op *Operation) finish() error {
	outcomes := op.Outcomes()

	var failed []error
	for _, o := range outcomes {
		if !o.OK() {
			failed = append(failed, o.Err)
		}
	}

	switch {
	case len(failed) == 0:
		op.setState(StateSucceeded)
		return nil
	case len(failed) == 1 && len(outcomes) == 1:
		op.setState(StateFailed)
		return op.wrap(failed[0])
	case len(failed) == len(outcomes):
		op.setState(StateFailed)
		return vfs.NewError(op.def.Name, op.subject(), errors.Join(failed...))
	default:
		op.setState(StatePartiallyFailed)
		return &PartialFailure{Op: op.def.Name, Subject: op.subject(), Outcomes: outcomes}
	}
}

func (op *Operation) complete(state State, err error) {
	ev := op.event(events.EventComplete)
	ev.State = state.String()
	if err != nil {
		ev.Error = vfs.SafeMessage(err)
	}
	if r := op.Result(); r != nil && err == nil {
		ev.UID = r.UID
		ev.Path = r.Path
		ev.Size = r.Size
	}
	op.mu.Lock()
	ev.Checksum = op.checksum
	op.mu.Unlock()
	op.deps.publisher().Publish(ev)
}
