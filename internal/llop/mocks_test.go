package llop

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/fruitsalade/cloudfs/internal/events"
	"github.com/fruitsalade/cloudfs/internal/storage"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// MockACL is a mock AccessControl.
type MockACL struct {
	mock.Mock
}

func (m *MockACL) Check(ctx context.Context, actor vfs.Actor, node *vfs.Node, perm vfs.Permission) (bool, error) {
	args := m.Called(ctx, actor, node, perm)
	return args.Bool(0), args.Error(1)
}

func (m *MockACL) SafeError(ctx context.Context, actor vfs.Actor, node *vfs.Node, perm vfs.Permission) error {
	args := m.Called(ctx, actor, node, perm)
	return args.Error(0)
}

// allowAll returns an ACL that grants everything.
func allowAll(t *testing.T) *MockACL {
	t.Helper()
	m := new(MockACL)
	m.On("Check", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Maybe()
	return m
}

// MockUsage is a mock UsageAccounting.
type MockUsage struct {
	mock.Mock
}

func (m *MockUsage) ChangeUsage(ctx context.Context, userID, delta int64) error {
	args := m.Called(ctx, userID, delta)
	return args.Error(0)
}

// MockBackend is a mock object-backed BackendAPI.
type MockBackend struct {
	mock.Mock
	objects storage.ObjectStore
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Capabilities() vfs.Capability { return vfs.VerboseReaddir }

func (m *MockBackend) Objects() storage.ObjectStore { return m.objects }

func (m *MockBackend) Stat(ctx context.Context, sel vfs.Selector, opts vfs.StatOptions) (*vfs.StatResult, error) {
	args := m.Called(ctx, sel, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vfs.StatResult), args.Error(1)
}

func (m *MockBackend) Readdir(ctx context.Context, sel vfs.Selector) ([]vfs.DirEntry, error) {
	args := m.Called(ctx, sel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vfs.DirEntry), args.Error(1)
}

func (m *MockBackend) Mkdir(ctx context.Context, parent vfs.Selector, name string, opts vfs.MkdirOptions) (*vfs.StatResult, error) {
	args := m.Called(ctx, parent, name, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vfs.StatResult), args.Error(1)
}

func (m *MockBackend) Copy(ctx context.Context, from, to vfs.Selector, opts vfs.TransferOptions) (*vfs.StatResult, error) {
	args := m.Called(ctx, from, to, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vfs.StatResult), args.Error(1)
}

func (m *MockBackend) Rename(ctx context.Context, from, to vfs.Selector, opts vfs.TransferOptions) (*vfs.StatResult, error) {
	args := m.Called(ctx, from, to, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vfs.StatResult), args.Error(1)
}

func (m *MockBackend) Delete(ctx context.Context, sel vfs.Selector, opts vfs.DeleteOptions) error {
	args := m.Called(ctx, sel, opts)
	return args.Error(0)
}

func (m *MockBackend) ReadFile(ctx context.Context, sel vfs.Selector) ([]byte, error) {
	args := m.Called(ctx, sel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBackend) WriteFile(ctx context.Context, sel vfs.Selector, data []byte, opts vfs.WriteOptions) (*vfs.StatResult, error) {
	args := m.Called(ctx, sel, data, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vfs.StatResult), args.Error(1)
}

// MockObjects is a mock ObjectStore.
type MockObjects struct {
	mock.Mock
}

func (m *MockObjects) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	args := m.Called(ctx, key, offset, length)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(io.ReadCloser), args.Get(1).(int64), args.Error(2)
}

func (m *MockObjects) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	args := m.Called(ctx, key, body, size, contentType)
	return args.Error(0)
}

func (m *MockObjects) DeleteObject(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockObjects) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	args := m.Called(ctx, srcKey, dstKey)
	return args.Error(0)
}

func (m *MockObjects) ObjectExists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockObjects) Type() string { return "mock" }

func (m *MockObjects) Close() error { return nil }

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) progressSum() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, e := range r.events {
		if e.Type == events.EventProgress {
			sum += e.Delta
		}
	}
	return sum
}
