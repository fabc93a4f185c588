package llop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/cloudfs/internal/events"
	"github.com/fruitsalade/cloudfs/internal/quota"
	"github.com/fruitsalade/cloudfs/internal/vfs"
	"github.com/fruitsalade/cloudfs/internal/vfs/memfs"
)

func read(t *testing.T, b vfs.BackendAPI, p string) string {
	t.Helper()
	data, err := b.ReadFile(context.Background(), vfs.PathSelector{Value: p})
	require.NoError(t, err, "ReadFile %s", p)
	return string(data)
}

func outcomeNames(op *Operation) []string {
	var names []string
	for _, o := range op.Outcomes() {
		names = append(names, o.Name)
	}
	return names
}

func TestCopyDirectoryFanOut(t *testing.T) {
	ctx := context.Background()
	f := memfs.New("mem", "/", nil)
	mkdir(t, f, "/", "src")
	write(t, f, "/src/a.txt", "hello", vfs.WriteOptions{})
	write(t, f, "/src/b.txt", "abc", vfs.WriteOptions{})
	mkdir(t, f, "/src", "sub")
	write(t, f, "/src/sub/c.txt", "xy", vfs.WriteOptions{})

	usage := new(MockUsage)
	usage.On("ChangeUsage", mock.Anything, alice.UserID, int64(10)).Return(nil).Once()
	rec := &recorder{}

	op := NewCopy(Deps{ACL: allowAll(t), Usage: usage, Events: rec}, alice, at(f, "/src"), at(f, "/"), "dst", CopyOptions{})
	st, err := op.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, "/dst", st.Path)
	assert.Equal(t, []string{"create-directory", "copy-child:a.txt", "copy-child:b.txt", "copy-child:sub"}, outcomeNames(op))
	assert.Equal(t, "hello", read(t, f, "/dst/a.txt"))
	assert.Equal(t, "xy", read(t, f, "/dst/sub/c.txt"))
	assert.Equal(t, "hello", read(t, f, "/src/a.txt"))

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.EventPending, types[0])
	assert.Equal(t, events.EventComplete, types[len(types)-1])
	assert.Equal(t, int64(10), rec.progressSum())

	last := rec.last()
	assert.Equal(t, "succeeded", last.State)
	assert.Equal(t, "/dst", last.Path)
	assert.Equal(t, st.UID, last.UID)
	usage.AssertExpectations(t)
}

func TestCopyOverwriteChargesDifference(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	write(t, f, "/a.txt", "hello world", vfs.WriteOptions{})
	write(t, f, "/b.txt", "hey", vfs.WriteOptions{})

	usage := new(MockUsage)
	usage.On("ChangeUsage", mock.Anything, alice.UserID, int64(8)).Return(nil).Once()

	op := NewCopy(Deps{ACL: allowAll(t), Usage: usage}, alice, at(f, "/a.txt"), at(f, "/"), "b.txt", CopyOptions{Overwrite: true})
	_, err := op.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"storage-copy"}, outcomeNames(op))
	assert.Equal(t, "hello world", read(t, f, "/b.txt"))
	usage.AssertExpectations(t)
}

func TestCopyExistingDestination(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	write(t, f, "/a.txt", "one", vfs.WriteOptions{})
	write(t, f, "/b.txt", "two", vfs.WriteOptions{})
	acl := new(MockACL)

	op := NewCopy(Deps{ACL: acl}, alice, at(f, "/a.txt"), at(f, "/"), "b.txt", CopyOptions{})
	_, err := op.Run(context.Background())

	assert.ErrorIs(t, err, vfs.ErrAlreadyExists)
	assert.Equal(t, StateFailed, op.State())
	assert.Equal(t, "two", read(t, f, "/b.txt"))
	acl.AssertNumberOfCalls(t, "Check", 0)
}

func TestCopyIntoItself(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	mkdir(t, f, "/", "src")

	op := NewCopy(Deps{ACL: allowAll(t)}, alice, at(f, "/src"), at(f, "/src"), "inner", CopyOptions{})
	_, err := op.Run(context.Background())

	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)
	assert.False(t, exists(t, f, "/src/inner"))
}

func TestCopyInvalidName(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	write(t, f, "/a.txt", "x", vfs.WriteOptions{})

	op := NewCopy(Deps{ACL: allowAll(t)}, alice, at(f, "/a.txt"), at(f, "/"), "../b", CopyOptions{})
	_, err := op.Run(context.Background())

	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)
}

func TestCopyAcrossBackends(t *testing.T) {
	ctx := context.Background()
	home := memfs.New("home", "/", nil)
	archive := memfs.New("archive", "/archive", nil)
	mkdir(t, home, "/", "src")
	write(t, home, "/src/a.txt", "hello", vfs.WriteOptions{ContentType: "text/plain", Checksum: "abc"})
	mkdir(t, home, "/src", "sub")
	write(t, home, "/src/sub/b.txt", "world!", vfs.WriteOptions{})

	rec := &recorder{}
	op := NewCopy(Deps{ACL: allowAll(t), Events: rec}, alice, at(home, "/src"), at(archive, "/archive"), "src", CopyOptions{})
	st, err := op.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, "/archive/src", st.Path)
	assert.Equal(t, "hello", read(t, archive, "/archive/src/a.txt"))
	assert.Equal(t, "world!", read(t, archive, "/archive/src/sub/b.txt"))
	assert.Equal(t, int64(11), rec.progressSum())

	copied, err := archive.Stat(ctx, vfs.PathSelector{Value: "/archive/src/a.txt"}, vfs.StatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", copied.ContentType)
	assert.Equal(t, "abc", copied.Checksum)
	assert.Equal(t, alice.UserID, copied.OwnerID)
}

func TestCopyImmutableDestination(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	write(t, f, "/a.txt", "new", vfs.WriteOptions{})
	write(t, f, "/b.txt", "frozen", vfs.WriteOptions{Immutable: true})
	acl := new(MockACL)

	op := NewCopy(Deps{ACL: acl}, alice, at(f, "/a.txt"), at(f, "/"), "b.txt", CopyOptions{Overwrite: true})
	_, err := op.Run(context.Background())

	assert.ErrorIs(t, err, vfs.ErrPermissionDenied)
	assert.Equal(t, StateDenied, op.State())
	assert.Equal(t, "frozen", read(t, f, "/b.txt"))
	acl.AssertNumberOfCalls(t, "Check", 0)
}

func TestMove(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	write(t, f, "/a.txt", "hello", vfs.WriteOptions{})
	mkdir(t, f, "/", "dir")
	usage := new(MockUsage)

	op := NewMove(Deps{ACL: allowAll(t), Usage: usage}, alice, at(f, "/a.txt"), at(f, "/dir"), "b.txt", MoveOptions{})
	st, err := op.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/dir/b.txt", st.Path)
	assert.False(t, exists(t, f, "/a.txt"))
	assert.Equal(t, "hello", read(t, f, "/dir/b.txt"))
	assert.Equal(t, []string{"rename"}, outcomeNames(op))
	usage.AssertNotCalled(t, "ChangeUsage", mock.Anything, mock.Anything, mock.Anything)
}

func TestMoveOverwriteCreditsReplacedOwner(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	write(t, f, "/a.txt", "hello", vfs.WriteOptions{})
	write(t, f, "/b.txt", "12345", vfs.WriteOptions{OwnerID: 2})

	usage := new(MockUsage)
	usage.On("ChangeUsage", mock.Anything, int64(2), int64(-5)).Return(nil).Once()

	op := NewMove(Deps{ACL: allowAll(t), Usage: usage}, alice, at(f, "/a.txt"), at(f, "/"), "b.txt", MoveOptions{Overwrite: true})
	_, err := op.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "hello", read(t, f, "/b.txt"))
	usage.AssertExpectations(t)
}

func TestMoveAcrossBackends(t *testing.T) {
	home := memfs.New("home", "/", nil)
	archive := memfs.New("archive", "/archive", nil)
	write(t, home, "/a.txt", "hello", vfs.WriteOptions{})

	op := NewMove(Deps{ACL: allowAll(t)}, alice, at(home, "/a.txt"), at(archive, "/archive"), "a.txt", MoveOptions{})
	_, err := op.Run(context.Background())

	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)
	assert.Equal(t, StateFailed, op.State())
	assert.True(t, exists(t, home, "/a.txt"))
}

func TestMoveImmutableSource(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	write(t, f, "/a.txt", "hello", vfs.WriteOptions{Immutable: true})
	acl := new(MockACL)

	op := NewMove(Deps{ACL: acl}, alice, at(f, "/a.txt"), at(f, "/"), "b.txt", MoveOptions{})
	_, err := op.Run(context.Background())

	assert.ErrorIs(t, err, vfs.ErrPermissionDenied)
	assert.True(t, exists(t, f, "/a.txt"))
	acl.AssertNumberOfCalls(t, "Check", 0)
}

func TestWriteNewFile(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	data := []byte("hello world")

	usage := new(MockUsage)
	usage.On("ChangeUsage", mock.Anything, alice.UserID, int64(len(data))).Return(nil).Once()
	rec := &recorder{}

	op := NewWrite(Deps{ACL: allowAll(t), Usage: usage, Events: rec}, alice, at(f, "/notes.txt"), data, WriteOptions{})
	st, err := op.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/notes.txt", st.Path)
	assert.Equal(t, "text/plain; charset=utf-8", st.ContentType)
	assert.Equal(t, Checksum(data), st.Checksum)
	assert.Equal(t, alice.UserID, st.OwnerID)
	assert.Equal(t, "hello world", read(t, f, "/notes.txt"))

	last := rec.last()
	assert.Equal(t, events.EventComplete, last.Type)
	assert.Equal(t, Checksum(data), last.Checksum)
	assert.Equal(t, int64(len(data)), last.Size)
	assert.Equal(t, int64(len(data)), rec.progressSum())
	usage.AssertExpectations(t)
}

func TestWriteOverwrite(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	write(t, f, "/f.bin", "0123456789", vfs.WriteOptions{OwnerID: 2})

	usage := new(MockUsage)
	usage.On("ChangeUsage", mock.Anything, int64(2), int64(-6)).Return(nil).Once()

	op := NewWrite(Deps{ACL: allowAll(t), Usage: usage}, alice, at(f, "/f.bin"), []byte("abcd"), WriteOptions{Overwrite: true})
	st, err := op.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), st.OwnerID)
	assert.Equal(t, "abcd", read(t, f, "/f.bin"))
	usage.AssertExpectations(t)
}

func TestWriteExistingWithoutOverwrite(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	write(t, f, "/f.txt", "old", vfs.WriteOptions{})

	op := NewWrite(Deps{ACL: allowAll(t)}, alice, at(f, "/f.txt"), []byte("new"), WriteOptions{})
	_, err := op.Run(context.Background())

	assert.ErrorIs(t, err, vfs.ErrAlreadyExists)
	assert.Equal(t, "old", read(t, f, "/f.txt"))
}

func TestWriteMissingParent(t *testing.T) {
	f := memfs.New("mem", "/", nil)

	op := NewWrite(Deps{ACL: allowAll(t)}, alice, at(f, "/nope/f.txt"), []byte("x"), WriteOptions{})
	_, err := op.Run(context.Background())

	assert.ErrorIs(t, err, vfs.ErrNotFound)
	assert.Equal(t, StateFailed, op.State())
}

func TestWriteRejectsDirectory(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	mkdir(t, f, "/", "dir")

	op := NewWrite(Deps{ACL: allowAll(t)}, alice, at(f, "/dir"), []byte("x"), WriteOptions{Overwrite: true})
	_, err := op.Run(context.Background())

	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)
}

func TestWriteQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	f := memfs.New("mem", "/", nil)
	ledger := quota.NewMemory()
	ledger.SetQuota(alice.UserID, 5)

	op := NewWrite(Deps{ACL: allowAll(t), Usage: ledger}, alice, at(f, "/big.txt"), []byte("hello world"), WriteOptions{})
	_, err := op.Run(ctx)

	assert.ErrorIs(t, err, vfs.ErrPermissionDenied)
	assert.Equal(t, StateDenied, op.State())
	assert.False(t, exists(t, f, "/big.txt"))

	used, err := ledger.GetUsage(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestWriteWithinQuota(t *testing.T) {
	ctx := context.Background()
	f := memfs.New("mem", "/", nil)
	ledger := quota.NewMemory()
	ledger.SetQuota(alice.UserID, 100)

	_, err := NewWrite(Deps{ACL: allowAll(t), Usage: ledger}, alice, at(f, "/a.txt"), []byte("hello"), WriteOptions{}).Run(ctx)
	require.NoError(t, err)

	used, err := ledger.GetUsage(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)
}

func TestMkdir(t *testing.T) {
	f := memfs.New("mem", "/", nil)

	op := NewMkdir(Deps{ACL: allowAll(t)}, alice, at(f, "/"), "photos")
	st, err := op.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/photos", st.Path)
	assert.True(t, st.IsDir())
	assert.Equal(t, alice.UserID, st.OwnerID)
}

func TestMkdirExisting(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	mkdir(t, f, "/", "photos")

	_, err := NewMkdir(Deps{ACL: allowAll(t)}, alice, at(f, "/"), "photos").Run(context.Background())
	assert.ErrorIs(t, err, vfs.ErrAlreadyExists)
}

func TestMkdirInFile(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	write(t, f, "/a.txt", "x", vfs.WriteOptions{})

	_, err := NewMkdir(Deps{ACL: allowAll(t)}, alice, at(f, "/a.txt"), "sub").Run(context.Background())
	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)
}

func TestFailedRemoveKeepsUsage(t *testing.T) {
	ctx := context.Background()
	f := memfs.New("mem", "/", nil)
	mkdir(t, f, "/", "docs")
	write(t, f, "/docs/a.txt", "0123456789", vfs.WriteOptions{})
	ledger := quota.NewMemory()
	require.NoError(t, ledger.ChangeUsage(ctx, alice.UserID, 10))

	op := NewRemove(Deps{ACL: allowAll(t), Usage: ledger}, alice, at(f, "/docs"), RemoveOptions{})
	_, err := op.Run(ctx)

	assert.ErrorIs(t, err, vfs.ErrDirectoryNotEmpty)
	assert.Equal(t, StateFailed, op.State())
	assert.True(t, exists(t, f, "/docs/a.txt"))
	used, err := ledger.GetUsage(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), used)
}

func TestRemoveRecursiveRefusesImmutableDescendant(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	mkdir(t, f, "/", "docs")
	write(t, f, "/docs/a.txt", "plain", vfs.WriteOptions{})
	write(t, f, "/docs/locked.txt", "keep", vfs.WriteOptions{Immutable: true})
	acl := new(MockACL)
	usage := new(MockUsage)

	op := NewRemove(Deps{ACL: acl, Usage: usage}, alice, at(f, "/docs"), RemoveOptions{Recursive: true})
	_, err := op.Run(context.Background())

	assert.ErrorIs(t, err, vfs.ErrPermissionDenied)
	assert.Equal(t, StateDenied, op.State())
	assert.True(t, exists(t, f, "/docs/locked.txt"))
	assert.True(t, exists(t, f, "/docs/a.txt"))
	assert.Empty(t, op.Outcomes())
	acl.AssertNumberOfCalls(t, "Check", 0)
	usage.AssertNotCalled(t, "ChangeUsage", mock.Anything, mock.Anything, mock.Anything)
}

func TestCopyOverwriteRefusesImmutableDescendant(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	mkdir(t, f, "/", "src")
	write(t, f, "/src/a.txt", "new", vfs.WriteOptions{})
	mkdir(t, f, "/", "dst")
	mkdir(t, f, "/dst", "src")
	write(t, f, "/dst/src/locked.txt", "keep", vfs.WriteOptions{Immutable: true})
	acl := new(MockACL)

	op := NewCopy(Deps{ACL: acl}, alice, at(f, "/src"), at(f, "/dst"), "src", CopyOptions{Overwrite: true})
	_, err := op.Run(context.Background())

	assert.ErrorIs(t, err, vfs.ErrPermissionDenied)
	assert.Equal(t, StateDenied, op.State())
	assert.Equal(t, "keep", read(t, f, "/dst/src/locked.txt"))
	assert.False(t, exists(t, f, "/dst/src/a.txt"))
	acl.AssertNumberOfCalls(t, "Check", 0)
}

func TestMoveOverwriteRefusesImmutableDescendant(t *testing.T) {
	f := memfs.New("mem", "/", nil)
	mkdir(t, f, "/", "src")
	mkdir(t, f, "/", "dst")
	write(t, f, "/dst/locked.txt", "keep", vfs.WriteOptions{Immutable: true})
	acl := new(MockACL)

	op := NewMove(Deps{ACL: acl}, alice, at(f, "/src"), at(f, "/"), "dst", MoveOptions{Overwrite: true})
	_, err := op.Run(context.Background())

	assert.ErrorIs(t, err, vfs.ErrPermissionDenied)
	assert.True(t, exists(t, f, "/src"))
	assert.Equal(t, "keep", read(t, f, "/dst/locked.txt"))
	acl.AssertNumberOfCalls(t, "Check", 0)
}
