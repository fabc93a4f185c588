package filesystem

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/cloudfs/internal/acl"
	"github.com/fruitsalade/cloudfs/internal/filecache"
	"github.com/fruitsalade/cloudfs/internal/llop"
	"github.com/fruitsalade/cloudfs/internal/quota"
	"github.com/fruitsalade/cloudfs/internal/vfs"
	"github.com/fruitsalade/cloudfs/internal/vfs/memfs"
)

var (
	alice = vfs.Actor{UserID: 1, Username: "alice"}
	bob   = vfs.Actor{UserID: 2, Username: "bob"}
)

type fixture struct {
	svc     *Service
	root    *memfs.FS
	archive *memfs.FS
	grants  *acl.MemoryGrants
	usage   *quota.Memory
	cache   *filecache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	root := memfs.New("root", "/", nil)
	archive := memfs.New("archive", "/archive", nil)
	for _, home := range []struct {
		fs    *memfs.FS
		under string
		owner int64
	}{{root, "/", 1}, {archive, "/archive", 1}} {
		_, err := home.fs.Mkdir(ctx, vfs.PathSelector{Value: home.under}, "alice", vfs.MkdirOptions{OwnerID: home.owner})
		require.NoError(t, err)
	}

	mounts := vfs.NewMounts()
	require.NoError(t, mounts.Mount("/", root))
	require.NoError(t, mounts.Mount("/archive", archive))

	cache, err := filecache.New(filecache.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	grants := acl.NewMemoryGrants()
	usage := quota.NewMemory()
	svc, err := New(mounts, llop.Deps{ACL: acl.NewPolicy(grants), Usage: usage}, cache)
	require.NoError(t, err)

	return &fixture{svc: svc, root: root, archive: archive, grants: grants, usage: usage, cache: cache}
}

func path(p string) vfs.Selector { return vfs.PathSelector{Value: p} }

func TestParseSelector(t *testing.T) {
	id := uuid.NewString()
	tests := []struct {
		in      string
		want    vfs.Selector
		wantErr bool
	}{
		{"/alice/../alice/docs/", vfs.PathSelector{Value: "/alice/docs"}, false},
		{"  /a ", vfs.PathSelector{Value: "/a"}, false},
		{"uid:" + id, vfs.UIDSelector{Value: id}, false},
		{"uid:not-a-uuid", nil, true},
		{"relative/path", nil, true},
		{"", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSelector(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, vfs.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNodeValidatesSelectors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Node(vfs.UIDSelector{Value: "42"})
	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)

	_, err = f.svc.Node(vfs.InternalIDSelector{Backend: "root"})
	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)

	_, err = f.svc.Node(vfs.InternalIDSelector{Backend: "nowhere", ID: 7})
	assert.ErrorIs(t, err, vfs.ErrNotFound)

	n, err := f.svc.Node(path("/archive/alice"))
	require.NoError(t, err)
	assert.Same(t, f.archive, n.Backend())
}

func TestWriteAndReadThroughCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	st, err := f.svc.Write(ctx, alice, path("/alice/notes.txt"), []byte("first"), llop.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Size)

	data, err := f.svc.ReadFile(ctx, alice, path("/alice/notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
	assert.Equal(t, 1, f.svc.CacheStats().Entries)
	assert.Equal(t, filecache.PhasePrecache, f.cache.Phase("root:/alice/notes.txt"))

	_, err = f.svc.Write(ctx, alice, path("/alice/notes.txt"), []byte("second!"), llop.WriteOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, 0, f.svc.CacheStats().Entries)

	data, err = f.svc.ReadFile(ctx, alice, path("/alice/notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second!", string(data))

	used, err := f.usage.GetUsage(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), used)
}

func TestReadByUID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	st, err := f.svc.Write(ctx, alice, path("/alice/a.txt"), []byte("hello"), llop.WriteOptions{})
	require.NoError(t, err)

	sel, err := ParseSelector("uid:" + st.UID)
	require.NoError(t, err)
	data, err := f.svc.ReadFile(ctx, alice, sel)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReadHiddenFromStrangers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.Write(ctx, alice, path("/alice/secret.txt"), []byte("x"), llop.WriteOptions{})
	require.NoError(t, err)

	_, err = f.svc.ReadFile(ctx, bob, path("/alice/secret.txt"))
	assert.ErrorIs(t, err, vfs.ErrNotFound)

	f.grants.Set(bob.UserID, "/alice", vfs.PermRead)
	data, err := f.svc.ReadFile(ctx, bob, path("/alice/secret.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	err = f.svc.Remove(ctx, bob, path("/alice/secret.txt"), llop.RemoveOptions{})
	assert.ErrorIs(t, err, vfs.ErrPermissionDenied)
}

func TestReaddirListsMounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	admin := vfs.Actor{UserID: 99, Admin: true}

	entries, err := f.svc.Readdir(ctx, admin, path("/"))
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"alice", "archive"}, names)

	_, err = f.svc.Readdir(ctx, admin, path("/nope"))
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestRemoveInvalidatesDescendants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Mkdir(ctx, alice, path("/alice"), "docs")
	require.NoError(t, err)
	for _, name := range []string{"a.txt", "b.txt"} {
		_, err := f.svc.Write(ctx, alice, path("/alice/docs/"+name), []byte(name), llop.WriteOptions{})
		require.NoError(t, err)
		_, err = f.svc.ReadFile(ctx, alice, path("/alice/docs/"+name))
		require.NoError(t, err)
	}
	_, err = f.svc.Write(ctx, alice, path("/alice/keep.txt"), []byte("keep"), llop.WriteOptions{})
	require.NoError(t, err)
	_, err = f.svc.ReadFile(ctx, alice, path("/alice/keep.txt"))
	require.NoError(t, err)
	require.Equal(t, 3, f.svc.CacheStats().Entries)

	require.NoError(t, f.svc.Remove(ctx, alice, path("/alice/docs"), llop.RemoveOptions{Recursive: true}))

	assert.Equal(t, 1, f.svc.CacheStats().Entries)
	_, err = f.svc.Stat(ctx, alice, path("/alice/docs"))
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestMoveAndCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Write(ctx, alice, path("/alice/a.txt"), []byte("hello"), llop.WriteOptions{})
	require.NoError(t, err)
	_, err = f.svc.ReadFile(ctx, alice, path("/alice/a.txt"))
	require.NoError(t, err)

	st, err := f.svc.Move(ctx, alice, path("/alice/a.txt"), path("/alice"), "b.txt", llop.MoveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/alice/b.txt", st.Path)
	assert.Equal(t, filecache.PhaseGone, f.cache.Phase("root:/alice/a.txt"))

	st, err = f.svc.Copy(ctx, alice, path("/alice/b.txt"), path("/archive/alice"), "b.txt", llop.CopyOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/archive/alice/b.txt", st.Path)

	data, err := f.svc.ReadFile(ctx, alice, path("/archive/alice/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	used, err := f.usage.GetUsage(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), used)

	_, err = f.svc.Move(ctx, alice, path("/alice/b.txt"), path("/archive/alice"), "c.txt", llop.MoveOptions{})
	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)
}

func TestImmutableFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Write(ctx, alice, path("/alice/contract.pdf"), []byte("%PDF-1.4"), llop.WriteOptions{Immutable: true})
	require.NoError(t, err)

	err = f.svc.Remove(ctx, alice, path("/alice/contract.pdf"), llop.RemoveOptions{})
	assert.ErrorIs(t, err, vfs.ErrPermissionDenied)

	_, err = f.svc.Write(ctx, alice, path("/alice/contract.pdf"), []byte("changed"), llop.WriteOptions{Overwrite: true})
	assert.ErrorIs(t, err, vfs.ErrPermissionDenied)

	st, err := f.svc.Stat(ctx, alice, path("/alice/contract.pdf"))
	require.NoError(t, err)
	assert.True(t, st.Immutable)
	assert.Equal(t, "application/pdf", st.ContentType)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, llop.Deps{}, nil)
	assert.Error(t, err)

	_, err = New(vfs.NewMounts(), llop.Deps{}, nil)
	assert.Error(t, err)

	svc, err := New(vfs.NewMounts(), llop.Deps{ACL: acl.NewPolicy(acl.NewMemoryGrants())}, nil)
	require.NoError(t, err)
	assert.Zero(t, svc.CacheStats())
	assert.Nil(t, svc.CacheEntries())
}
