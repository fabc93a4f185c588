package memfs

import (
	"context"
	"errors"
	"testing"

	"github.com/fruitsalade/cloudfs/internal/storage/local"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

type countingSink struct{ total int64 }

func (c *countingSink) Add(n int64) { c.total += n }

func path(p string) vfs.Selector { return vfs.PathSelector{Value: p} }

func write(t *testing.T, f *FS, p, content string) *vfs.StatResult {
	t.Helper()
	st, err := f.WriteFile(context.Background(), path(p), []byte(content), vfs.WriteOptions{Create: true})
	if err != nil {
		t.Fatalf("WriteFile %s: %v", p, err)
	}
	return st
}

func TestStatBySelectors(t *testing.T) {
	f := New("mem", "/", nil)
	ctx := context.Background()
	st := write(t, f, "/a.txt", "hello")

	for _, sel := range []vfs.Selector{
		path("/a.txt"),
		vfs.UIDSelector{Value: st.UID},
		vfs.InternalIDSelector{Backend: "mem", ID: st.InternalID},
	} {
		got, err := f.Stat(ctx, sel, vfs.StatOptions{})
		if err != nil {
			t.Fatalf("Stat %s: %v", sel.Describe(false), err)
		}
		if got.UID != st.UID || got.Size != 5 {
			t.Errorf("Stat %s = %+v", sel.Describe(false), got)
		}
	}

	_, err := f.Stat(ctx, vfs.InternalIDSelector{Backend: "other", ID: st.InternalID}, vfs.StatOptions{})
	if !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("foreign internal id: err = %v, want NotFound", err)
	}
}

func TestReaddirSorted(t *testing.T) {
	f := New("mem", "/", nil)
	ctx := context.Background()
	for _, name := range []string{"c", "a", "b"} {
		write(t, f, "/"+name, name)
	}

	entries, err := f.Readdir(ctx, path("/"))
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	for i, want := range []string{"a", "b", "c"} {
		if entries[i].Name != want || entries[i].Full == nil {
			t.Errorf("entry %d = %+v, want %s with full stat", i, entries[i], want)
		}
	}
}

func TestMkdirCollision(t *testing.T) {
	f := New("mem", "/", nil)
	ctx := context.Background()
	if _, err := f.Mkdir(ctx, path("/"), "docs", vfs.MkdirOptions{OwnerID: 7}); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	_, err := f.Mkdir(ctx, path("/"), "docs", vfs.MkdirOptions{})
	if !errors.Is(err, vfs.ErrAlreadyExists) {
		t.Errorf("second Mkdir: err = %v, want AlreadyExists", err)
	}

	st, err := f.Mkdir(ctx, path("/x/y"), "z", vfs.MkdirOptions{Parents: true})
	if err != nil {
		t.Fatalf("Mkdir parents: %v", err)
	}
	if st.Path != "/x/y/z" {
		t.Errorf("path = %s", st.Path)
	}
}

func TestDeleteNonEmpty(t *testing.T) {
	f := New("mem", "/", nil)
	ctx := context.Background()
	if _, err := f.Mkdir(ctx, path("/"), "d", vfs.MkdirOptions{}); err != nil {
		t.Fatal(err)
	}
	write(t, f, "/d/file", "x")

	if err := f.Delete(ctx, path("/d"), vfs.DeleteOptions{}); !errors.Is(err, vfs.ErrDirectoryNotEmpty) {
		t.Fatalf("Delete: err = %v, want DirectoryNotEmpty", err)
	}
	if err := f.Delete(ctx, path("/d"), vfs.DeleteOptions{Recursive: true}); err != nil {
		t.Fatalf("recursive Delete: %v", err)
	}
	if _, err := f.Stat(ctx, path("/d/file"), vfs.StatOptions{}); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("child still present: %v", err)
	}
	if err := f.Delete(ctx, path("/"), vfs.DeleteOptions{Recursive: true}); !errors.Is(err, vfs.ErrInvalidArgument) {
		t.Errorf("deleting mount root: err = %v", err)
	}
}

func TestCopyTree(t *testing.T) {
	f := New("mem", "/", nil)
	ctx := context.Background()
	if _, err := f.Mkdir(ctx, path("/"), "src", vfs.MkdirOptions{}); err != nil {
		t.Fatal(err)
	}
	write(t, f, "/src/one", "1111")
	write(t, f, "/src/two", "22")

	sink := &countingSink{}
	st, err := f.Copy(ctx, path("/src"), path("/dst"), vfs.TransferOptions{Progress: sink, OwnerID: 3})
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if st.Path != "/dst" || st.OwnerID != 3 {
		t.Errorf("copy stat = %+v", st)
	}
	if sink.total != 6 {
		t.Errorf("progress = %d, want 6", sink.total)
	}
	data, err := f.ReadFile(ctx, path("/dst/one"))
	if err != nil || string(data) != "1111" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}

	if _, err := f.Copy(ctx, path("/src"), path("/dst"), vfs.TransferOptions{}); !errors.Is(err, vfs.ErrAlreadyExists) {
		t.Errorf("copy onto existing: err = %v", err)
	}
	if _, err := f.Copy(ctx, path("/src"), path("/src/inner"), vfs.TransferOptions{}); !errors.Is(err, vfs.ErrInvalidArgument) {
		t.Errorf("copy into itself: err = %v", err)
	}
}

func TestRenameMovesSubtree(t *testing.T) {
	f := New("mem", "/", nil)
	ctx := context.Background()
	if _, err := f.Mkdir(ctx, path("/"), "a", vfs.MkdirOptions{}); err != nil {
		t.Fatal(err)
	}
	child := write(t, f, "/a/f", "x")

	if _, err := f.Rename(ctx, path("/a"), path("/b"), vfs.TransferOptions{}); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	st, err := f.Stat(ctx, vfs.UIDSelector{Value: child.UID}, vfs.StatOptions{})
	if err != nil {
		t.Fatalf("Stat moved child: %v", err)
	}
	if st.Path != "/b/f" {
		t.Errorf("child path = %s, want /b/f", st.Path)
	}
	if _, err := f.Stat(ctx, path("/a"), vfs.StatOptions{}); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("old path still resolves: %v", err)
	}
}

func TestRenameOverwrite(t *testing.T) {
	f := New("mem", "/", nil)
	ctx := context.Background()
	write(t, f, "/a", "new")
	write(t, f, "/b", "old")

	if _, err := f.Rename(ctx, path("/a"), path("/b"), vfs.TransferOptions{}); !errors.Is(err, vfs.ErrAlreadyExists) {
		t.Fatalf("err = %v, want AlreadyExists", err)
	}
	if _, err := f.Rename(ctx, path("/a"), path("/b"), vfs.TransferOptions{Overwrite: true}); err != nil {
		t.Fatalf("Rename overwrite: %v", err)
	}
	data, _ := f.ReadFile(ctx, path("/b"))
	if string(data) != "new" {
		t.Errorf("content = %q, want new", data)
	}
}

func TestWriteFileModes(t *testing.T) {
	f := New("mem", "/", nil)
	ctx := context.Background()

	if _, err := f.WriteFile(ctx, path("/f"), []byte("x"), vfs.WriteOptions{}); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("write without Create: err = %v", err)
	}
	write(t, f, "/f", "x")
	if _, err := f.WriteFile(ctx, path("/f"), []byte("y"), vfs.WriteOptions{Create: true}); !errors.Is(err, vfs.ErrAlreadyExists) {
		t.Errorf("write without Overwrite: err = %v", err)
	}
	if _, err := f.WriteFile(ctx, path("/missing/f"), []byte("y"), vfs.WriteOptions{Create: true}); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("write under missing parent: err = %v", err)
	}
	st, err := f.WriteFile(ctx, path("/f"), []byte("yy"), vfs.WriteOptions{Overwrite: true, ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if st.Size != 2 || st.ContentType != "text/plain" {
		t.Errorf("stat = %+v", st)
	}
}

func TestSymlinkFollow(t *testing.T) {
	f := New("mem", "/", nil)
	ctx := context.Background()
	write(t, f, "/target", "data")
	if _, err := f.Symlink(ctx, path("/"), "link", "target", 0); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	st, err := f.Stat(ctx, path("/link"), vfs.StatOptions{})
	if err != nil || st.Type != vfs.TypeSymlink {
		t.Fatalf("Stat link = %+v, %v", st, err)
	}
	st, err = f.Stat(ctx, path("/link"), vfs.StatOptions{FollowSymlinks: true})
	if err != nil || st.Type != vfs.TypeFile || st.Path != "/target" {
		t.Errorf("Stat followed = %+v, %v", st, err)
	}
}

func TestObjectBackedContent(t *testing.T) {
	store, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	f := New("mem", "/", store)
	ctx := context.Background()

	st := write(t, f, "/obj", "payload")
	if st.ContentKey == "" {
		t.Fatal("ContentKey not set")
	}
	if ok, _ := store.ObjectExists(ctx, st.ContentKey); !ok {
		t.Fatal("object not stored")
	}
	data, err := f.ReadFile(ctx, path("/obj"))
	if err != nil || string(data) != "payload" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}

	if err := f.Delete(ctx, path("/obj"), vfs.DeleteOptions{MetadataOnly: true}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := store.ObjectExists(ctx, st.ContentKey); !ok {
		t.Error("MetadataOnly delete removed the object")
	}
}

func TestOpenRequiresObjectStore(t *testing.T) {
	_, err := Open(context.Background(), "mem", "/", []byte(`{"object_store":true}`), vfs.Resources{})
	if err == nil {
		t.Error("expected error without object store")
	}
	b, err := Open(context.Background(), "mem", "/home", nil, vfs.Resources{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.Stat(context.Background(), path("/home"), vfs.StatOptions{}); err != nil {
		t.Errorf("mount root missing: %v", err)
	}
}

// flakyCopies fails every CopyObject after the first `ok` calls.
type flakyCopies struct {
	*local.Store
	ok     int
	copied []string
}

func (s *flakyCopies) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	if len(s.copied) >= s.ok {
		return errors.New("connection reset")
	}
	s.copied = append(s.copied, dstKey)
	return s.Store.CopyObject(ctx, srcKey, dstKey)
}

func TestCopyFailureLeavesNoPartialTree(t *testing.T) {
	base, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	store := &flakyCopies{Store: base, ok: 1}
	f := New("mem", "/", store)
	ctx := context.Background()

	if _, err := f.Mkdir(ctx, path("/"), "src", vfs.MkdirOptions{}); err != nil {
		t.Fatal(err)
	}
	write(t, f, "/src/a", "aaa")
	write(t, f, "/src/b", "bbb")

	_, err = f.Copy(ctx, path("/src"), path("/dst"), vfs.TransferOptions{})
	if !errors.Is(err, vfs.ErrBackendUnavailable) {
		t.Fatalf("Copy err = %v, want BackendUnavailable", err)
	}
	if _, err := f.Stat(ctx, path("/dst"), vfs.StatOptions{}); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("partial copy left behind: %v", err)
	}
	if _, err := f.Stat(ctx, path("/dst/a"), vfs.StatOptions{}); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("partial child left behind: %v", err)
	}
	if len(store.copied) != 1 {
		t.Fatalf("copied = %v, want one object", store.copied)
	}
	if ok, _ := base.ObjectExists(ctx, store.copied[0]); ok {
		t.Error("object of the abandoned copy was not deleted")
	}

	store.ok = 10
	if _, err := f.Copy(ctx, path("/src"), path("/dst"), vfs.TransferOptions{}); err != nil {
		t.Fatalf("retried Copy: %v", err)
	}
	data, err := f.ReadFile(ctx, path("/dst/b"))
	if err != nil || string(data) != "bbb" {
		t.Errorf("ReadFile /dst/b = %q, %v", data, err)
	}
}
