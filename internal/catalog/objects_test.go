package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T, s *Store) *Bucket {
	t.Helper()
	ctx := context.Background()
	u := &User{Username: "owner", Enabled: true}
	require.NoError(t, s.CreateUser(ctx, u))
	b := &Bucket{Name: "test-bucket", OwnerID: u.ID}
	require.NoError(t, s.CreateBucket(ctx, b))
	return b
}

func TestFindOrCreateObject(t *testing.T) {
	s := newTestStore(t)
	b := newTestBucket(t, s)
	ctx := context.Background()

	o, created, err := s.FindOrCreateObject(ctx, b.ID, RootParentID, "report.pdf", "application/pdf")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, o.ID)

	again, created, err := s.FindOrCreateObject(ctx, b.ID, RootParentID, "report.pdf", "text/plain")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, o.ID, again.ID)
	// Overwrites keep the original row; mime changes go through
	// UpdateObjectContent.
	assert.Equal(t, "application/pdf", again.MimeType)
}

func TestObjectUniquePerDirectory(t *testing.T) {
	s := newTestStore(t)
	b := newTestBucket(t, s)
	ctx := context.Background()

	require.NoError(t, s.CreateObject(ctx, &Object{
		BucketID: b.ID, ParentID: RootParentID, Filename: "a.txt", MimeType: "text/plain",
	}))
	err := s.CreateObject(ctx, &Object{
		BucketID: b.ID, ParentID: RootParentID, Filename: "a.txt", MimeType: "text/plain",
	})
	assert.ErrorIs(t, err, ErrDuplicateObject)

	// Same name under a different parent is fine.
	folder, err := s.EnsureFolder(ctx, b.ID, RootParentID, "docs")
	require.NoError(t, err)
	require.NoError(t, s.CreateObject(ctx, &Object{
		BucketID: b.ID, ParentID: folder.ID, Filename: "a.txt", MimeType: "text/plain",
	}))
}

func TestEnsureFolderRejectsFiles(t *testing.T) {
	s := newTestStore(t)
	b := newTestBucket(t, s)
	ctx := context.Background()

	require.NoError(t, s.CreateObject(ctx, &Object{
		BucketID: b.ID, ParentID: RootParentID, Filename: "notes", MimeType: "text/plain",
	}))
	_, err := s.EnsureFolder(ctx, b.ID, RootParentID, "notes")
	assert.ErrorIs(t, err, ErrDuplicateObject)
}

func TestListChildrenOrdered(t *testing.T) {
	s := newTestStore(t)
	b := newTestBucket(t, s)
	ctx := context.Background()

	for _, name := range []string{"zebra.txt", "alpha.txt", "mid.txt"} {
		require.NoError(t, s.CreateObject(ctx, &Object{
			BucketID: b.ID, ParentID: RootParentID, Filename: name, MimeType: "text/plain",
		}))
	}

	children, err := s.ListChildren(ctx, b.ID, RootParentID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "alpha.txt", children[0].Filename)
	assert.Equal(t, "mid.txt", children[1].Filename)
	assert.Equal(t, "zebra.txt", children[2].Filename)
}

func TestDeleteObjectTree(t *testing.T) {
	s := newTestStore(t)
	b := newTestBucket(t, s)
	ctx := context.Background()

	docs, err := s.EnsureFolder(ctx, b.ID, RootParentID, "docs")
	require.NoError(t, err)
	sub, err := s.EnsureFolder(ctx, b.ID, docs.ID, "2024")
	require.NoError(t, err)

	file1 := &Object{BucketID: b.ID, ParentID: docs.ID, Filename: "a.txt", MimeType: "text/plain", Size: 10}
	file2 := &Object{BucketID: b.ID, ParentID: sub.ID, Filename: "b.txt", MimeType: "text/plain", Size: 20}
	require.NoError(t, s.CreateObject(ctx, file1))
	require.NoError(t, s.CreateObject(ctx, file2))

	removed, err := s.DeleteObjectTree(ctx, docs.ID)
	require.NoError(t, err)
	assert.Len(t, removed, 4)

	files := 0
	for _, o := range removed {
		if !o.IsFolder() {
			files++
		}
	}
	assert.Equal(t, 2, files)

	_, err = s.GetObjectByID(ctx, file2.ID)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	left, err := s.ListObjectsByBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDeleteObjectTreeSingleFile(t *testing.T) {
	s := newTestStore(t)
	b := newTestBucket(t, s)
	ctx := context.Background()

	f := &Object{BucketID: b.ID, ParentID: RootParentID, Filename: "solo.bin", MimeType: "application/octet-stream"}
	require.NoError(t, s.CreateObject(ctx, f))

	removed, err := s.DeleteObjectTree(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, f.ID, removed[0].ID)

	_, err = s.DeleteObjectTree(ctx, f.ID)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestClearEmptyParents(t *testing.T) {
	s := newTestStore(t)
	b := newTestBucket(t, s)
	ctx := context.Background()

	a, err := s.EnsureFolder(ctx, b.ID, RootParentID, "a")
	require.NoError(t, err)
	bDir, err := s.EnsureFolder(ctx, b.ID, a.ID, "b")
	require.NoError(t, err)
	c, err := s.EnsureFolder(ctx, b.ID, bDir.ID, "c")
	require.NoError(t, err)

	keep := &Object{BucketID: b.ID, ParentID: a.ID, Filename: "keep.txt", MimeType: "text/plain"}
	require.NoError(t, s.CreateObject(ctx, keep))

	// c and b are empty after the walk; a still holds keep.txt.
	deleted, err := s.ClearEmptyParents(ctx, b.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = s.GetObjectByID(ctx, c.ID)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	_, err = s.GetObjectByID(ctx, bDir.ID)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	_, err = s.GetObjectByID(ctx, a.ID)
	assert.NoError(t, err)
}

func TestAggregateUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	owner := &User{Username: "judy", Enabled: true}
	require.NoError(t, s.CreateUser(ctx, owner))
	other := &User{Username: "mallory", Enabled: true}
	require.NoError(t, s.CreateUser(ctx, other))

	b1 := &Bucket{Name: "judy-one", OwnerID: owner.ID}
	b2 := &Bucket{Name: "judy-two", OwnerID: owner.ID}
	b3 := &Bucket{Name: "mallory-one", OwnerID: other.ID}
	for _, b := range []*Bucket{b1, b2, b3} {
		require.NoError(t, s.CreateBucket(ctx, b))
	}

	folder, err := s.EnsureFolder(ctx, b1.ID, RootParentID, "dir")
	require.NoError(t, err)
	require.NoError(t, s.CreateObject(ctx, &Object{BucketID: b1.ID, ParentID: folder.ID, Filename: "x", MimeType: "text/plain", Size: 100}))
	require.NoError(t, s.CreateObject(ctx, &Object{BucketID: b2.ID, ParentID: RootParentID, Filename: "y", MimeType: "text/plain", Size: 40}))
	require.NoError(t, s.CreateObject(ctx, &Object{BucketID: b3.ID, ParentID: RootParentID, Filename: "z", MimeType: "text/plain", Size: 7}))

	got, err := s.AggregateBucketUsage(ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got)

	// Folders do not count toward usage.
	got, err = s.AggregateOwnerUsage(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(140), got)

	got, err = s.AggregateOwnerUsage(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)

	empty := &Bucket{Name: "empty-bucket", OwnerID: other.ID}
	require.NoError(t, s.CreateBucket(ctx, empty))
	got, err = s.AggregateBucketUsage(ctx, empty.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestUpdateObjectContent(t *testing.T) {
	s := newTestStore(t)
	b := newTestBucket(t, s)
	ctx := context.Background()

	o := &Object{BucketID: b.ID, ParentID: RootParentID, Filename: "f.bin", MimeType: "application/octet-stream", Size: 5}
	require.NoError(t, s.CreateObject(ctx, o))

	require.NoError(t, s.UpdateObjectContent(ctx, o.ID, 4096, "image/png"))
	got, err := s.GetObjectByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.Size)
	assert.Equal(t, "image/png", got.MimeType)

	assert.ErrorIs(t, s.UpdateObjectContent(ctx, "missing", 1, "x"), ErrObjectNotFound)
}
