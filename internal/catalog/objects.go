package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateObject inserts a new object row. A missing ID is generated.
func (s *Store) CreateObject(ctx context.Context, o *Object) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateObject
		}
		return err
	}
	return nil
}

// GetObjectByID fetches an object by primary key.
func (s *Store) GetObjectByID(ctx context.Context, id string) (*Object, error) {
	var o Object
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, notFound(err, ErrObjectNotFound)
	}
	return &o, nil
}

// FindObjectInDir looks up the object named filename directly under parentID.
// Use RootParentID for the bucket root.
func (s *Store) FindObjectInDir(ctx context.Context, bucketID, parentID, filename string) (*Object, error) {
	var o Object
	err := s.db.WithContext(ctx).
		First(&o, "bucket_id = ? AND parent_id = ? AND filename = ?", bucketID, parentID, filename).Error
	if err != nil {
		return nil, notFound(err, ErrObjectNotFound)
	}
	return &o, nil
}

// FindOrCreateObject returns the object named filename under parentID,
// creating it with the given mime type when absent. The boolean reports
// whether a new row was inserted. A concurrent insert losing the race
// falls back to the winner's row.
func (s *Store) FindOrCreateObject(ctx context.Context, bucketID, parentID, filename, mimeType string) (*Object, bool, error) {
	existing, err := s.FindObjectInDir(ctx, bucketID, parentID, filename)
	if err == nil {
		return existing, false, nil
	}
	if err != ErrObjectNotFound {
		return nil, false, err
	}

	o := &Object{
		ID:       uuid.NewString(),
		BucketID: bucketID,
		ParentID: parentID,
		Filename: filename,
		MimeType: mimeType,
	}
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		if isUniqueConstraintError(err) {
			winner, ferr := s.FindObjectInDir(ctx, bucketID, parentID, filename)
			if ferr != nil {
				return nil, false, ferr
			}
			return winner, false, nil
		}
		return nil, false, err
	}
	return o, true, nil
}

// EnsureFolder returns the folder named filename under parentID, creating it
// when absent. An existing non-folder object with that name is an error.
func (s *Store) EnsureFolder(ctx context.Context, bucketID, parentID, filename string) (*Object, error) {
	o, _, err := s.FindOrCreateObject(ctx, bucketID, parentID, filename, MimeFolder)
	if err != nil {
		return nil, err
	}
	if !o.IsFolder() {
		return nil, ErrDuplicateObject
	}
	return o, nil
}

// ListChildren returns the direct children of parentID ordered by filename.
func (s *Store) ListChildren(ctx context.Context, bucketID, parentID string) ([]Object, error) {
	var children []Object
	err := s.db.WithContext(ctx).
		Where("bucket_id = ? AND parent_id = ?", bucketID, parentID).
		Order("filename").Find(&children).Error
	if err != nil {
		return nil, err
	}
	return children, nil
}

// CountChildren returns the number of direct children of parentID.
func (s *Store) CountChildren(ctx context.Context, bucketID, parentID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Object{}).
		Where("bucket_id = ? AND parent_id = ?", bucketID, parentID).
		Count(&n).Error
	return n, err
}

// ListObjectsByBucket returns every object row in the bucket. Callers
// materialize full key paths and apply ordering themselves.
func (s *Store) ListObjectsByBucket(ctx context.Context, bucketID string) ([]Object, error) {
	var objects []Object
	if err := s.db.WithContext(ctx).Where("bucket_id = ?", bucketID).
		Find(&objects).Error; err != nil {
		return nil, err
	}
	return objects, nil
}

// CountObjects returns the number of non-folder objects across all buckets.
func (s *Store) CountObjects(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Object{}).
		Where("mime_type <> ?", MimeFolder).Count(&n).Error
	return n, err
}

// UpdateObjectContent updates the stored size and mime type after a blob
// write. The row's updated_at timestamp is bumped as a side effect.
func (s *Store) UpdateObjectContent(ctx context.Context, id string, size int64, mimeType string) error {
	res := s.db.WithContext(ctx).Model(&Object{}).Where("id = ?", id).
		Updates(map[string]any{"size": size, "mime_type": mimeType})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// UpdateObjectSize updates the stored size only.
func (s *Store) UpdateObjectSize(ctx context.Context, id string, size int64) error {
	res := s.db.WithContext(ctx).Model(&Object{}).Where("id = ?", id).
		Update("size", size)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// DeleteObjectTree removes the object and, for folders, every descendant.
// It returns all removed rows so callers can unlink the backing blobs.
func (s *Store) DeleteObjectTree(ctx context.Context, id string) ([]Object, error) {
	var removed []Object
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var root Object
		if err := tx.First(&root, "id = ?", id).Error; err != nil {
			return notFound(err, ErrObjectNotFound)
		}
		queue := []Object{root}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			removed = append(removed, cur)
			if cur.IsFolder() {
				var children []Object
				if err := tx.Where("bucket_id = ? AND parent_id = ?", cur.BucketID, cur.ID).
					Find(&children).Error; err != nil {
					return err
				}
				queue = append(queue, children...)
			}
		}
		ids := make([]string, len(removed))
		for i, o := range removed {
			ids[i] = o.ID
		}
		return tx.Where("id IN ?", ids).Delete(&Object{}).Error
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// ClearEmptyParents walks up from parentID, deleting folder rows that have
// no remaining children. It stops at the bucket root or at the first
// non-empty (or non-folder) ancestor, and reports how many folders were
// removed.
func (s *Store) ClearEmptyParents(ctx context.Context, bucketID, parentID string) (int, error) {
	deleted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur := parentID
		for cur != RootParentID {
			var folder Object
			if err := tx.First(&folder, "id = ?", cur).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return err
			}
			if !folder.IsFolder() {
				return nil
			}
			var n int64
			if err := tx.Model(&Object{}).
				Where("bucket_id = ? AND parent_id = ?", bucketID, cur).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			if err := tx.Delete(&Object{}, "id = ?", cur).Error; err != nil {
				return err
			}
			deleted++
			cur = folder.ParentID
		}
		return nil
	})
	if err != nil {
		return deleted, err
	}
	return deleted, nil
}

// AggregateBucketUsage sums the sizes of all non-folder objects in a bucket.
func (s *Store) AggregateBucketUsage(ctx context.Context, bucketID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&Object{}).
		Where("bucket_id = ? AND mime_type <> ?", bucketID, MimeFolder).
		Select("COALESCE(SUM(size), 0)").Scan(&total).Error
	return total, err
}

// AggregateOwnerUsage sums the sizes of all non-folder objects across every
// bucket the user owns.
func (s *Store) AggregateOwnerUsage(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&Object{}).
		Joins("JOIN buckets ON buckets.id = objects.bucket_id").
		Where("buckets.owner_id = ? AND objects.mime_type <> ?", ownerID, MimeFolder).
		Select("COALESCE(SUM(objects.size), 0)").Scan(&total).Error
	return total, err
}
