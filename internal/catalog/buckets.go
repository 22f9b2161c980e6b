package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateBucket inserts a new bucket. A missing ID is generated and a missing
// access mode defaults to private.
func (s *Store) CreateBucket(ctx context.Context, b *Bucket) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Access == "" {
		b.Access = AccessPrivate
	}
	if err := s.validate.Struct(b); err != nil {
		return fmt.Errorf("invalid bucket: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateBucket
		}
		return err
	}
	return nil
}

// GetBucketByName fetches a bucket by its globally unique name.
func (s *Store) GetBucketByName(ctx context.Context, name string) (*Bucket, error) {
	var b Bucket
	if err := s.db.WithContext(ctx).First(&b, "name = ?", name).Error; err != nil {
		return nil, notFound(err, ErrBucketNotFound)
	}
	return &b, nil
}

// GetBucketByID fetches a bucket by primary key.
func (s *Store) GetBucketByID(ctx context.Context, id string) (*Bucket, error) {
	var b Bucket
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err, ErrBucketNotFound)
	}
	return &b, nil
}

// ListBuckets returns all buckets ordered by name.
func (s *Store) ListBuckets(ctx context.Context) ([]Bucket, error) {
	var buckets []Bucket
	if err := s.db.WithContext(ctx).Order("name").Find(&buckets).Error; err != nil {
		return nil, err
	}
	return buckets, nil
}

// CountBuckets returns the total number of buckets.
func (s *Store) CountBuckets(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Bucket{}).Count(&n).Error
	return n, err
}

// ListBucketsByOwner returns the buckets owned by one user, ordered by name.
func (s *Store) ListBucketsByOwner(ctx context.Context, ownerID string) ([]Bucket, error) {
	var buckets []Bucket
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("name").Find(&buckets).Error; err != nil {
		return nil, err
	}
	return buckets, nil
}

// UpdateBucketAccess changes the bucket's access mode.
func (s *Store) UpdateBucketAccess(ctx context.Context, id, access string) error {
	switch access {
	case AccessPrivate, AccessPublicRead, AccessPublicWrite:
	default:
		return fmt.Errorf("invalid access mode %q", access)
	}
	res := s.db.WithContext(ctx).Model(&Bucket{}).Where("id = ?", id).
		Update("access", access)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBucketNotFound
	}
	return nil
}

// UpdateBucketQuota sets the bucket's storage quota in bytes (-1 for unlimited).
func (s *Store) UpdateBucketQuota(ctx context.Context, id string, quota int64) error {
	res := s.db.WithContext(ctx).Model(&Bucket{}).Where("id = ?", id).
		Update("storage_quota", quota)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBucketNotFound
	}
	return nil
}

// DeleteBucket removes a bucket together with its objects, config entries,
// stats rows, and credential grants. Blob files are the caller's to remove.
func (s *Store) DeleteBucket(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("bucket_id = ?", id).Delete(&Object{}).Error; err != nil {
			return err
		}
		if err := tx.Where("bucket_id = ?", id).Delete(&BucketConfigEntry{}).Error; err != nil {
			return err
		}
		if err := tx.Where("bucket_id = ?", id).Delete(&BucketStats{}).Error; err != nil {
			return err
		}
		if err := tx.Where("bucket_id = ?", id).Delete(&BucketGrant{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Bucket{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrBucketNotFound
		}
		return nil
	})
}

// SetBucketConfig upserts one configuration entry for a bucket.
func (s *Store) SetBucketConfig(ctx context.Context, bucketID, key, value, typ string) error {
	entry := BucketConfigEntry{BucketID: bucketID, Key: key, Value: value, Type: typ}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bucket_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "type"}),
	}).Create(&entry).Error
}

// GetBucketConfig loads all configuration entries for a bucket. Missing keys
// resolve to their documented defaults through the returned BucketConfig.
func (s *Store) GetBucketConfig(ctx context.Context, bucketID string) (BucketConfig, error) {
	var entries []BucketConfigEntry
	if err := s.db.WithContext(ctx).Where("bucket_id = ?", bucketID).
		Find(&entries).Error; err != nil {
		return BucketConfig{}, err
	}
	values := make(map[string]string, len(entries))
	for _, e := range entries {
		values[e.Key] = e.Value
	}
	return BucketConfig{values: values}, nil
}

// ListBucketConfig returns the stored entries for a bucket, ordered by key.
func (s *Store) ListBucketConfig(ctx context.Context, bucketID string) ([]BucketConfigEntry, error) {
	var entries []BucketConfigEntry
	if err := s.db.WithContext(ctx).Where("bucket_id = ?", bucketID).
		Order("key").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
