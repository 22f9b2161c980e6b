package catalog

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatsDelta is one flush-interval worth of counters for a (bucket, day)
// pair. Fields add onto any existing row.
type StatsDelta struct {
	APIRequests    int64
	S3Requests     int64
	WebDAVRequests int64
	RequestsCount  int64
	BytesServed    int64
}

// AddStats folds a delta into the (bucketID, day) row, inserting it when
// absent.
func (s *Store) AddStats(ctx context.Context, bucketID, day string, d StatsDelta) error {
	row := BucketStats{
		BucketID:       bucketID,
		Day:            day,
		APIRequests:    d.APIRequests,
		S3Requests:     d.S3Requests,
		WebDAVRequests: d.WebDAVRequests,
		RequestsCount:  d.RequestsCount,
		BytesServed:    d.BytesServed,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "bucket_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]any{
			"api_requests":    gorm.Expr("api_requests + ?", d.APIRequests),
			"s3_requests":     gorm.Expr("s3_requests + ?", d.S3Requests),
			"webdav_requests": gorm.Expr("webdav_requests + ?", d.WebDAVRequests),
			"requests_count":  gorm.Expr("requests_count + ?", d.RequestsCount),
			"bytes_served":    gorm.Expr("bytes_served + ?", d.BytesServed),
		}),
	}).Create(&row).Error
}

// GetStats returns the rows for one bucket between fromDay and toDay
// inclusive, ordered by day.
func (s *Store) GetStats(ctx context.Context, bucketID, fromDay, toDay string) ([]BucketStats, error) {
	var rows []BucketStats
	err := s.db.WithContext(ctx).
		Where("bucket_id = ? AND day >= ? AND day <= ?", bucketID, fromDay, toDay).
		Order("day").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
