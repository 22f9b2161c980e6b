// Package handlers implements the HTTP operation handlers behind Cubby's
// wire surfaces: the S3-compatible API, the public file API, the image
// transform endpoint, and the file-request upload protocol. Routing, auth
// gating, and surface-level middleware live in internal/server; handlers
// receive the already-loaded bucket where the route names one.
package handlers

import (
	"context"

	"github.com/cubbystore/cubby/internal/blob"
	"github.com/cubbystore/cubby/internal/catalog"
	"github.com/cubbystore/cubby/internal/kv"
	"github.com/cubbystore/cubby/internal/quota"
	"github.com/cubbystore/cubby/internal/resolver"
)

// S3Handler serves the S3-compatible operations dispatched from /s3/*.
type S3Handler struct {
	catalog *catalog.Store
	blobs   *blob.Store
	cache   kv.Store
	paths   *resolver.Resolver
	quotas  *quota.Checker

	// maxObjectSize caps single-shot uploads and individual parts, in
	// bytes. Zero disables the cap.
	maxObjectSize int64
}

// NewS3Handler creates an S3Handler over the given stores.
func NewS3Handler(cat *catalog.Store, blobs *blob.Store, cache kv.Store, paths *resolver.Resolver, quotas *quota.Checker, maxObjectSize int64) *S3Handler {
	return &S3Handler{
		catalog:       cat,
		blobs:         blobs,
		cache:         cache,
		paths:         paths,
		quotas:        quotas,
		maxObjectSize: maxObjectSize,
	}
}

// bucketConfig loads the bucket's configuration, falling back to defaults
// when the catalog read fails.
func (h *S3Handler) bucketConfig(ctx context.Context, bucket *catalog.Bucket) catalog.BucketConfig {
	return loadBucketConfig(ctx, h.catalog, bucket)
}
