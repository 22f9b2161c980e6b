// Package resolver turns slash-separated paths into catalog object rows by
// walking the folder hierarchy, with an optional fingerprint cache in front
// of the walk.
package resolver

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cubbystore/cubby/internal/catalog"
	"github.com/cubbystore/cubby/internal/kv"
)

// ErrInvalidSegment is returned for empty, ".", "..", or slash-bearing
// path segments.
var ErrInvalidSegment = errors.New("resolver: invalid path segment")

// ErrNotFolder is returned when a folder is required but the path resolves
// to a file.
var ErrNotFolder = errors.New("resolver: path segment is not a folder")

// Resolver resolves object paths against the catalog.
type Resolver struct {
	catalog *catalog.Store
	cache   kv.Store
}

// New returns a Resolver backed by the given catalog and cache.
func New(cat *catalog.Store, cache kv.Store) *Resolver {
	return &Resolver{catalog: cat, cache: cache}
}

// ValidateSegments rejects segments that cannot name catalog objects.
func ValidateSegments(segments []string) error {
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, "/\\") {
			return fmt.Errorf("%w: %q", ErrInvalidSegment, seg)
		}
	}
	return nil
}

// cacheKey fingerprints a bucket-qualified path.
func cacheKey(bucketName string, segments []string) string {
	sum := md5.Sum([]byte(bucketName + ":" + strings.Join(segments, "/")))
	return kv.PrefixObjectPath + hex.EncodeToString(sum[:])
}

// Resolve walks segments from the bucket root and returns the final object.
// Intermediate segments must be folders. When the bucket enables path
// caching, positive resolutions are served from and stored into the cache
// under an md5 fingerprint of the full path. Cached rows are never
// invalidated on mutation; staleness is bounded by the configured TTL and
// readers fall back to 404 when the blob behind a stale row is gone.
func (r *Resolver) Resolve(ctx context.Context, bucket *catalog.Bucket, segments []string, cfg catalog.BucketConfig) (*catalog.Object, error) {
	if len(segments) == 0 {
		return nil, catalog.ErrObjectNotFound
	}
	if err := ValidateSegments(segments); err != nil {
		return nil, err
	}

	useCache := cfg.Bool(catalog.CfgPathCacheEnable)
	key := ""
	if useCache {
		key = cacheKey(bucket.Name, segments)
		if raw, err := r.cache.Get(ctx, key); err == nil {
			var obj catalog.Object
			if err := json.Unmarshal(raw, &obj); err == nil {
				return &obj, nil
			}
			// Unreadable entries are dropped and resolved fresh.
			_ = r.cache.Delete(ctx, key)
		}
	}

	obj, err := r.walk(ctx, bucket.ID, segments)
	if err != nil {
		return nil, err
	}

	if useCache {
		if raw, err := json.Marshal(obj); err == nil {
			ttl := time.Duration(cfg.Int(catalog.CfgPathCacheTTL)) * time.Second
			_ = r.cache.Set(ctx, key, raw, ttl)
		}
	}
	return obj, nil
}

func (r *Resolver) walk(ctx context.Context, bucketID string, segments []string) (*catalog.Object, error) {
	parent := catalog.RootParentID
	var obj *catalog.Object
	for i, seg := range segments {
		found, err := r.catalog.FindObjectInDir(ctx, bucketID, parent, seg)
		if err != nil {
			return nil, err
		}
		if i < len(segments)-1 && !found.IsFolder() {
			// A file in the middle of the path hides everything below it.
			return nil, catalog.ErrObjectNotFound
		}
		obj = found
		parent = found.ID
	}
	return obj, nil
}

// ResolveFolder resolves segments and requires the result to be a folder.
// Empty segments name the bucket root, returned as a nil object.
func (r *Resolver) ResolveFolder(ctx context.Context, bucket *catalog.Bucket, segments []string, cfg catalog.BucketConfig) (*catalog.Object, error) {
	if len(segments) == 0 {
		return nil, nil
	}
	obj, err := r.Resolve(ctx, bucket, segments, cfg)
	if err != nil {
		return nil, err
	}
	if !obj.IsFolder() {
		return nil, ErrNotFolder
	}
	return obj, nil
}

// EnsureFolderChain walks segments creating missing folders along the way
// and returns the parent id for entries below the final segment. A file
// occupying any segment name is ErrNotFolder.
func (r *Resolver) EnsureFolderChain(ctx context.Context, bucketID string, segments []string) (string, error) {
	if err := ValidateSegments(segments); err != nil {
		return "", err
	}
	parent := catalog.RootParentID
	for _, seg := range segments {
		folder, err := r.catalog.EnsureFolder(ctx, bucketID, parent, seg)
		if err != nil {
			if errors.Is(err, catalog.ErrDuplicateObject) {
				return "", ErrNotFolder
			}
			return "", err
		}
		parent = folder.ID
	}
	return parent, nil
}

