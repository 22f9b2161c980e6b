package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/cubbystore/cubby/internal/catalog"
	s3err "github.com/cubbystore/cubby/internal/errors"
	"github.com/cubbystore/cubby/internal/xmlutil"
)

// defaultMaxKeys is the S3 listing page size when max-keys is absent.
const defaultMaxKeys = 1000

// ListBuckets handles GET /. The listing is scoped to the buckets granted
// to the presented credential.
func (h *S3Handler) ListBuckets(w http.ResponseWriter, r *http.Request, cred *catalog.S3Credential) {
	ctx := r.Context()

	owner, err := h.catalog.GetUserByID(ctx, cred.UserID)
	if err != nil {
		slog.Error("s3 list buckets: loading owner", "user", cred.UserID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	buckets := make([]xmlutil.Bucket, 0, len(cred.Grants))
	for _, grant := range cred.Grants {
		b, err := h.catalog.GetBucketByID(ctx, grant.BucketID)
		if err != nil {
			if errors.Is(err, catalog.ErrBucketNotFound) {
				// Stale grant; the bucket was deleted out from under it.
				continue
			}
			slog.Error("s3 list buckets: loading bucket", "bucket", grant.BucketID, "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		buckets = append(buckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreatedAt),
		})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })

	xmlutil.RenderListBuckets(w, &xmlutil.ListAllMyBucketsResult{
		Owner:   xmlutil.Owner{ID: owner.ID, DisplayName: owner.Username},
		Buckets: buckets,
	})
}

// listPage is the surface-independent result of one listing pass.
type listPage struct {
	contents       []xmlutil.Object
	commonPrefixes []xmlutil.CommonPrefix
	lastKey        string
	truncated      bool
}

// listObjects runs the recursive listing over a bucket snapshot: keys are
// materialized from the folder tree, filtered by prefix, advanced past the
// marker, grouped by delimiter, and cut at maxKeys. Folder rows never
// appear as Contents; with a delimiter they collapse into CommonPrefixes
// like the keys beneath them.
func (h *S3Handler) listObjects(r *http.Request, bucket *catalog.Bucket, prefix, delimiter, marker, encodingType string, maxKeys int) (*listPage, *s3err.S3Error) {
	rows, err := h.catalog.ListObjectsByBucket(r.Context(), bucket.ID)
	if err != nil {
		slog.Error("s3 list: loading snapshot", "bucket", bucket.Name, "error", err)
		return nil, s3err.ErrInternalError
	}

	page := &listPage{}
	if maxKeys <= 0 {
		return page, nil
	}

	seenPrefix := make(map[string]bool)
	count := 0
	for _, ko := range materializeKeys(rows) {
		if !strings.HasPrefix(ko.key, prefix) {
			continue
		}

		groupKey := ko.key
		isPrefixGroup := false
		if delimiter != "" {
			rest := ko.key[len(prefix):]
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				groupKey = prefix + rest[:idx+len(delimiter)]
				isPrefixGroup = true
			}
		}

		// The marker compares against the rolled-up identity so a page
		// ending on a common prefix does not re-emit its members.
		if marker != "" && groupKey <= marker {
			continue
		}

		if isPrefixGroup {
			if seenPrefix[groupKey] {
				continue
			}
			if count >= maxKeys {
				page.truncated = true
				break
			}
			seenPrefix[groupKey] = true
			page.commonPrefixes = append(page.commonPrefixes, xmlutil.CommonPrefix{
				Prefix: xmlutil.EncodeKeyURL(groupKey, encodingType),
			})
			page.lastKey = groupKey
			count++
			continue
		}

		if ko.obj.IsFolder() {
			continue
		}

		if count >= maxKeys {
			page.truncated = true
			break
		}
		page.contents = append(page.contents, xmlutil.Object{
			Key:          xmlutil.EncodeKeyURL(ko.key, encodingType),
			LastModified: xmlutil.FormatTimeS3(ko.obj.UpdatedAt),
			ETag:         quotedETag(ko.obj.ID),
			Size:         ko.obj.Size,
			StorageClass: "STANDARD",
		})
		page.lastKey = ko.key
		count++
	}
	return page, nil
}

// parseMaxKeys reads the max-keys query parameter, defaulting to 1000.
func parseMaxKeys(q string) int {
	if q == "" {
		return defaultMaxKeys
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return defaultMaxKeys
	}
	return n
}

// ListObjectsV1 handles GET /{bucket} without list-type=2.
func (h *S3Handler) ListObjectsV1(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	marker := q.Get("marker")
	encodingType := q.Get("encoding-type")
	maxKeys := parseMaxKeys(q.Get("max-keys"))

	page, s3e := h.listObjects(r, bucket, prefix, delimiter, marker, encodingType, maxKeys)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	result := &xmlutil.ListBucketResult{
		Name:           bucket.Name,
		Prefix:         prefix,
		Marker:         marker,
		MaxKeys:        maxKeys,
		Delimiter:      delimiter,
		EncodingType:   encodingType,
		IsTruncated:    page.truncated,
		Contents:       page.contents,
		CommonPrefixes: page.commonPrefixes,
	}
	if page.truncated {
		result.NextMarker = page.lastKey
	}
	xmlutil.RenderListObjects(w, result)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2. The continuation token
// is an opaque wrapper around the last key of the previous page.
func (h *S3Handler) ListObjectsV2(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	startAfter := q.Get("start-after")
	token := q.Get("continuation-token")
	encodingType := q.Get("encoding-type")
	maxKeys := parseMaxKeys(q.Get("max-keys"))

	marker := startAfter
	if token != "" {
		decoded, err := decodeContinuationToken(token)
		if err != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
			return
		}
		marker = decoded
	}

	page, s3e := h.listObjects(r, bucket, prefix, delimiter, marker, encodingType, maxKeys)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	result := &xmlutil.ListBucketV2Result{
		Name:              bucket.Name,
		Prefix:            prefix,
		StartAfter:        startAfter,
		ContinuationToken: token,
		KeyCount:          len(page.contents) + len(page.commonPrefixes),
		MaxKeys:           maxKeys,
		Delimiter:         delimiter,
		EncodingType:      encodingType,
		IsTruncated:       page.truncated,
		Contents:          page.contents,
		CommonPrefixes:    page.commonPrefixes,
	}
	if page.truncated {
		result.NextContinuationToken = encodeContinuationToken(page.lastKey)
	}
	xmlutil.RenderListObjectsV2(w, result)
}
