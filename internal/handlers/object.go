package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cubbystore/cubby/internal/blob"
	"github.com/cubbystore/cubby/internal/catalog"
	s3err "github.com/cubbystore/cubby/internal/errors"
	"github.com/cubbystore/cubby/internal/metrics"
	"github.com/cubbystore/cubby/internal/quota"
	"github.com/cubbystore/cubby/internal/resolver"
	"github.com/cubbystore/cubby/internal/uid"
	"github.com/cubbystore/cubby/internal/xmlutil"
)

// PutObject handles PUT /{bucket}/{key}. Keys ending in "/" create folder
// chains; an x-amz-copy-source header turns the operation into a
// server-side copy. Plain uploads spool the body to a scratch file, pass
// quota, and publish under the object id in one rename.
func (h *S3Handler) PutObject(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket, key string, cred *catalog.S3Credential) {
	ctx := r.Context()

	segs, isFolder := splitKey(key)
	if len(segs) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if isFolder {
		if _, err := h.paths.EnsureFolderChain(ctx, bucket.ID, segs); err != nil {
			xmlutil.WriteErrorResponse(w, r, folderChainError(err))
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if src := r.Header.Get("x-amz-copy-source"); src != "" {
		h.putObjectCopy(w, r, bucket, key, segs, cred, src)
		return
	}

	parentID, existing, s3e := h.preparePut(ctx, bucket, segs)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	var credit int64
	if existing != nil {
		credit = existing.Size
	}

	declared := declaredSize(r)
	if h.maxObjectSize > 0 && declared > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}
	if declared >= 0 {
		if s3e := h.checkQuota(ctx, bucket, declared, credit); s3e != nil {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
	}

	tempName := "put_" + uid.New()
	written, _, err := h.blobs.WriteTemp(tempName, uploadBody(r))
	if err != nil {
		_ = h.blobs.RemoveTemp(tempName)
		slog.Error("s3 put: spooling body", "bucket", bucket.Name, "key", key, "error", err)
		switch {
		case errors.Is(err, errMalformedChunk):
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest)
		case errors.Is(err, io.ErrUnexpectedEOF):
			xmlutil.WriteErrorResponse(w, r, s3err.ErrIncompleteBody)
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		}
		return
	}

	if h.maxObjectSize > 0 && written > h.maxObjectSize {
		_ = h.blobs.RemoveTemp(tempName)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}
	if s3e := h.checkQuota(ctx, bucket, written, credit); s3e != nil {
		_ = h.blobs.RemoveTemp(tempName)
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	filename := segs[len(segs)-1]
	mimeType := detectMimeType(filename, r.Header.Get("Content-Type"))
	obj, created, err := h.catalog.FindOrCreateObject(ctx, bucket.ID, parentID, filename, mimeType)
	if err != nil {
		_ = h.blobs.RemoveTemp(tempName)
		slog.Error("s3 put: catalog row", "bucket", bucket.Name, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if err := h.blobs.Publish(tempName, bucket.Name, obj.ID); err != nil {
		slog.Error("s3 put: publishing blob", "bucket", bucket.Name, "key", key, "error", err)
		if created {
			// Never leave a row without a blob behind it.
			if _, derr := h.catalog.DeleteObjectTree(ctx, obj.ID); derr != nil {
				slog.Error("s3 put: rolling back row", "object", obj.ID, "error", derr)
			}
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if err := h.catalog.UpdateObjectContent(ctx, obj.ID, written, mimeType); err != nil {
		slog.Error("s3 put: updating row", "object", obj.ID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	h.writePutResult(w, bucket.Name, key, obj.ID)
}

// putObjectCopy services PUT with x-amz-copy-source. The caller needs a
// grant on the source bucket unless the source is publicly readable.
func (h *S3Handler) putObjectCopy(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket, key string, segs []string, cred *catalog.S3Credential, copySource string) {
	ctx := r.Context()

	srcBucketName, srcKey, ok := parseCopySource(copySource)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	srcBucket, err := h.catalog.GetBucketByName(ctx, srcBucketName)
	if err != nil {
		if errors.Is(err, catalog.ErrBucketNotFound) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
			return
		}
		slog.Error("s3 copy: loading source bucket", "bucket", srcBucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if !srcBucket.IsPublicRead() && (cred == nil || !cred.HasBucket(srcBucket.ID)) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
		return
	}

	srcSegs, srcIsFolder := splitKey(srcKey)
	if len(srcSegs) == 0 || srcIsFolder {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	srcObj, s3e := h.resolveObject(ctx, srcBucket, srcSegs)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	parentID, existing, s3e := h.preparePut(ctx, bucket, segs)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}
	var credit int64
	if existing != nil {
		credit = existing.Size
	}

	if h.maxObjectSize > 0 && srcObj.Size > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}
	if s3e := h.checkQuota(ctx, bucket, srcObj.Size, credit); s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	filename := segs[len(segs)-1]
	obj, created, err := h.catalog.FindOrCreateObject(ctx, bucket.ID, parentID, filename, srcObj.MimeType)
	if err != nil {
		slog.Error("s3 copy: catalog row", "bucket", bucket.Name, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	written, err := h.blobs.Copy(srcBucket.Name, srcObj.ID, bucket.Name, obj.ID)
	if err != nil {
		if created {
			if _, derr := h.catalog.DeleteObjectTree(ctx, obj.ID); derr != nil {
				slog.Error("s3 copy: rolling back row", "object", obj.ID, "error", derr)
			}
		}
		if errors.Is(err, blob.ErrNotFound) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		slog.Error("s3 copy: copying blob", "bucket", bucket.Name, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if err := h.catalog.UpdateObjectContent(ctx, obj.ID, written, srcObj.MimeType); err != nil {
		slog.Error("s3 copy: updating row", "object", obj.ID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	h.writePutResult(w, bucket.Name, key, obj.ID)
}

// preparePut ensures the parent folder chain exists and looks up any object
// already occupying the terminal name. A folder at the terminal name cannot
// be overwritten by a file.
func (h *S3Handler) preparePut(ctx context.Context, bucket *catalog.Bucket, segs []string) (parentID string, existing *catalog.Object, s3e *s3err.S3Error) {
	if err := resolver.ValidateSegments(segs); err != nil {
		return "", nil, s3err.ErrInvalidArgument
	}

	parentID, err := h.paths.EnsureFolderChain(ctx, bucket.ID, segs[:len(segs)-1])
	if err != nil {
		return "", nil, folderChainError(err)
	}

	existing, err = h.catalog.FindObjectInDir(ctx, bucket.ID, parentID, segs[len(segs)-1])
	if err != nil {
		if errors.Is(err, catalog.ErrObjectNotFound) {
			return parentID, nil, nil
		}
		slog.Error("s3 put: looking up existing object", "bucket", bucket.Name, "error", err)
		return "", nil, s3err.ErrInternalError
	}
	if existing.IsFolder() {
		return "", nil, s3err.ErrInvalidArgument
	}
	return parentID, existing, nil
}

// checkQuota maps quota verdicts onto the S3 error vocabulary.
func (h *S3Handler) checkQuota(ctx context.Context, bucket *catalog.Bucket, size, credit int64) *s3err.S3Error {
	err := h.quotas.Check(ctx, bucket, size, credit)
	if err == nil {
		return nil
	}
	if errors.Is(err, quota.ErrExceeded) {
		metrics.QuotaRejectionsTotal.Inc()
		return s3err.ErrQuotaExceeded
	}
	slog.Error("s3 put: quota check", "bucket", bucket.Name, "error", err)
	return s3err.ErrInternalError
}

// writePutResult emits the upload success document shared by plain PUT,
// copy, and CompleteMultipartUpload.
func (h *S3Handler) writePutResult(w http.ResponseWriter, bucketName, key, objectID string) {
	w.Header().Set("ETag", quotedETag(objectID))
	xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
		Location: "/" + bucketName + "/" + key,
		Bucket:   bucketName,
		Key:      key,
		ETag:     quotedETag(objectID),
	})
}

// resolveObject resolves key segments to a file row, translating resolver
// and catalog errors into the S3 vocabulary. Folder rows resolve to
// NoSuchKey since they carry no blob.
func (h *S3Handler) resolveObject(ctx context.Context, bucket *catalog.Bucket, segs []string) (*catalog.Object, *s3err.S3Error) {
	obj, err := h.paths.Resolve(ctx, bucket, segs, h.bucketConfig(ctx, bucket))
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrObjectNotFound):
			return nil, s3err.ErrNoSuchKey
		case errors.Is(err, resolver.ErrInvalidSegment):
			return nil, s3err.ErrInvalidArgument
		}
		slog.Error("s3: resolving key", "bucket", bucket.Name, "error", err)
		return nil, s3err.ErrInternalError
	}
	if obj.IsFolder() {
		return nil, s3err.ErrNoSuchKey
	}
	return obj, nil
}

// GetObject handles GET /{bucket}/{key}, streaming the blob with single
// range support.
func (h *S3Handler) GetObject(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket, key string) {
	segs, isFolder := splitKey(key)
	if len(segs) == 0 || isFolder {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}
	obj, s3e := h.resolveObject(r.Context(), bucket, segs)
	if s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}
	if s3e := serveObjectContent(w, r, h.blobs, bucket, obj, true); s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
	}
}

// HeadObject handles HEAD /{bucket}/{key}. Errors are bare status codes
// since HEAD responses carry no body.
func (h *S3Handler) HeadObject(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket, key string) {
	segs, isFolder := splitKey(key)
	if len(segs) == 0 || isFolder {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	obj, s3e := h.resolveObject(r.Context(), bucket, segs)
	if s3e != nil {
		w.WriteHeader(s3e.HTTPStatus)
		return
	}
	if s3e := serveObjectContent(w, r, h.blobs, bucket, obj, false); s3e != nil {
		w.WriteHeader(s3e.HTTPStatus)
	}
}

// DeleteObject handles DELETE /{bucket}/{key}. Deleting an absent key
// still answers 204.
func (h *S3Handler) DeleteObject(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket, key string) {
	ctx := r.Context()

	segs, _ := splitKey(key)
	if len(segs) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	cfg := h.bucketConfig(ctx, bucket)
	obj, err := h.paths.Resolve(ctx, bucket, segs, cfg)
	if err != nil {
		if errors.Is(err, catalog.ErrObjectNotFound) || errors.Is(err, resolver.ErrInvalidSegment) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		slog.Error("s3 delete: resolving key", "bucket", bucket.Name, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if s3e := h.deleteObjectTree(ctx, bucket, obj, cfg); s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteObjectTree removes the row (and subtree, for folders), the blobs
// behind every removed file row, and optionally the emptied parent chain.
func (h *S3Handler) deleteObjectTree(ctx context.Context, bucket *catalog.Bucket, obj *catalog.Object, cfg catalog.BucketConfig) *s3err.S3Error {
	removed, err := h.catalog.DeleteObjectTree(ctx, obj.ID)
	if err != nil {
		slog.Error("s3 delete: removing rows", "bucket", bucket.Name, "object", obj.ID, "error", err)
		return s3err.ErrInternalError
	}

	// Rows are authoritative; stray blobs from a failed removal are
	// unreachable and harmless.
	for _, row := range removed {
		if row.IsFolder() {
			continue
		}
		if err := h.blobs.Delete(bucket.Name, row.ID); err != nil {
			slog.Error("s3 delete: removing blob", "bucket", bucket.Name, "object", row.ID, "error", err)
		}
	}

	if cfg.Bool(catalog.CfgS3ClearEmptyParents) && obj.ParentID != catalog.RootParentID {
		if _, err := h.catalog.ClearEmptyParents(ctx, bucket.ID, obj.ParentID); err != nil {
			slog.Error("s3 delete: clearing empty parents", "bucket", bucket.Name, "error", err)
		}
	}
	return nil
}

// DeleteObjects handles POST /{bucket}?delete, the multi-object delete.
// Missing keys count as deleted; quiet mode suppresses the success list.
func (h *S3Handler) DeleteObjects(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket) {
	ctx := r.Context()

	req, err := parseDeleteRequest(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	cfg := h.bucketConfig(ctx, bucket)
	result := &xmlutil.DeleteResult{}

	for _, entry := range req.Objects {
		segs, _ := splitKey(entry.Key)
		if len(segs) == 0 {
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     entry.Key,
				Code:    s3err.ErrInvalidArgument.Code,
				Message: s3err.ErrInvalidArgument.Message,
			})
			continue
		}

		obj, rerr := h.paths.Resolve(ctx, bucket, segs, cfg)
		if rerr != nil {
			if errors.Is(rerr, catalog.ErrObjectNotFound) || errors.Is(rerr, resolver.ErrInvalidSegment) {
				if !req.Quiet {
					result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: entry.Key})
				}
				continue
			}
			slog.Error("s3 delete-multi: resolving key", "bucket", bucket.Name, "key", entry.Key, "error", rerr)
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     entry.Key,
				Code:    s3err.ErrInternalError.Code,
				Message: s3err.ErrInternalError.Message,
			})
			continue
		}

		if s3e := h.deleteObjectTree(ctx, bucket, obj, cfg); s3e != nil {
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     entry.Key,
				Code:    s3e.Code,
				Message: s3e.Message,
			})
			continue
		}
		if !req.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: entry.Key})
		}
	}

	xmlutil.RenderDeleteResult(w, result)
}

// folderChainError maps EnsureFolderChain failures onto S3 errors.
func folderChainError(err error) *s3err.S3Error {
	switch {
	case errors.Is(err, resolver.ErrNotFolder):
		return s3err.ErrParentNotFolder
	case errors.Is(err, resolver.ErrInvalidSegment):
		return s3err.ErrInvalidArgument
	}
	slog.Error("s3 put: ensuring folder chain", "error", err)
	return s3err.ErrInternalError
}
