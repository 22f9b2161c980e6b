package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cubbystore/cubby/internal/auth"
	"github.com/cubbystore/cubby/internal/blob"
	"github.com/cubbystore/cubby/internal/catalog"
	s3err "github.com/cubbystore/cubby/internal/errors"
	"github.com/cubbystore/cubby/internal/metrics"
	"github.com/cubbystore/cubby/internal/quota"
	"github.com/cubbystore/cubby/internal/resolver"
	"github.com/cubbystore/cubby/internal/stats"
)

// FileHandler serves the public file API mounted at /api/storage: ranged
// object reads, optional JSON folder indexes, and multipart form uploads.
type FileHandler struct {
	catalog    *catalog.Store
	blobs      *blob.Store
	paths      *resolver.Resolver
	quotas     *quota.Checker
	principals *auth.PrincipalResolver
	stats      *stats.Collector

	maxObjectSize int64
}

// NewFileHandler creates a FileHandler over the given stores.
func NewFileHandler(cat *catalog.Store, blobs *blob.Store, paths *resolver.Resolver, quotas *quota.Checker, principals *auth.PrincipalResolver, collector *stats.Collector, maxObjectSize int64) *FileHandler {
	return &FileHandler{
		catalog:       cat,
		blobs:         blobs,
		paths:         paths,
		quotas:        quotas,
		principals:    principals,
		stats:         collector,
		maxObjectSize: maxObjectSize,
	}
}

// loadBucket fetches a bucket by name for the JSON surfaces. A nil bucket is
// accompanied by the HTTP status and message to answer with.
func loadBucket(ctx context.Context, cat *catalog.Store, name string) (*catalog.Bucket, int, string) {
	bucket, err := cat.GetBucketByName(ctx, name)
	if err != nil {
		if errors.Is(err, catalog.ErrBucketNotFound) {
			return nil, http.StatusNotFound, "Bucket not found"
		}
		slog.Error("api: loading bucket", "bucket", name, "error", err)
		return nil, http.StatusInternalServerError, "Internal error"
	}
	return bucket, 0, ""
}

// loadBucketConfig loads a bucket's configuration, degrading to defaults when
// the catalog read fails.
func loadBucketConfig(ctx context.Context, cat *catalog.Store, bucket *catalog.Bucket) catalog.BucketConfig {
	cfg, err := cat.GetBucketConfig(ctx, bucket.ID)
	if err != nil {
		slog.Error("loading bucket config", "bucket", bucket.Name, "error", err)
		return catalog.BucketConfig{}
	}
	return cfg
}

// requireBucketAccess enforces the bearer-token rule: anonymous callers pass
// only when the bucket's access mode grants the operation, everyone else
// needs a token whose user owns the bucket or is an admin.
func requireBucketAccess(pr *auth.PrincipalResolver, r *http.Request, bucket *catalog.Bucket, write bool) (int, string) {
	public := bucket.IsPublicRead()
	if write {
		public = bucket.IsPublicWrite()
	}
	if public {
		return 0, ""
	}
	principal, err := pr.Resolve(r)
	if err != nil {
		slog.Error("api: resolving token", "bucket", bucket.Name, "error", err)
		return http.StatusInternalServerError, "Internal error"
	}
	if principal == nil {
		return http.StatusUnauthorized, "Unauthorized"
	}
	if !principal.CanAccessBucket(bucket) {
		return http.StatusForbidden, "Forbidden"
	}
	return 0, ""
}

// writeJSON writes a JSON success body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: encoding response", "error", err)
	}
}

// writeAPIError answers a failed read. HEAD responses carry the bare status.
func writeAPIError(w http.ResponseWriter, withBody bool, status int, msg string) {
	if !withBody {
		w.WriteHeader(status)
		return
	}
	s3err.WriteJSON(w, status, msg)
}

// folderIndex is the JSON listing served for folder paths when the bucket
// enables files_send_folder_index.
type folderIndex struct {
	Bucket      folderIndexBucket  `json:"bucket"`
	CurrentPath string             `json:"currentPath,omitempty"`
	Objects     []folderIndexEntry `json:"objects"`
}

type folderIndexBucket struct {
	Name   string `json:"name"`
	Access string `json:"access"`
}

type folderIndexEntry struct {
	Filename  string    `json:"filename"`
	IsFolder  bool      `json:"isFolder"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mimeType"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Get handles GET /api/storage/{bucket}/*.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

// Head handles HEAD /api/storage/{bucket}/*.
func (h *FileHandler) Head(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

func (h *FileHandler) serve(w http.ResponseWriter, r *http.Request, withBody bool) {
	ctx := r.Context()

	bucket, status, msg := loadBucket(ctx, h.catalog, chi.URLParam(r, "bucket"))
	if bucket == nil {
		writeAPIError(w, withBody, status, msg)
		return
	}
	if status, msg := requireBucketAccess(h.principals, r, bucket, false); status != 0 {
		writeAPIError(w, withBody, status, msg)
		return
	}

	cfg := loadBucketConfig(ctx, h.catalog, bucket)
	segs, _ := splitKey(chi.URLParam(r, "*"))

	if len(segs) == 0 {
		h.serveFolderIndex(w, r, bucket, cfg, nil, catalog.RootParentID, withBody)
		return
	}

	obj, err := h.paths.Resolve(ctx, bucket, segs, cfg)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrObjectNotFound):
			writeAPIError(w, withBody, http.StatusNotFound, "Object not found")
		case errors.Is(err, resolver.ErrInvalidSegment):
			writeAPIError(w, withBody, http.StatusBadRequest, "Invalid path")
		default:
			slog.Error("api: resolving path", "bucket", bucket.Name, "error", err)
			writeAPIError(w, withBody, http.StatusInternalServerError, "Internal error")
		}
		return
	}

	if obj.IsFolder() {
		h.serveFolderIndex(w, r, bucket, cfg, segs, obj.ID, withBody)
		return
	}

	h.stats.Record(bucket.ID, stats.SurfaceAPI, obj.Size)
	if s3e := serveObjectContent(w, r, h.blobs, bucket, obj, withBody); s3e != nil {
		writeAPIError(w, withBody, s3e.HTTPStatus, s3e.Message)
	}
}

// serveFolderIndex answers a folder path with the JSON listing, or 404 when
// the bucket does not enable indexes.
func (h *FileHandler) serveFolderIndex(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket, cfg catalog.BucketConfig, segs []string, parentID string, withBody bool) {
	if !cfg.Bool(catalog.CfgSendFolderIndex) {
		writeAPIError(w, withBody, http.StatusNotFound, "Not found")
		return
	}

	children, err := h.catalog.ListChildren(r.Context(), bucket.ID, parentID)
	if err != nil {
		slog.Error("api: listing folder", "bucket", bucket.Name, "error", err)
		writeAPIError(w, withBody, http.StatusInternalServerError, "Internal error")
		return
	}

	idx := folderIndex{
		Bucket:      folderIndexBucket{Name: bucket.Name, Access: bucket.Access},
		CurrentPath: strings.Join(segs, "/"),
		Objects:     make([]folderIndexEntry, 0, len(children)),
	}
	for _, c := range children {
		idx.Objects = append(idx.Objects, folderIndexEntry{
			Filename:  c.Filename,
			IsFolder:  c.IsFolder(),
			Size:      c.Size,
			MimeType:  c.MimeType,
			UpdatedAt: c.UpdatedAt,
		})
	}

	h.stats.Record(bucket.ID, stats.SurfaceAPI, 0)
	if !withBody {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

// Post handles POST /api/storage/{bucket}/* with a multipart form carrying
// the upload in the "file" field. The path names an existing folder.
func (h *FileHandler) Post(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	bucket, status, msg := loadBucket(ctx, h.catalog, chi.URLParam(r, "bucket"))
	if bucket == nil {
		s3err.WriteJSON(w, status, msg)
		return
	}
	if status, msg := requireBucketAccess(h.principals, r, bucket, true); status != 0 {
		s3err.WriteJSON(w, status, msg)
		return
	}

	cfg := loadBucketConfig(ctx, h.catalog, bucket)
	segs, _ := splitKey(chi.URLParam(r, "*"))

	folder, err := h.paths.ResolveFolder(ctx, bucket, segs, cfg)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrObjectNotFound), errors.Is(err, resolver.ErrNotFolder):
			s3err.WriteJSON(w, http.StatusNotFound, "Folder not found")
		case errors.Is(err, resolver.ErrInvalidSegment):
			s3err.WriteJSON(w, http.StatusBadRequest, "Invalid path")
		default:
			slog.Error("api: resolving folder", "bucket", bucket.Name, "error", err)
			s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		}
		return
	}
	parentID := catalog.RootParentID
	if folder != nil {
		parentID = folder.ID
	}

	f, fh, err := r.FormFile("file")
	if err != nil {
		s3err.WriteJSON(w, http.StatusBadRequest, "Missing file field")
		return
	}
	defer f.Close()

	filename := sanitizeUploadFilename(fh.Filename)
	if filename == "" {
		s3err.WriteJSON(w, http.StatusBadRequest, "Invalid filename")
		return
	}

	var credit int64
	existing, err := h.catalog.FindObjectInDir(ctx, bucket.ID, parentID, filename)
	if err == nil {
		if existing.IsFolder() {
			s3err.WriteJSON(w, http.StatusBadRequest, "A folder with this name exists")
			return
		}
		credit = existing.Size
	} else if !errors.Is(err, catalog.ErrObjectNotFound) {
		slog.Error("api: looking up existing object", "bucket", bucket.Name, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if h.maxObjectSize > 0 && fh.Size > h.maxObjectSize {
		s3err.WriteJSON(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	if status, msg := h.checkQuotaJSON(ctx, bucket, fh.Size, credit); status != 0 {
		s3err.WriteJSON(w, status, msg)
		return
	}

	tempName := blob.NewTempName()
	written, _, err := h.blobs.WriteTemp(tempName, f)
	if err != nil {
		_ = h.blobs.RemoveTemp(tempName)
		slog.Error("api: spooling upload", "bucket", bucket.Name, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if status, msg := h.checkQuotaJSON(ctx, bucket, written, credit); status != 0 {
		_ = h.blobs.RemoveTemp(tempName)
		s3err.WriteJSON(w, status, msg)
		return
	}

	mimeType := detectMimeType(filename, fh.Header.Get("Content-Type"))
	obj, created, err := h.catalog.FindOrCreateObject(ctx, bucket.ID, parentID, filename, mimeType)
	if err != nil {
		_ = h.blobs.RemoveTemp(tempName)
		slog.Error("api: catalog row", "bucket", bucket.Name, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if err := h.blobs.Publish(tempName, bucket.Name, obj.ID); err != nil {
		slog.Error("api: publishing blob", "bucket", bucket.Name, "error", err)
		if created {
			if _, derr := h.catalog.DeleteObjectTree(ctx, obj.ID); derr != nil {
				slog.Error("api: rolling back row", "object", obj.ID, "error", derr)
			}
		}
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if err := h.catalog.UpdateObjectContent(ctx, obj.ID, written, mimeType); err != nil {
		slog.Error("api: updating row", "object", obj.ID, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}

	obj.Size = written
	h.stats.Record(bucket.ID, stats.SurfaceAPI, 0)
	writeJSON(w, http.StatusCreated, obj)
}

// checkQuotaJSON maps quota verdicts onto the JSON surface vocabulary.
func (h *FileHandler) checkQuotaJSON(ctx context.Context, bucket *catalog.Bucket, size, credit int64) (int, string) {
	err := h.quotas.Check(ctx, bucket, size, credit)
	if err == nil {
		return 0, ""
	}
	if errors.Is(err, quota.ErrExceeded) {
		metrics.QuotaRejectionsTotal.Inc()
		return http.StatusForbidden, "Quota exceeded"
	}
	slog.Error("api: quota check", "bucket", bucket.Name, "error", err)
	return http.StatusInternalServerError, "Internal error"
}

// sanitizeUploadFilename reduces a client-supplied filename to its base name.
// Returns "" when nothing usable remains.
func sanitizeUploadFilename(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return ""
	}
	return name
}
