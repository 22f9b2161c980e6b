package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/cubbystore/cubby/internal/auth"
	"github.com/cubbystore/cubby/internal/blob"
	"github.com/cubbystore/cubby/internal/catalog"
	s3err "github.com/cubbystore/cubby/internal/errors"
	"github.com/cubbystore/cubby/internal/kv"
	"github.com/cubbystore/cubby/internal/metrics"
	"github.com/cubbystore/cubby/internal/quota"
	"github.com/cubbystore/cubby/internal/resolver"
	"github.com/cubbystore/cubby/internal/stats"
	"github.com/cubbystore/cubby/internal/uid"
)

// fileRequestTTL is the session lifetime; every successful chunk re-arms it.
const fileRequestTTL = 1800 * time.Second

// fileRequestChunkLimit caps a single chunk PUT at the transport layer.
const fileRequestChunkLimit = 50 << 20

// fileRequestSession is the KV-resident state of one file request. The
// scratch file in .temp/ accumulates chunks until complete publishes it.
type fileRequestSession struct {
	ID            string    `json:"id"`
	BucketID      string    `json:"bucketId"`
	BucketName    string    `json:"bucketName"`
	ParentID      string    `json:"parentId"`
	ParentPath    string    `json:"parentPath"`
	Filename      string    `json:"filename"`
	FilenameFixed bool      `json:"filenameFixed"`
	RequireAPIKey bool      `json:"requireApiKey"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
}

func fileRequestKey(id string) string {
	return kv.PrefixFileRequest + id
}

func fileRequestScratch(id string) string {
	return "multipart_" + id
}

// FileRequestHandler implements the out-of-band chunked upload protocol:
// typed create/cancel operations plus the raw script and upload endpoints.
type FileRequestHandler struct {
	catalog    *catalog.Store
	blobs      *blob.Store
	cache      kv.Store
	paths      *resolver.Resolver
	quotas     *quota.Checker
	principals *auth.PrincipalResolver
	stats      *stats.Collector

	// baseURL is the externally reachable server address embedded in
	// generated upload scripts.
	baseURL string
}

// NewFileRequestHandler creates a FileRequestHandler over the given stores.
func NewFileRequestHandler(cat *catalog.Store, blobs *blob.Store, cache kv.Store, paths *resolver.Resolver, quotas *quota.Checker, principals *auth.PrincipalResolver, collector *stats.Collector, baseURL string) *FileRequestHandler {
	return &FileRequestHandler{
		catalog:    cat,
		blobs:      blobs,
		cache:      cache,
		paths:      paths,
		quotas:     quotas,
		principals: principals,
		stats:      collector,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// fileRequestPayload is the typed session representation returned by create.
type fileRequestPayload struct {
	ID            string            `json:"id" doc:"Session id; forms the upload and script URLs"`
	Bucket        string            `json:"bucket"`
	Parent        string            `json:"parent,omitempty"`
	Filename      string            `json:"filename,omitempty"`
	RequireAPIKey bool              `json:"requireApiKey"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	Scripts       map[string]string `json:"scripts" doc:"Download URLs for the platform upload scripts"`
}

type createFileRequestInput struct {
	Authorization string `header:"Authorization" doc:"Bearer API token of the bucket owner"`
	Body          struct {
		Bucket        string  `json:"bucket" minLength:"1" doc:"Target bucket name"`
		Parent        *string `json:"parent,omitempty" doc:"Folder path inside the bucket; null or empty targets the root"`
		Filename      string  `json:"filename,omitempty" doc:"Fix the stored filename; when empty the uploader names the file"`
		RequireAPIKey bool    `json:"requireApiKey,omitempty" doc:"Require a valid API key from the uploader"`
	}
}

type createFileRequestOutput struct {
	Body fileRequestPayload
}

type deleteFileRequestInput struct {
	Authorization string `header:"Authorization" doc:"Bearer API token"`
	ID            string `path:"id" doc:"File-request session id"`
}

type deleteFileRequestOutput struct{}

// Register attaches the typed create/cancel operations to the huma API. The
// script and upload endpoints stay raw because they speak plain bytes.
func (h *FileRequestHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-file-request",
		Method:        http.MethodPost,
		Path:          "/api/filereq",
		Summary:       "Create a file request",
		Description:   "Opens a chunked upload session that an external party can fulfil with the generated scripts.",
		Tags:          []string{"filereq"},
		DefaultStatus: http.StatusCreated,
	}, h.create)

	huma.Register(api, huma.Operation{
		OperationID:   "delete-file-request",
		Method:        http.MethodDelete,
		Path:          "/api/filereq/{id}",
		Summary:       "Cancel a file request",
		Description:   "Drops the session and any partially uploaded scratch data.",
		Tags:          []string{"filereq"},
		DefaultStatus: http.StatusNoContent,
	}, h.delete)
}

// bearerValue strips the Bearer scheme from a raw Authorization header value.
func bearerValue(header string) string {
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func (h *FileRequestHandler) create(ctx context.Context, input *createFileRequestInput) (*createFileRequestOutput, error) {
	principal, err := h.principals.ResolveToken(ctx, bearerValue(input.Authorization))
	if err != nil {
		slog.Error("filereq: resolving token", "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	if principal == nil {
		return nil, huma.Error401Unauthorized("missing or invalid token")
	}

	bucket, err := h.catalog.GetBucketByName(ctx, input.Body.Bucket)
	if err != nil {
		if errors.Is(err, catalog.ErrBucketNotFound) {
			return nil, huma.Error404NotFound("bucket not found")
		}
		slog.Error("filereq: loading bucket", "bucket", input.Body.Bucket, "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	if !principal.CanAccessBucket(bucket) {
		return nil, huma.Error403Forbidden("no access to bucket")
	}

	filename := strings.TrimSpace(input.Body.Filename)
	if filename != "" && sanitizeUploadFilename(filename) != filename {
		return nil, huma.Error400BadRequest("invalid filename")
	}

	parentID := catalog.RootParentID
	parentPath := ""
	if input.Body.Parent != nil && *input.Body.Parent != "" {
		segs, _ := splitKey(*input.Body.Parent)
		if err := resolver.ValidateSegments(segs); err != nil {
			return nil, huma.Error400BadRequest("invalid parent path")
		}
		parentID, err = h.paths.EnsureFolderChain(ctx, bucket.ID, segs)
		if err != nil {
			if errors.Is(err, resolver.ErrNotFolder) {
				return nil, huma.Error400BadRequest("parent path crosses a file")
			}
			slog.Error("filereq: ensuring parent", "bucket", bucket.Name, "error", err)
			return nil, huma.Error500InternalServerError("internal error")
		}
		parentPath = strings.Join(segs, "/")
	}

	now := time.Now().UTC()
	ses := fileRequestSession{
		ID:            uid.New(),
		BucketID:      bucket.ID,
		BucketName:    bucket.Name,
		ParentID:      parentID,
		ParentPath:    parentPath,
		Filename:      filename,
		FilenameFixed: filename != "",
		RequireAPIKey: input.Body.RequireAPIKey,
		CreatedBy:     principal.User.ID,
		CreatedAt:     now,
	}
	raw, err := json.Marshal(&ses)
	if err != nil {
		return nil, huma.Error500InternalServerError("internal error")
	}
	if err := h.cache.Set(ctx, fileRequestKey(ses.ID), raw, fileRequestTTL); err != nil {
		slog.Error("filereq: storing session", "bucket", bucket.Name, "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}

	h.stats.Record(bucket.ID, stats.SurfaceAPI, 0)
	out := &createFileRequestOutput{}
	out.Body = h.payload(&ses, now.Add(fileRequestTTL))
	return out, nil
}

func (h *FileRequestHandler) payload(ses *fileRequestSession, expires time.Time) fileRequestPayload {
	base := h.baseURL + "/api/filereq/" + ses.ID
	return fileRequestPayload{
		ID:            ses.ID,
		Bucket:        ses.BucketName,
		Parent:        ses.ParentPath,
		Filename:      ses.Filename,
		RequireAPIKey: ses.RequireAPIKey,
		ExpiresAt:     expires,
		Scripts: map[string]string{
			"sh":  base + "/sh",
			"ps1": base + "/ps1",
			"bat": base + "/bat",
		},
	}
}

func (h *FileRequestHandler) delete(ctx context.Context, input *deleteFileRequestInput) (*deleteFileRequestOutput, error) {
	principal, err := h.principals.ResolveToken(ctx, bearerValue(input.Authorization))
	if err != nil {
		slog.Error("filereq: resolving token", "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	if principal == nil {
		return nil, huma.Error401Unauthorized("missing or invalid token")
	}

	ses, err := h.getSession(ctx, input.ID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, huma.Error404NotFound("file request not found")
		}
		slog.Error("filereq: loading session", "session", input.ID, "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}

	allowed := principal.IsAdmin() || ses.CreatedBy == principal.User.ID
	if !allowed {
		bucket, berr := h.catalog.GetBucketByID(ctx, ses.BucketID)
		if berr == nil {
			allowed = principal.CanAccessBucket(bucket)
		}
	}
	if !allowed {
		return nil, huma.Error403Forbidden("no access to file request")
	}

	// Scratch removal is best-effort; an orphan is cleaned at next startup.
	_ = h.blobs.RemoveTemp(fileRequestScratch(ses.ID))
	if err := h.cache.Delete(ctx, fileRequestKey(ses.ID)); err != nil {
		slog.Error("filereq: deleting session", "session", ses.ID, "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}

	h.stats.Record(ses.BucketID, stats.SurfaceAPI, 0)
	return &deleteFileRequestOutput{}, nil
}

// getSession loads a session by id. kv.ErrNotFound covers both unknown ids
// and expired or completed sessions.
func (h *FileRequestHandler) getSession(ctx context.Context, id string) (*fileRequestSession, error) {
	if id == "" {
		return nil, kv.ErrNotFound
	}
	raw, err := h.cache.Get(ctx, fileRequestKey(id))
	if err != nil {
		return nil, err
	}
	var ses fileRequestSession
	if err := json.Unmarshal(raw, &ses); err != nil {
		return nil, err
	}
	return &ses, nil
}

func writeFileRequestError(w http.ResponseWriter, err error) {
	if errors.Is(err, kv.ErrNotFound) {
		s3err.WriteJSON(w, http.StatusNotFound, "File request not found")
		return
	}
	slog.Error("filereq: loading session", "error", err)
	s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
}

// authorizeUpload enforces the optional API-key gate. Any live token of an
// enabled user passes; the session id itself is the upload capability.
func (h *FileRequestHandler) authorizeUpload(r *http.Request, ses *fileRequestSession) (int, string) {
	if !ses.RequireAPIKey {
		return 0, ""
	}
	key := r.Header.Get("X-Api-Key")
	if key == "" {
		key = auth.BearerToken(r)
	}
	principal, err := h.principals.ResolveToken(r.Context(), key)
	if err != nil {
		slog.Error("filereq: resolving api key", "error", err)
		return http.StatusInternalServerError, "Internal error"
	}
	if principal == nil {
		return http.StatusUnauthorized, "Invalid API key"
	}
	return 0, ""
}

// Script handles GET /api/filereq/{id}/{kind} for kind sh, ps1, or bat.
func (h *FileRequestHandler) Script(w http.ResponseWriter, r *http.Request) {
	ses, err := h.getSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFileRequestError(w, err)
		return
	}

	kind := chi.URLParam(r, "kind")
	body, contentType, err := renderScript(kind, scriptData{
		BaseURL:       h.baseURL,
		ID:            ses.ID,
		Filename:      ses.Filename,
		RequireAPIKey: ses.RequireAPIKey,
	})
	if err != nil {
		s3err.WriteJSON(w, http.StatusNotFound, "Not found")
		return
	}

	h.stats.Record(ses.BucketID, stats.SurfaceAPI, int64(len(body)))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", scriptDisposition(ses.ID, kind))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		return
	}
}

// InitiateUpload handles POST /api/filereq/{id}/upload: resets the scratch
// file and pins the filename into the session.
func (h *FileRequestHandler) InitiateUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ses, err := h.getSession(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeFileRequestError(w, err)
		return
	}
	if status, msg := h.authorizeUpload(r, ses); status != 0 {
		s3err.WriteJSON(w, status, msg)
		return
	}

	filename := ses.Filename
	if !ses.FilenameFixed {
		filename = sanitizeUploadFilename(r.Header.Get("X-Filename"))
		if filename == "" {
			s3err.WriteJSON(w, http.StatusBadRequest, "Missing filename")
			return
		}
	}

	// Create or reset the scratch; a retried initiate starts over.
	if _, _, err := h.blobs.WriteTemp(fileRequestScratch(ses.ID), strings.NewReader("")); err != nil {
		slog.Error("filereq: creating scratch", "session", ses.ID, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if err := kv.UpdateJSONField(ctx, h.cache, fileRequestKey(ses.ID), fileRequestTTL, "$.filename", filename); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			s3err.WriteJSON(w, http.StatusNotFound, "File request not found")
			return
		}
		slog.Error("filereq: storing filename", "session", ses.ID, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}

	h.stats.Record(ses.BucketID, stats.SurfaceAPI, 0)
	writeJSON(w, http.StatusOK, map[string]string{"id": ses.ID, "filename": filename})
}

// UploadChunk handles PUT /api/filereq/{id}/upload: appends the raw body to
// the scratch file. Quota failures empty the scratch but keep the session.
func (h *FileRequestHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ses, err := h.getSession(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeFileRequestError(w, err)
		return
	}
	if status, msg := h.authorizeUpload(r, ses); status != 0 {
		s3err.WriteJSON(w, status, msg)
		return
	}

	scratch := fileRequestScratch(ses.ID)
	info, err := h.blobs.StatTemp(scratch)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s3err.WriteJSON(w, http.StatusBadRequest, "Upload not initiated")
			return
		}
		slog.Error("filereq: reading scratch", "session", ses.ID, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}
	current := info.Size()

	bucket, err := h.catalog.GetBucketByID(ctx, ses.BucketID)
	if err != nil {
		if errors.Is(err, catalog.ErrBucketNotFound) {
			s3err.WriteJSON(w, http.StatusNotFound, "Bucket not found")
			return
		}
		slog.Error("filereq: loading bucket", "session", ses.ID, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}

	// A declared length lets the quota check run before any byte lands.
	if declared := r.ContentLength; declared > 0 {
		if ok := h.chunkQuota(ctx, w, bucket, scratch, current+declared); !ok {
			return
		}
	}

	body := http.MaxBytesReader(w, r.Body, fileRequestChunkLimit)
	written, total, err := h.blobs.AppendTemp(scratch, body)
	if err != nil {
		// A partial append corrupts the scratch; reset it.
		if terr := h.blobs.TruncateTemp(scratch); terr != nil {
			slog.Error("filereq: truncating scratch", "session", ses.ID, "error", terr)
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s3err.WriteJSON(w, http.StatusRequestEntityTooLarge, "Chunk too large")
			return
		}
		slog.Error("filereq: appending chunk", "session", ses.ID, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if ok := h.chunkQuota(ctx, w, bucket, scratch, total); !ok {
		return
	}

	if err := h.cache.Expire(ctx, fileRequestKey(ses.ID), fileRequestTTL); err != nil && !errors.Is(err, kv.ErrNotFound) {
		slog.Error("filereq: extending session", "session", ses.ID, "error", err)
	}

	h.stats.Record(ses.BucketID, stats.SurfaceAPI, 0)
	writeJSON(w, http.StatusOK, map[string]int64{"received": written, "size": total})
}

// chunkQuota verifies the accumulated upload still fits. On overrun the
// scratch is emptied so the uploader can retry after freeing space; the
// session stays alive.
func (h *FileRequestHandler) chunkQuota(ctx context.Context, w http.ResponseWriter, bucket *catalog.Bucket, scratch string, size int64) bool {
	err := h.quotas.Check(ctx, bucket, size, 0)
	if err == nil {
		return true
	}
	if !errors.Is(err, quota.ErrExceeded) {
		slog.Error("filereq: quota check", "bucket", bucket.Name, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return false
	}
	metrics.QuotaRejectionsTotal.Inc()
	if terr := h.blobs.TruncateTemp(scratch); terr != nil {
		slog.Error("filereq: truncating scratch", "bucket", bucket.Name, "error", terr)
	}
	s3err.WriteJSON(w, http.StatusForbidden, s3err.MsgQuotaUploadReset)
	return false
}

// CompleteUpload handles POST /api/filereq/{id}/upload/complete: re-checks
// quota, publishes the scratch as an object, and drops the session.
func (h *FileRequestHandler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ses, err := h.getSession(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeFileRequestError(w, err)
		return
	}
	if status, msg := h.authorizeUpload(r, ses); status != 0 {
		s3err.WriteJSON(w, status, msg)
		return
	}

	scratch := fileRequestScratch(ses.ID)
	info, err := h.blobs.StatTemp(scratch)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s3err.WriteJSON(w, http.StatusBadRequest, "Upload not initiated")
			return
		}
		slog.Error("filereq: reading scratch", "session", ses.ID, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}
	size := info.Size()

	filename := ses.Filename
	if filename == "" {
		s3err.WriteJSON(w, http.StatusBadRequest, "Missing filename")
		return
	}

	bucket, err := h.catalog.GetBucketByID(ctx, ses.BucketID)
	if err != nil {
		if errors.Is(err, catalog.ErrBucketNotFound) {
			s3err.WriteJSON(w, http.StatusNotFound, "Bucket not found")
			return
		}
		slog.Error("filereq: loading bucket", "session", ses.ID, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}

	// The parent folder may have been deleted while the session was open.
	parentID := ses.ParentID
	if parentID != catalog.RootParentID {
		parent, perr := h.catalog.GetObjectByID(ctx, parentID)
		if perr != nil {
			if errors.Is(perr, catalog.ErrObjectNotFound) {
				s3err.WriteJSON(w, http.StatusNotFound, "Parent folder not found")
				return
			}
			slog.Error("filereq: loading parent", "session", ses.ID, "error", perr)
			s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
			return
		}
		if !parent.IsFolder() {
			s3err.WriteJSON(w, http.StatusNotFound, "Parent folder not found")
			return
		}
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
		slog.Error("filereq: looking up existing object", "session", ses.ID, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if qerr := h.quotas.Check(ctx, bucket, size, credit); qerr != nil {
		if !errors.Is(qerr, quota.ErrExceeded) {
			slog.Error("filereq: quota check", "session", ses.ID, "error", qerr)
			s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
			return
		}
		// Over quota at completion the session can never finish.
		metrics.QuotaRejectionsTotal.Inc()
		_ = h.blobs.RemoveTemp(scratch)
		if derr := h.cache.Delete(ctx, fileRequestKey(ses.ID)); derr != nil {
			slog.Error("filereq: deleting session", "session", ses.ID, "error", derr)
		}
		s3err.WriteJSON(w, http.StatusForbidden, s3err.MsgQuotaUploadCanceled)
		return
	}

	mimeType := detectMimeType(filename, "")
	obj, created, err := h.catalog.FindOrCreateObject(ctx, bucket.ID, parentID, filename, mimeType)
	if err != nil {
		slog.Error("filereq: catalog row", "session", ses.ID, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if err := h.blobs.Publish(scratch, bucket.Name, obj.ID); err != nil {
		slog.Error("filereq: publishing blob", "session", ses.ID, "error", err)
		if created {
			if _, derr := h.catalog.DeleteObjectTree(ctx, obj.ID); derr != nil {
				slog.Error("filereq: rolling back row", "object", obj.ID, "error", derr)
			}
		}
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if err := h.catalog.UpdateObjectContent(ctx, obj.ID, size, mimeType); err != nil {
		slog.Error("filereq: updating row", "object", obj.ID, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if err := h.cache.Delete(ctx, fileRequestKey(ses.ID)); err != nil {
		slog.Error("filereq: deleting session", "session", ses.ID, "error", err)
	}

	obj.Size = size
	h.stats.Record(bucket.ID, stats.SurfaceAPI, 0)
	writeJSON(w, http.StatusOK, obj)
}
