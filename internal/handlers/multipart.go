package handlers

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cubbystore/cubby/internal/catalog"
	s3err "github.com/cubbystore/cubby/internal/errors"
	"github.com/cubbystore/cubby/internal/kv"
	"github.com/cubbystore/cubby/internal/uid"
	"github.com/cubbystore/cubby/internal/xmlutil"
)

// sessionTTL bounds how long an idle multipart upload survives. Every part
// upload re-arms it.
const sessionTTL = 24 * time.Hour

// partNumberToken is substituted with the part number to name part scratch
// files.
const partNumberToken = "{{partNumber}}"

// errSessionGone aborts a session update when the session disappeared
// between the part spool and the record append.
var errSessionGone = errors.New("multipart session gone")

// multipartSession is the KV-resident state of one in-progress multipart
// upload.
type multipartSession struct {
	UploadID     string          `json:"uploadId"`
	BucketID     string          `json:"bucketId"`
	BucketName   string          `json:"bucketName"`
	Key          string          `json:"key"`
	ParentPath   []string        `json:"parentPath"`
	Filename     string          `json:"filename"`
	MimeType     string          `json:"mimeType"`
	TempFileBase string          `json:"tempFileBase"`
	OwnerID      string          `json:"ownerId"`
	OwnerName    string          `json:"ownerName"`
	Parts        []multipartPart `json:"parts"`
	Initiated    time.Time       `json:"initiated"`
}

// multipartPart records one uploaded part. ETag is the raw MD5 hex; it is
// quoted at render time.
type multipartPart struct {
	PartNumber int       `json:"partNumber"`
	Size       int64     `json:"size"`
	ETag       string    `json:"etag"`
	TempName   string    `json:"tempName"`
	UploadedAt time.Time `json:"uploadedAt"`
}

func (s *multipartSession) partTempName(partNumber int) string {
	return strings.ReplaceAll(s.TempFileBase, partNumberToken, strconv.Itoa(partNumber))
}

func sessionKey(uploadID string) string {
	return kv.PrefixMultipart + uploadID
}

// getSession loads a session by upload id. kv.ErrNotFound means the upload
// never existed or already reached a terminal state.
func (h *S3Handler) getSession(ctx context.Context, uploadID string) (*multipartSession, error) {
	raw, err := h.cache.Get(ctx, sessionKey(uploadID))
	if err != nil {
		return nil, err
	}
	var ses multipartSession
	if err := json.Unmarshal(raw, &ses); err != nil {
		return nil, err
	}
	return &ses, nil
}

// sessionError maps session lookup failures onto the S3 vocabulary.
func sessionError(err error) *s3err.S3Error {
	if errors.Is(err, kv.ErrNotFound) {
		return s3err.ErrNoSuchUpload
	}
	slog.Error("s3 multipart: loading session", "error", err)
	return s3err.ErrInternalError
}

// CreateMultipartUpload handles POST /{bucket}/{key}?uploads. The session
// lives in the KV store; parent folders are created here and re-checked at
// completion.
func (h *S3Handler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket, key string, cred *catalog.S3Credential) {
	ctx := r.Context()

	segs, isFolder := splitKey(key)
	if len(segs) == 0 || isFolder {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, _, s3e := h.preparePut(ctx, bucket, segs); s3e != nil {
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	ownerID, ownerName := "", ""
	if cred != nil {
		owner, err := h.catalog.GetUserByID(ctx, cred.UserID)
		if err != nil {
			slog.Error("s3 multipart: loading owner", "user", cred.UserID, "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		ownerID, ownerName = owner.ID, owner.Username
	}

	filename := segs[len(segs)-1]
	uploadID := uid.New()
	ses := multipartSession{
		UploadID:     uploadID,
		BucketID:     bucket.ID,
		BucketName:   bucket.Name,
		Key:          key,
		ParentPath:   segs[:len(segs)-1],
		Filename:     filename,
		MimeType:     detectMimeType(filename, r.Header.Get("Content-Type")),
		TempFileBase: "multipart_" + uploadID + "_" + partNumberToken,
		OwnerID:      ownerID,
		OwnerName:    ownerName,
		Initiated:    time.Now().UTC(),
	}

	raw, err := json.Marshal(&ses)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if err := h.cache.Set(ctx, sessionKey(uploadID), raw, sessionTTL); err != nil {
		slog.Error("s3 multipart: storing session", "bucket", bucket.Name, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucket.Name,
		Key:      key,
		UploadID: uploadID,
	})
}

// UploadPart handles PUT /{bucket}/{key}?partNumber=N&uploadId=U. The part
// body spools to the session's template path; re-uploading a part number
// overwrites the scratch file and replaces the stored record.
func (h *S3Handler) UploadPart(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket, key string) {
	ctx := r.Context()
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if h.maxObjectSize > 0 && declaredSize(r) > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	ses, err := h.getSession(ctx, uploadID)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, sessionError(err))
		return
	}
	if ses.BucketName != bucket.Name || ses.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	tempName := ses.partTempName(partNumber)
	written, md5hex, err := h.blobs.WriteTemp(tempName, uploadBody(r))
	if err != nil {
		_ = h.blobs.RemoveTemp(tempName)
		slog.Error("s3 multipart: spooling part", "upload", uploadID, "part", partNumber, "error", err)
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

	record := multipartPart{
		PartNumber: partNumber,
		Size:       written,
		ETag:       md5hex,
		TempName:   tempName,
		UploadedAt: time.Now().UTC(),
	}
	err = h.cache.Update(ctx, sessionKey(uploadID), sessionTTL, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errSessionGone
		}
		var cur multipartSession
		if err := json.Unmarshal(current, &cur); err != nil {
			return nil, err
		}
		replaced := false
		for i := range cur.Parts {
			if cur.Parts[i].PartNumber == partNumber {
				cur.Parts[i] = record
				replaced = true
				break
			}
		}
		if !replaced {
			cur.Parts = append(cur.Parts, record)
		}
		return json.Marshal(&cur)
	})
	if err != nil {
		_ = h.blobs.RemoveTemp(tempName)
		if errors.Is(err, errSessionGone) || errors.Is(err, kv.ErrNotFound) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("s3 multipart: recording part", "upload", uploadID, "part", partNumber, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", quotedETag(md5hex))
	w.WriteHeader(http.StatusOK)
}

// parseCompleteBody decodes the optional CompleteMultipartUpload XML body.
// A missing or empty body selects every stored part.
func parseCompleteBody(body io.Reader) ([]xmlutil.CompletePart, bool, error) {
	var req xmlutil.CompleteMultipartUpload
	if err := xml.NewDecoder(body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return req.Parts, true, nil
}

// CompleteMultipartUpload handles POST /{bucket}/{key}?uploadId=U: sort,
// concatenate, pass quota, publish, drop the session. When the client sends
// a part manifest it must match the stored parts.
func (h *S3Handler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket, key string) {
	ctx := r.Context()

	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	ses, err := h.getSession(ctx, uploadID)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, sessionError(err))
		return
	}
	if ses.BucketName != bucket.Name || ses.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	manifest, hasManifest, err := parseCompleteBody(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	stored := make(map[int]multipartPart, len(ses.Parts))
	for _, p := range ses.Parts {
		stored[p.PartNumber] = p
	}

	var selected []multipartPart
	if hasManifest {
		if len(manifest) == 0 {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
			return
		}
		for i, mp := range manifest {
			if i > 0 && mp.PartNumber <= manifest[i-1].PartNumber {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartOrder)
				return
			}
			sp, ok := stored[mp.PartNumber]
			if !ok || strings.Trim(mp.ETag, `"`) != sp.ETag {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
				return
			}
			selected = append(selected, sp)
		}
	} else {
		selected = append(selected, ses.Parts...)
		sort.Slice(selected, func(i, j int) bool {
			return selected[i].PartNumber < selected[j].PartNumber
		})
	}
	if len(selected) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
		return
	}

	names := make([]string, len(selected))
	for i, p := range selected {
		names[i] = p.TempName
	}

	finalName := "multipart_final_" + uploadID
	assembled, err := h.blobs.AssembleTemp(finalName, names)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
			return
		}
		slog.Error("s3 multipart: assembling parts", "upload", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	parentID, existing, s3e := h.preparePut(ctx, bucket, append(ses.ParentPath, ses.Filename))
	if s3e != nil {
		_ = h.blobs.RemoveTemp(finalName)
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}
	var credit int64
	if existing != nil {
		credit = existing.Size
	}

	if s3e := h.checkQuota(ctx, bucket, assembled, credit); s3e != nil {
		// A session over quota can never complete; drop it entirely.
		_ = h.blobs.RemoveTemp(finalName)
		h.removePartFiles(ses)
		if err := h.cache.Delete(ctx, sessionKey(uploadID)); err != nil {
			slog.Error("s3 multipart: deleting session", "upload", uploadID, "error", err)
		}
		xmlutil.WriteErrorResponse(w, r, s3e)
		return
	}

	obj, created, err := h.catalog.FindOrCreateObject(ctx, bucket.ID, parentID, ses.Filename, ses.MimeType)
	if err != nil {
		_ = h.blobs.RemoveTemp(finalName)
		slog.Error("s3 multipart: catalog row", "upload", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if err := h.blobs.Publish(finalName, bucket.Name, obj.ID); err != nil {
		slog.Error("s3 multipart: publishing blob", "upload", uploadID, "error", err)
		if created {
			if _, derr := h.catalog.DeleteObjectTree(ctx, obj.ID); derr != nil {
				slog.Error("s3 multipart: rolling back row", "object", obj.ID, "error", derr)
			}
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if err := h.catalog.UpdateObjectContent(ctx, obj.ID, assembled, ses.MimeType); err != nil {
		slog.Error("s3 multipart: updating row", "object", obj.ID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	h.removePartFiles(ses)
	if err := h.cache.Delete(ctx, sessionKey(uploadID)); err != nil {
		slog.Error("s3 multipart: deleting session", "upload", uploadID, "error", err)
	}

	w.Header().Set("ETag", quotedETag(obj.ID))
	xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
		Location: "/" + bucket.Name + "/" + key,
		Bucket:   bucket.Name,
		Key:      key,
		ETag:     quotedETag(obj.ID),
	})
}

// removePartFiles unlinks every scratch file the session accumulated.
func (h *S3Handler) removePartFiles(ses *multipartSession) {
	for _, p := range ses.Parts {
		if err := h.blobs.RemoveTemp(p.TempName); err != nil {
			slog.Error("s3 multipart: removing part file", "upload", ses.UploadID, "part", p.PartNumber, "error", err)
		}
	}
}

// AbortMultipartUpload handles DELETE /{bucket}/{key}?uploadId=U.
func (h *S3Handler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket, key string) {
	ctx := r.Context()

	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	ses, err := h.getSession(ctx, uploadID)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, sessionError(err))
		return
	}
	if ses.BucketName != bucket.Name || ses.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	h.removePartFiles(ses)
	if err := h.cache.Delete(ctx, sessionKey(uploadID)); err != nil {
		slog.Error("s3 multipart: deleting session", "upload", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListParts handles GET /{bucket}/{key}?uploadId=U with part-number-marker
// pagination.
func (h *S3Handler) ListParts(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket, key string) {
	ctx := r.Context()
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	ses, err := h.getSession(ctx, uploadID)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, sessionError(err))
		return
	}
	if ses.BucketName != bucket.Name || ses.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	marker := 0
	if pm := q.Get("part-number-marker"); pm != "" {
		if n, perr := strconv.Atoi(pm); perr == nil {
			marker = n
		}
	}
	maxParts := 1000
	if mp := q.Get("max-parts"); mp != "" {
		if n, perr := strconv.Atoi(mp); perr == nil && n >= 0 {
			maxParts = n
		}
	}

	parts := append([]multipartPart(nil), ses.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	result := &xmlutil.ListPartsResult{
		Bucket:           bucket.Name,
		Key:              key,
		UploadID:         uploadID,
		PartNumberMarker: marker,
		MaxParts:         maxParts,
	}
	for _, p := range parts {
		if p.PartNumber <= marker {
			continue
		}
		if len(result.Parts) >= maxParts {
			result.IsTruncated = true
			break
		}
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.UploadedAt),
			ETag:         quotedETag(p.ETag),
			Size:         p.Size,
		})
		result.NextPartNumberMarker = p.PartNumber
	}
	xmlutil.RenderListParts(w, result)
}

// uploadAfterMarker implements the (key, uploadId) pagination cursor of
// ListMultipartUploads.
func uploadAfterMarker(key, uploadID, keyMarker, uploadIDMarker string) bool {
	if keyMarker == "" {
		return true
	}
	if uploadIDMarker == "" {
		return key > keyMarker
	}
	if key != keyMarker {
		return key > keyMarker
	}
	return uploadID > uploadIDMarker
}

// ListMultipartUploads handles GET /{bucket}?uploads by scanning the
// session keyspace and filtering to this bucket.
func (h *S3Handler) ListMultipartUploads(w http.ResponseWriter, r *http.Request, bucket *catalog.Bucket) {
	ctx := r.Context()
	q := r.URL.Query()

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")
	encodingType := q.Get("encoding-type")
	maxUploads := 1000
	if mu := q.Get("max-uploads"); mu != "" {
		if n, perr := strconv.Atoi(mu); perr == nil && n >= 0 {
			maxUploads = n
		}
	}

	keys, err := h.cache.Keys(ctx, kv.PrefixMultipart)
	if err != nil {
		slog.Error("s3 multipart: scanning sessions", "bucket", bucket.Name, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	var sessions []multipartSession
	for _, k := range keys {
		raw, gerr := h.cache.Get(ctx, k)
		if gerr != nil {
			// Expired between the scan and the read.
			continue
		}
		var ses multipartSession
		if jerr := json.Unmarshal(raw, &ses); jerr != nil {
			slog.Error("s3 multipart: decoding session", "key", k, "error", jerr)
			continue
		}
		if ses.BucketID != bucket.ID {
			continue
		}
		sessions = append(sessions, ses)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Key != sessions[j].Key {
			return sessions[i].Key < sessions[j].Key
		}
		return sessions[i].UploadID < sessions[j].UploadID
	})

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:         bucket.Name,
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		MaxUploads:     maxUploads,
		EncodingType:   encodingType,
	}

	seenPrefix := make(map[string]bool)
	count := 0
	for _, ses := range sessions {
		if !strings.HasPrefix(ses.Key, prefix) {
			continue
		}
		if !uploadAfterMarker(ses.Key, ses.UploadID, keyMarker, uploadIDMarker) {
			continue
		}

		if delimiter != "" {
			rest := ses.Key[len(prefix):]
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				group := prefix + rest[:idx+len(delimiter)]
				if seenPrefix[group] {
					continue
				}
				if count >= maxUploads {
					result.IsTruncated = true
					break
				}
				seenPrefix[group] = true
				result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{
					Prefix: xmlutil.EncodeKeyURL(group, encodingType),
				})
				result.NextKeyMarker = group
				result.NextUploadIDMarker = ""
				count++
				continue
			}
		}

		if count >= maxUploads {
			result.IsTruncated = true
			break
		}
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:       xmlutil.EncodeKeyURL(ses.Key, encodingType),
			UploadID:  ses.UploadID,
			Initiator: xmlutil.Owner{ID: ses.OwnerID, DisplayName: ses.OwnerName},
			Owner:     xmlutil.Owner{ID: ses.OwnerID, DisplayName: ses.OwnerName},
			Initiated: xmlutil.FormatTimeS3(ses.Initiated),
		})
		result.NextKeyMarker = ses.Key
		result.NextUploadIDMarker = ses.UploadID
		count++
	}

	xmlutil.RenderListMultipartUploads(w, result)
}
