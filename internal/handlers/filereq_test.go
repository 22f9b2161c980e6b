package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/cubbystore/cubby/internal/auth"
	"github.com/cubbystore/cubby/internal/blob"
	"github.com/cubbystore/cubby/internal/catalog"
	"github.com/cubbystore/cubby/internal/kv"
	"github.com/cubbystore/cubby/internal/quota"
	"github.com/cubbystore/cubby/internal/resolver"
	"github.com/cubbystore/cubby/internal/stats"
)

const filereqBaseURL = "http://cubby.test"

type filereqFixture struct {
	router *chi.Mux
	cat    *catalog.Store
	blobs  *blob.Store
	cache  kv.Store
	paths  *resolver.Resolver
	owner  *catalog.User
	bucket *catalog.Bucket
	token  string
}

func newTestFileRequestAPI(t *testing.T) *filereqFixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("opening catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	blobs, err := blob.New(filepath.Join(dir, "storage"))
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}

	cache, err := kv.Open(kv.Options{Backend: "memory"})
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	owner := &catalog.User{Username: "tester", PasswordHash: catalog.HashPassword("tester", "secret")}
	if err := cat.CreateUser(ctx, owner); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	bucket := &catalog.Bucket{
		Name:         "files",
		OwnerID:      owner.ID,
		Access:       catalog.AccessPrivate,
		StorageQuota: catalog.QuotaUnlimited,
	}
	if err := cat.CreateBucket(ctx, bucket); err != nil {
		t.Fatalf("seeding bucket: %v", err)
	}
	token := &catalog.APIToken{UserID: owner.ID}
	if err := cat.CreateAPIToken(ctx, token); err != nil {
		t.Fatalf("seeding token: %v", err)
	}

	paths := resolver.New(cat, cache)
	h := NewFileRequestHandler(cat, blobs, cache, paths, quota.New(cat), auth.NewPrincipalResolver(cat), stats.New(cat, time.Minute), filereqBaseURL)

	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Cubby API", "1.0.0"))
	h.Register(api)
	router.Get("/api/filereq/{id}/{kind}", h.Script)
	router.Post("/api/filereq/{id}/upload", h.InitiateUpload)
	router.Put("/api/filereq/{id}/upload", h.UploadChunk)
	router.Post("/api/filereq/{id}/upload/complete", h.CompleteUpload)

	return &filereqFixture{
		router: router,
		cat:    cat,
		blobs:  blobs,
		cache:  cache,
		paths:  paths,
		owner:  owner,
		bucket: bucket,
		token:  token.Token,
	}
}

func (fx *filereqFixture) request(t *testing.T, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func (fx *filereqFixture) createRaw(t *testing.T, token, jsonBody string) *httptest.ResponseRecorder {
	t.Helper()
	hdr := map[string]string{"Content-Type": "application/json"}
	if token != "" {
		hdr["Authorization"] = "Bearer " + token
	}
	return fx.request(t, "POST", "/api/filereq", jsonBody, hdr)
}

type filereqCreated struct {
	ID            string            `json:"id"`
	Bucket        string            `json:"bucket"`
	Parent        string            `json:"parent"`
	Filename      string            `json:"filename"`
	RequireAPIKey bool              `json:"requireApiKey"`
	Scripts       map[string]string `json:"scripts"`
}

func (fx *filereqFixture) create(t *testing.T, jsonBody string) filereqCreated {
	t.Helper()
	rec := fx.createRaw(t, fx.token, jsonBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body: %s", rec.Code, rec.Body.String())
	}
	var out filereqCreated
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}
	if out.ID == "" {
		t.Fatalf("create returned empty id: %s", rec.Body.String())
	}
	return out
}

func (fx *filereqFixture) initiate(t *testing.T, id, filename string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	if hdr == nil {
		hdr = map[string]string{}
	}
	if filename != "" {
		hdr["X-Filename"] = filename
	}
	return fx.request(t, "POST", "/api/filereq/"+id+"/upload", "", hdr)
}

func (fx *filereqFixture) putChunk(t *testing.T, id, data string) *httptest.ResponseRecorder {
	t.Helper()
	return fx.request(t, "PUT", "/api/filereq/"+id+"/upload", data, nil)
}

func chunkSizes(t *testing.T, rec *httptest.ResponseRecorder) (received, size int64) {
	t.Helper()
	var out struct {
		Received int64 `json:"received"`
		Size     int64 `json:"size"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding chunk response: %v; body: %s", err, rec.Body.String())
	}
	return out.Received, out.Size
}

func TestFileRequestCreate(t *testing.T) {
	fx := newTestFileRequestAPI(t)

	out := fx.create(t, `{"bucket":"files"}`)
	if out.Bucket != "files" {
		t.Errorf("bucket = %q, want files", out.Bucket)
	}
	if out.RequireAPIKey {
		t.Errorf("requireApiKey = true, want false")
	}
	wantSh := filereqBaseURL + "/api/filereq/" + out.ID + "/sh"
	if out.Scripts["sh"] != wantSh {
		t.Errorf("scripts.sh = %q, want %q", out.Scripts["sh"], wantSh)
	}
	for _, kind := range []string{"sh", "ps1", "bat"} {
		if out.Scripts[kind] == "" {
			t.Errorf("scripts missing %s", kind)
		}
	}

	if _, err := fx.cache.Get(context.Background(), kv.PrefixFileRequest+out.ID); err != nil {
		t.Errorf("session not stored: %v", err)
	}
}

func TestFileRequestCreateAuth(t *testing.T) {
	fx := newTestFileRequestAPI(t)

	rec := fx.createRaw(t, "", `{"bucket":"files"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous create status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	stranger := seedUserToken(t, fx.cat, "outsider")
	rec = fx.createRaw(t, stranger, `{"bucket":"files"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger create status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = fx.createRaw(t, fx.token, `{"bucket":"ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown bucket status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestFileRequestCreateParent(t *testing.T) {
	fx := newTestFileRequestAPI(t)
	ctx := context.Background()

	out := fx.create(t, `{"bucket":"files","parent":"inbox/april"}`)
	if out.Parent != "inbox/april" {
		t.Errorf("parent = %q, want inbox/april", out.Parent)
	}

	inbox, err := fx.cat.FindObjectInDir(ctx, fx.bucket.ID, catalog.RootParentID, "inbox")
	if err != nil {
		t.Fatalf("inbox folder missing: %v", err)
	}
	if !inbox.IsFolder() {
		t.Errorf("inbox is not a folder")
	}
	april, err := fx.cat.FindObjectInDir(ctx, fx.bucket.ID, inbox.ID, "april")
	if err != nil {
		t.Fatalf("april folder missing: %v", err)
	}
	if !april.IsFolder() {
		t.Errorf("april is not a folder")
	}
}

func TestFileRequestCreateBadInput(t *testing.T) {
	fx := newTestFileRequestAPI(t)
	seedObject(t, fx.cat, fx.blobs, fx.bucket, catalog.RootParentID, "blocker.txt", "text/plain", "in the way")

	for _, body := range []string{
		`{"bucket":"files","filename":"../up"}`,
		`{"bucket":"files","filename":"a/b"}`,
		`{"bucket":"files","parent":"a//b"}`,
		`{"bucket":"files","parent":"blocker.txt/sub"}`,
	} {
		rec := fx.createRaw(t, fx.token, body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d; body: %s", body, rec.Code, http.StatusBadRequest, rec.Body.String())
		}
	}
}

func TestFileRequestCancel(t *testing.T) {
	fx := newTestFileRequestAPI(t)
	out := fx.create(t, `{"bucket":"files"}`)
	target := "/api/filereq/" + out.ID

	rec := fx.request(t, "DELETE", target, "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous cancel status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	stranger := seedUserToken(t, fx.cat, "outsider")
	rec = fx.request(t, "DELETE", target, "", map[string]string{"Authorization": "Bearer " + stranger})
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger cancel status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = fx.request(t, "DELETE", target, "", map[string]string{"Authorization": "Bearer " + fx.token})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("owner cancel status = %d; body: %s", rec.Code, rec.Body.String())
	}

	rec = fx.request(t, "GET", target+"/sh", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("script after cancel status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	rec = fx.request(t, "DELETE", target, "", map[string]string{"Authorization": "Bearer " + fx.token})
	if rec.Code != http.StatusNotFound {
		t.Errorf("second cancel status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestFileRequestScript(t *testing.T) {
	fx := newTestFileRequestAPI(t)
	out := fx.create(t, `{"bucket":"files"}`)

	rec := fx.request(t, "GET", "/api/filereq/"+out.ID+"/sh", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sh script status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/x-shellscript; charset=utf-8" {
		t.Errorf("sh Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, filereqBaseURL) {
		t.Errorf("sh script missing base url")
	}
	if !strings.Contains(body, "/api/filereq/"+out.ID+"/upload") {
		t.Errorf("sh script missing upload url")
	}
	wantDisp := `attachment; filename="cubby-upload-` + out.ID[:8] + `.sh"`
	if got := rec.Header().Get("Content-Disposition"); got != wantDisp {
		t.Errorf("Content-Disposition = %q, want %q", got, wantDisp)
	}

	for _, kind := range []string{"ps1", "bat"} {
		rec = fx.request(t, "GET", "/api/filereq/"+out.ID+"/"+kind, "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s script status = %d", kind, rec.Code)
		}
	}

	rec = fx.request(t, "GET", "/api/filereq/"+out.ID+"/exe", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown kind status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	rec = fx.request(t, "GET", "/api/filereq/nosuch/sh", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if !strings.Contains(rec.Body.String(), "File request not found") {
		t.Errorf("unknown session body = %s", rec.Body.String())
	}
}

func TestFileRequestUploadFlow(t *testing.T) {
	fx := newTestFileRequestAPI(t)
	ctx := context.Background()
	out := fx.create(t, `{"bucket":"files","parent":"inbox"}`)

	rec := fx.initiate(t, out.ID, "data.bin", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("initiate status = %d; body: %s", rec.Code, rec.Body.String())
	}
	var started map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decoding initiate response: %v", err)
	}
	if started["id"] != out.ID || started["filename"] != "data.bin" {
		t.Errorf("initiate response = %v", started)
	}

	rec = fx.putChunk(t, out.ID, "hello ")
	if rec.Code != http.StatusOK {
		t.Fatalf("chunk 1 status = %d; body: %s", rec.Code, rec.Body.String())
	}
	if received, size := chunkSizes(t, rec); received != 6 || size != 6 {
		t.Errorf("chunk 1 = (%d, %d), want (6, 6)", received, size)
	}

	rec = fx.putChunk(t, out.ID, "world")
	if rec.Code != http.StatusOK {
		t.Fatalf("chunk 2 status = %d", rec.Code)
	}
	if _, size := chunkSizes(t, rec); size != 11 {
		t.Errorf("chunk 2 size = %d, want 11", size)
	}

	rec = fx.request(t, "POST", "/api/filereq/"+out.ID+"/upload/complete", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d; body: %s", rec.Code, rec.Body.String())
	}
	var obj catalog.Object
	if err := json.Unmarshal(rec.Body.Bytes(), &obj); err != nil {
		t.Fatalf("decoding complete response: %v", err)
	}
	if obj.Filename != "data.bin" || obj.Size != 11 {
		t.Errorf("completed object = %+v", obj)
	}
	if obj.MimeType != "application/octet-stream" {
		t.Errorf("mime = %q, want application/octet-stream", obj.MimeType)
	}

	inbox, err := fx.cat.FindObjectInDir(ctx, fx.bucket.ID, catalog.RootParentID, "inbox")
	if err != nil {
		t.Fatalf("inbox folder missing: %v", err)
	}
	row, err := fx.cat.FindObjectInDir(ctx, fx.bucket.ID, inbox.ID, "data.bin")
	if err != nil {
		t.Fatalf("catalog row missing: %v", err)
	}
	if row.Size != 11 {
		t.Errorf("row size = %d, want 11", row.Size)
	}

	f, _, err := fx.blobs.Open(fx.bucket.Name, row.ID)
	if err != nil {
		t.Fatalf("opening blob: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("blob = %q, want %q", data, "hello world")
	}

	// Completion consumes the session.
	rec = fx.request(t, "GET", "/api/filereq/"+out.ID+"/sh", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("script after complete status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestFileRequestUploadNotInitiated(t *testing.T) {
	fx := newTestFileRequestAPI(t)
	out := fx.create(t, `{"bucket":"files"}`)

	rec := fx.putChunk(t, out.ID, "too soon")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("chunk status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "Upload not initiated") {
		t.Errorf("chunk body = %s", rec.Body.String())
	}

	rec = fx.request(t, "POST", "/api/filereq/"+out.ID+"/upload/complete", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("complete status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestFileRequestInitiateMissingFilename(t *testing.T) {
	fx := newTestFileRequestAPI(t)
	out := fx.create(t, `{"bucket":"files"}`)

	rec := fx.initiate(t, out.ID, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("initiate status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "Missing filename") {
		t.Errorf("initiate body = %s", rec.Body.String())
	}
}

func TestFileRequestFixedFilename(t *testing.T) {
	fx := newTestFileRequestAPI(t)
	out := fx.create(t, `{"bucket":"files","filename":"report.pdf"}`)
	if out.Filename != "report.pdf" {
		t.Errorf("created filename = %q, want report.pdf", out.Filename)
	}

	// The uploader cannot rename a fixed-filename request.
	rec := fx.initiate(t, out.ID, "other.bin", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("initiate status = %d; body: %s", rec.Code, rec.Body.String())
	}
	var started map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decoding initiate response: %v", err)
	}
	if started["filename"] != "report.pdf" {
		t.Errorf("initiate filename = %q, want report.pdf", started["filename"])
	}
}

func TestFileRequestRequireAPIKey(t *testing.T) {
	fx := newTestFileRequestAPI(t)
	out := fx.create(t, `{"bucket":"files","requireApiKey":true}`)
	if !out.RequireAPIKey {
		t.Fatalf("requireApiKey = false, want true")
	}

	rec := fx.request(t, "GET", "/api/filereq/"+out.ID+"/sh", "", nil)
	if !strings.Contains(rec.Body.String(), "X-Api-Key") {
		t.Errorf("sh script does not send the api key")
	}

	rec = fx.initiate(t, out.ID, "data.bin", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("keyless initiate status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(rec.Body.String(), "Invalid API key") {
		t.Errorf("keyless initiate body = %s", rec.Body.String())
	}

	// Any live token passes; the session id is the real capability.
	uploader := seedUserToken(t, fx.cat, "uploader")
	rec = fx.initiate(t, out.ID, "data.bin", map[string]string{"X-Api-Key": uploader})
	if rec.Code != http.StatusOK {
		t.Errorf("keyed initiate status = %d; body: %s", rec.Code, rec.Body.String())
	}
}

func TestFileRequestChunkQuota(t *testing.T) {
	fx := newTestFileRequestAPI(t)
	ctx := context.Background()

	tiny := &catalog.Bucket{Name: "tiny", OwnerID: fx.owner.ID, Access: catalog.AccessPrivate, StorageQuota: 10}
	if err := fx.cat.CreateBucket(ctx, tiny); err != nil {
		t.Fatalf("creating bucket: %v", err)
	}
	out := fx.create(t, `{"bucket":"tiny"}`)
	if rec := fx.initiate(t, out.ID, "big.bin", nil); rec.Code != http.StatusOK {
		t.Fatalf("initiate status = %d", rec.Code)
	}
	scratch := fileRequestScratch(out.ID)

	// An oversized chunk is rejected before it lands; the scratch is reset
	// but the session survives for a retry.
	rec := fx.putChunk(t, out.ID, strings.Repeat("a", 20))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("oversized chunk status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if !strings.Contains(rec.Body.String(), "Quota exceeded, upload reset") {
		t.Errorf("oversized chunk body = %s", rec.Body.String())
	}
	info, err := fx.blobs.StatTemp(scratch)
	if err != nil {
		t.Fatalf("scratch gone after reset: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("scratch size = %d, want 0", info.Size())
	}
	if rec := fx.request(t, "GET", "/api/filereq/"+out.ID+"/sh", "", nil); rec.Code != http.StatusOK {
		t.Errorf("script after reset status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = fx.putChunk(t, out.ID, "12345")
	if rec.Code != http.StatusOK {
		t.Fatalf("5-byte chunk status = %d; body: %s", rec.Code, rec.Body.String())
	}

	// The accumulated total is what counts against the quota.
	rec = fx.putChunk(t, out.ID, "abcdefgh")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("overflow chunk status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = fx.putChunk(t, out.ID, "123456789")
	if rec.Code != http.StatusOK {
		t.Fatalf("retry chunk status = %d; body: %s", rec.Code, rec.Body.String())
	}
	if _, size := chunkSizes(t, rec); size != 9 {
		t.Errorf("retry size = %d, want 9", size)
	}

	rec = fx.request(t, "POST", "/api/filereq/"+out.ID+"/upload/complete", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d; body: %s", rec.Code, rec.Body.String())
	}
	var obj catalog.Object
	if err := json.Unmarshal(rec.Body.Bytes(), &obj); err != nil {
		t.Fatalf("decoding complete response: %v", err)
	}
	if obj.Size != 9 {
		t.Errorf("completed size = %d, want 9", obj.Size)
	}
}

func TestFileRequestCompleteQuotaCancels(t *testing.T) {
	fx := newTestFileRequestAPI(t)
	ctx := context.Background()

	tiny := &catalog.Bucket{Name: "tiny", OwnerID: fx.owner.ID, Access: catalog.AccessPrivate, StorageQuota: 10}
	if err := fx.cat.CreateBucket(ctx, tiny); err != nil {
		t.Fatalf("creating bucket: %v", err)
	}
	out := fx.create(t, `{"bucket":"tiny"}`)
	if rec := fx.initiate(t, out.ID, "late.bin", nil); rec.Code != http.StatusOK {
		t.Fatalf("initiate status = %d", rec.Code)
	}
	if rec := fx.putChunk(t, out.ID, "sixsix"); rec.Code != http.StatusOK {
		t.Fatalf("chunk status = %d", rec.Code)
	}

	// Space disappears while the session is open.
	seedObject(t, fx.cat, fx.blobs, tiny, catalog.RootParentID, "hog.bin", "application/octet-stream", "hogsfull")

	rec := fx.request(t, "POST", "/api/filereq/"+out.ID+"/upload/complete", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("complete status = %d, want %d; body: %s", rec.Code, http.StatusForbidden, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Quota exceeded, upload canceled") {
		t.Errorf("complete body = %s", rec.Body.String())
	}

	if _, err := fx.blobs.StatTemp(fileRequestScratch(out.ID)); err == nil {
		t.Errorf("scratch survived the cancel")
	}
	if rec := fx.request(t, "GET", "/api/filereq/"+out.ID+"/sh", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("script after cancel status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestFileRequestCompleteParentDeleted(t *testing.T) {
	fx := newTestFileRequestAPI(t)
	ctx := context.Background()

	out := fx.create(t, `{"bucket":"files","parent":"drop/zone"}`)
	if rec := fx.initiate(t, out.ID, "data.bin", nil); rec.Code != http.StatusOK {
		t.Fatalf("initiate status = %d", rec.Code)
	}
	if rec := fx.putChunk(t, out.ID, "x"); rec.Code != http.StatusOK {
		t.Fatalf("chunk status = %d", rec.Code)
	}

	drop, err := fx.cat.FindObjectInDir(ctx, fx.bucket.ID, catalog.RootParentID, "drop")
	if err != nil {
		t.Fatalf("drop folder missing: %v", err)
	}
	if _, err := fx.cat.DeleteObjectTree(ctx, drop.ID); err != nil {
		t.Fatalf("deleting folder: %v", err)
	}

	rec := fx.request(t, "POST", "/api/filereq/"+out.ID+"/upload/complete", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("complete status = %d, want %d; body: %s", rec.Code, http.StatusNotFound, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Parent folder not found") {
		t.Errorf("complete body = %s", rec.Body.String())
	}
}

func TestRenderScript(t *testing.T) {
	body, contentType, err := renderScript("sh", scriptData{BaseURL: "http://x", ID: "abc", RequireAPIKey: true})
	if err != nil {
		t.Fatalf("renderScript: %v", err)
	}
	if contentType != "text/x-shellscript; charset=utf-8" {
		t.Errorf("content type = %q", contentType)
	}
	if !strings.Contains(body, "/api/filereq/abc/upload") {
		t.Errorf("script missing upload path")
	}
	if !strings.Contains(body, `BASE_URL="http://x"`) {
		t.Errorf("script missing base url")
	}
	if !strings.Contains(body, "X-Api-Key") {
		t.Errorf("api-key script does not send the key header")
	}

	open, _, err := renderScript("sh", scriptData{BaseURL: "http://x", ID: "abc"})
	if err != nil {
		t.Fatalf("renderScript: %v", err)
	}
	if strings.Contains(open, "X-Api-Key") {
		t.Errorf("open script sends an api key header")
	}

	if _, _, err := renderScript("exe", scriptData{}); err == nil {
		t.Errorf("unknown kind did not error")
	}

	if got, want := scriptDisposition("0123456789", "sh"), `attachment; filename="cubby-upload-01234567.sh"`; got != want {
		t.Errorf("scriptDisposition = %q, want %q", got, want)
	}
	if got, want := scriptDisposition("ab", "bat"), `attachment; filename="cubby-upload-ab.bat"`; got != want {
		t.Errorf("scriptDisposition = %q, want %q", got, want)
	}
}
