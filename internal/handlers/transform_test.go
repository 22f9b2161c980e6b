package handlers

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cubbystore/cubby/internal/auth"
	"github.com/cubbystore/cubby/internal/blob"
	"github.com/cubbystore/cubby/internal/catalog"
	"github.com/cubbystore/cubby/internal/imaging"
	"github.com/cubbystore/cubby/internal/kv"
	"github.com/cubbystore/cubby/internal/resolver"
	"github.com/cubbystore/cubby/internal/stats"
)

type transformFixture struct {
	router chi.Router
	cat    *catalog.Store
	blobs  *blob.Store
	cache  kv.Store
	paths  *resolver.Resolver
	owner  *catalog.User
	bucket *catalog.Bucket
	token  string
}

func newTestTransformAPI(t *testing.T) *transformFixture {
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
		Name:         "pics",
		OwnerID:      owner.ID,
		Access:       catalog.AccessPublicRead,
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
	h := NewTransformHandler(cat, blobs, cache, paths, auth.NewPrincipalResolver(cat), stats.New(cat, time.Minute))

	router := chi.NewRouter()
	router.Get("/transform/{bucket}/*", h.Get)

	return &transformFixture{
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

func (fx *transformFixture) config(t *testing.T, key, value, typ string) {
	t.Helper()
	if err := fx.cat.SetBucketConfig(context.Background(), fx.bucket.ID, key, value, typ); err != nil {
		t.Fatalf("setting %s: %v", key, err)
	}
}

func (fx *transformFixture) get(t *testing.T, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

// testPNG encodes a w x h gradient as PNG bytes.
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 13), G: uint8(y * 29), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test png: %v", err)
	}
	return buf.Bytes()
}

func TestTransformDisabled(t *testing.T) {
	fx := newTestTransformAPI(t)
	seedObject(t, fx.cat, fx.blobs, fx.bucket, catalog.RootParentID, "photo.png", "image/png", string(testPNG(t, 4, 4)))

	rec := fx.get(t, "/transform/pics/photo.png", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if !strings.Contains(rec.Body.String(), "Image transform not enabled") {
		t.Errorf("body = %s", rec.Body.String())
	}

	// The feature gate answers before access control does.
	if err := fx.cat.UpdateBucketAccess(context.Background(), fx.bucket.ID, catalog.AccessPrivate); err != nil {
		t.Fatalf("updating access: %v", err)
	}
	rec = fx.get(t, "/transform/pics/photo.png", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("private bucket status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestTransformResize(t *testing.T) {
	fx := newTestTransformAPI(t)
	fx.config(t, catalog.CfgImageTransformEnable, "true", catalog.ConfigTypeBoolean)
	seedObject(t, fx.cat, fx.blobs, fx.bucket, catalog.RootParentID, "wide.png", "image/png", string(testPNG(t, 20, 10)))

	rec := fx.get(t, "/transform/pics/wide.png?width=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	out, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if b := out.Bounds(); b.Dx() != 10 || b.Dy() != 5 {
		t.Errorf("result bounds = %dx%d, want 10x5", b.Dx(), b.Dy())
	}
}

func TestTransformFormatConversion(t *testing.T) {
	fx := newTestTransformAPI(t)
	fx.config(t, catalog.CfgImageTransformEnable, "true", catalog.ConfigTypeBoolean)
	seedObject(t, fx.cat, fx.blobs, fx.bucket, catalog.RootParentID, "shot.png", "image/png", string(testPNG(t, 6, 6)))

	rec := fx.get(t, "/transform/pics/shot.png?format=jpeg&quality=70", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", ct)
	}
	if _, err := jpeg.Decode(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Errorf("decoding jpeg result: %v", err)
	}

	// No webp encoder exists, so an explicit webp target is refused.
	rec = fx.get(t, "/transform/pics/shot.png?format=webp", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("webp target status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "Unsupported target format") {
		t.Errorf("webp target body = %s", rec.Body.String())
	}
}

func TestTransformCacheHit(t *testing.T) {
	fx := newTestTransformAPI(t)
	fx.config(t, catalog.CfgImageTransformEnable, "true", catalog.ConfigTypeBoolean)
	fx.config(t, catalog.CfgImageTransformCacheEnable, "true", catalog.ConfigTypeBoolean)
	obj := seedObject(t, fx.cat, fx.blobs, fx.bucket, catalog.RootParentID, "cached.png", "image/png", string(testPNG(t, 16, 16)))

	first := fx.get(t, "/transform/pics/cached.png?width=8", "")
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d; body: %s", first.Code, first.Body.String())
	}
	if got := first.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("first X-Cache = %q, want MISS", got)
	}

	key := kv.PrefixTransform + imaging.CacheKey(obj.ID, imaging.Options{Width: 8})
	if _, err := fx.cache.Get(context.Background(), key); err != nil {
		t.Fatalf("result not cached under %s: %v", key, err)
	}

	second := fx.get(t, "/transform/pics/cached.png?width=8", "")
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}
	if got := second.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("second X-Cache = %q, want HIT", got)
	}
	if ct := second.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("second Content-Type = %q, want image/png", ct)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Errorf("cached bytes differ from the miss response")
	}
}

func TestTransformNotImage(t *testing.T) {
	fx := newTestTransformAPI(t)
	fx.config(t, catalog.CfgImageTransformEnable, "true", catalog.ConfigTypeBoolean)
	seedObject(t, fx.cat, fx.blobs, fx.bucket, catalog.RootParentID, "notes.txt", "text/plain", "words")

	rec := fx.get(t, "/transform/pics/notes.txt", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "Unsupported source format") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestTransformBadParams(t *testing.T) {
	fx := newTestTransformAPI(t)
	fx.config(t, catalog.CfgImageTransformEnable, "true", catalog.ConfigTypeBoolean)
	seedObject(t, fx.cat, fx.blobs, fx.bucket, catalog.RootParentID, "ok.png", "image/png", string(testPNG(t, 4, 4)))

	for _, query := range []string{
		"width=0",
		"width=-3",
		"width=abc",
		"height=xyz",
		"quality=1.5",
	} {
		rec := fx.get(t, "/transform/pics/ok.png?"+query, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", query, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestTransformSVGPassthrough(t *testing.T) {
	fx := newTestTransformAPI(t)
	fx.config(t, catalog.CfgImageTransformEnable, "true", catalog.ConfigTypeBoolean)
	svg := `<svg xmlns="http://www.w3.org/2000/svg" width="4" height="4"/>`
	seedObject(t, fx.cat, fx.blobs, fx.bucket, catalog.RootParentID, "icon.svg", "image/svg+xml", svg)

	rec := fx.get(t, "/transform/pics/icon.svg?width=100", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != svg {
		t.Errorf("body = %q, want the untouched source", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q, want image/svg+xml", ct)
	}
	if got := rec.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
}

func TestTransformNotFound(t *testing.T) {
	fx := newTestTransformAPI(t)
	fx.config(t, catalog.CfgImageTransformEnable, "true", catalog.ConfigTypeBoolean)

	rec := fx.get(t, "/transform/pics/absent.png", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing object status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	if _, err := fx.paths.EnsureFolderChain(context.Background(), fx.bucket.ID, []string{"album"}); err != nil {
		t.Fatalf("ensuring folder: %v", err)
	}
	rec = fx.get(t, "/transform/pics/album", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("folder status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	rec = fx.get(t, "/transform/pics/album/", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("folder-slash status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestTransformAccess(t *testing.T) {
	fx := newTestTransformAPI(t)
	fx.config(t, catalog.CfgImageTransformEnable, "true", catalog.ConfigTypeBoolean)
	if err := fx.cat.UpdateBucketAccess(context.Background(), fx.bucket.ID, catalog.AccessPrivate); err != nil {
		t.Fatalf("updating access: %v", err)
	}
	seedObject(t, fx.cat, fx.blobs, fx.bucket, catalog.RootParentID, "mine.png", "image/png", string(testPNG(t, 4, 4)))

	rec := fx.get(t, "/transform/pics/mine.png?width=2", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	rec = fx.get(t, "/transform/pics/mine.png?width=2", fx.token)
	if rec.Code != http.StatusOK {
		t.Errorf("owner status = %d; body: %s", rec.Code, rec.Body.String())
	}
}

func TestParseTransformOptions(t *testing.T) {
	tests := []struct {
		query   string
		want    imaging.Options
		wantErr bool
	}{
		{query: ""},
		{query: "width=12", want: imaging.Options{Width: 12}},
		{query: "width=12&height=8&format=jpeg&quality=90", want: imaging.Options{Width: 12, Height: 8, Format: "jpeg", Quality: 90}},
		{query: "width=0", wantErr: true},
		{query: "width=-4", wantErr: true},
		{query: "height=seven", wantErr: true},
		{query: "quality=high", wantErr: true},
	}
	for _, tt := range tests {
		q, err := url.ParseQuery(tt.query)
		if err != nil {
			t.Fatalf("parsing %q: %v", tt.query, err)
		}
		got, err := parseTransformOptions(q)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseTransformOptions(%q): expected error", tt.query)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseTransformOptions(%q): %v", tt.query, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTransformOptions(%q) = %+v, want %+v", tt.query, got, tt.want)
		}
	}
}

func TestTargetFormat(t *testing.T) {
	tests := []struct {
		mime string
		opts imaging.Options
		want string
	}{
		{"image/png", imaging.Options{}, "png"},
		{"image/jpeg", imaging.Options{}, "jpeg"},
		{"image/webp", imaging.Options{}, "png"},
		{"image/webp", imaging.Options{Format: "webp"}, "webp"},
		{"image/jpeg", imaging.Options{Format: "png"}, "png"},
	}
	for _, tt := range tests {
		if got := targetFormat(tt.mime, tt.opts); got != tt.want {
			t.Errorf("targetFormat(%q, %+v) = %q, want %q", tt.mime, tt.opts, got, tt.want)
		}
	}
}
