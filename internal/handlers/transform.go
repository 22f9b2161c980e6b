package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cubbystore/cubby/internal/auth"
	"github.com/cubbystore/cubby/internal/blob"
	"github.com/cubbystore/cubby/internal/catalog"
	s3err "github.com/cubbystore/cubby/internal/errors"
	"github.com/cubbystore/cubby/internal/imaging"
	"github.com/cubbystore/cubby/internal/kv"
	"github.com/cubbystore/cubby/internal/metrics"
	"github.com/cubbystore/cubby/internal/resolver"
	"github.com/cubbystore/cubby/internal/stats"
)

// TransformHandler serves GET /transform/{bucket}/*: on-the-fly image
// resizing and re-encoding with an optional KV-backed result cache.
type TransformHandler struct {
	catalog    *catalog.Store
	blobs      *blob.Store
	cache      kv.Store
	paths      *resolver.Resolver
	principals *auth.PrincipalResolver
	stats      *stats.Collector
}

// NewTransformHandler creates a TransformHandler over the given stores.
func NewTransformHandler(cat *catalog.Store, blobs *blob.Store, cache kv.Store, paths *resolver.Resolver, principals *auth.PrincipalResolver, collector *stats.Collector) *TransformHandler {
	return &TransformHandler{
		catalog:    cat,
		blobs:      blobs,
		cache:      cache,
		paths:      paths,
		principals: principals,
		stats:      collector,
	}
}

// parseTransformOptions reads width/height/format/quality from the query.
func parseTransformOptions(q url.Values) (imaging.Options, error) {
	var o imaging.Options
	var err error
	if o.Width, err = positiveIntParam(q, "width"); err != nil {
		return o, err
	}
	if o.Height, err = positiveIntParam(q, "height"); err != nil {
		return o, err
	}
	o.Format = q.Get("format")
	if v := q.Get("quality"); v != "" {
		n, aerr := strconv.Atoi(v)
		if aerr != nil {
			return o, fmt.Errorf("invalid quality %q", v)
		}
		o.Quality = n
	}
	return o, nil
}

func positiveIntParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

// targetFormat mirrors the encoder's output-format fallback so cache hits can
// reconstruct the Content-Type without re-decoding the source.
func targetFormat(sourceMime string, o imaging.Options) string {
	f := o.Format
	if f == "" {
		f = strings.TrimPrefix(sourceMime, "image/")
	}
	if f == "webp" && o.Format == "" {
		f = "png"
	}
	return f
}

func serveTransformed(w http.ResponseWriter, data []byte, format, cacheState string) {
	h := w.Header()
	h.Set("Content-Type", imaging.MimeType(format))
	h.Set("Content-Length", strconv.Itoa(len(data)))
	h.Set("X-Cache", cacheState)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		// Client went away mid-transfer.
		return
	}
}

// Get handles GET /transform/{bucket}/*?width=&height=&format=&quality=.
func (h *TransformHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	bucket, status, msg := loadBucket(ctx, h.catalog, chi.URLParam(r, "bucket"))
	if bucket == nil {
		s3err.WriteJSON(w, status, msg)
		return
	}

	cfg := loadBucketConfig(ctx, h.catalog, bucket)
	if !cfg.Bool(catalog.CfgImageTransformEnable) {
		s3err.WriteJSON(w, http.StatusForbidden, "Image transform not enabled")
		return
	}
	if status, msg := requireBucketAccess(h.principals, r, bucket, false); status != 0 {
		s3err.WriteJSON(w, status, msg)
		return
	}

	segs, isFolder := splitKey(chi.URLParam(r, "*"))
	if len(segs) == 0 || isFolder {
		s3err.WriteJSON(w, http.StatusNotFound, "Object not found")
		return
	}

	obj, err := h.paths.Resolve(ctx, bucket, segs, cfg)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrObjectNotFound):
			s3err.WriteJSON(w, http.StatusNotFound, "Object not found")
		case errors.Is(err, resolver.ErrInvalidSegment):
			s3err.WriteJSON(w, http.StatusBadRequest, "Invalid path")
		default:
			slog.Error("transform: resolving path", "bucket", bucket.Name, "error", err)
			s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		}
		return
	}
	if obj.IsFolder() {
		s3err.WriteJSON(w, http.StatusNotFound, "Object not found")
		return
	}

	if !imaging.TransformableSource(obj.MimeType) {
		s3err.WriteJSON(w, http.StatusBadRequest, "Unsupported source format")
		return
	}

	opts, perr := parseTransformOptions(r.URL.Query())
	if perr != nil {
		s3err.WriteJSON(w, http.StatusBadRequest, perr.Error())
		return
	}
	opts = opts.Normalize()

	// SVG has no in-process rasterizer; the source passes through untouched.
	if obj.MimeType == "image/svg+xml" {
		metrics.TransformsTotal.WithLabelValues("miss").Inc()
		h.stats.Record(bucket.ID, stats.SurfaceAPI, obj.Size)
		w.Header().Set("X-Cache", "MISS")
		if s3e := serveObjectContent(w, r, h.blobs, bucket, obj, true); s3e != nil {
			s3err.WriteJSON(w, s3e.HTTPStatus, s3e.Message)
		}
		return
	}

	cacheEnabled := cfg.Bool(catalog.CfgImageTransformCacheEnable)
	cacheKey := kv.PrefixTransform + imaging.CacheKey(obj.ID, opts)

	if cacheEnabled {
		data, cerr := h.cache.Get(ctx, cacheKey)
		if cerr == nil {
			metrics.TransformsTotal.WithLabelValues("hit").Inc()
			h.stats.Record(bucket.ID, stats.SurfaceAPI, int64(len(data)))
			serveTransformed(w, data, targetFormat(obj.MimeType, opts), "HIT")
			return
		}
		if !errors.Is(cerr, kv.ErrNotFound) {
			// Cache outage degrades to uncached behavior.
			slog.Error("transform: cache read", "bucket", bucket.Name, "error", cerr)
		}
	}

	f, _, err := h.blobs.Open(bucket.Name, obj.ID)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s3err.WriteJSON(w, http.StatusNotFound, "Object not found")
			return
		}
		slog.Error("transform: opening blob", "bucket", bucket.Name, "object", obj.ID, "error", err)
		s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}
	encoded, outFormat, terr := imaging.Transform(f, opts)
	f.Close()
	if terr != nil {
		switch {
		case errors.Is(terr, imaging.ErrUnsupportedSource):
			s3err.WriteJSON(w, http.StatusBadRequest, "Unsupported source format")
		case errors.Is(terr, imaging.ErrUnsupportedTarget):
			s3err.WriteJSON(w, http.StatusBadRequest, "Unsupported target format")
		default:
			slog.Error("transform: encoding", "bucket", bucket.Name, "object", obj.ID, "error", terr)
			s3err.WriteJSON(w, http.StatusInternalServerError, "Internal error")
		}
		return
	}

	metrics.TransformsTotal.WithLabelValues("miss").Inc()
	h.stats.Record(bucket.ID, stats.SurfaceAPI, int64(len(encoded)))
	serveTransformed(w, encoded, outFormat, "MISS")

	maxBytes := cfg.Int(catalog.CfgImageTransformCacheMaxSize) << 20
	if cacheEnabled && int64(len(encoded)) <= maxBytes {
		ttl := time.Duration(cfg.Int(catalog.CfgImageTransformCacheTTL)) * time.Second
		if err := h.cache.Set(ctx, cacheKey, encoded, ttl); err != nil {
			slog.Error("transform: cache write", "bucket", bucket.Name, "error", err)
		}
	}
}
