// Package server implements the Cubby HTTP server: the S3-compatible
// multiplexer under /s3, the public file API, image transforms, the
// file-request protocol, and the operational endpoints.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cubbystore/cubby/internal/auth"
	"github.com/cubbystore/cubby/internal/blob"
	"github.com/cubbystore/cubby/internal/catalog"
	"github.com/cubbystore/cubby/internal/config"
	s3err "github.com/cubbystore/cubby/internal/errors"
	"github.com/cubbystore/cubby/internal/handlers"
	"github.com/cubbystore/cubby/internal/kv"
	"github.com/cubbystore/cubby/internal/metrics"
	"github.com/cubbystore/cubby/internal/quota"
	"github.com/cubbystore/cubby/internal/resolver"
	"github.com/cubbystore/cubby/internal/stats"
	"github.com/cubbystore/cubby/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// s3Mount is the path prefix the S3-compatible surface is served under.
const s3Mount = "/s3"

// Server is the Cubby HTTP server. It routes S3 requests by method and
// query through a catch-all dispatcher and serves the JSON APIs through
// chi routes registered ahead of it.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	catalog    *catalog.Store
	blobs      *blob.Store
	cache      kv.Store
	collector  *stats.Collector
	verifier   *auth.Verifier
	principals *auth.PrincipalResolver

	s3         *handlers.S3Handler
	files      *handlers.FileHandler
	transforms *handlers.TransformHandler
	filereq    *handlers.FileRequestHandler

	certs       *certStore
	watchCancel context.CancelFunc
	httpServer  *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithCatalog sets the metadata catalog for the server.
func WithCatalog(cat *catalog.Store) ServerOption {
	return func(s *Server) {
		s.catalog = cat
	}
}

// WithBlobStore sets the blob store for the server.
func WithBlobStore(blobs *blob.Store) ServerOption {
	return func(s *Server) {
		s.blobs = blobs
	}
}

// WithCache sets the KV cache for the server.
func WithCache(cache kv.Store) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithStats sets the per-bucket stats collector for the server.
func WithStats(collector *stats.Collector) ServerOption {
	return func(s *Server) {
		s.collector = collector
	}
}

// New creates a Server with the given configuration and wires up all routes
// on the chi router with the Huma API. Catalog, blob store, and cache are
// required; the stats collector is optional.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("Cubby API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.catalog == nil {
		return nil, fmt.Errorf("server: catalog store is required")
	}
	if s.blobs == nil {
		return nil, fmt.Errorf("server: blob store is required")
	}
	if s.cache == nil {
		return nil, fmt.Errorf("server: kv cache is required")
	}

	paths := resolver.New(s.catalog, s.cache)
	quotas := quota.New(s.catalog)
	s.verifier = auth.NewVerifier(s.catalog, cfg.Server.Region)
	s.principals = auth.NewPrincipalResolver(s.catalog)

	maxObjectSize := cfg.Server.MaxObjectSize
	s.s3 = handlers.NewS3Handler(s.catalog, s.blobs, s.cache, paths, quotas, maxObjectSize)
	s.files = handlers.NewFileHandler(s.catalog, s.blobs, paths, quotas, s.principals, s.collector, maxObjectSize)
	s.transforms = handlers.NewTransformHandler(s.catalog, s.blobs, s.cache, paths, s.principals, s.collector)
	s.filereq = handlers.NewFileRequestHandler(s.catalog, s.blobs, s.cache, paths, quotas, s.principals, s.collector, cfg.Server.BaseURL)

	if cfg.Server.TLS.Enabled {
		certs, err := newCertStore(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		s.certs = certs
	}

	s.registerRoutes()
	return s, nil
}

// Handler returns the server's full middleware and routing stack.
// Middleware chain: metricsMiddleware -> commonHeaders -> transferEncodingCheck -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = transferEncodingCheck(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP (or HTTPS, when TLS is enabled) server on
// the given address. The returned http.Server is stored so it can be shut
// down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tcpLn, ok := ln.(*net.TCPListener); ok {
		ln = tuningListener{tcpLn}
	}

	if s.certs != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.watchCancel = cancel
		go s.certs.Watch(ctx, s.cache)

		s.httpServer.TLSConfig = &tls.Config{
			GetCertificate: s.certs.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
		return s.httpServer.ServeTLS(ln, "", "")
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watchCancel != nil {
		s.watchCancel()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// tuningListener applies per-connection TCP options suited to bulk
// transfers: 60s keep-alive, no-delay, and large socket buffers. Buffer
// sizing is best-effort; the kernel may clamp it.
type tuningListener struct {
	*net.TCPListener
}

func (l tuningListener) Accept() (net.Conn, error) {
	conn, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = conn.SetKeepAlive(true)
	_ = conn.SetKeepAlivePeriod(60 * time.Second)
	_ = conn.SetNoDelay(true)
	_ = conn.SetReadBuffer(16 << 20)
	_ = conn.SetWriteBuffer(16 << 20)
	return conn, nil
}

// registerRoutes configures all routes on the chi router. Specific routes
// (health, metrics, docs, the JSON APIs) are registered first; the S3
// dispatcher takes everything under /s3.
func (s *Server) registerRoutes() {
	// Register /health via Huma for auto-OpenAPI documentation.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the Cubby server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	// Register /metrics via promhttp.Handler().
	s.router.Handle("/metrics", promhttp.Handler())

	// Typed file-request operations (create/cancel), documented in /docs.
	s.filereq.Register(s.api)

	// Raw file-request endpoints: upload scripts and the chunk protocol.
	s.router.Get("/api/filereq/{id}/{kind}", s.filereq.Script)
	s.router.Post("/api/filereq/{id}/upload", s.filereq.InitiateUpload)
	s.router.Put("/api/filereq/{id}/upload", s.filereq.UploadChunk)
	s.router.Post("/api/filereq/{id}/upload/complete", s.filereq.CompleteUpload)

	// Public file API: reads, folder indexes, and form uploads.
	s.router.Get("/api/storage/{bucket}", s.files.Get)
	s.router.Head("/api/storage/{bucket}", s.files.Head)
	s.router.Post("/api/storage/{bucket}", s.files.Post)
	s.router.Get("/api/storage/{bucket}/*", s.files.Get)
	s.router.Head("/api/storage/{bucket}/*", s.files.Head)
	s.router.Post("/api/storage/{bucket}/*", s.files.Post)

	// Image transforms.
	s.router.Get("/transform/{bucket}/*", s.transforms.Get)

	// S3 surface: all requests under /s3 go through the dispatcher.
	s.router.HandleFunc(s3Mount, s.dispatchS3)
	s.router.HandleFunc(s3Mount+"/*", s.dispatchS3)
}

// parsePath extracts bucket and object key from an S3 request path with the
// mount prefix already removed. Returns ("", "") for root "/", ("bucket", "")
// for "/{bucket}", and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", ""
	}
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

// isWriteMethod reports whether the method mutates bucket contents. The
// bucket access mode decides whether such requests need a signature.
func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPut, http.MethodPost, http.MethodDelete:
		return true
	}
	return false
}

// s3OperationName maps a request onto its S3 operation label for metrics.
// It mirrors the dispatch table below without consuming the request.
func s3OperationName(method, bucket, key string, q url.Values) string {
	if bucket == "" {
		if method == http.MethodGet {
			return "ListBuckets"
		}
		return "Unknown"
	}
	if key != "" {
		switch method {
		case http.MethodPut:
			if q.Has("partNumber") && q.Has("uploadId") {
				return "UploadPart"
			}
			return "PutObject"
		case http.MethodGet:
			if q.Has("uploadId") {
				return "ListParts"
			}
			return "GetObject"
		case http.MethodHead:
			return "HeadObject"
		case http.MethodDelete:
			if q.Has("uploadId") {
				return "AbortMultipartUpload"
			}
			return "DeleteObject"
		case http.MethodPost:
			if q.Has("uploads") {
				return "CreateMultipartUpload"
			}
			if q.Has("uploadId") {
				return "CompleteMultipartUpload"
			}
		}
		return "Unknown"
	}
	switch method {
	case http.MethodGet:
		if q.Has("uploads") {
			return "ListMultipartUploads"
		}
		if q.Has("list-type") {
			return "ListObjectsV2"
		}
		return "ListObjects"
	case http.MethodPost:
		if q.Has("delete") {
			return "DeleteObjects"
		}
	}
	return "Unknown"
}

// dispatchS3 is the S3 request dispatcher. It parses the path to extract
// bucket and object key, gates the request on the bucket's access mode,
// then routes by HTTP method and query parameters.
func (s *Server) dispatchS3(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, s3Mount)
	bucketName, key := parsePath(path)
	q := r.URL.Query()
	op := s3OperationName(r.Method, bucketName, key, q)

	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	var bucket *catalog.Bucket
	defer func() {
		outcome := "success"
		if rec.statusCode >= 400 {
			outcome = "error"
		}
		metrics.S3OperationsTotal.WithLabelValues(op, outcome).Inc()
		if bucket != nil {
			s.collector.Record(bucket.ID, stats.SurfaceS3, int64(rec.bytesWritten))
		}
	}()

	// Service-level operations (no bucket in path). Listing buckets always
	// requires a verified credential; the result is scoped to its grants.
	if bucketName == "" {
		if r.Method != http.MethodGet {
			xmlutil.WriteErrorResponse(rec, r, s3err.ErrNotImplemented)
			return
		}
		cred, err := s.verifier.Authenticate(r, auth.PathCandidates(r.URL.Path, s3Mount, ""))
		if err != nil {
			xmlutil.WriteErrorResponse(rec, r, auth.MapAuthError(err))
			return
		}
		s.s3.ListBuckets(rec, r, cred)
		return
	}

	var err error
	bucket, err = s.catalog.GetBucketByName(r.Context(), bucketName)
	if err != nil {
		if errors.Is(err, catalog.ErrBucketNotFound) {
			xmlutil.WriteErrorResponse(rec, r, s3err.ErrNoSuchBucket)
		} else {
			slog.Error("bucket lookup error", "bucket", bucketName, "error", err)
			xmlutil.WriteErrorResponse(rec, r, s3err.ErrInternalError)
		}
		return
	}

	candidates := auth.PathCandidates(r.URL.Path, s3Mount, bucketName)
	cred, err := s.verifier.AuthorizeS3(r, bucket, isWriteMethod(r.Method), candidates)
	if err != nil {
		xmlutil.WriteErrorResponse(rec, r, auth.MapAuthError(err))
		return
	}

	// Object-level operations (bucket + key in path).
	if key != "" {
		switch r.Method {
		case http.MethodPut:
			if q.Has("partNumber") && q.Has("uploadId") {
				s.s3.UploadPart(rec, r, bucket, key)
			} else {
				s.s3.PutObject(rec, r, bucket, key, cred)
			}
		case http.MethodGet:
			if q.Has("uploadId") {
				s.s3.ListParts(rec, r, bucket, key)
			} else {
				s.s3.GetObject(rec, r, bucket, key)
			}
		case http.MethodHead:
			s.s3.HeadObject(rec, r, bucket, key)
		case http.MethodDelete:
			if q.Has("uploadId") {
				s.s3.AbortMultipartUpload(rec, r, bucket, key)
			} else {
				s.s3.DeleteObject(rec, r, bucket, key)
			}
		case http.MethodPost:
			switch {
			case q.Has("uploads"):
				s.s3.CreateMultipartUpload(rec, r, bucket, key, cred)
			case q.Has("uploadId"):
				s.s3.CompleteMultipartUpload(rec, r, bucket, key)
			default:
				xmlutil.WriteErrorResponse(rec, r, s3err.ErrNotImplemented)
			}
		default:
			xmlutil.WriteErrorResponse(rec, r, s3err.ErrNotImplemented)
		}
		return
	}

	// Bucket-level operations (bucket in path, no key). Buckets are
	// provisioned out of band, so the create/delete verbs are absent here.
	switch r.Method {
	case http.MethodGet:
		switch {
		case q.Has("uploads"):
			s.s3.ListMultipartUploads(rec, r, bucket)
		case q.Has("list-type"):
			s.s3.ListObjectsV2(rec, r, bucket)
		default:
			s.s3.ListObjectsV1(rec, r, bucket)
		}
	case http.MethodPost:
		if q.Has("delete") {
			s.s3.DeleteObjects(rec, r, bucket)
		} else {
			xmlutil.WriteErrorResponse(rec, r, s3err.ErrNotImplemented)
		}
	default:
		xmlutil.WriteErrorResponse(rec, r, s3err.ErrNotImplemented)
	}
}
