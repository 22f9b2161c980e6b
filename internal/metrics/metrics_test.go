package metrics

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},

		// S3 surface.
		{"/s3", "/s3"},
		{"/s3/", "/s3"},
		{"/s3/my-bucket", "/s3/{bucket}"},
		{"/s3/my-bucket/", "/s3/{bucket}"}, // trailing slash, no key
		{"/s3/my-bucket/my-key", "/s3/{bucket}/{key}"},
		{"/s3/my-bucket/path/to/object", "/s3/{bucket}/{key}"},

		// Public file API surface.
		{"/api/storage/photos", "/api/storage/{bucket}"},
		{"/api/storage/photos/2024/beach.jpg", "/api/storage/{bucket}/{key}"},

		// Transform surface.
		{"/transform/photos/2024/beach.jpg", "/transform/{bucket}/{key}"},

		// File-request surface.
		{"/api/filereq", "/api/filereq"},
		{"/api/filereq/abc123", "/api/filereq/{id}"},
		{"/api/filereq/abc123/sh", "/api/filereq/{id}/sh"},
		{"/api/filereq/abc123/ps1", "/api/filereq/{id}/ps1"},
		{"/api/filereq/abc123/upload", "/api/filereq/{id}/upload"},
		{"/api/filereq/abc123/upload/complete", "/api/filereq/{id}/upload/complete"},

		// Unmounted fallbacks.
		{"/my-bucket", "/{bucket}"},
		{"/my-bucket/my-key", "/{bucket}/{key}"},
		{"/a/b/c/d", "/{bucket}/{key}"},

		// Prefix must be a whole segment.
		{"/s3x/bucket", "/{bucket}/{key}"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	// Register metrics explicitly (replaces former init() auto-registration).
	Register()

	// Verify that calling Inc/Set on metrics does not panic.
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPRequestSize.WithLabelValues("PUT", "/s3/{bucket}/{key}").Observe(1024)
	HTTPResponseSize.WithLabelValues("GET", "/s3/{bucket}/{key}").Observe(2048)
	S3OperationsTotal.WithLabelValues("ListBuckets", "success").Inc()
	TransformsTotal.WithLabelValues("hit").Inc()
	QuotaRejectionsTotal.Inc()
	ObjectsTotal.Set(42)
	BucketsTotal.Set(3)
	BytesReceivedTotal.Add(1024)
	BytesSentTotal.Add(2048)
}
