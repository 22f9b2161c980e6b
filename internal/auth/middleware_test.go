package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cubbystore/cubby/internal/catalog"
)

// seedBucket creates a bucket with the given access mode owned by a fresh user.
func seedBucket(t *testing.T, store *catalog.Store, name, access string) *catalog.Bucket {
	t.Helper()
	ctx := context.Background()
	owner := &catalog.User{
		Username:     "owner-" + name,
		PasswordHash: catalog.HashPassword("owner-"+name, "pw"),
		Enabled:      true,
		StorageQuota: catalog.QuotaUnlimited,
	}
	if err := store.CreateUser(ctx, owner); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	bucket := &catalog.Bucket{
		Name:         name,
		OwnerID:      owner.ID,
		Access:       access,
		StorageQuota: catalog.QuotaUnlimited,
	}
	if err := store.CreateBucket(ctx, bucket); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	return bucket
}

func TestAuthorizeS3AnonymousByAccessMode(t *testing.T) {
	tests := []struct {
		name       string
		access     string
		write      bool
		allowed    bool
		wantStatus int
	}{
		{"private read", catalog.AccessPrivate, false, false, http.StatusUnauthorized},
		{"private write", catalog.AccessPrivate, true, false, http.StatusUnauthorized},
		{"public-read read", catalog.AccessPublicRead, false, true, 0},
		{"public-read write", catalog.AccessPublicRead, true, false, http.StatusUnauthorized},
		{"public-write read", catalog.AccessPublicWrite, false, true, 0},
		{"public-write write", catalog.AccessPublicWrite, true, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestCatalog(t)
			bucket := seedBucket(t, store, "gate-test", tt.access)
			verifier := NewVerifier(store, "us-east-1")

			method := "GET"
			if tt.write {
				method = "PUT"
			}
			req := httptest.NewRequest(method, "/s3/gate-test/key", nil)
			req.Host = "localhost:9011"

			cred, err := verifier.AuthorizeS3(req, bucket, tt.write, []string{req.URL.Path})
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected anonymous access, got %v", err)
				}
				if cred != nil {
					t.Errorf("expected nil credential for anonymous access, got %v", cred.AccessKey)
				}
				return
			}
			if err == nil {
				t.Fatal("expected auth error")
			}
			authErr, ok := err.(*AuthError)
			if !ok {
				t.Fatalf("expected *AuthError, got %T", err)
			}
			if authErr.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", authErr.Status, tt.wantStatus)
			}
		})
	}
}

func TestAuthorizeS3GrantedCredential(t *testing.T) {
	store := newTestCatalog(t)
	bucket := seedBucket(t, store, "private-bucket", catalog.AccessPrivate)
	cred := seedCredential(t, store, "CUBGRANTED", "grant-secret")
	if err := store.GrantBucket(context.Background(), cred.ID, bucket.ID); err != nil {
		t.Fatalf("GrantBucket: %v", err)
	}

	verifier := NewVerifier(store, "us-east-1")

	req := httptest.NewRequest("PUT", "/s3/private-bucket/key", nil)
	req.Host = "localhost:9011"
	signRequest(req, req.URL.Path, "CUBGRANTED", "grant-secret", "us-east-1", time.Now().UTC())

	got, err := verifier.AuthorizeS3(req, bucket, true, []string{req.URL.Path})
	if err != nil {
		t.Fatalf("AuthorizeS3 failed: %v", err)
	}
	if got == nil || got.AccessKey != "CUBGRANTED" {
		t.Errorf("expected CUBGRANTED credential, got %v", got)
	}
}

func TestAuthorizeS3UngrantedCredential(t *testing.T) {
	store := newTestCatalog(t)
	bucket := seedBucket(t, store, "private-bucket", catalog.AccessPrivate)
	other := seedBucket(t, store, "other-bucket", catalog.AccessPrivate)
	cred := seedCredential(t, store, "CUBELSEWHERE", "other-secret")
	if err := store.GrantBucket(context.Background(), cred.ID, other.ID); err != nil {
		t.Fatalf("GrantBucket: %v", err)
	}

	verifier := NewVerifier(store, "us-east-1")

	req := httptest.NewRequest("GET", "/s3/private-bucket/key", nil)
	req.Host = "localhost:9011"
	signRequest(req, req.URL.Path, "CUBELSEWHERE", "other-secret", "us-east-1", time.Now().UTC())

	_, err := verifier.AuthorizeS3(req, bucket, false, []string{req.URL.Path})
	if err == nil {
		t.Fatal("expected access denied for ungranted credential")
	}
	authErr, ok := err.(*AuthError)
	if !ok {
		t.Fatalf("expected *AuthError, got %T", err)
	}
	if authErr.Code != "AccessDenied" {
		t.Errorf("error code = %q, want AccessDenied", authErr.Code)
	}
	if authErr.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", authErr.Status)
	}
}

func TestAuthorizeS3BadSignatureOnPublicBucket(t *testing.T) {
	store := newTestCatalog(t)
	bucket := seedBucket(t, store, "open-bucket", catalog.AccessPublicRead)
	seedCredential(t, store, "CUBTESTKEY", "real-secret")

	verifier := NewVerifier(store, "us-east-1")

	// Read access would not need a signature, but a presented signature
	// still has to verify.
	req := httptest.NewRequest("GET", "/s3/open-bucket/key", nil)
	req.Host = "localhost:9011"
	signRequest(req, req.URL.Path, "CUBTESTKEY", "bogus-secret", "us-east-1", time.Now().UTC())

	_, err := verifier.AuthorizeS3(req, bucket, false, []string{req.URL.Path})
	if err == nil {
		t.Fatal("expected signature mismatch")
	}
	authErr, ok := err.(*AuthError)
	if !ok {
		t.Fatalf("expected *AuthError, got %T", err)
	}
	if authErr.Code != "SignatureDoesNotMatch" {
		t.Errorf("error code = %q, want SignatureDoesNotMatch", authErr.Code)
	}
}

func TestAuthorizeS3GrantSkippedWhenAnonymousAllowed(t *testing.T) {
	store := newTestCatalog(t)
	bucket := seedBucket(t, store, "open-bucket", catalog.AccessPublicRead)
	other := seedBucket(t, store, "other-bucket", catalog.AccessPrivate)
	cred := seedCredential(t, store, "CUBELSEWHERE", "other-secret")
	if err := store.GrantBucket(context.Background(), cred.ID, other.ID); err != nil {
		t.Fatalf("GrantBucket: %v", err)
	}

	verifier := NewVerifier(store, "us-east-1")

	// A valid signature from a credential granted elsewhere still reads a
	// public-read bucket; anonymous callers could anyway.
	req := httptest.NewRequest("GET", "/s3/open-bucket/key", nil)
	req.Host = "localhost:9011"
	signRequest(req, req.URL.Path, "CUBELSEWHERE", "other-secret", "us-east-1", time.Now().UTC())

	got, err := verifier.AuthorizeS3(req, bucket, false, []string{req.URL.Path})
	if err != nil {
		t.Fatalf("AuthorizeS3 failed: %v", err)
	}
	if got == nil || got.AccessKey != "CUBELSEWHERE" {
		t.Errorf("expected CUBELSEWHERE credential, got %v", got)
	}
}

func TestAuthorizeS3AmbiguousAuth(t *testing.T) {
	store := newTestCatalog(t)
	bucket := seedBucket(t, store, "private-bucket", catalog.AccessPrivate)
	verifier := NewVerifier(store, "us-east-1")

	req := httptest.NewRequest("GET", "/s3/private-bucket/key?X-Amz-Algorithm=AWS4-HMAC-SHA256", nil)
	req.Host = "localhost:9011"
	req.Header.Set("Authorization", "AWS4-HMAC-SHA256 Credential=...")

	_, err := verifier.AuthorizeS3(req, bucket, false, []string{req.URL.Path})
	if err == nil {
		t.Fatal("expected error for ambiguous auth")
	}
	authErr, ok := err.(*AuthError)
	if !ok {
		t.Fatalf("expected *AuthError, got %T", err)
	}
	if authErr.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", authErr.Status)
	}
}

func TestMapAuthError(t *testing.T) {
	mapped := MapAuthError(&AuthError{Code: "SignatureDoesNotMatch", Message: "Invalid signature", Status: 403})
	if mapped.Code != "SignatureDoesNotMatch" || mapped.HTTPStatus != 403 {
		t.Errorf("mapped = %+v, want SignatureDoesNotMatch/403", mapped)
	}

	mapped = MapAuthError(errMissingCredentials())
	if mapped.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("missing credentials status = %d, want 401", mapped.HTTPStatus)
	}

	mapped = MapAuthError(context.DeadlineExceeded)
	if mapped.Code != "InternalError" {
		t.Errorf("unexpected mapping for non-auth error: %+v", mapped)
	}
}
