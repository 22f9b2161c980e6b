// Package auth implements AWS Signature Version 4 request authentication
// backed by the catalog's S3 credentials, plus bearer-token resolution for
// the public API surfaces.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cubbystore/cubby/internal/catalog"
)

const (
	// signingKeyTTL is the TTL for cached signing keys (24 hours).
	signingKeyTTL = 24 * time.Hour
	// credCacheTTL is the TTL for cached credential lookups (60 seconds).
	credCacheTTL = 60 * time.Second
	// maxCacheEntries is the maximum number of entries in each cache map.
	maxCacheEntries = 1000
)

const (
	// algorithm is the signing algorithm identifier.
	algorithm = "AWS4-HMAC-SHA256"

	// scopeTerminator is the fixed suffix of the credential scope.
	scopeTerminator = "aws4_request"

	// unsignedPayload is the constant used when payload verification is skipped.
	unsignedPayload = "UNSIGNED-PAYLOAD"

	// streamingPayload indicates chunked upload with per-chunk signing.
	streamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"

	// emptySHA256 is the SHA-256 hash of an empty string.
	emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	// maxPresignedExpiry is the maximum presigned URL expiration in seconds (7 days).
	maxPresignedExpiry = 604800

	// clockSkewTolerance is the maximum allowed clock skew for header-based auth.
	clockSkewTolerance = 15 * time.Minute

	// amzDateFormat is the format for x-amz-date values.
	amzDateFormat = "20060102T150405Z"

	// amzDateShort is the date format used in credential scopes.
	amzDateShort = "20060102"

	// service is the service name expected in credential scopes.
	service = "s3"
)

// signingKeyCacheEntry holds a cached signing key with its expiration.
type signingKeyCacheEntry struct {
	key       []byte
	expiresAt time.Time
}

// credCacheEntry holds a cached credential lookup with its expiration.
type credCacheEntry struct {
	cred      *catalog.S3Credential
	enabled   bool
	expiresAt time.Time
}

// AuthError represents an authentication failure with an S3-compatible
// error code and HTTP status.
type AuthError struct {
	Code    string
	Message string
	Status  int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errMissingCredentials() *AuthError {
	return &AuthError{Code: "AccessDenied", Message: "No credentials provided", Status: http.StatusUnauthorized}
}

func errSignatureMismatch() *AuthError {
	return &AuthError{Code: "SignatureDoesNotMatch", Message: "Invalid signature", Status: http.StatusForbidden}
}

// Verifier verifies SigV4-signed requests against catalog credentials.
type Verifier struct {
	catalog *catalog.Store
	region  string

	// signingKeys caches derived signing keys keyed by
	// "secretKey\x00dateStr\x00region\x00service".
	signingKeyMu sync.RWMutex
	signingKeys  map[string]signingKeyCacheEntry

	// credCache caches credential lookups by access key.
	credCacheMu sync.RWMutex
	credCache   map[string]credCacheEntry
}

// NewVerifier creates a Verifier with the given catalog and region.
func NewVerifier(cat *catalog.Store, region string) *Verifier {
	return &Verifier{
		catalog:     cat,
		region:      region,
		signingKeys: make(map[string]signingKeyCacheEntry),
		credCache:   make(map[string]credCacheEntry),
	}
}

// cachedDeriveSigningKey returns a cached signing key or derives and caches
// a new one.
func (v *Verifier) cachedDeriveSigningKey(secretKey, dateStr, region, svc string) []byte {
	cacheKey := secretKey + "\x00" + dateStr + "\x00" + region + "\x00" + svc
	now := time.Now()

	v.signingKeyMu.RLock()
	if entry, ok := v.signingKeys[cacheKey]; ok && now.Before(entry.expiresAt) {
		v.signingKeyMu.RUnlock()
		return entry.key
	}
	v.signingKeyMu.RUnlock()

	key := deriveSigningKey(secretKey, dateStr, region, svc)

	v.signingKeyMu.Lock()
	if len(v.signingKeys) >= maxCacheEntries {
		// Clear entire map to avoid unbounded growth.
		v.signingKeys = make(map[string]signingKeyCacheEntry)
	}
	v.signingKeys[cacheKey] = signingKeyCacheEntry{
		key:       key,
		expiresAt: now.Add(signingKeyTTL),
	}
	v.signingKeyMu.Unlock()

	return key
}

// cachedGetCredential returns a cached credential or fetches it, together
// with the owning user's enabled flag, from the catalog.
func (v *Verifier) cachedGetCredential(ctx context.Context, accessKey string) (*catalog.S3Credential, bool, error) {
	now := time.Now()

	v.credCacheMu.RLock()
	if entry, ok := v.credCache[accessKey]; ok && now.Before(entry.expiresAt) {
		v.credCacheMu.RUnlock()
		return entry.cred, entry.enabled, nil
	}
	v.credCacheMu.RUnlock()

	cred, err := v.catalog.GetS3Credential(ctx, accessKey)
	if err != nil {
		if err == catalog.ErrCredentialNotFound {
			cred = nil
		} else {
			return nil, false, err
		}
	}

	enabled := false
	if cred != nil {
		user, err := v.catalog.GetUserByID(ctx, cred.UserID)
		if err != nil && err != catalog.ErrUserNotFound {
			return nil, false, err
		}
		enabled = user != nil && user.Enabled
	}

	v.credCacheMu.Lock()
	if len(v.credCache) >= maxCacheEntries {
		v.credCache = make(map[string]credCacheEntry)
	}
	v.credCache[accessKey] = credCacheEntry{
		cred:      cred,
		enabled:   enabled,
		expiresAt: now.Add(credCacheTTL),
	}
	v.credCacheMu.Unlock()

	return cred, enabled, nil
}

// parsedAuth holds the parsed components of an Authorization header.
type parsedAuth struct {
	AccessKey     string
	DateStr       string // YYYYMMDD
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// parseAuthorizationHeader parses the AWS SigV4 Authorization header.
// Format: AWS4-HMAC-SHA256 Credential=AK/date/region/service/aws4_request, SignedHeaders=host;..., Signature=hex
func parseAuthorizationHeader(header string) (*parsedAuth, error) {
	if !strings.HasPrefix(header, algorithm+" ") {
		return nil, fmt.Errorf("unsupported algorithm")
	}

	rest := strings.TrimPrefix(header, algorithm+" ")

	parts := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(part[:idx])
		value := strings.TrimSpace(part[idx+1:])
		parts[key] = value
	}

	credential, ok := parts["Credential"]
	if !ok || credential == "" {
		return nil, fmt.Errorf("missing Credential")
	}

	signedHeadersStr, ok := parts["SignedHeaders"]
	if !ok || signedHeadersStr == "" {
		return nil, fmt.Errorf("missing SignedHeaders")
	}

	signature, ok := parts["Signature"]
	if !ok || signature == "" {
		return nil, fmt.Errorf("missing Signature")
	}

	// Credential: accessKey/date/region/service/aws4_request
	credParts := strings.SplitN(credential, "/", 5)
	if len(credParts) != 5 {
		return nil, fmt.Errorf("invalid credential format")
	}
	if credParts[4] != scopeTerminator {
		return nil, fmt.Errorf("invalid credential scope terminator: %s", credParts[4])
	}

	return &parsedAuth{
		AccessKey:     credParts[0],
		DateStr:       credParts[1],
		Region:        credParts[2],
		Service:       credParts[3],
		SignedHeaders: strings.Split(signedHeadersStr, ";"),
		Signature:     signature,
	}, nil
}

// PathCandidates lists the request paths a client may have signed for a
// request received at `received` behind the `mount` prefix. Proxies strip
// or add the mount, and virtual-host clients sign without the bucket
// segment, so verification is attempted against each form.
func PathCandidates(received, mount, bucketName string) []string {
	candidates := []string{received}

	add := func(p string) {
		if p == "" {
			p = "/"
		}
		for _, c := range candidates {
			if c == p {
				return
			}
		}
		candidates = append(candidates, p)
	}

	stripped := received
	if mount != "" && strings.HasPrefix(received, mount) {
		stripped = strings.TrimPrefix(received, mount)
		add(stripped)
	}
	if bucketName != "" {
		bucketSeg := "/" + bucketName
		if strings.HasPrefix(stripped, bucketSeg) {
			rest := strings.TrimPrefix(stripped, bucketSeg)
			add(rest)
		}
	}
	return candidates
}

// VerifyRequest validates the SigV4 signature on a request using the
// Authorization header, attempting each candidate URI in order. It returns
// the matching credential.
func (v *Verifier) VerifyRequest(r *http.Request, pathCandidates []string) (*catalog.S3Credential, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errMissingCredentials()
	}

	parsed, err := parseAuthorizationHeader(authHeader)
	if err != nil {
		return nil, &AuthError{Code: "AccessDenied", Message: fmt.Sprintf("Invalid Authorization header: %v", err), Status: http.StatusBadRequest}
	}

	cred, enabled, err := v.cachedGetCredential(r.Context(), parsed.AccessKey)
	if err != nil {
		return nil, &AuthError{Code: "InternalError", Message: "Failed to look up credentials", Status: http.StatusInternalServerError}
	}
	if cred == nil || !enabled {
		return nil, &AuthError{Code: "InvalidAccessKeyId", Message: "The access key you provided does not exist in our records", Status: http.StatusForbidden}
	}

	// Timestamp from x-amz-date or Date.
	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	if amzDate == "" {
		return nil, &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Date or Date header", Status: http.StatusBadRequest}
	}

	requestTime, parseErr := time.Parse(amzDateFormat, amzDate)
	if parseErr != nil {
		requestTime, parseErr = time.Parse(time.RFC1123, amzDate)
		if parseErr != nil {
			return nil, &AuthError{Code: "AccessDenied", Message: "Invalid date format", Status: http.StatusBadRequest}
		}
	}

	now := time.Now().UTC()
	diff := now.Sub(requestTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > clockSkewTolerance {
		return nil, &AuthError{Code: "RequestTimeTooSkewed", Message: "The difference between the request time and the server's time is too large", Status: http.StatusForbidden}
	}

	if len(amzDate) < 8 || parsed.DateStr != amzDate[:8] {
		return nil, errSignatureMismatch()
	}

	// Clients that omit x-amz-content-sha256 still hash the body into the
	// canonical request; recompute it here so verification matches.
	if r.Header.Get("X-Amz-Content-Sha256") == "" && r.Body != nil {
		bodyBytes, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			return nil, &AuthError{Code: "InternalError", Message: "Failed to read request body", Status: http.StatusInternalServerError}
		}
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		bodyHash := sha256.Sum256(bodyBytes)
		r.Header.Set("X-Amz-Content-Sha256", hex.EncodeToString(bodyHash[:]))
	} else if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", emptySHA256)
	}

	scope := fmt.Sprintf("%s/%s/%s/%s", parsed.DateStr, parsed.Region, parsed.Service, scopeTerminator)
	signingKey := v.cachedDeriveSigningKey(cred.SecretKey, parsed.DateStr, parsed.Region, parsed.Service)

	for _, path := range pathCandidates {
		canonicalRequest := buildCanonicalRequest(r, path, parsed.SignedHeaders)
		stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)
		expected := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(parsed.Signature)) == 1 {
			return cred, nil
		}
	}

	return nil, errSignatureMismatch()
}

// VerifyPresigned validates a presigned URL by checking the X-Amz-* query
// parameters against each candidate URI.
func (v *Verifier) VerifyPresigned(r *http.Request, pathCandidates []string) (*catalog.S3Credential, error) {
	q := r.URL.Query()

	algo := q.Get("X-Amz-Algorithm")
	if algo != algorithm {
		return nil, &AuthError{Code: "AccessDenied", Message: "Unsupported algorithm", Status: http.StatusBadRequest}
	}

	credStr := q.Get("X-Amz-Credential")
	if credStr == "" {
		return nil, &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Credential", Status: http.StatusBadRequest}
	}
	credParts := strings.SplitN(credStr, "/", 5)
	if len(credParts) != 5 || credParts[4] != scopeTerminator {
		return nil, &AuthError{Code: "AccessDenied", Message: "Invalid credential format", Status: http.StatusBadRequest}
	}

	accessKey := credParts[0]
	dateStr := credParts[1]
	region := credParts[2]
	svc := credParts[3]

	amzDate := q.Get("X-Amz-Date")
	if amzDate == "" {
		return nil, &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Date", Status: http.StatusBadRequest}
	}

	expiresStr := q.Get("X-Amz-Expires")
	if expiresStr == "" {
		return nil, &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Expires", Status: http.StatusBadRequest}
	}

	signedHeadersStr := q.Get("X-Amz-SignedHeaders")
	if signedHeadersStr == "" {
		return nil, &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-SignedHeaders", Status: http.StatusBadRequest}
	}

	signature := q.Get("X-Amz-Signature")
	if signature == "" {
		return nil, &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Signature", Status: http.StatusBadRequest}
	}

	var expires int
	_, scanErr := fmt.Sscanf(expiresStr, "%d", &expires)
	if scanErr != nil || expires < 1 || expires > maxPresignedExpiry {
		return nil, &AuthError{Code: "AccessDenied", Message: fmt.Sprintf("Invalid X-Amz-Expires value: %s", expiresStr), Status: http.StatusBadRequest}
	}

	requestTime, parseErr := time.Parse(amzDateFormat, amzDate)
	if parseErr != nil {
		return nil, &AuthError{Code: "AccessDenied", Message: "Invalid X-Amz-Date format", Status: http.StatusBadRequest}
	}

	if time.Now().UTC().After(requestTime.Add(time.Duration(expires) * time.Second)) {
		return nil, &AuthError{Code: "AccessDenied", Message: "Request has expired", Status: http.StatusForbidden}
	}

	if len(amzDate) < 8 || dateStr != amzDate[:8] {
		return nil, errSignatureMismatch()
	}

	cred, enabled, err := v.cachedGetCredential(r.Context(), accessKey)
	if err != nil {
		return nil, &AuthError{Code: "InternalError", Message: "Failed to look up credentials", Status: http.StatusInternalServerError}
	}
	if cred == nil || !enabled {
		return nil, &AuthError{Code: "InvalidAccessKeyId", Message: "The access key you provided does not exist in our records", Status: http.StatusForbidden}
	}

	signedHeaders := strings.Split(signedHeadersStr, ";")
	scope := fmt.Sprintf("%s/%s/%s/%s", dateStr, region, svc, scopeTerminator)
	signingKey := v.cachedDeriveSigningKey(cred.SecretKey, dateStr, region, svc)

	for _, path := range pathCandidates {
		canonicalRequest := buildPresignedCanonicalRequest(r, path, signedHeaders)
		stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)
		expected := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1 {
			return cred, nil
		}
	}

	return nil, errSignatureMismatch()
}

// buildCanonicalRequest builds the canonical request string for header-based auth.
func buildCanonicalRequest(r *http.Request, path string, signedHeaders []string) string {
	var sb strings.Builder

	sb.WriteString(r.Method)
	sb.WriteByte('\n')

	sb.WriteString(canonicalURI(path))
	sb.WriteByte('\n')

	sb.WriteString(canonicalQueryString(r.URL.Query()))
	sb.WriteByte('\n')

	// Canonical headers (each followed by \n).
	sb.WriteString(canonicalHeaders(r, signedHeaders))
	sb.WriteByte('\n')

	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}
	sb.WriteString(payloadHash)

	return sb.String()
}

// buildPresignedCanonicalRequest builds the canonical request for presigned URL auth.
func buildPresignedCanonicalRequest(r *http.Request, path string, signedHeaders []string) string {
	var sb strings.Builder

	sb.WriteString(r.Method)
	sb.WriteByte('\n')

	sb.WriteString(canonicalURI(path))
	sb.WriteByte('\n')

	// Canonical query string (excludes X-Amz-Signature).
	q := r.URL.Query()
	q.Del("X-Amz-Signature")
	sb.WriteString(canonicalQueryString(q))
	sb.WriteByte('\n')

	sb.WriteString(canonicalHeaders(r, signedHeaders))
	sb.WriteByte('\n')

	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')

	// Presigned URLs always use UNSIGNED-PAYLOAD.
	sb.WriteString(unsignedPayload)

	return sb.String()
}

// buildStringToSign builds the string to sign for SigV4.
func buildStringToSign(amzDate, scope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	return algorithm + "\n" +
		amzDate + "\n" +
		scope + "\n" +
		hex.EncodeToString(hash[:])
}

// deriveSigningKey derives the SigV4 signing key using the HMAC chain.
func deriveSigningKey(secretKey, dateStr, region, svc string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+secretKey), dateStr)
	regionKey := hmacSHA256(dateKey, region)
	serviceKey := hmacSHA256(regionKey, svc)
	return hmacSHA256(serviceKey, scopeTerminator)
}

// canonicalURI returns the URI-encoded absolute path.
// Forward slashes are NOT encoded. Empty path becomes "/".
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = URIEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString returns the sorted, URI-encoded query string.
// Parameters with no value use empty value: "uploads=".
func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	var pairs []string
	for key, vals := range values {
		encodedKey := URIEncode(key, true)
		if len(vals) == 0 {
			pairs = append(pairs, encodedKey+"=")
		}
		for _, val := range vals {
			pairs = append(pairs, encodedKey+"="+URIEncode(val, true))
		}
	}

	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// canonicalHeaders builds the canonical headers string from the signed header list.
func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder
	for _, name := range signedHeaders {
		name = strings.ToLower(name)
		var values []string
		if name == "host" {
			// Host header is often not in r.Header but in r.Host.
			host := r.Host
			if host == "" {
				host = r.Header.Get("Host")
			}
			values = []string{host}
		} else {
			values = r.Header.Values(http.CanonicalHeaderKey(name))
		}
		// Join multiple values with comma, trim whitespace, collapse spaces.
		joined := strings.Join(values, ",")
		joined = strings.TrimSpace(joined)
		for strings.Contains(joined, "  ") {
			joined = strings.ReplaceAll(joined, "  ", " ")
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(joined)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// URIEncode encodes a string per S3 URI encoding rules.
// Characters A-Z, a-z, 0-9, '-', '_', '.', '~' are NOT encoded.
// If encodeSlash is false, '/' is also NOT encoded.
// All other characters are percent-encoded with uppercase hex.
func URIEncode(s string, encodeSlash bool) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isURIUnreserved(c) || (!encodeSlash && c == '/') {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('%')
			sb.WriteByte(hexDigit(c >> 4))
			sb.WriteByte(hexDigit(c & 0x0f))
		}
	}
	return sb.String()
}

// isURIUnreserved returns true if the byte is an unreserved URI character.
func isURIUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

// hexDigit returns the uppercase hex digit for a 4-bit value.
func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'A' + b - 10
}

// hmacSHA256 computes HMAC-SHA256 of the data using the given key.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// StreamingPayloadDeclared reports whether the request declared the
// aws-chunked streaming payload sentinel.
func StreamingPayloadDeclared(r *http.Request) bool {
	return r.Header.Get("X-Amz-Content-Sha256") == streamingPayload
}

// DetectAuthMethod returns the authentication method based on the request:
// "header" for Authorization header, "presigned" for query parameters, or
// "none". Returns "ambiguous" if both are present.
func DetectAuthMethod(r *http.Request) string {
	hasHeader := strings.HasPrefix(r.Header.Get("Authorization"), algorithm)
	hasQuery := r.URL.Query().Get("X-Amz-Algorithm") != ""

	if hasHeader && hasQuery {
		return "ambiguous"
	}
	if hasHeader {
		return "header"
	}
	if hasQuery {
		return "presigned"
	}
	return "none"
}
