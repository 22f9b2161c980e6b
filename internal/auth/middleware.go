package auth

import (
	"net/http"

	"github.com/cubbystore/cubby/internal/catalog"
	s3err "github.com/cubbystore/cubby/internal/errors"
)

// requiresAuth reports whether an operation on the bucket needs a verified
// signature. Public-write buckets accept everything anonymously, public-read
// buckets require signatures on writes only, private buckets on everything.
func requiresAuth(bucket *catalog.Bucket, write bool) bool {
	switch bucket.Access {
	case catalog.AccessPublicWrite:
		return false
	case catalog.AccessPublicRead:
		return write
	default:
		return true
	}
}

// Authenticate verifies whichever SigV4 mechanism the request carries and
// returns the credential. Requests without credentials fail with a 401
// AuthError; requests carrying both mechanisms fail with 400.
func (v *Verifier) Authenticate(r *http.Request, pathCandidates []string) (*catalog.S3Credential, error) {
	switch DetectAuthMethod(r) {
	case "header":
		return v.VerifyRequest(r, pathCandidates)
	case "presigned":
		return v.VerifyPresigned(r, pathCandidates)
	case "ambiguous":
		return nil, &AuthError{
			Code:    "InvalidArgument",
			Message: "Only one auth mechanism allowed; found both Authorization header and query string parameters",
			Status:  http.StatusBadRequest,
		}
	default:
		return nil, errMissingCredentials()
	}
}

// AuthorizeS3 gates an S3 operation on a bucket. It returns the verified
// credential, or nil when the bucket's access mode lets the operation
// through anonymously. Verified credentials must carry a grant for the
// bucket whenever the operation required one.
func (v *Verifier) AuthorizeS3(r *http.Request, bucket *catalog.Bucket, write bool, pathCandidates []string) (*catalog.S3Credential, error) {
	required := requiresAuth(bucket, write)

	if DetectAuthMethod(r) == "none" {
		if !required {
			return nil, nil
		}
		return nil, errMissingCredentials()
	}

	// Credentials that are present get verified even when the bucket would
	// have let the request through anonymously. A bad signature is never
	// accepted.
	cred, err := v.Authenticate(r, pathCandidates)
	if err != nil {
		return nil, err
	}

	if required && !cred.HasBucket(bucket.ID) {
		return nil, &AuthError{
			Code:    "AccessDenied",
			Message: "Access Denied",
			Status:  http.StatusForbidden,
		}
	}

	return cred, nil
}

// MapAuthError converts an auth failure into the S3 error to send on the
// wire, preserving the HTTP status the failure carries.
func MapAuthError(err error) *s3err.S3Error {
	authErr, ok := err.(*AuthError)
	if !ok {
		return s3err.ErrInternalError
	}
	return &s3err.S3Error{
		Code:       authErr.Code,
		Message:    authErr.Message,
		HTTPStatus: authErr.Status,
	}
}
