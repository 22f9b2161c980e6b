package catalog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("catalog: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// CreateAPIToken inserts a bearer token for a user. A missing token value
// is generated.
func (s *Store) CreateAPIToken(ctx context.Context, t *APIToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Token == "" {
		t.Token = randomHex(32)
	}
	return s.db.WithContext(ctx).Create(t).Error
}

// GetAPIToken fetches a token row by its secret value.
func (s *Store) GetAPIToken(ctx context.Context, token string) (*APIToken, error) {
	var t APIToken
	if err := s.db.WithContext(ctx).First(&t, "token = ?", token).Error; err != nil {
		return nil, notFound(err, ErrTokenNotFound)
	}
	return &t, nil
}

// ListAPITokens returns the tokens belonging to one user.
func (s *Store) ListAPITokens(ctx context.Context, userID string) ([]APIToken, error) {
	var tokens []APIToken
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at").Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

// DeleteAPIToken removes a token by id.
func (s *Store) DeleteAPIToken(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&APIToken{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// CreateS3Credential inserts a SigV4 key pair together with its bucket
// grants. Missing key material is generated.
func (s *Store) CreateS3Credential(ctx context.Context, c *S3Credential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.AccessKey == "" {
		c.AccessKey = "CUB" + strings.ToUpper(randomHex(8))
	}
	if c.SecretKey == "" {
		c.SecretKey = randomHex(20)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		grants := c.Grants
		c.Grants = nil
		if err := tx.Create(c).Error; err != nil {
			c.Grants = grants
			return err
		}
		for i := range grants {
			grants[i].CredentialID = c.ID
		}
		if len(grants) > 0 {
			if err := tx.Create(&grants).Error; err != nil {
				c.Grants = grants
				return err
			}
		}
		c.Grants = grants
		return nil
	})
}

// GetS3Credential fetches a credential by access key with its grants loaded.
func (s *Store) GetS3Credential(ctx context.Context, accessKey string) (*S3Credential, error) {
	var c S3Credential
	err := s.db.WithContext(ctx).Preload("Grants").
		First(&c, "access_key = ?", accessKey).Error
	if err != nil {
		return nil, notFound(err, ErrCredentialNotFound)
	}
	return &c, nil
}

// ListS3Credentials returns the credentials belonging to one user with
// grants loaded.
func (s *Store) ListS3Credentials(ctx context.Context, userID string) ([]S3Credential, error) {
	var creds []S3Credential
	if err := s.db.WithContext(ctx).Preload("Grants").
		Where("user_id = ?", userID).Order("created_at").Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

// GrantBucket whitelists a bucket for an existing credential.
func (s *Store) GrantBucket(ctx context.Context, credentialID, bucketID string) error {
	g := BucketGrant{CredentialID: credentialID, BucketID: bucketID}
	err := s.db.WithContext(ctx).Create(&g).Error
	if isUniqueConstraintError(err) {
		return nil
	}
	return err
}

// RevokeBucket removes a bucket from a credential's whitelist.
func (s *Store) RevokeBucket(ctx context.Context, credentialID, bucketID string) error {
	return s.db.WithContext(ctx).
		Where("credential_id = ? AND bucket_id = ?", credentialID, bucketID).
		Delete(&BucketGrant{}).Error
}

// DeleteS3Credential removes a credential and its grants.
func (s *Store) DeleteS3Credential(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("credential_id = ?", id).Delete(&BucketGrant{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&S3Credential{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrCredentialNotFound
		}
		return nil
	})
}
