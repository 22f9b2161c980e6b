package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// HashPassword derives the stored password hash from the username and
// cleartext password.
func HashPassword(username, password string) string {
	sum := sha256.Sum256([]byte(username + ":" + password))
	return hex.EncodeToString(sum[:])
}

// CreateUser inserts a new user. A missing ID is generated.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := s.validate.Struct(u); err != nil {
		return fmt.Errorf("invalid user: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateUser
		}
		return err
	}
	return nil
}

// GetUserByID fetches a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

// GetUserByUsername fetches a user by unique username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

// ListUsers returns all users ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Order("username").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateUserQuota sets the user's storage quota in bytes (-1 for unlimited).
func (s *Store) UpdateUserQuota(ctx context.Context, id string, quota int64) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).
		Update("storage_quota", quota)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetUserEnabled toggles whether the user's credentials authenticate.
func (s *Store) SetUserEnabled(ctx context.Context, id string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).
		Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetUserPassword replaces the user's password hash.
func (s *Store) SetUserPassword(ctx context.Context, id, username, password string) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).
		Update("password_hash", HashPassword(username, password))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeleteUser removes a user together with its tokens and S3 credentials.
// Users that still own buckets are refused.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owned int64
		if err := tx.Model(&Bucket{}).Where("owner_id = ?", id).Count(&owned).Error; err != nil {
			return err
		}
		if owned > 0 {
			return ErrUserOwnsBuckets
		}
		if err := tx.Where("user_id = ?", id).Delete(&APIToken{}).Error; err != nil {
			return err
		}
		var creds []S3Credential
		if err := tx.Where("user_id = ?", id).Find(&creds).Error; err != nil {
			return err
		}
		for _, c := range creds {
			if err := tx.Where("credential_id = ?", c.ID).Delete(&BucketGrant{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("user_id = ?", id).Delete(&S3Credential{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&User{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// EnsureAdminUser creates the bootstrap admin account if no user with the
// given username exists. It reports whether a new account was created.
func (s *Store) EnsureAdminUser(ctx context.Context, username, password string) (bool, error) {
	_, err := s.GetUserByUsername(ctx, username)
	if err == nil {
		return false, nil
	}
	if err != ErrUserNotFound {
		return false, err
	}
	u := &User{
		Username:     username,
		PasswordHash: HashPassword(username, password),
		Enabled:      true,
		IsAdmin:      true,
		StorageQuota: QuotaUnlimited,
	}
	if err := s.CreateUser(ctx, u); err != nil {
		if err == ErrDuplicateUser {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
