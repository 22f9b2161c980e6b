// Package catalog implements Cubby's relational metadata catalog: users,
// buckets, the hierarchical object tree, credentials, per-bucket
// configuration, and per-day usage stats.
package catalog

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Bucket access modes.
const (
	AccessPrivate     = "private"
	AccessPublicRead  = "public-read"
	AccessPublicWrite = "public-write"
)

// MimeFolder is the literal mime type that marks directory objects.
const MimeFolder = "folder"

// QuotaUnlimited disables quota enforcement when set on a user or bucket.
const QuotaUnlimited int64 = -1

// RootParentID is the parent id of objects at the bucket root. The empty
// string (rather than NULL) keeps the (bucket_id, parent_id, filename)
// unique index effective for root entries under SQLite.
const RootParentID = ""

// Domain errors returned by the catalog.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrObjectNotFound     = errors.New("object not found")
	ErrTokenNotFound      = errors.New("token not found")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrDuplicateUser      = errors.New("username already taken")
	ErrDuplicateBucket    = errors.New("bucket name already taken")
	ErrDuplicateObject    = errors.New("object already exists in directory")
	ErrUserOwnsBuckets    = errors.New("user still owns buckets")
)

// User is an account that owns buckets and credentials.
type User struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:255" json:"username" validate:"required,min=1,max=255"`
	PasswordHash string    `gorm:"size:64" json:"-"`
	Enabled      bool      `gorm:"default:true" json:"enabled"`
	IsAdmin      bool      `gorm:"column:is_admin" json:"isAdmin"`
	StorageQuota int64     `gorm:"default:-1" json:"storageQuota"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName overrides the GORM table name.
func (User) TableName() string { return "users" }

// Bucket is a top-level namespace owned by one user.
type Bucket struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Name         string    `gorm:"uniqueIndex;not null;size:64" json:"name" validate:"required,bucketname"`
	OwnerID      string    `gorm:"size:36;not null;index" json:"ownerId"`
	Access       string    `gorm:"size:16;not null;default:private" json:"access" validate:"oneof=private public-read public-write"`
	StorageQuota int64     `gorm:"default:-1" json:"storageQuota"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName overrides the GORM table name.
func (Bucket) TableName() string { return "buckets" }

// IsPublicRead reports whether unauthenticated reads are allowed.
func (b *Bucket) IsPublicRead() bool {
	return b.Access == AccessPublicRead || b.Access == AccessPublicWrite
}

// IsPublicWrite reports whether unauthenticated writes are allowed.
func (b *Bucket) IsPublicWrite() bool {
	return b.Access == AccessPublicWrite
}

// Object is a file or folder node inside a bucket. Folders carry the
// literal mime type "folder" and size 0. ParentID is RootParentID for
// entries at the bucket root.
type Object struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	BucketID  string    `gorm:"size:36;not null;index;uniqueIndex:idx_objects_dir,priority:1" json:"bucketId"`
	ParentID  string    `gorm:"size:36;not null;default:'';uniqueIndex:idx_objects_dir,priority:2" json:"parentId"`
	Filename  string    `gorm:"size:255;not null;uniqueIndex:idx_objects_dir,priority:3" json:"filename"`
	MimeType  string    `gorm:"size:255;not null" json:"mimeType"`
	Size      int64     `gorm:"not null;default:0" json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName overrides the GORM table name.
func (Object) TableName() string { return "objects" }

// IsFolder reports whether the object is a directory node.
func (o *Object) IsFolder() bool { return o.MimeType == MimeFolder }

// APIToken is a bearer credential scoped to one user and, through the user,
// to all buckets that user owns.
type APIToken struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	UserID      string     `gorm:"size:36;not null;index" json:"userId"`
	Token       string     `gorm:"uniqueIndex;size:64;not null" json:"-"`
	Description string     `gorm:"size:255" json:"description"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	IsAPI       bool       `gorm:"column:is_api;default:true" json:"isApi"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// TableName overrides the GORM table name.
func (APIToken) TableName() string { return "api_tokens" }

// Expired reports whether the token has an expiry in the past.
func (t *APIToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// S3Credential is a SigV4 key pair whitelisted for a set of buckets.
type S3Credential struct {
	ID        string        `gorm:"primaryKey;size:36" json:"id"`
	UserID    string        `gorm:"size:36;not null;index" json:"userId"`
	AccessKey string        `gorm:"uniqueIndex;size:64;not null" json:"accessKey"`
	SecretKey string        `gorm:"size:128;not null" json:"-"`
	Grants    []BucketGrant `gorm:"foreignKey:CredentialID" json:"grants"`
	CreatedAt time.Time     `json:"createdAt"`
}

// TableName overrides the GORM table name.
func (S3Credential) TableName() string { return "s3_credentials" }

// HasBucket reports whether the credential's grant set contains bucketID.
func (c *S3Credential) HasBucket(bucketID string) bool {
	for _, g := range c.Grants {
		if g.BucketID == bucketID {
			return true
		}
	}
	return false
}

// BucketGrant is a row of the credential/bucket whitelist join table.
type BucketGrant struct {
	CredentialID string `gorm:"primaryKey;size:36" json:"credentialId"`
	BucketID     string `gorm:"primaryKey;size:36" json:"bucketId"`
}

// TableName overrides the GORM table name.
func (BucketGrant) TableName() string { return "bucket_grants" }

// Bucket-config value types.
const (
	ConfigTypeString  = "STRING"
	ConfigTypeNumber  = "NUMBER"
	ConfigTypeBoolean = "BOOLEAN"
	ConfigTypeSelect  = "SELECT"
)

// Bucket-config keys recognized by the core.
const (
	CfgPathCacheEnable            = "cache_path_caching_enable"
	CfgPathCacheTTL               = "cache_path_caching_ttl_seconds"
	CfgSendFolderIndex            = "files_send_folder_index"
	CfgImageTransformEnable       = "files_image_transform_enable"
	CfgImageTransformCacheEnable  = "files_image_transform_cache_enable"
	CfgImageTransformCacheTTL     = "files_image_transform_cache_ttl_seconds"
	CfgImageTransformCacheMaxSize = "files_image_transform_cache_max_size"
	CfgS3ClearEmptyParents        = "s3_clear_empty_parents"
)

// configDefaults holds the documented default for each recognized key.
var configDefaults = map[string]string{
	CfgPathCacheEnable:            "false",
	CfgPathCacheTTL:               "300",
	CfgSendFolderIndex:            "false",
	CfgImageTransformEnable:       "false",
	CfgImageTransformCacheEnable:  "false",
	CfgImageTransformCacheTTL:     "300",
	CfgImageTransformCacheMaxSize: "10",
	CfgS3ClearEmptyParents:        "false",
}

// configTypes holds the value type for each recognized key.
var configTypes = map[string]string{
	CfgPathCacheEnable:            ConfigTypeBoolean,
	CfgPathCacheTTL:               ConfigTypeNumber,
	CfgSendFolderIndex:            ConfigTypeBoolean,
	CfgImageTransformEnable:       ConfigTypeBoolean,
	CfgImageTransformCacheEnable:  ConfigTypeBoolean,
	CfgImageTransformCacheTTL:     ConfigTypeNumber,
	CfgImageTransformCacheMaxSize: ConfigTypeNumber,
	CfgS3ClearEmptyParents:        ConfigTypeBoolean,
}

// ConfigKeyType returns the documented value type for a recognized
// configuration key.
func ConfigKeyType(key string) (string, bool) {
	t, ok := configTypes[key]
	return t, ok
}

// KnownConfigKeys returns the recognized configuration keys with their types
// and defaults, ordered by key.
func KnownConfigKeys() []BucketConfigEntry {
	keys := make([]string, 0, len(configDefaults))
	for k := range configDefaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]BucketConfigEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, BucketConfigEntry{
			Key:   k,
			Value: configDefaults[k],
			Type:  configTypes[k],
		})
	}
	return entries
}

// BucketConfigEntry is a single (bucket, key) configuration row. Values are
// stored as strings and parsed at use-site through BucketConfig.
type BucketConfigEntry struct {
	BucketID string `gorm:"primaryKey;size:36" json:"bucketId"`
	Key      string `gorm:"primaryKey;size:64" json:"key"`
	Value    string `gorm:"size:255" json:"value"`
	Type     string `gorm:"size:16" json:"type"`
}

// TableName overrides the GORM table name.
func (BucketConfigEntry) TableName() string { return "bucket_configs" }

// BucketConfig provides typed access to one bucket's configuration entries
// with the documented per-key defaults.
type BucketConfig struct {
	values map[string]string
}

// Bool returns the key's value parsed as a boolean.
func (c BucketConfig) Bool(key string) bool {
	v, ok := c.values[key]
	if !ok {
		v = configDefaults[key]
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Int returns the key's value parsed as an integer.
func (c BucketConfig) Int(key string) int64 {
	v, ok := c.values[key]
	if !ok {
		v = configDefaults[key]
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		n, _ = strconv.ParseInt(configDefaults[key], 10, 64)
	}
	return n
}

// String returns the key's raw value, or the documented default.
func (c BucketConfig) String(key string) string {
	if v, ok := c.values[key]; ok {
		return v
	}
	return configDefaults[key]
}

// BucketStats accumulates per-bucket request counters for one UTC day.
type BucketStats struct {
	BucketID       string `gorm:"primaryKey;size:36" json:"bucketId"`
	Day            string `gorm:"primaryKey;size:10" json:"day"`
	APIRequests    int64  `gorm:"column:api_requests" json:"apiRequests"`
	S3Requests     int64  `gorm:"column:s3_requests" json:"s3Requests"`
	WebDAVRequests int64  `gorm:"column:webdav_requests" json:"webdavRequests"`
	RequestsCount  int64  `gorm:"column:requests_count" json:"requestsCount"`
	BytesServed    int64  `gorm:"column:bytes_served" json:"bytesServed"`
}

// TableName overrides the GORM table name.
func (BucketStats) TableName() string { return "bucket_stats" }

// Day formats t as the UTC day key used by BucketStats.
func Day(t time.Time) string { return t.UTC().Format("2006-01-02") }

// AllModels returns every model migrated by the catalog, in dependency order.
func AllModels() []any {
	return []any{
		&User{},
		&Bucket{},
		&Object{},
		&APIToken{},
		&S3Credential{},
		&BucketGrant{},
		&BucketConfigEntry{},
		&BucketStats{},
	}
}
