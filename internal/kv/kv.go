// Package kv provides the shared key/value cache used for path-resolution
// caching, transformed-image caching, multipart upload sessions, and
// file-request sessions. Three backends are available: in-process memory,
// Redis, and embedded Badger.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Key prefixes and channels shared across the service.
const (
	PrefixObjectPath  = "object-path-cache:"
	PrefixTransform   = "image_transform_cache:"
	PrefixMultipart   = "s3:multipartupload:"
	PrefixFileRequest = "filereq:"

	ChannelCertUpdate = "cert_update"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// UpdateFunc transforms the current value of a key into its next value.
// current is nil when the key does not exist. Returning an error aborts the
// update and propagates out of Update.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the cache interface. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Expire re-arms the key's expiry without touching its value.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Keys returns all live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Update applies fn to the key's current value atomically with respect
	// to other Update calls on the same key, then stores the result with
	// the given ttl.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error

	Publish(ctx context.Context, channel, payload string) error
	// Subscribe delivers messages published to channel until the returned
	// cancel function is called.
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BadgerPath    string
}

// Open constructs the backend named by opts.Backend: "memory", "redis", or
// "badger".
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(opts.RedisAddr, opts.RedisPassword, opts.RedisDB), nil
	case "badger":
		return NewBadger(opts.BadgerPath)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}
