// Package quota enforces storage ceilings at the bucket and owner level.
// Folder rows never count toward usage.
package quota

import (
	"context"
	"errors"

	"github.com/cubbystore/cubby/internal/catalog"
)

// ErrExceeded is returned when an upload would push usage past a limit.
var ErrExceeded = errors.New("quota exceeded")

// Unlimited is the Remaining result when neither the bucket nor its owner
// carries a quota.
const Unlimited int64 = -1

// Checker computes quota headroom from catalog aggregates.
type Checker struct {
	catalog *catalog.Store
}

// New returns a Checker backed by the given catalog.
func New(cat *catalog.Store) *Checker {
	return &Checker{catalog: cat}
}

// Remaining returns how many more bytes the bucket may absorb before either
// the bucket quota or its owner's quota is hit, or Unlimited when neither
// applies. A zero or negative headroom means the limit is already reached.
func (c *Checker) Remaining(ctx context.Context, bucket *catalog.Bucket) (int64, error) {
	remaining := Unlimited

	if bucket.StorageQuota >= 0 {
		used, err := c.catalog.AggregateBucketUsage(ctx, bucket.ID)
		if err != nil {
			return 0, err
		}
		remaining = bucket.StorageQuota - used
	}

	owner, err := c.catalog.GetUserByID(ctx, bucket.OwnerID)
	if err != nil {
		return 0, err
	}
	if owner.StorageQuota >= 0 {
		used, err := c.catalog.AggregateOwnerUsage(ctx, owner.ID)
		if err != nil {
			return 0, err
		}
		ownerRemaining := owner.StorageQuota - used
		if remaining == Unlimited || ownerRemaining < remaining {
			remaining = ownerRemaining
		}
	}

	return remaining, nil
}

// Check verifies that size more bytes fit within the bucket's headroom.
// credit is the size of an object being replaced, which frees up as the
// overwrite lands.
func (c *Checker) Check(ctx context.Context, bucket *catalog.Bucket, size, credit int64) error {
	remaining, err := c.Remaining(ctx, bucket)
	if err != nil {
		return err
	}
	if remaining == Unlimited {
		return nil
	}
	if size > remaining+credit {
		return ErrExceeded
	}
	return nil
}
