// Package blob stores object payloads on the local filesystem. Every blob
// lives at <root>/<bucketName>/<objectID> with no nesting; the folder
// hierarchy exists only in the catalog. In-flight uploads are spooled under
// <root>/.temp and promoted with an atomic rename once complete.
package blob

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cubbystore/cubby/internal/uid"
)

// TempDirName is the spool directory under the storage root.
const TempDirName = ".temp"

// spoolChunkSize is the copy buffer used while spooling uploads. Upload
// engines rely on this granularity for mid-stream quota checks.
const spoolChunkSize = 1 << 20

// ErrNotFound is returned when a blob does not exist on disk.
var ErrNotFound = errors.New("blob: not found")

// Store is the filesystem blob store.
type Store struct {
	root string
}

// New creates the storage root and its spool directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Join(root, TempDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// blobPath returns the final path of a published blob.
func (s *Store) blobPath(bucket, objectID string) string {
	return filepath.Join(s.root, bucket, objectID)
}

// TempPath returns the spool path for the given scratch name.
func (s *Store) TempPath(name string) string {
	return filepath.Join(s.root, TempDirName, name)
}

// NewTempName returns a fresh random scratch name.
func NewTempName() string { return "upload_" + uid.New() }

// CleanTemp removes every file left in the spool directory. Called at
// startup; leftover spool files are incomplete writes from a crash.
func (s *Store) CleanTemp() (int, error) {
	dir := filepath.Join(s.root, TempDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading spool directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// WriteTemp spools reader into the named scratch file, replacing any
// previous content. Data is copied in 1 MiB chunks and hashed along the
// way; the spool file is synced before return. On error the scratch file
// is removed.
func (s *Store) WriteTemp(name string, reader io.Reader) (int64, string, error) {
	path := s.TempPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("creating spool file: %w", err)
	}

	h := md5.New()
	buf := make([]byte, spoolChunkSize)
	written, err := io.CopyBuffer(io.MultiWriter(f, h), reader, buf)
	if err != nil {
		f.Close()
		os.Remove(path)
		return 0, "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return 0, "", fmt.Errorf("syncing spool file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, "", fmt.Errorf("closing spool file: %w", err)
	}
	return written, fmt.Sprintf("%x", h.Sum(nil)), nil
}

// AppendTemp appends reader to the named scratch file, creating it when
// absent. It returns the bytes appended and the resulting file size.
func (s *Store) AppendTemp(name string, reader io.Reader) (int64, int64, error) {
	path := s.TempPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, 0, fmt.Errorf("opening spool file for append: %w", err)
	}

	buf := make([]byte, spoolChunkSize)
	written, err := io.CopyBuffer(f, reader, buf)
	if err != nil {
		f.Close()
		return written, 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return written, 0, fmt.Errorf("syncing spool file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return written, 0, err
	}
	if err := f.Close(); err != nil {
		return written, 0, err
	}
	return written, info.Size(), nil
}

// TruncateTemp resets the named scratch file to zero bytes.
func (s *Store) TruncateTemp(name string) error {
	return os.Truncate(s.TempPath(name), 0)
}

// StatTemp reports the named scratch file's metadata.
func (s *Store) StatTemp(name string) (fs.FileInfo, error) {
	info, err := os.Stat(s.TempPath(name))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return info, err
}

// RemoveTemp deletes the named scratch file. Missing files are ignored.
func (s *Store) RemoveTemp(name string) error {
	err := os.Remove(s.TempPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// AssembleTemp concatenates the given scratch files, in order, into a new
// scratch file named dst. Inputs are left in place.
func (s *Store) AssembleTemp(dst string, parts []string) (int64, error) {
	path := s.TempPath(dst)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("creating assembly file: %w", err)
	}

	var total int64
	buf := make([]byte, spoolChunkSize)
	for _, part := range parts {
		src, err := os.Open(s.TempPath(part))
		if err != nil {
			f.Close()
			os.Remove(path)
			return 0, fmt.Errorf("opening part %q: %w", part, err)
		}
		n, err := io.CopyBuffer(f, src, buf)
		src.Close()
		if err != nil {
			f.Close()
			os.Remove(path)
			return 0, fmt.Errorf("copying part %q: %w", part, err)
		}
		total += n
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return 0, fmt.Errorf("syncing assembly file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("closing assembly file: %w", err)
	}
	return total, nil
}

// Publish atomically promotes a scratch file to its final blob location,
// replacing any previous blob for the same object.
func (s *Store) Publish(tempName, bucket, objectID string) error {
	if err := os.MkdirAll(filepath.Join(s.root, bucket), 0o755); err != nil {
		return fmt.Errorf("creating bucket directory %q: %w", bucket, err)
	}
	src := s.TempPath(tempName)
	dst := s.blobPath(bucket, objectID)
	if err := os.Rename(src, dst); err != nil {
		os.Remove(src)
		return fmt.Errorf("publishing blob %s/%s: %w", bucket, objectID, err)
	}
	return nil
}

// Open returns a reader over the published blob and its file metadata.
// The caller closes the file.
func (s *Store) Open(bucket, objectID string) (*os.File, fs.FileInfo, error) {
	f, err := os.Open(s.blobPath(bucket, objectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("opening blob %s/%s: %w", bucket, objectID, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat blob %s/%s: %w", bucket, objectID, err)
	}
	return f, info, nil
}

// Stat reports a published blob's file metadata.
func (s *Store) Stat(bucket, objectID string) (fs.FileInfo, error) {
	info, err := os.Stat(s.blobPath(bucket, objectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat blob %s/%s: %w", bucket, objectID, err)
	}
	return info, nil
}

// Delete removes a published blob. Idempotent.
func (s *Store) Delete(bucket, objectID string) error {
	err := os.Remove(s.blobPath(bucket, objectID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob %s/%s: %w", bucket, objectID, err)
	}
	return nil
}

// Copy duplicates a published blob under a new object id, spooling through
// the temp directory so readers never observe a partial file. The source's
// byte count is returned.
func (s *Store) Copy(srcBucket, srcID, dstBucket, dstID string) (int64, error) {
	src, _, err := s.Open(srcBucket, srcID)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp := NewTempName()
	written, _, err := s.WriteTemp(tmp, src)
	if err != nil {
		return 0, err
	}
	if err := s.Publish(tmp, dstBucket, dstID); err != nil {
		return 0, err
	}
	return written, nil
}

// DeleteBucketDir removes a bucket's blob directory and everything in it.
func (s *Store) DeleteBucketDir(bucket string) error {
	err := os.RemoveAll(filepath.Join(s.root, bucket))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing bucket directory %q: %w", bucket, err)
	}
	return nil
}

// HealthCheck verifies the storage root is accessible.
func (s *Store) HealthCheck(_ context.Context) error {
	_, err := os.Stat(s.root)
	return err
}
