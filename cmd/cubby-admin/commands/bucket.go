package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cubbystore/cubby/internal/catalog"
)

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Bucket management",
	Long: `Provision and manage buckets. Buckets cannot be created or deleted
through the S3 surface.

Examples:
  # Create a private bucket
  cubby-admin bucket create photos --owner alice

  # Create a public-read bucket with a quota
  cubby-admin bucket create assets --owner alice --access public-read --quota 1073741824

  # List buckets with usage
  cubby-admin bucket list

  # Delete a bucket, its catalog rows, and its blobs
  cubby-admin bucket delete photos

  # Tune per-bucket behavior
  cubby-admin bucket config set photos cache_path_caching_enable true
  cubby-admin bucket config list photos`,
}

var (
	bucketCreateOwner  string
	bucketCreateAccess string
	bucketCreateQuota  int64
	bucketDeleteKeep   bool
)

var bucketCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a bucket",
	Args:  cobra.ExactArgs(1),
	RunE:  runBucketCreate,
}

var bucketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List buckets",
	Args:  cobra.NoArgs,
	RunE:  runBucketList,
}

var bucketDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a bucket and its contents",
	Args:  cobra.ExactArgs(1),
	RunE:  runBucketDelete,
}

var bucketConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Per-bucket configuration",
}

var bucketConfigSetCmd = &cobra.Command{
	Use:   "set <bucket> <key> <value>",
	Short: "Set a configuration entry",
	Args:  cobra.ExactArgs(3),
	RunE:  runBucketConfigSet,
}

var bucketConfigListCmd = &cobra.Command{
	Use:   "list <bucket>",
	Short: "List configuration entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runBucketConfigList,
}

func init() {
	bucketCreateCmd.Flags().StringVar(&bucketCreateOwner, "owner", "", "owning username (required)")
	bucketCreateCmd.Flags().StringVar(&bucketCreateAccess, "access", catalog.AccessPrivate, "access mode: private, public-read, public-write")
	bucketCreateCmd.Flags().Int64Var(&bucketCreateQuota, "quota", catalog.QuotaUnlimited, "storage quota in bytes (-1 for unlimited)")
	bucketCreateCmd.MarkFlagRequired("owner")

	bucketDeleteCmd.Flags().BoolVar(&bucketDeleteKeep, "keep-blobs", false, "leave blob files on disk")

	bucketConfigCmd.AddCommand(bucketConfigSetCmd)
	bucketConfigCmd.AddCommand(bucketConfigListCmd)

	bucketCmd.AddCommand(bucketCreateCmd)
	bucketCmd.AddCommand(bucketListCmd)
	bucketCmd.AddCommand(bucketDeleteCmd)
	bucketCmd.AddCommand(bucketConfigCmd)
}

func runBucketCreate(cmd *cobra.Command, args []string) error {
	name := args[0]

	cat, _, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	ctx := context.Background()
	owner, err := cat.GetUserByUsername(ctx, bucketCreateOwner)
	if err != nil {
		return fmt.Errorf("resolving owner %q: %w", bucketCreateOwner, err)
	}

	bucket := &catalog.Bucket{
		Name:         name,
		OwnerID:      owner.ID,
		Access:       bucketCreateAccess,
		StorageQuota: bucketCreateQuota,
	}
	if err := cat.CreateBucket(ctx, bucket); err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}

	fmt.Printf("Created bucket %s (id %s, %s)\n", bucket.Name, bucket.ID, bucket.Access)
	return nil
}

func runBucketList(cmd *cobra.Command, args []string) error {
	cat, _, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	ctx := context.Background()
	buckets, err := cat.ListBuckets(ctx)
	if err != nil {
		return fmt.Errorf("listing buckets: %w", err)
	}

	// Owner ids repeat across buckets; resolve each username once.
	owners := make(map[string]string)
	ownerName := func(id string) string {
		if name, ok := owners[id]; ok {
			return name
		}
		name := id
		if u, err := cat.GetUserByID(ctx, id); err == nil {
			name = u.Username
		}
		owners[id] = name
		return name
	}

	w := newTable()
	fmt.Fprintln(w, "NAME\tOWNER\tACCESS\tQUOTA\tUSAGE")
	for _, b := range buckets {
		usage, err := cat.AggregateBucketUsage(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("aggregating usage for %s: %w", b.Name, err)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			b.Name, ownerName(b.OwnerID), b.Access, formatQuota(b.StorageQuota), usage)
	}
	return w.Flush()
}

func runBucketDelete(cmd *cobra.Command, args []string) error {
	cat, cfg, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	ctx := context.Background()
	bucket, err := cat.GetBucketByName(ctx, args[0])
	if err != nil {
		return err
	}
	if err := cat.DeleteBucket(ctx, bucket.ID); err != nil {
		return fmt.Errorf("deleting bucket: %w", err)
	}

	if !bucketDeleteKeep {
		dir := filepath.Join(cfg.Storage.RootDir, bucket.Name)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("bucket removed from catalog, blob cleanup failed: %w", err)
		}
	}

	fmt.Printf("Deleted bucket %s\n", bucket.Name)
	return nil
}

func runBucketConfigSet(cmd *cobra.Command, args []string) error {
	bucketName, key, value := args[0], args[1], args[2]

	typ, known := catalog.ConfigKeyType(key)
	if !known {
		var keys []string
		for _, e := range catalog.KnownConfigKeys() {
			keys = append(keys, e.Key)
		}
		return fmt.Errorf("unknown config key %q, known keys: %s", key, strings.Join(keys, ", "))
	}

	cat, _, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	ctx := context.Background()
	bucket, err := cat.GetBucketByName(ctx, bucketName)
	if err != nil {
		return err
	}
	if err := cat.SetBucketConfig(ctx, bucket.ID, key, value, typ); err != nil {
		return fmt.Errorf("setting config: %w", err)
	}

	fmt.Printf("Set %s = %s on bucket %s\n", key, value, bucket.Name)
	return nil
}

func runBucketConfigList(cmd *cobra.Command, args []string) error {
	cat, _, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	ctx := context.Background()
	bucket, err := cat.GetBucketByName(ctx, args[0])
	if err != nil {
		return err
	}
	entries, err := cat.ListBucketConfig(ctx, bucket.ID)
	if err != nil {
		return fmt.Errorf("listing config: %w", err)
	}

	set := make(map[string]catalog.BucketConfigEntry, len(entries))
	for _, e := range entries {
		set[e.Key] = e
	}

	// Known keys print their stored value or documented default; entries
	// under unknown keys (from older versions) still show up after them.
	w := newTable()
	fmt.Fprintln(w, "KEY\tVALUE\tTYPE\tSOURCE")
	for _, def := range catalog.KnownConfigKeys() {
		if e, ok := set[def.Key]; ok {
			fmt.Fprintf(w, "%s\t%s\t%s\tset\n", e.Key, e.Value, e.Type)
			delete(set, def.Key)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\tdefault\n", def.Key, def.Value, def.Type)
		}
	}
	for _, e := range entries {
		if _, ok := set[e.Key]; ok {
			fmt.Fprintf(w, "%s\t%s\t%s\tset\n", e.Key, e.Value, e.Type)
		}
	}
	return w.Flush()
}
