package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cubbystore/cubby/internal/catalog"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Usage statistics",
}

var (
	statsFrom string
	statsTo   string
)

var statsShowCmd = &cobra.Command{
	Use:   "show <bucket>",
	Short: "Show per-day request counters for a bucket",
	Long: `Show the per-day request and byte counters recorded for a bucket.

Days without traffic have no row. The range defaults to the last 30 days.

Examples:
  cubby-admin stats show photos
  cubby-admin stats show photos --from 2026-08-01 --to 2026-08-26`,
	Args: cobra.ExactArgs(1),
	RunE: runStatsShow,
}

func init() {
	statsShowCmd.Flags().StringVar(&statsFrom, "from", "", "first day, YYYY-MM-DD (default: 30 days ago)")
	statsShowCmd.Flags().StringVar(&statsTo, "to", "", "last day, YYYY-MM-DD (default: today)")

	statsCmd.AddCommand(statsShowCmd)
}

func runStatsShow(cmd *cobra.Command, args []string) error {
	now := time.Now()
	from := statsFrom
	if from == "" {
		from = catalog.Day(now.AddDate(0, 0, -30))
	}
	to := statsTo
	if to == "" {
		to = catalog.Day(now)
	}
	for _, day := range []string{from, to} {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return fmt.Errorf("invalid day %q: %w", day, err)
		}
	}

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
	rows, err := cat.GetStats(ctx, bucket.ID, from, to)
	if err != nil {
		return fmt.Errorf("loading stats: %w", err)
	}

	var total catalog.BucketStats
	w := newTable()
	fmt.Fprintln(w, "DAY\tAPI\tS3\tWEBDAV\tTOTAL\tBYTES")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
			row.Day, row.APIRequests, row.S3Requests, row.WebDAVRequests,
			row.RequestsCount, row.BytesServed)
		total.APIRequests += row.APIRequests
		total.S3Requests += row.S3Requests
		total.WebDAVRequests += row.WebDAVRequests
		total.RequestsCount += row.RequestsCount
		total.BytesServed += row.BytesServed
	}
	fmt.Fprintf(w, "total\t%d\t%d\t%d\t%d\t%d\n",
		total.APIRequests, total.S3Requests, total.WebDAVRequests,
		total.RequestsCount, total.BytesServed)
	return w.Flush()
}
