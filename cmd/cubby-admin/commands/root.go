// Package commands implements the cubby-admin CLI commands.
package commands

import (
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cubbystore/cubby/internal/catalog"
	"github.com/cubbystore/cubby/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cubby-admin",
	Short: "Cubby provisioning and maintenance tool",
	Long: `cubby-admin manages the Cubby catalog out of band: users, buckets,
credentials, per-bucket configuration, usage stats, and catalog
export/import.

The S3 surface has no bucket create/delete verbs; this tool is how
buckets are provisioned.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "cubby.yaml", "config file path")

	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(bucketCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

// loadConfig reads the config file named by the persistent --config flag.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// openCatalog loads the config and opens the catalog it points at. The
// caller closes the returned store.
func openCatalog() (*catalog.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cat, err := catalog.Open(cfg.Catalog.SQLite.Path)
	if err != nil {
		return nil, nil, err
	}
	return cat, cfg, nil
}

// newTable returns the tab writer used by the list commands. Callers flush it.
func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}
