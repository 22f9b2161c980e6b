package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cubbystore/cubby/internal/catalog"
	"github.com/cubbystore/cubby/internal/serialization"
)

var (
	exportDB      string
	exportOutput  string
	exportTables  string
	exportSecrets bool

	importDB      string
	importInput   string
	importReplace bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the catalog as JSON",
	Long: `Export catalog tables as a JSON document on stdout or to a file.

Secret columns (S3 secret keys, API token values) are replaced with
"REDACTED" unless --include-credentials is given.

Examples:
  cubby-admin export > catalog.json
  cubby-admin export --tables buckets,objects --output buckets.json
  cubby-admin export --include-credentials --output full-backup.json`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a catalog JSON export",
	Long: `Import a JSON export into the catalog, from stdin or a file.

The default mode merges: rows whose keys already exist are skipped. With
--replace, exported tables are wiped before inserting. Rows with REDACTED
secrets are always skipped.

Examples:
  cubby-admin import < catalog.json
  cubby-admin import --input full-backup.json --replace`,
	Args: cobra.NoArgs,
	RunE: runImport,
}

func init() {
	exportCmd.Flags().StringVar(&exportDB, "db", "", "SQLite database path (overrides config)")
	exportCmd.Flags().StringVar(&exportOutput, "output", "-", "output file path (- for stdout)")
	exportCmd.Flags().StringVar(&exportTables, "tables", "", "comma-separated table names (default: all)")
	exportCmd.Flags().BoolVar(&exportSecrets, "include-credentials", false, "include real secret keys and tokens")

	importCmd.Flags().StringVar(&importDB, "db", "", "SQLite database path (overrides config)")
	importCmd.Flags().StringVar(&importInput, "input", "-", "input file path (- for stdin)")
	importCmd.Flags().BoolVar(&importReplace, "replace", false, "wipe exported tables before inserting")
}

// resolveDBPath returns the explicit --db value or the config file's
// catalog path.
func resolveDBPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", fmt.Errorf("reading config: %w", err)
	}
	return cfg.Catalog.SQLite.Path, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	db, err := resolveDBPath(exportDB)
	if err != nil {
		return err
	}

	tableList := serialization.AllTables
	if exportTables != "" {
		tableList = strings.Split(exportTables, ",")
		valid := make(map[string]bool)
		for _, t := range serialization.AllTables {
			valid[t] = true
		}
		for i := range tableList {
			tableList[i] = strings.TrimSpace(tableList[i])
			if !valid[tableList[i]] {
				return fmt.Errorf("invalid table name: %s", tableList[i])
			}
		}
	}

	opts := &serialization.ExportOptions{
		Tables:             tableList,
		IncludeCredentials: exportSecrets,
	}
	result, err := serialization.ExportCatalog(db, opts)
	if err != nil {
		return fmt.Errorf("exporting: %w", err)
	}

	if exportOutput == "-" {
		fmt.Println(result)
		return nil
	}
	if err := os.WriteFile(exportOutput, []byte(result+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", exportOutput)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	db, err := resolveDBPath(importDB)
	if err != nil {
		return err
	}

	var jsonData []byte
	if importInput == "-" {
		jsonData, err = io.ReadAll(os.Stdin)
	} else {
		jsonData, err = os.ReadFile(importInput)
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	// Opening the catalog once migrates the schema, so imports into a
	// fresh database work.
	cat, err := catalog.Open(db)
	if err != nil {
		return fmt.Errorf("preparing catalog: %w", err)
	}
	cat.Close()

	opts := &serialization.ImportOptions{Replace: importReplace}
	result, err := serialization.ImportCatalog(db, string(jsonData), opts)
	if err != nil {
		return fmt.Errorf("importing: %w", err)
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		if !ok {
			continue
		}
		msg := fmt.Sprintf("  %s: %d imported", table, count)
		if skip := result.Skipped[table]; skip > 0 {
			msg += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(os.Stderr, msg)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return nil
}
