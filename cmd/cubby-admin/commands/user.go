package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cubbystore/cubby/internal/catalog"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "User management",
	Long: `Manage Cubby user accounts.

Examples:
  # Create a user
  cubby-admin user create alice --password secret

  # Create an administrator with a 10 GiB quota
  cubby-admin user create root --password secret --admin --quota 10737418240

  # List all users
  cubby-admin user list

  # Disable an account (its credentials stop verifying)
  cubby-admin user disable alice

  # Set the account storage quota (-1 for unlimited)
  cubby-admin user quota alice 5368709120`,
}

var (
	userCreatePassword string
	userCreateAdmin    bool
	userCreateQuota    int64
)

var userCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserCreate,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

var userDisableCmd = &cobra.Command{
	Use:   "disable <username>",
	Short: "Disable a user account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserSetEnabled(false),
}

var userEnableCmd = &cobra.Command{
	Use:   "enable <username>",
	Short: "Re-enable a user account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserSetEnabled(true),
}

var userQuotaCmd = &cobra.Command{
	Use:   "quota <username> <bytes>",
	Short: "Set the account storage quota (-1 for unlimited)",
	Args:  cobra.ExactArgs(2),
	RunE:  runUserQuota,
}

func init() {
	userCreateCmd.Flags().StringVar(&userCreatePassword, "password", "", "account password (required)")
	userCreateCmd.Flags().BoolVar(&userCreateAdmin, "admin", false, "grant administrator rights")
	userCreateCmd.Flags().Int64Var(&userCreateQuota, "quota", catalog.QuotaUnlimited, "storage quota in bytes (-1 for unlimited)")
	userCreateCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userDisableCmd)
	userCmd.AddCommand(userEnableCmd)
	userCmd.AddCommand(userQuotaCmd)
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	username := args[0]

	cat, _, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	user := &catalog.User{
		Username:     username,
		PasswordHash: catalog.HashPassword(username, userCreatePassword),
		Enabled:      true,
		IsAdmin:      userCreateAdmin,
		StorageQuota: userCreateQuota,
	}
	if err := cat.CreateUser(context.Background(), user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	fmt.Printf("Created user %s (id %s)\n", user.Username, user.ID)
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	cat, _, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	users, err := cat.ListUsers(context.Background())
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tUSERNAME\tENABLED\tADMIN\tQUOTA\tCREATED")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%s\n",
			u.ID, u.Username, u.Enabled, u.IsAdmin,
			formatQuota(u.StorageQuota), u.CreatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func runUserSetEnabled(enabled bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cat, _, err := openCatalog()
		if err != nil {
			return err
		}
		defer cat.Close()

		ctx := context.Background()
		user, err := cat.GetUserByUsername(ctx, args[0])
		if err != nil {
			return err
		}
		if err := cat.SetUserEnabled(ctx, user.ID, enabled); err != nil {
			return err
		}

		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Printf("User %s %s\n", user.Username, state)
		return nil
	}
}

func runUserQuota(cmd *cobra.Command, args []string) error {
	quota, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid quota %q: %w", args[1], err)
	}

	cat, _, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	ctx := context.Background()
	user, err := cat.GetUserByUsername(ctx, args[0])
	if err != nil {
		return err
	}
	if err := cat.UpdateUserQuota(ctx, user.ID, quota); err != nil {
		return err
	}

	fmt.Printf("User %s quota set to %s\n", user.Username, formatQuota(quota))
	return nil
}

// formatQuota renders a byte quota, mapping the unlimited sentinel.
func formatQuota(q int64) string {
	if q == catalog.QuotaUnlimited {
		return "unlimited"
	}
	return strconv.FormatInt(q, 10)
}
