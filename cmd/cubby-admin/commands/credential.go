package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cubbystore/cubby/internal/catalog"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Credential management",
	Long: `Manage SigV4 key pairs and bearer API tokens.

S3 credentials carry an explicit bucket whitelist; bearer tokens cover
every bucket their user owns. Secrets are printed once at creation and
never again.

Examples:
  # Key pair for alice, whitelisted for two buckets
  cubby-admin credential create-s3 alice --bucket photos --bucket assets

  # Bearer token valid for 30 days
  cubby-admin credential create-token alice --description backups --ttl 720h

  # List alice's credentials
  cubby-admin credential list alice

  # Revoke by id
  cubby-admin credential revoke 6a1f...`,
}

var (
	credS3Buckets []string
	credTokenDesc string
	credTokenTTL  time.Duration
)

var credentialCreateS3Cmd = &cobra.Command{
	Use:   "create-s3 <username>",
	Short: "Create a SigV4 key pair",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialCreateS3,
}

var credentialCreateTokenCmd = &cobra.Command{
	Use:   "create-token <username>",
	Short: "Create a bearer API token",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialCreateToken,
}

var credentialListCmd = &cobra.Command{
	Use:   "list <username>",
	Short: "List a user's credentials",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialList,
}

var credentialRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a credential or token by id",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialRevoke,
}

func init() {
	credentialCreateS3Cmd.Flags().StringArrayVar(&credS3Buckets, "bucket", nil, "bucket to whitelist (repeatable)")

	credentialCreateTokenCmd.Flags().StringVar(&credTokenDesc, "description", "", "token description")
	credentialCreateTokenCmd.Flags().DurationVar(&credTokenTTL, "ttl", 0, "token lifetime (0 for no expiry)")

	credentialCmd.AddCommand(credentialCreateS3Cmd)
	credentialCmd.AddCommand(credentialCreateTokenCmd)
	credentialCmd.AddCommand(credentialListCmd)
	credentialCmd.AddCommand(credentialRevokeCmd)
}

func runCredentialCreateS3(cmd *cobra.Command, args []string) error {
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

	var grants []catalog.BucketGrant
	for _, name := range credS3Buckets {
		bucket, err := cat.GetBucketByName(ctx, name)
		if err != nil {
			return fmt.Errorf("resolving bucket %q: %w", name, err)
		}
		grants = append(grants, catalog.BucketGrant{BucketID: bucket.ID})
	}

	cred := &catalog.S3Credential{UserID: user.ID, Grants: grants}
	if err := cat.CreateS3Credential(ctx, cred); err != nil {
		return fmt.Errorf("creating credential: %w", err)
	}

	fmt.Printf("Created S3 credential for %s (id %s)\n", user.Username, cred.ID)
	fmt.Printf("  Access key: %s\n", cred.AccessKey)
	fmt.Printf("  Secret key: %s\n", cred.SecretKey)
	fmt.Println("Store the secret key now; it is not shown again.")
	return nil
}

func runCredentialCreateToken(cmd *cobra.Command, args []string) error {
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

	token := &catalog.APIToken{
		UserID:      user.ID,
		Description: credTokenDesc,
		IsAPI:       true,
	}
	if credTokenTTL > 0 {
		exp := time.Now().UTC().Add(credTokenTTL)
		token.ExpiresAt = &exp
	}
	if err := cat.CreateAPIToken(ctx, token); err != nil {
		return fmt.Errorf("creating token: %w", err)
	}

	fmt.Printf("Created API token for %s (id %s)\n", user.Username, token.ID)
	fmt.Printf("  Token: %s\n", token.Token)
	if token.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println("Store the token now; it is not shown again.")
	return nil
}

func runCredentialList(cmd *cobra.Command, args []string) error {
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

	creds, err := cat.ListS3Credentials(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}
	tokens, err := cat.ListAPITokens(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("listing tokens: %w", err)
	}

	// Grant rows store bucket ids; show names.
	bucketNames := make(map[string]string)
	bucketName := func(id string) string {
		if name, ok := bucketNames[id]; ok {
			return name
		}
		name := id
		if b, err := cat.GetBucketByID(ctx, id); err == nil {
			name = b.Name
		}
		bucketNames[id] = name
		return name
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tKIND\tACCESS KEY\tBUCKETS/DESCRIPTION\tEXPIRES")
	for _, c := range creds {
		var names []string
		for _, g := range c.Grants {
			names = append(names, bucketName(g.BucketID))
		}
		fmt.Fprintf(w, "%s\ts3\t%s\t%s\t-\n", c.ID, c.AccessKey, strings.Join(names, ","))
	}
	for _, t := range tokens {
		expires := "-"
		if t.ExpiresAt != nil {
			expires = t.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\ttoken\t-\t%s\t%s\n", t.ID, t.Description, expires)
	}
	return w.Flush()
}

func runCredentialRevoke(cmd *cobra.Command, args []string) error {
	cat, _, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	ctx := context.Background()
	id := args[0]

	err = cat.DeleteS3Credential(ctx, id)
	if err == nil {
		fmt.Printf("Revoked S3 credential %s\n", id)
		return nil
	}
	if !errors.Is(err, catalog.ErrCredentialNotFound) {
		return err
	}

	err = cat.DeleteAPIToken(ctx, id)
	if err == nil {
		fmt.Printf("Revoked API token %s\n", id)
		return nil
	}
	if errors.Is(err, catalog.ErrTokenNotFound) {
		return fmt.Errorf("no credential or token with id %s", id)
	}
	return err
}
