package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"scriptsync/api/internal/auth"
	"scriptsync/api/internal/rbac"
)

func newTokenCmd(opts *options) *cobra.Command {
	var (
		secret string
		claims auth.Claims
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with bearer tokens",
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint a signed token for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret or COLLAB_JWT_SECRET is required")
			}
			if claims.Sub == "" {
				return fmt.Errorf("--sub is required")
			}
			if claims.Name == "" {
				claims.Name = claims.Sub
			}
			claims.Role = string(rbac.Normalize(claims.Role))
			claims.JTI = uuid.NewString()
			claims.Exp = time.Now().Add(ttl).Unix()

			token, err := auth.IssueToken([]byte(secret), claims)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), map[string]any{
					"token":     token,
					"userId":    claims.Sub,
					"role":      claims.Role,
					"expiresAt": time.Unix(claims.Exp, 0).UTC(),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&secret, "secret", envOr("COLLAB_JWT_SECRET", ""), "signing secret")
	issue.Flags().StringVar(&claims.Sub, "sub", "", "user id")
	issue.Flags().StringVar(&claims.Name, "name", "", "display name (defaults to --sub)")
	issue.Flags().StringVar(&claims.Email, "email", "", "email shown as lock holder")
	issue.Flags().StringVar(&claims.Avatar, "avatar", "", "avatar URL")
	issue.Flags().StringVar(&claims.Role, "role", string(rbac.RoleEditor), "viewer, editor or admin")
	issue.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")

	cmd.AddCommand(issue)
	return cmd
}
