package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scriptsync/api/internal/lock"
)

func newLocksCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and manage node locks",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List live node locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			locks, err := lock.NewClient(opts.api()).List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list locks: %w", err)
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return outputJSON(out, map[string]any{"locks": locks})
			}
			if len(locks) == 0 {
				fmt.Fprintln(out, "No locks held")
				return nil
			}
			for _, l := range locks {
				fmt.Fprintf(out, "%s  %s  expires %s\n",
					cyan.Sprint(l.ResourceID), l.OwnerLabel, l.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	acquire := &cobra.Command{
		Use:   "acquire <resource-id>",
		Short: "Acquire or renew the lock on a node as the token's user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			grant, err := lock.NewClient(opts.api()).Acquire(cmd.Context(), args[0])
			out := cmd.OutOrStdout()
			if err != nil {
				if holder, ok := lock.LockedBy(err); ok {
					return fmt.Errorf("%s is locked by %s", args[0], holder)
				}
				if errors.Is(err, lock.ErrTransientStore) {
					return fmt.Errorf("lock service unavailable, try again: %w", err)
				}
				return err
			}
			if opts.jsonOutput {
				return outputJSON(out, grant)
			}
			green.Fprintf(out, "Lock acquired on %s\n", grant.ResourceID)
			fmt.Fprintf(out, "  Expires: %s\n", grant.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	release := &cobra.Command{
		Use:   "release <resource-id>",
		Short: "Release a lock held by the token's user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			if err := lock.NewClient(opts.api()).Release(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("release lock: %w", err)
			}
			if opts.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), map[string]any{"ok": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, acquire, release)
	return cmd
}
